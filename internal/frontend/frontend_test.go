package frontend

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bao-project/bao-vhost-frontend/internal/device"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/registry"
	"github.com/bao-project/bao-vhost-frontend/internal/vhostuser"
)

type fakeModel struct{}

func (fakeModel) CreateIoClient() error                        { return nil }
func (fakeModel) DestroyIoClient() error                       { return nil }
func (fakeModel) AttachIoClient() error                        { return nil }
func (fakeModel) RequestIo() (devicemodel.IoRequest, error) {
	return devicemodel.IoRequest{}, errors.New("no fake requests queued")
}
func (fakeModel) NotifyIoCompleted(devicemodel.IoRequest) error { return nil }
func (fakeModel) NotifyGuest() error                            { return nil }
func (fakeModel) CreateIoEventFd(devicemodel.IoEventFd) error   { return nil }
func (fakeModel) CreateIrqFd(devicemodel.IrqFd) error           { return nil }
func (fakeModel) Destroy() error                                { return nil }

type fakeClient struct{ queueSizes []int }

func (f *fakeClient) DeviceType() uint32               { return 2 }
func (f *fakeClient) QueueMaxSizes() []int             { return f.queueSizes }
func (f *fakeClient) DeviceFeatures() (uint64, error)  { return 0, nil }
func (f *fakeClient) NegotiateFeatures(uint64) error   { return nil }
func (f *fakeClient) ReadConfig(uint64, []byte) error  { return nil }
func (f *fakeClient) WriteConfig(uint64, []byte) error { return nil }
func (f *fakeClient) Activate([]vhostuser.MemoryRegion, vhostuser.Interrupt, []vhostuser.QueueState) error {
	return nil
}
func (f *fakeClient) Reset() error    { return nil }
func (f *fakeClient) Shutdown() error { return nil }

func ramFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bao-ram")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	require.NoError(t, f.Close())
	return f.Name()
}

func newTestFrontend() *Frontend {
	open := func(uint16, uint64, uint64) (devicemodel.Model, error) { return fakeModel{}, nil }
	dial := func(cfg vhostuser.Config) (vhostuser.Client, error) { return &fakeClient{queueSizes: []int{256}}, nil }
	return New(registry.New(), dial, open)
}

func TestAddDeviceCreatesGuestOnFirstDevice(t *testing.T) {
	f := newTestFrontend()

	err := f.AddDevice(AddDeviceRequest{
		GuestID: 0, RAMAddr: 0, RAMSize: 4096,
		Device: device.Spec{DevID: 2, IRQ: 0x2f, Addr: 0xa003e00, ShmemPath: ramFile(t), SockPrefix: "/tmp/bao-"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.GuestCount())
}

func TestAddDeviceUnknownClassLeavesMapsUnchanged(t *testing.T) {
	f := newTestFrontend()

	err := f.AddDevice(AddDeviceRequest{
		GuestID: 0, RAMAddr: 0, RAMSize: 4096,
		Device: device.Spec{DevID: 99, Addr: 1, ShmemPath: ramFile(t), SockPrefix: "/tmp/bao-"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, f.GuestCount())
}

func TestRemoveDeviceRemovesEmptyGuest(t *testing.T) {
	f := newTestFrontend()
	require.NoError(t, f.AddDevice(AddDeviceRequest{
		GuestID: 0, RAMAddr: 0, RAMSize: 4096,
		Device: device.Spec{DevID: 2, IRQ: 0x2f, Addr: 0xa003e00, ShmemPath: ramFile(t), SockPrefix: "/tmp/bao-"},
	}))
	require.Equal(t, 1, f.GuestCount())

	require.NoError(t, f.RemoveDevice(0, 0xa003e00))
	assert.Equal(t, 0, f.GuestCount())
}

func TestPushThreadJoinedOnClose(t *testing.T) {
	f := newTestFrontend()
	done := make(chan struct{})
	f.PushThread(func() error {
		close(done)
		return nil
	})

	require.NoError(t, f.Close())
	select {
	case <-done:
	default:
		t.Fatal("pushed worker did not run before Close returned")
	}
}
