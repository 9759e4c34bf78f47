package guest

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bao-project/bao-vhost-frontend/internal/device"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/registry"
	"github.com/bao-project/bao-vhost-frontend/internal/vhostuser"
)

type fakeModel struct {
	mu                   sync.Mutex
	createIoClientCalls  int
	destroyIoClientCalls int
	destroyCalls         int
	attachCalls          int
	requestQueue         []devicemodel.IoRequest
	notifyCompleted      []devicemodel.IoRequest
}

func (f *fakeModel) CreateIoClient() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createIoClientCalls++
	return nil
}

func (f *fakeModel) DestroyIoClient() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyIoClientCalls++
	return nil
}

func (f *fakeModel) AttachIoClient() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls++
	return nil
}

func (f *fakeModel) RequestIo() (devicemodel.IoRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requestQueue) == 0 {
		return devicemodel.IoRequest{}, errors.New("dispatch loop stopped: no more fake requests")
	}
	req := f.requestQueue[0]
	f.requestQueue = f.requestQueue[1:]
	return req, nil
}

func (f *fakeModel) NotifyIoCompleted(req devicemodel.IoRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCompleted = append(f.notifyCompleted, req)
	return nil
}

func (f *fakeModel) NotifyGuest() error                          { return nil }
func (f *fakeModel) CreateIoEventFd(devicemodel.IoEventFd) error { return nil }
func (f *fakeModel) CreateIrqFd(devicemodel.IrqFd) error         { return nil }

func (f *fakeModel) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	return nil
}

type fakeClient struct{ queueSizes []int }

func (f *fakeClient) DeviceType() uint32              { return 2 }
func (f *fakeClient) QueueMaxSizes() []int            { return f.queueSizes }
func (f *fakeClient) DeviceFeatures() (uint64, error) { return 0, nil }
func (f *fakeClient) NegotiateFeatures(uint64) error  { return nil }
func (f *fakeClient) ReadConfig(uint64, []byte) error { return nil }
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

func dialer(client vhostuser.Client) device.Dialer {
	return func(cfg vhostuser.Config) (vhostuser.Client, error) { return client, nil }
}

func addSpec(addr uint64, devID uint64, shmem string) device.Spec {
	return device.Spec{DevID: devID, IRQ: 0x2f, Addr: addr, RAMAddr: 0, RAMSize: 4096, ShmemPath: shmem, SockPrefix: "/tmp/bao-"}
}

func TestAddDeviceCreatesIoClientOnce(t *testing.T) {
	m := &fakeModel{}
	reg := registry.New()
	g := New(1, m)

	require.NoError(t, g.AddDevice(addSpec(0xa003e00, 2, ramFile(t)), reg, dialer(&fakeClient{queueSizes: []int{256}})))
	require.NoError(t, g.AddDevice(addSpec(0xa003f00, 1, ramFile(t)), reg, dialer(&fakeClient{queueSizes: []int{256, 256}})))

	assert.Equal(t, 1, m.createIoClientCalls)
	assert.False(t, g.IsEmpty())
}

func TestRemoveDeviceDeletesAndExits(t *testing.T) {
	m := &fakeModel{}
	reg := registry.New()
	g := New(1, m)
	require.NoError(t, g.AddDevice(addSpec(0xa003e00, 2, ramFile(t)), reg, dialer(&fakeClient{queueSizes: []int{256}})))

	require.NoError(t, g.RemoveDevice(0xa003e00))
	assert.True(t, g.IsEmpty())

	g.Close()
	assert.Equal(t, 1, m.destroyCalls)
}

func TestDispatchRoutesByFaultingAddress(t *testing.T) {
	m := &fakeModel{}
	reg := registry.New()
	g := New(1, m)
	require.NoError(t, g.AddDevice(addSpec(0xa003e00, 2, ramFile(t)), reg, dialer(&fakeClient{queueSizes: []int{256}})))

	req := &devicemodel.IoRequest{Addr: 0xa003e00, Op: devicemodel.IoRead, RegOff: 0x004}
	g.dispatch(req)
	assert.Equal(t, int32(0), req.Ret)
	assert.Equal(t, uint64(2), req.Value) // VERSION register
}

func TestDispatchUnknownAddressSetsNonZeroRet(t *testing.T) {
	m := &fakeModel{}
	g := New(1, m)

	req := &devicemodel.IoRequest{Addr: 0xbad, Op: devicemodel.IoRead}
	g.dispatch(req)
	assert.Equal(t, int32(-1), req.Ret)
}

func TestEnableIoEventsDrainsRequestsUntilStopped(t *testing.T) {
	m := &fakeModel{}
	reg := registry.New()
	g := New(1, m)
	require.NoError(t, g.AddDevice(addSpec(0xa003e00, 2, ramFile(t)), reg, dialer(&fakeClient{queueSizes: []int{256}})))

	m.requestQueue = []devicemodel.IoRequest{
		{Addr: 0xa003e00, Op: devicemodel.IoRead, RegOff: 0x004},
	}

	g.EnableIoEvents()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.notifyCompleted) == 1
	}, time.Second, time.Millisecond)

	g.Close()
	assert.Equal(t, 1, m.destroyIoClientCalls)
	assert.Equal(t, 1, m.destroyCalls)
}
