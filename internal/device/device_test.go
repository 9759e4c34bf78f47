package device

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/registry"
	"github.com/bao-project/bao-vhost-frontend/internal/vhostuser"
)

type fakeModel struct {
	devicemodel.Model
	ioeventCalls []devicemodel.IoEventFd
	irqfdCalls   []devicemodel.IrqFd
}

func (f *fakeModel) CreateIoEventFd(ev devicemodel.IoEventFd) error {
	f.ioeventCalls = append(f.ioeventCalls, ev)
	return nil
}

func (f *fakeModel) CreateIrqFd(irq devicemodel.IrqFd) error {
	f.irqfdCalls = append(f.irqfdCalls, irq)
	return nil
}

type fakeClient struct {
	queueSizes  []int
	resetCalls  int
	shutdownErr error
}

func (f *fakeClient) DeviceType() uint32   { return 1 }
func (f *fakeClient) QueueMaxSizes() []int { return f.queueSizes }
func (f *fakeClient) DeviceFeatures() (uint64, error) {
	return 0, nil
}
func (f *fakeClient) NegotiateFeatures(uint64) error              { return nil }
func (f *fakeClient) ReadConfig(uint64, []byte) error             { return nil }
func (f *fakeClient) WriteConfig(uint64, []byte) error            { return nil }
func (f *fakeClient) Activate([]vhostuser.MemoryRegion, vhostuser.Interrupt, []vhostuser.QueueState) error {
	return nil
}
func (f *fakeClient) Reset() error {
	f.resetCalls++
	return nil
}
func (f *fakeClient) Shutdown() error { return f.shutdownErr }

func ramFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bao-ram")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	require.NoError(t, f.Close())
	return f.Name()
}

func TestNewResolvesClassAndDialsExpectedSocket(t *testing.T) {
	reg := registry.New()
	m := &fakeModel{}
	client := &fakeClient{queueSizes: []int{256}}

	var dialedPath string
	dial := func(cfg vhostuser.Config) (vhostuser.Client, error) {
		dialedPath = cfg.SocketPath
		return client, nil
	}

	dev, err := New(Spec{
		DevID: 2, IRQ: 0x2f, Addr: 0xa003e00,
		RAMAddr: 0, RAMSize: 4096, ShmemPath: ramFile(t), SockPrefix: "/tmp/bao-",
	}, reg, m, dial)
	require.NoError(t, err)
	defer dev.Exit()

	assert.Equal(t, "/tmp/bao-blk.sock0", dialedPath)
	assert.Equal(t, uint64(0xa003e00), dev.Addr())
}

func TestNewFailsForUnknownClass(t *testing.T) {
	reg := registry.New()
	m := &fakeModel{}
	dial := func(cfg vhostuser.Config) (vhostuser.Client, error) {
		t.Fatal("dial must not be called for an unsupported class")
		return nil, nil
	}

	_, err := New(Spec{DevID: 99, Addr: 1}, reg, m, dial)
	require.Error(t, err)
}

func TestExitOrderDeassignsResetsAndShutsDown(t *testing.T) {
	reg := registry.New()
	m := &fakeModel{}
	client := &fakeClient{queueSizes: []int{256}}
	dial := func(cfg vhostuser.Config) (vhostuser.Client, error) { return client, nil }

	dev, err := New(Spec{
		DevID: 2, IRQ: 0x2f, Addr: 0xa003e00,
		RAMAddr: 0, RAMSize: 4096, ShmemPath: ramFile(t), SockPrefix: "/tmp/bao-",
	}, reg, m, dial)
	require.NoError(t, err)

	require.NoError(t, dev.Exit())
	assert.Equal(t, 1, client.resetCalls)

	require.Len(t, m.irqfdCalls, 2)
	assert.Equal(t, devicemodel.IrqFdFlagDeassign, m.irqfdCalls[1].Flags)

	require.Len(t, m.ioeventCalls, 2) // 1 assign + 1 deassign for the single queue
	assert.Equal(t, devicemodel.IoEventFdFlagDeassign, m.ioeventCalls[1].Flags)
}
