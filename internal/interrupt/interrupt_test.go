package interrupt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
)

type fakeModel struct {
	devicemodel.Model
	irqfdCalls []devicemodel.IrqFd
}

func (f *fakeModel) CreateIrqFd(irq devicemodel.IrqFd) error {
	f.irqfdCalls = append(f.irqfdCalls, irq)
	return nil
}

func TestNewAssignsIrqfdExactlyOnce(t *testing.T) {
	m := &fakeModel{}
	it, err := New(0x2f, m)
	require.NoError(t, err)
	defer it.Exit()

	require.Len(t, m.irqfdCalls, 1)
	assert.Equal(t, devicemodel.IrqFdFlagAssign, m.irqfdCalls[0].Flags)
}

func TestExitDeassignsSameFd(t *testing.T) {
	m := &fakeModel{}
	it, err := New(0x2f, m)
	require.NoError(t, err)

	require.NoError(t, it.Exit())
	require.Len(t, m.irqfdCalls, 2)
	assert.Equal(t, m.irqfdCalls[0].Fd, m.irqfdCalls[1].Fd)
	assert.Equal(t, devicemodel.IrqFdFlagDeassign, m.irqfdCalls[1].Flags)
}

func TestTriggerIsNoop(t *testing.T) {
	m := &fakeModel{}
	it, err := New(1, m)
	require.NoError(t, err)
	defer it.Exit()

	assert.NoError(t, it.Trigger())
}

func TestNotifierFdReturnsDistinctFd(t *testing.T) {
	m := &fakeModel{}
	it, err := New(1, m)
	require.NoError(t, err)
	defer it.Exit()

	fd, err := it.NotifierFd()
	require.NoError(t, err)
	assert.NotZero(t, fd)
	assert.NotEqual(t, it.call.Fd(), fd)
}
