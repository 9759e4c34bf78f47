package devicemodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoctlNumbersAreDistinct(t *testing.T) {
	seen := map[uintptr]string{
		ioctlVMVirtioBackendCreate:    "VM_VIRTIO_BACKEND_CREATE",
		ioctlVMVirtioBackendDestroy:   "VM_VIRTIO_BACKEND_DESTROY",
		ioctlIOCreateClient:           "IO_CREATE_CLIENT",
		ioctlIODestroyClient:          "IO_DESTROY_CLIENT",
		ioctlIOAttachClient:           "IO_ATTACH_CLIENT",
		ioctlIORequest:                "IO_REQUEST",
		ioctlIORequestNotifyCompleted: "IO_REQUEST_NOTIFY_COMPLETED",
		ioctlIONotifyGuest:            "IO_NOTIFY_GUEST",
		ioctlIOEventFd:                "IOEVENTFD",
		ioctlIRQFd:                    "IRQFD",
	}
	assert.Len(t, seen, 10, "every ioctl request number must be unique")
}

func TestIoEventFdFlags(t *testing.T) {
	assert.NotEqual(t, IoEventFdFlagDatamatch, IoEventFdFlagDeassign)
}

func TestIrqFdFlags(t *testing.T) {
	assert.NotEqual(t, IrqFdFlagAssign, IrqFdFlagDeassign)
}

func TestNewFailsWhenDeviceMissing(t *testing.T) {
	// /dev/bao does not exist in the test sandbox; New must surface
	// OpenFdFailed rather than panicking.
	_, err := New(0, 0, 0)
	assert.Error(t, err)
}
