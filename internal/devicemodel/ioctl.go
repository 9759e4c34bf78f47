package devicemodel

// Bao's /dev/bao ioctl ABI is not vendored as a kernel header in this repo
// (there is no out-of-tree module source in the build), so the request
// numbers below are declared as raw constants the way
// virtcontainers/acrn.go declares ioctl_ACRN_GET_PLATFORM_INFO: encoded by
// hand following the standard Linux ioctl _IO/_IOW/_IOR layout
// (direction<<30 | size<<16 | 'b'<<8 | nr), magic 'b' for "bao".
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	baoIoctlMagic = 'b'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | baoIoctlMagic<<8 | nr
}

const (
	sizeofInt32     = 4
	sizeofIoRequest = 48 // virtio_id(4)+pad(4) reg_off(8) addr(8) op(4)+pad(4) value(8) access_width(4) ret(4)
	sizeofIoEventFd = 32
	sizeofIrqFd     = 8
)

var (
	ioctlVMVirtioBackendCreate  = ioc(iocWrite, 1, sizeofInt32) //nolint
	ioctlVMVirtioBackendDestroy = ioc(iocWrite, 2, sizeofInt32) //nolint
	ioctlIOCreateClient         = ioc(iocWrite, 3, sizeofInt32) //nolint
	ioctlIODestroyClient        = ioc(iocNone, 4, 0)            //nolint
	ioctlIOAttachClient         = ioc(iocNone, 5, 0)            //nolint
	ioctlIORequest              = ioc(iocRead, 6, sizeofIoRequest) //nolint
	ioctlIORequestNotifyCompleted = ioc(iocWrite, 7, sizeofIoRequest) //nolint
	ioctlIONotifyGuest          = ioc(iocNone, 8, 0)            //nolint
	ioctlIOEventFd              = ioc(iocWrite, 9, sizeofIoEventFd) //nolint
	ioctlIRQFd                  = ioc(iocWrite, 10, sizeofIrqFd) //nolint
)
