// Package devicemodel is a thin, typed facade over ioctls on the Bao
// hypervisor's control device, /dev/bao. It owns the two kernel descriptors
// (control device, guest-scoped backend) a Guest needs to create an I/O
// client, drain trapped accesses, and install ioeventfd/irqfd routes.
package devicemodel

import (
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-vhost-frontend/internal/baoerrors"
	"github.com/bao-project/bao-vhost-frontend/internal/logging"
	"github.com/bao-project/bao-vhost-frontend/virtcontainers/utils"
)

var dmLogger = logging.New("devicemodel")

// SetLogger overrides the package logger, preserving existing fields.
func SetLogger(logger *logrus.Entry) {
	dmLogger = logging.With(logger, dmLogger)
}

const baoDevicePath = "/dev/bao"

// I/O operation directions carried by IoRequest.Op.
const (
	IoRead  uint32 = 0
	IoWrite uint32 = 1
	IoAsk   uint32 = 2
)

// IoEventFd flags for DeviceModel.CreateIoEventFd.
const (
	IoEventFdFlagDatamatch uint32 = 1 << 0
	IoEventFdFlagDeassign  uint32 = 1 << 1
)

// IrqFd flags for DeviceModel.CreateIrqFd.
const (
	IrqFdFlagAssign   uint32 = 1 << 0
	IrqFdFlagDeassign uint32 = 1 << 1
)

// IoRequest mirrors the kernel's bao_io_request layout: a trapped guest
// access, decoded into virtio device selector, register offset, faulting
// address, operation, data value, access width and a return-status field.
type IoRequest struct {
	VirtioID     uint32
	_            [4]byte
	RegOff       uint64
	Addr         uint64
	Op           uint32
	_            [4]byte
	Value        uint64
	AccessWidth  uint32
	Ret          int32
}

// IoEventFd describes a kernel route from a guest store at Addr (Len bytes)
// to Fd, optionally gated by Data under IoEventFdFlagDatamatch.
type IoEventFd struct {
	Fd       uint32
	Flags    uint32
	Addr     uint64
	Len      uint32
	Reserved uint32
	Data     uint64
}

// IrqFd describes a kernel route that asserts the owning Device's IRQ
// whenever Fd is signalled.
type IrqFd struct {
	Fd    int32
	Flags uint32
}

// DeviceModel owns the control descriptor and the per-guest backend
// descriptor. Both are invalidated by Destroy; every other method after
// that returns ErrClosed.
type DeviceModel struct {
	guestID uint16
	ctrl    *os.File
	guest   *os.File
	RAMAddr uint64
	RAMSize uint64
	closed  bool
}

// Model is the capability surface Guest, Device and the MMIO engine drive.
// *DeviceModel implements it; tests substitute a fake instead of opening a
// real /dev/bao.
type Model interface {
	CreateIoClient() error
	DestroyIoClient() error
	AttachIoClient() error
	RequestIo() (IoRequest, error)
	NotifyIoCompleted(IoRequest) error
	NotifyGuest() error
	CreateIoEventFd(IoEventFd) error
	CreateIrqFd(IrqFd) error
	Destroy() error
}

// ErrClosed is returned by any DeviceModel operation invoked after Destroy.
var ErrClosed = &baoerrors.BaoIoctlError{Site: "devicemodel", Err: os.ErrClosed}

// New opens /dev/bao and creates a per-guest backend context via
// VM_VIRTIO_BACKEND_CREATE. On success the DeviceModel owns both
// descriptors until Destroy.
func New(guestID uint16, ramAddr, ramSize uint64) (*DeviceModel, error) {
	ctrl, err := os.OpenFile(baoDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, &baoerrors.OpenFdFailed{Name: baoDevicePath, Err: err}
	}

	id := int32(guestID)
	guestFd, err := ioctlRet(ctrl.Fd(), ioctlVMVirtioBackendCreate, unsafe.Pointer(&id))
	if err != nil {
		ctrl.Close()
		return nil, &baoerrors.OpenFdFailed{Name: "guest_fd", Err: err}
	}

	dmLogger.WithFields(logrus.Fields{"guest_id": guestID, "guest_fd": guestFd}).Debug("backend created")

	return &DeviceModel{
		guestID: guestID,
		ctrl:    ctrl,
		guest:   os.NewFile(uintptr(guestFd), "bao-guest"),
		RAMAddr: ramAddr,
		RAMSize: ramSize,
	}, nil
}

// Destroy issues VM_VIRTIO_BACKEND_DESTROY then closes both descriptors.
// Callers must destroy exactly once; it is not idempotent.
func (dm *DeviceModel) Destroy() error {
	id := int32(dm.guestID)
	if err := utils.Ioctl(dm.ctrl.Fd(), ioctlVMVirtioBackendDestroy, uintptr(unsafe.Pointer(&id))); err != nil {
		return &baoerrors.BaoIoctlError{Site: "VM_VIRTIO_BACKEND_DESTROY", Err: err}
	}

	dm.guest.Close()
	dm.ctrl.Close()
	dm.closed = true
	dm.RAMAddr = 0
	dm.RAMSize = 0
	return nil
}

// CreateIoClient creates the per-guest I/O client that receives trapped
// accesses.
func (dm *DeviceModel) CreateIoClient() error {
	if dm.closed {
		return ErrClosed
	}
	fd := int32(dm.guest.Fd())
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIOCreateClient, uintptr(unsafe.Pointer(&fd))); err != nil {
		return &baoerrors.BaoIoctlError{Site: "IO_CREATE_CLIENT", Err: err}
	}
	return nil
}

// DestroyIoClient tears down the per-guest I/O client.
func (dm *DeviceModel) DestroyIoClient() error {
	if dm.closed {
		return ErrClosed
	}
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIODestroyClient, 0); err != nil {
		return &baoerrors.BaoIoctlError{Site: "IO_DESTROY_CLIENT", Err: err}
	}
	return nil
}

// AttachIoClient blocks until the kernel has a request ready or the client
// is torn down.
func (dm *DeviceModel) AttachIoClient() error {
	if dm.closed {
		return ErrClosed
	}
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIOAttachClient, 0); err != nil {
		return &baoerrors.BaoIoctlError{Site: "IO_ATTACH_CLIENT", Err: err}
	}
	return nil
}

// RequestIo blocks until the next trapped guest access and returns its
// decoded record.
func (dm *DeviceModel) RequestIo() (IoRequest, error) {
	if dm.closed {
		return IoRequest{}, ErrClosed
	}
	req := IoRequest{Op: IoAsk}
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIORequest, uintptr(unsafe.Pointer(&req))); err != nil {
		return IoRequest{}, &baoerrors.BaoIoctlError{Site: "IO_REQUEST", Err: err}
	}
	return req, nil
}

// NotifyIoCompleted returns a populated request to the kernel so the
// faulting vCPU may resume. Preconditions: req.Value is set for reads,
// req.Ret is 0 for success or non-zero for a guest-visible fault.
func (dm *DeviceModel) NotifyIoCompleted(req IoRequest) error {
	if dm.closed {
		return ErrClosed
	}
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIORequestNotifyCompleted, uintptr(unsafe.Pointer(&req))); err != nil {
		return &baoerrors.BaoIoctlError{Site: "IO_REQUEST_NOTIFY_COMPLETED", Err: err}
	}
	return nil
}

// NotifyGuest raises the configuration-change interrupt line for this
// guest.
func (dm *DeviceModel) NotifyGuest() error {
	if dm.closed {
		return ErrClosed
	}
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIONotifyGuest, 0); err != nil {
		return &baoerrors.BaoIoctlError{Site: "IO_NOTIFY_GUEST", Err: err}
	}
	return nil
}

// CreateIoEventFd installs or removes (IoEventFdFlagDeassign) a kernel
// route from a guest store to ev.Fd.
func (dm *DeviceModel) CreateIoEventFd(ev IoEventFd) error {
	if dm.closed {
		return ErrClosed
	}
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIOEventFd, uintptr(unsafe.Pointer(&ev))); err != nil {
		return &baoerrors.BaoIoctlError{Site: "IOEVENTFD", Err: err}
	}
	return nil
}

// CreateIrqFd installs or removes (IrqFdFlagDeassign) a kernel route that
// asserts this Device's IRQ whenever irq.Fd is signalled.
func (dm *DeviceModel) CreateIrqFd(irq IrqFd) error {
	if dm.closed {
		return ErrClosed
	}
	if err := utils.Ioctl(dm.guest.Fd(), ioctlIRQFd, uintptr(unsafe.Pointer(&irq))); err != nil {
		return &baoerrors.BaoIoctlError{Site: "IRQFD", Err: err}
	}
	return nil
}

// ioctlRet performs the raw ioctl syscall and also returns its integer
// return value, for verbs like VM_VIRTIO_BACKEND_CREATE where the kernel
// hands back a new descriptor rather than just success/failure.
func ioctlRet(fd uintptr, request uintptr, data unsafe.Pointer) (int32, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, uintptr(data))
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl", errno)
	}
	return int32(r1), nil
}
