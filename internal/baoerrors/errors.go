// Package baoerrors defines the typed fault values the frontend raises while
// driving /dev/bao, the vhost-user handshake, and the virtio-MMIO register
// file. Every kind here corresponds to a policy in the error handling design:
// some abort the enclosing construction, some are recoverable at the
// Frontend, and the "guest fault" kinds never escape as a Go error at all —
// they are recorded into the completed IoRequest's Ret field instead.
package baoerrors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// OpenFdFailed reports failure to open a kernel descriptor (the control
// device or a guest-scoped backend fd). Fatal for the enclosing Guest
// construction.
type OpenFdFailed struct {
	Name string
	Err  error
}

func (e *OpenFdFailed) Error() string {
	return fmt.Sprintf("open %s failed: %v", e.Name, e.Err)
}

func (e *OpenFdFailed) Unwrap() error { return e.Err }

// BaoIoctlError wraps any failing ioctl against /dev/bao. Fatal for the
// operation; bubbles up to the configuration worker that issued it.
type BaoIoctlError struct {
	Site string
	Err  error
}

func (e *BaoIoctlError) Error() string {
	return fmt.Sprintf("bao ioctl at %s failed: %v", e.Site, e.Err)
}

func (e *BaoIoctlError) Unwrap() error { return e.Err }

// BaoDevNotSupported reports an unknown device class. Fatal for the Device,
// recoverable at the Frontend (skip and continue with the next device).
type BaoDevNotSupported struct {
	Compatible string
}

func (e *BaoDevNotSupported) Error() string {
	return fmt.Sprintf("device class not supported: %s", e.Compatible)
}

// VhostFrontendError wraps a vhost-user handshake failure (connect, feature
// read, config access). Fatal for the Device.
type VhostFrontendError struct {
	Err error
}

func (e *VhostFrontendError) Error() string {
	return fmt.Sprintf("vhost-user frontend error: %v", e.Err)
}

func (e *VhostFrontendError) Unwrap() error { return e.Err }

// VhostFrontendActivateError wraps a failed backend activation. Fatal for
// the Device.
type VhostFrontendActivateError struct {
	Err error
}

func (e *VhostFrontendActivateError) Error() string {
	return fmt.Sprintf("vhost-user activate failed: %v", e.Err)
}

func (e *VhostFrontendActivateError) Unwrap() error { return e.Err }

// InvalidFeatureSel reports a DEVICE_FEATURES read with an out-of-range
// selector. Surfaces to the guest as a non-zero Ret; the Device continues.
type InvalidFeatureSel struct {
	Sel uint32
}

func (e *InvalidFeatureSel) Error() string {
	return fmt.Sprintf("invalid device_features_sel: %d", e.Sel)
}

// InvalidMmioAddr reports a read or write at an offset the register file
// does not decode. Surfaces to the guest as a non-zero Ret; the Device
// continues.
type InvalidMmioAddr struct {
	Op     string
	Offset uint64
}

func (e *InvalidMmioAddr) Error() string {
	return fmt.Sprintf("invalid mmio %s at offset 0x%x", e.Op, e.Offset)
}

// InvalidMmioDir reports an IoRequest whose Op is neither READ nor WRITE.
// Surfaces to the guest as a non-zero Ret; the Device continues.
type InvalidMmioDir struct {
	Op uint32
}

func (e *InvalidMmioDir) Error() string {
	return fmt.Sprintf("invalid mmio direction: %d", e.Op)
}

// MmioLegacyNotSupported reports the guest negotiating features without
// VIRTIO_F_VERSION_1 set in the upper word. Every later DRIVER_FEATURES
// write returns it again, so features are never negotiated with the
// backend; other registers, QUEUE_READY included, are not gated by it.
type MmioLegacyNotSupported struct{}

func (e *MmioLegacyNotSupported) Error() string {
	return "legacy virtio (pre-1.0) is not supported"
}

// IommuPlatformNotSupported reports the guest negotiating features without
// VIRTIO_F_IOMMU_PLATFORM set in the upper word. As with
// MmioLegacyNotSupported, every later DRIVER_FEATURES write returns it
// again and features are never negotiated; other registers are not gated.
type IommuPlatformNotSupported struct{}

func (e *IommuPlatformNotSupported) Error() string {
	return "driver did not negotiate VIRTIO_F_IOMMU_PLATFORM"
}

// MmapGuestMemoryFailed reports a failed guest-RAM mapping. Fatal for
// Device construction.
type MmapGuestMemoryFailed struct {
	Path string
	Err  error
}

func (e *MmapGuestMemoryFailed) Error() string {
	return fmt.Sprintf("mmap guest memory from %s failed: %v", e.Path, e.Err)
}

func (e *MmapGuestMemoryFailed) Unwrap() error { return e.Err }

// IsGuestFault reports whether err is one of the malformed-access kinds that
// must never abort the Device, only populate IoRequest.Ret.
func IsGuestFault(err error) bool {
	switch pkgerrors.Cause(err).(type) {
	case *InvalidFeatureSel, *InvalidMmioAddr, *InvalidMmioDir:
		return true
	default:
		return false
	}
}
