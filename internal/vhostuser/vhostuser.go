// Package vhostuser is the master side of the subset of the vhost-user
// protocol this frontend drives: feature negotiation, device configuration
// space access, and backend activation. It plays the role the spec
// describes as an out-of-scope collaborator (a defined capability set),
// implemented here as a thin client over a Unix domain socket since no
// vhost-user master library is available in the retrieved pack.
package vhostuser

import (
	"github.com/bao-project/bao-vhost-frontend/virtcontainers/device/config"
)

// MemoryRegion is one mapped guest-RAM region handed to the backend at
// activation, addressed at GuestAddr with the mapping's file descriptor and
// offset so the backend can mmap the same pages.
type MemoryRegion struct {
	GuestAddr  uint64
	Size       uint64
	HostFd     uintptr
	FileOffset uint64
}

// QueueState is one virtqueue's negotiated geometry plus the kick eventfd
// the backend should poll (or, once ioeventfd is installed, never needs to
// poll directly again).
type QueueState struct {
	Index      int
	Size       int
	DescAddr   uint64
	AvailAddr  uint64
	UsedAddr   uint64
	KickFd     uintptr
}

// Interrupt is the notifier capability Activate hands to the backend so it
// can raise used-buffer and config-change interrupts without a user-space
// round trip.
type Interrupt interface {
	Trigger() error
	NotifierFd() (uintptr, error)
}

// Client is the vhost-user master-protocol capability set this frontend
// consumes, matching spec.md §6 exactly: device_type, device_features,
// read_config, write_config, queue_max_sizes, negotiate_features, activate,
// reset, shutdown.
type Client interface {
	// DeviceType returns the locally configured virtio device class id;
	// it is not a wire round trip.
	DeviceType() uint32

	// QueueMaxSizes returns one maximum queue size per configured queue;
	// like DeviceType, this reflects the client's own configuration
	// rather than a live query.
	QueueMaxSizes() []int

	DeviceFeatures() (uint64, error)
	NegotiateFeatures(features uint64) error
	ReadConfig(offset uint64, buf []byte) error
	WriteConfig(offset uint64, buf []byte) error
	Activate(mem []MemoryRegion, irq Interrupt, queues []QueueState) error
	Reset() error
	Shutdown() error
}

// Config is the per-Device vhost-user connection configuration, built by
// Device construction from the resolved device class and socket prefix.
type Config = config.VhostUserDeviceAttrs

// deviceTypeID maps the device class string to the numeric virtio device
// id the guest observes at VIRTIO_MMIO_DEVICE_ID. These follow the virtio
// 1.2 device-id registry (net=1, blk=2, rng=4, scsi=8, fs=26).
var deviceTypeID = map[config.DeviceType]uint32{
	config.VhostUserNet:  1,
	config.VhostUserBlk:  2,
	config.VhostUserRNG:  4,
	config.VhostUserSCSI: 8,
	config.VhostUserFS:   26,
}

// DeviceTypeID resolves the numeric virtio device id for a configured
// device class, 0 if unknown.
func DeviceTypeID(t config.DeviceType) uint32 {
	return deviceTypeID[t]
}
