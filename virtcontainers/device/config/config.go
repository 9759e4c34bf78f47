// Copyright (c) 2017-2018 Intel Corporation
// Copyright (c) 2018 Huawei Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config holds the device-type vocabulary shared by the device
// registry and the vhost-user client configuration. Trimmed from the
// teacher's OCI/VFIO/PCI device model down to the vhost-user device classes
// this frontend actually resolves compatible strings into.
package config

// DeviceType indicates a vhost-user device class.
type DeviceType string

const (
	// VhostUserSCSI is the SCSI-backed vhost-user device class.
	VhostUserSCSI DeviceType = "vhost-user-scsi-pci"

	// VhostUserNet is the net-backed vhost-user device class.
	VhostUserNet DeviceType = "virtio-net-pci"

	// VhostUserBlk is the block-backed vhost-user device class.
	VhostUserBlk DeviceType = "vhost-user-blk-pci"

	// VhostUserFS is the virtio-fs vhost-user device class.
	VhostUserFS DeviceType = "vhost-user-fs-pci"

	// VhostUserRNG is the entropy-source vhost-user device class.
	VhostUserRNG DeviceType = "virtio-rng-pci"
)

// VhostUserDeviceAttrs carries the per-Device vhost-user client
// configuration, in the shape of the teacher's VhostUserDeviceAttrs: just
// the fields a socket-based vhost-user connection needs, with the
// OCI/PCI-hotplug fields (MacAddress, Tag, CacheSize, Cache, PCIPath)
// dropped since this frontend never hotplugs into a VMM process.
type VhostUserDeviceAttrs struct {
	DevID      string
	SocketPath string
	Type       DeviceType

	// NumQueues and QueueSize are the vhost-user connection's queue
	// geometry, resolved from the device class.
	NumQueues int
	QueueSize int

	// Index disambiguates multiple devices of the same class, across all
	// guests of the process; it is appended to SocketPath.
	Index int
}
