package mmio

// Virtio-MMIO v2 register offsets, relative to a Device's MMIO base
// address. Byte-exact per the virtio 1.2 specification.
const (
	offsetMagicValue        uint32 = 0x000
	offsetVersion           uint32 = 0x004
	offsetDeviceID          uint32 = 0x008
	offsetVendorID          uint32 = 0x00c
	offsetDeviceFeatures    uint32 = 0x010
	offsetDeviceFeaturesSel uint32 = 0x014
	offsetDriverFeatures    uint32 = 0x020
	offsetDriverFeaturesSel uint32 = 0x024
	offsetQueueSel          uint32 = 0x030
	offsetQueueNumMax       uint32 = 0x034
	offsetQueueNum          uint32 = 0x038
	offsetQueueReady        uint32 = 0x044
	offsetQueueNotify       uint32 = 0x050
	offsetInterruptStatus   uint32 = 0x060
	offsetInterruptAck      uint32 = 0x064
	offsetStatus            uint32 = 0x070
	offsetQueueDescLow      uint32 = 0x080
	offsetQueueDescHigh     uint32 = 0x084
	offsetQueueAvailLow     uint32 = 0x090
	offsetQueueAvailHigh    uint32 = 0x094
	offsetQueueUsedLow      uint32 = 0x0a0
	offsetQueueUsedHigh     uint32 = 0x0a4
	offsetConfigGeneration  uint32 = 0x0fc
)

// intVring is bit 0 of INTERRUPT_STATUS: a used-ring notification.
const intVring uint32 = 1 << 0

// Feature bits the frontend unconditionally advertises/requires, following
// mmio.rs: VIRTIO_F_VERSION_1 (bit 32) and VIRTIO_F_IOMMU_PLATFORM (bit 33).
const (
	featureVersion1      = 32
	featureIOMMUPlatform = 33
)

// vhostUserConfigOffset is the sentinel above which a trapped access
// targets device configuration space rather than the register file.
// Resolved open question: kept as a typed uint64 constant (never
// upcast through a 32-bit intermediate) so it can never alias a real MMIO
// offset below 4 GiB.
const vhostUserConfigOffset uint64 = 0x1_0000_0000

// vendorID is the constant VENDOR_ID register value, matching the Rust
// source's magic ('M' 'V' 'K' 'L' -> Bao/Kernkonzept-flavoured id).
const vendorID uint32 = 0x4d564b4c

// magicValue is ASCII "virt" read as a little-endian u32: 0x74726976.
const magicValue uint32 = 0x74726976
