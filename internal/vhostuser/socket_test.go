package vhostuser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bao-project/bao-vhost-frontend/virtcontainers/device/config"
)

func TestDeviceTypeIDKnownClasses(t *testing.T) {
	assert.Equal(t, uint32(2), DeviceTypeID(config.VhostUserBlk))
	assert.Equal(t, uint32(1), DeviceTypeID(config.VhostUserNet))
	assert.Equal(t, uint32(0), DeviceTypeID(config.DeviceType("unknown")))
}

func TestQueueMaxSizesRepeatsPerQueueSize(t *testing.T) {
	c := &SocketClient{cfg: Config{NumQueues: 3, QueueSize: 128}}
	assert.Equal(t, []int{128, 128, 128}, c.QueueMaxSizes())
}

func TestEncodeMemTableLayout(t *testing.T) {
	regions := []MemoryRegion{{GuestAddr: 0, Size: 0x1000, FileOffset: 0x6000_0000}}
	buf := encodeMemTable(regions)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(buf[16:24]))
}

func TestEncodeVringAddrFieldOrder(t *testing.T) {
	buf := encodeVringAddr(2, 0x1000, 0x2000, 0x3000)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(buf[8:16]))
	assert.Equal(t, uint64(0x3000), binary.LittleEndian.Uint64(buf[16:24]))
	assert.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(buf[24:32]))
}
