// Package registry is the process-wide device-class registry: a
// compatible-string to {class name, monotonic per-class index} mapping,
// eagerly initialised from a static table of supported device classes and
// serialised by a single mutex, as spec.md §9 "Process-wide registry"
// prescribes. Grounded on the Rust source's `lazy_static! DEVICES` map in
// device.rs.
package registry

import (
	"fmt"
	"sync"

	"github.com/bao-project/bao-vhost-frontend/internal/baoerrors"
	"github.com/bao-project/bao-vhost-frontend/virtcontainers/device/config"
)

// classEntry describes one supported device class and its monotonic
// per-class index counter (I6: shared across all Guests).
type classEntry struct {
	name      string
	devType   config.DeviceType
	numQueues int
	queueSize int
	nextIndex uint32
}

// supportedDevices is the static table every registry is seeded from. The
// numeric class id follows the virtio 1.2 device-id registry, mirroring
// the subset the Rust source's SUPPORTED_DEVICES table lists.
var supportedDevices = []struct {
	name      string
	id        uint64
	devType   config.DeviceType
	numQueues int
	queueSize int
}{
	{"net", 1, config.VhostUserNet, 2, 256},
	{"blk", 2, config.VhostUserBlk, 1, 256},
	{"rng", 4, config.VhostUserRNG, 1, 64},
	{"scsi", 8, config.VhostUserSCSI, 1, 256},
	{"fs", 26, config.VhostUserFS, 1, 1024},
}

// Registry is a mutex-guarded compatible-string to classEntry mapping.
type Registry struct {
	mu      sync.Mutex
	classes map[string]*classEntry
}

// New builds a Registry eagerly populated from supportedDevices.
func New() *Registry {
	r := &Registry{classes: make(map[string]*classEntry, len(supportedDevices))}
	for _, d := range supportedDevices {
		r.classes[Compatible(d.id)] = &classEntry{
			name:      d.name,
			devType:   d.devType,
			numQueues: d.numQueues,
			queueSize: d.queueSize,
		}
	}
	return r
}

// Compatible derives the device-tree compatible string from a numeric
// class id, per the glossary: "virtio,device{id}".
func Compatible(devID uint64) string {
	return fmt.Sprintf("virtio,device%d", devID)
}

// Class is the resolved, indexed class information handed back to Device
// construction.
type Class struct {
	Name      string
	DevType   config.DeviceType
	NumQueues int
	QueueSize int
	Index     uint32
}

// Resolve looks up devID's compatible string and returns its class
// information with a freshly incremented per-class index. Fails with
// *baoerrors.BaoDevNotSupported if the class is unknown.
func (r *Registry) Resolve(devID uint64) (Class, error) {
	compatible := Compatible(devID)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.classes[compatible]
	if !ok {
		return Class{}, &baoerrors.BaoDevNotSupported{Compatible: compatible}
	}

	idx := e.nextIndex
	e.nextIndex++

	return Class{
		Name:      e.name,
		DevType:   e.devType,
		NumQueues: e.numQueues,
		QueueSize: e.queueSize,
		Index:     idx,
	}, nil
}

var defaultRegistry = New()

// Default returns the process-wide registry singleton.
func Default() *Registry { return defaultRegistry }
