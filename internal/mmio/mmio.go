// Package mmio implements the virtio-MMIO v2 register file and the state
// machine that brings a queue-based device up against a vhost-user backend:
// FRESH -> FEATURES_NEGOTIATED -> QUEUES_CONFIGURING -> ACTIVE -> TEARDOWN.
// One Engine exists per Device; it owns the per-queue kick eventfds and the
// mapped guest-RAM regions, and never blocks on I/O itself (its only waits
// are its own mutex).
package mmio

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-vhost-frontend/internal/baoerrors"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/logging"
	"github.com/bao-project/bao-vhost-frontend/internal/vhostuser"
)

var mmioLogger = logging.New("mmio")

// SetLogger overrides the package logger, preserving existing fields.
func SetLogger(logger *logrus.Entry) {
	mmioLogger = logging.With(logger, mmioLogger)
}

// virtQueue is one virtqueue's register-visible state plus its owned kick
// eventfd (I3: the unique signal source for "queue k notified").
type virtQueue struct {
	ready   uint32
	size    uint32
	sizeMax uint32

	descLo, descHi   uint32
	availLo, availHi uint32
	usedLo, usedHi   uint32

	kick *os.File
}

// pendingQueue is a queue that has transitioned to ready but has not yet
// been handed to the backend via activate.
type pendingQueue struct {
	index     int
	size      int
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	kickFd    uintptr
}

// memRegion is one guest-RAM mapping, wrapped at guest address 0 per
// construction: the hypervisor pre-offsets, so a non-zero guest base here
// would expose foreign memory.
type memRegion struct {
	guestAddr  uint64
	size       uint64
	data       []byte
	file       *os.File
	fileOffset uint64
}

// Engine is the MMIO register file and virtqueue bookkeeping for one
// Device. All accesses go through IoEvent, which takes mu for the
// duration (O1: per-Device accesses are serialised on this side by this
// mutex, and by the hypervisor pausing the faulting vCPU on the other).
type Engine struct {
	mu sync.Mutex

	addr uint64 // MMIO base address, for ioeventfd addr tuples only

	version uint32
	status  uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel       uint32
	interruptState uint32

	queuesCount int
	activated   bool

	vq      []virtQueue
	pending []pendingQueue
	regions []memRegion

	model     devicemodel.Model
	client    vhostuser.Client
	interrupt vhostuser.Interrupt
}

// New builds the register file: one eventfd + ioeventfd per queue the
// backend advertises, then a shared read/write mapping of guest RAM.
// shmemPath, if non-empty, replaces the default /dev/mem as the region's
// backing file (resolved open question: the configuration's shmem_path is
// plumbed through to the mapping instead of being silently dropped).
func New(addr uint64, model devicemodel.Model, client vhostuser.Client, ramAddr, ramSize uint64, shmemPath string) (*Engine, error) {
	sizes := client.QueueMaxSizes()

	e := &Engine{
		addr:        addr,
		version:     2,
		queuesCount: len(sizes),
		model:       model,
		client:      client,
	}

	for idx, sz := range sizes {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
		if err != nil {
			e.closeQueues()
			return nil, &baoerrors.OpenFdFailed{Name: "mmio-kick", Err: err}
		}
		kick := os.NewFile(uintptr(fd), fmt.Sprintf("bao-kick-%d", idx))

		if err := model.CreateIoEventFd(devicemodel.IoEventFd{
			Fd:    uint32(kick.Fd()),
			Flags: devicemodel.IoEventFdFlagDatamatch,
			Addr:  addr + uint64(offsetQueueNotify),
			Len:   4,
			Data:  uint64(idx),
		}); err != nil {
			kick.Close()
			e.closeQueues()
			return nil, err
		}

		e.vq = append(e.vq, virtQueue{sizeMax: uint32(sz), kick: kick})
	}

	path := shmemPath
	if path == "" {
		path = "/dev/mem"
	}
	if err := e.mapRegion(path, ramAddr, ramSize); err != nil {
		e.closeQueues()
		return nil, err
	}

	return e, nil
}

func (e *Engine) mapRegion(path string, ramAddr, ramSize uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return &baoerrors.MmapGuestMemoryFailed{Path: path, Err: err}
	}

	data, err := unix.Mmap(int(f.Fd()), int64(ramAddr), int(ramSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return &baoerrors.MmapGuestMemoryFailed{Path: path, Err: err}
	}

	e.regions = append(e.regions, memRegion{guestAddr: 0, size: ramSize, data: data, file: f, fileOffset: ramAddr})
	return nil
}

func (e *Engine) closeQueues() {
	for i := range e.vq {
		e.vq[i].kick.Close()
	}
}

// AttachInterrupt records this Device's Interrupt as the notifier capability
// handed to the backend at activation. Construction order requires this: the
// Interrupt is built after the MMIO engine (spec §4.4 steps 4 then 5).
func (e *Engine) AttachInterrupt(i vhostuser.Interrupt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupt = i
}

// IoEvent decodes and services one trapped guest access, filling req.Value
// (for reads) and returning any error that must surface as a non-zero
// req.Ret rather than abort the Device (baoerrors.IsGuestFault callers).
func (e *Engine) IoEvent(req *devicemodel.IoRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.RegOff >= vhostUserConfigOffset {
		offset := req.RegOff - vhostUserConfigOffset
		switch req.Op {
		case devicemodel.IoRead:
			return e.configRead(req, offset)
		case devicemodel.IoWrite:
			return e.configWrite(req, offset)
		default:
			return &baoerrors.InvalidMmioDir{Op: req.Op}
		}
	}

	offset := uint32(req.RegOff)
	switch req.Op {
	case devicemodel.IoRead:
		return e.ioRead(req, offset)
	case devicemodel.IoWrite:
		return e.ioWrite(req, offset)
	default:
		return &baoerrors.InvalidMmioDir{Op: req.Op}
	}
}

func (e *Engine) selectedQueue(offset uint32, op string) (*virtQueue, error) {
	if int(e.queueSel) >= len(e.vq) {
		return nil, &baoerrors.InvalidMmioAddr{Op: op, Offset: uint64(offset)}
	}
	return &e.vq[e.queueSel], nil
}

func (e *Engine) ioRead(req *devicemodel.IoRequest, offset uint32) error {
	switch offset {
	case offsetMagicValue:
		req.Value = uint64(magicValue)
	case offsetVersion:
		req.Value = uint64(e.version)
	case offsetDeviceID:
		req.Value = uint64(e.client.DeviceType())
	case offsetVendorID:
		req.Value = uint64(vendorID)
	case offsetStatus:
		req.Value = uint64(e.status)
	case offsetInterruptStatus:
		req.Value = uint64(e.interruptState | intVring)
	case offsetQueueNumMax:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.sizeMax)
	case offsetDeviceFeatures:
		if e.deviceFeaturesSel > 1 {
			return &baoerrors.InvalidFeatureSel{Sel: e.deviceFeaturesSel}
		}
		features, err := e.client.DeviceFeatures()
		if err != nil {
			return &baoerrors.VhostFrontendError{Err: err}
		}
		features |= 1 << featureVersion1
		features |= 1 << featureIOMMUPlatform
		req.Value = uint64(uint32(features >> (32 * e.deviceFeaturesSel)))
	case offsetQueueReady:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.ready)
	case offsetQueueDescLow:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.descLo)
	case offsetQueueDescHigh:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.descHi)
	case offsetQueueAvailLow:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.availLo)
	case offsetQueueAvailHigh:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.availHi)
	case offsetQueueUsedLow:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.usedLo)
	case offsetQueueUsedHigh:
		vq, err := e.selectedQueue(offset, "read")
		if err != nil {
			return err
		}
		req.Value = uint64(vq.usedHi)
	case offsetConfigGeneration:
		req.Value = 0
	default:
		return &baoerrors.InvalidMmioAddr{Op: "read", Offset: uint64(offset)}
	}
	return nil
}

func (e *Engine) ioWrite(req *devicemodel.IoRequest, offset uint32) error {
	val := uint32(req.Value)

	switch offset {
	case offsetDeviceFeaturesSel:
		e.deviceFeaturesSel = val
	case offsetDriverFeaturesSel:
		e.driverFeaturesSel = val
	case offsetQueueSel:
		e.queueSel = val
	case offsetStatus:
		e.status = val
	case offsetInterruptAck:
		e.interruptState &^= val
	case offsetDriverFeatures:
		return e.writeDriverFeatures(val)
	case offsetQueueNum:
		vq, err := e.selectedQueue(offset, "write")
		if err != nil {
			return err
		}
		vq.size = val
	case offsetQueueDescLow:
		vq, err := e.selectedQueue(offset, "write")
		if err != nil {
			return err
		}
		vq.descLo = val
	case offsetQueueDescHigh:
		vq, err := e.selectedQueue(offset, "write")
		if err != nil {
			return err
		}
		vq.descHi = val
	case offsetQueueAvailLow:
		vq, err := e.selectedQueue(offset, "write")
		if err != nil {
			return err
		}
		vq.availLo = val
	case offsetQueueAvailHigh:
		vq, err := e.selectedQueue(offset, "write")
		if err != nil {
			return err
		}
		vq.availHi = val
	case offsetQueueUsedLow:
		vq, err := e.selectedQueue(offset, "write")
		if err != nil {
			return err
		}
		vq.usedLo = val
	case offsetQueueUsedHigh:
		vq, err := e.selectedQueue(offset, "write")
		if err != nil {
			return err
		}
		vq.usedHi = val
	case offsetQueueReady:
		return e.writeQueueReady(offset, val)
	case offsetQueueNotify:
		// no-op: the ioeventfd installed in New routes this in the kernel.
	default:
		return &baoerrors.InvalidMmioAddr{Op: "write", Offset: uint64(offset)}
	}
	return nil
}

func (e *Engine) writeDriverFeatures(val uint32) error {
	shift := 32 * e.driverFeaturesSel
	e.driverFeatures |= uint64(val) << shift

	upper := uint32(e.driverFeatures >> 32)
	if upper&(1<<(featureVersion1-32)) == 0 {
		return &baoerrors.MmioLegacyNotSupported{}
	}
	if upper&(1<<(featureIOMMUPlatform-32)) == 0 {
		return &baoerrors.IommuPlatformNotSupported{}
	}
	if e.driverFeaturesSel == 1 {
		return nil
	}

	if err := e.client.NegotiateFeatures(e.driverFeatures); err != nil {
		return &baoerrors.VhostFrontendError{Err: err}
	}
	return nil
}

func (e *Engine) writeQueueReady(offset uint32, val uint32) error {
	vq, err := e.selectedQueue(offset, "write")
	if err != nil {
		return err
	}

	if val == 0 {
		for _, p := range e.pending {
			unix.Close(int(p.kickFd))
		}
		e.pending = e.pending[:0]
		vq.ready = 0
		return nil
	}

	vq.ready = 1
	descAddr := uint64(vq.descHi)<<32 | uint64(vq.descLo)
	availAddr := uint64(vq.availHi)<<32 | uint64(vq.availLo)
	usedAddr := uint64(vq.usedHi)<<32 | uint64(vq.usedLo)

	kickFd, err := unix.Dup(int(vq.kick.Fd()))
	if err != nil {
		return &baoerrors.OpenFdFailed{Name: "mmio-kick-clone", Err: err}
	}

	e.pending = append(e.pending, pendingQueue{
		index:     int(e.queueSel),
		size:      int(vq.size),
		descAddr:  descAddr,
		availAddr: availAddr,
		usedAddr:  usedAddr,
		kickFd:    uintptr(kickFd),
	})

	if !e.activated && len(e.pending) == e.queuesCount {
		return e.activateDevice()
	}
	return nil
}

// activateDevice hands the assembled guest memory, the Device's Interrupt,
// and the drained pending-queues list to the backend (I5, O4: at most once,
// only once every queue is ready).
func (e *Engine) activateDevice() error {
	mem := make([]vhostuser.MemoryRegion, len(e.regions))
	for i, r := range e.regions {
		mem[i] = vhostuser.MemoryRegion{GuestAddr: r.guestAddr, Size: r.size, HostFd: r.file.Fd(), FileOffset: r.fileOffset}
	}

	queues := make([]vhostuser.QueueState, len(e.pending))
	for i, p := range e.pending {
		queues[i] = vhostuser.QueueState{Index: p.index, Size: p.size, DescAddr: p.descAddr, AvailAddr: p.availAddr, UsedAddr: p.usedAddr, KickFd: p.kickFd}
	}

	err := e.client.Activate(mem, e.interrupt, queues)

	// SCM_RIGHTS duplicates into the receiver; our dup'd copies (made in
	// writeQueueReady) are ours to close once the backend has its own.
	for _, p := range e.pending {
		unix.Close(int(p.kickFd))
	}
	e.pending = e.pending[:0]

	if err != nil {
		return &baoerrors.VhostFrontendActivateError{Err: err}
	}

	e.activated = true
	mmioLogger.WithField("queues", len(queues)).Debug("backend activated")
	return nil
}

func (e *Engine) configRead(req *devicemodel.IoRequest, offset uint64) error {
	width := req.AccessWidth
	if width == 0 || width > 8 {
		width = 4
	}
	buf := make([]byte, width)
	if err := e.client.ReadConfig(offset, buf); err != nil {
		return &baoerrors.VhostFrontendError{Err: err}
	}

	var v uint64
	for i := uint32(0); i < width; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	req.Value = v
	return nil
}

func (e *Engine) configWrite(req *devicemodel.IoRequest, offset uint64) error {
	width := req.AccessWidth
	if width == 0 || width > 8 {
		width = 4
	}
	buf := make([]byte, width)
	for i := uint32(0); i < width; i++ {
		buf[i] = byte(req.Value >> (8 * i))
	}

	if err := e.client.WriteConfig(offset, buf); err != nil {
		return &baoerrors.VhostFrontendError{Err: err}
	}
	return nil
}

// Close deassigns every ioeventfd this Engine installed and unmaps guest
// RAM. Uses the same (addr, len, data) tuple as at install time, per the
// teardown contract.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for idx := range e.vq {
		vq := &e.vq[idx]
		err := e.model.CreateIoEventFd(devicemodel.IoEventFd{
			Fd:    uint32(vq.kick.Fd()),
			Flags: devicemodel.IoEventFdFlagDeassign,
			Addr:  e.addr + uint64(offsetQueueNotify),
			Len:   4,
			Data:  uint64(idx),
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
		vq.kick.Close()
	}

	for _, r := range e.regions {
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file.Close()
	}

	return firstErr
}
