// Package guest implements Guest (spec.md §4.5): a DeviceModel plus the
// map from MMIO base address to Device, and the per-Guest dispatch loop
// that drains trapped accesses (spec.md §5).
package guest

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bao-project/bao-vhost-frontend/internal/baoerrors"
	"github.com/bao-project/bao-vhost-frontend/internal/device"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/logging"
	"github.com/bao-project/bao-vhost-frontend/internal/registry"
)

var guestLogger = logging.New("guest")

// SetLogger overrides the package logger, preserving existing fields.
func SetLogger(logger *logrus.Entry) {
	guestLogger = logging.With(logger, guestLogger)
}

// Guest holds one guest's DeviceModel and its Devices, keyed by MMIO base
// address (I2: a (guest id, addr) pair is unique).
type Guest struct {
	mu sync.Mutex

	id    uint16
	model devicemodel.Model

	devices      map[uint64]*device.Device
	hasIoClient  bool
	dispatchOnce sync.Once
	started      bool
	stop         chan struct{}
	done         chan struct{}
}

// New wraps an already-opened DeviceModel for guest id.
func New(id uint16, model devicemodel.Model) *Guest {
	return &Guest{
		id:      id,
		model:   model,
		devices: make(map[uint64]*device.Device),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddDevice constructs a Device and inserts it keyed by spec.Addr. If this
// is the Guest's first Device, the per-guest I/O client is created.
func (g *Guest) AddDevice(spec device.Spec, reg *registry.Registry, dial device.Dialer) error {
	dev, err := device.New(spec, reg, g.model, dial)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasIoClient {
		if err := g.model.CreateIoClient(); err != nil {
			dev.Exit()
			return err
		}
		g.hasIoClient = true
	}

	g.devices[spec.Addr] = dev
	guestLogger.WithFields(logrus.Fields{"guest_id": g.id, "addr": spec.Addr}).Info("device added")
	return nil
}

// RemoveDevice locates the Device at addr, exits it, and drops it from the
// map.
func (g *Guest) RemoveDevice(addr uint64) error {
	g.mu.Lock()
	dev, ok := g.devices[addr]
	if ok {
		delete(g.devices, addr)
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}
	return dev.Exit()
}

// IsEmpty reports whether any Device remains; the Frontend uses this to
// decide whether to remove the whole Guest.
func (g *Guest) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.devices) == 0
}

// EnableIoEvents starts the dispatch loop exactly once: attach_io_client ->
// request_io -> dispatch -> notify_io_completed, repeated until Close.
func (g *Guest) EnableIoEvents() {
	g.dispatchOnce.Do(func() {
		g.started = true
		go g.dispatchLoop()
	})
}

func (g *Guest) dispatchLoop() {
	defer close(g.done)

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		if err := g.model.AttachIoClient(); err != nil {
			guestLogger.WithError(err).WithField("guest_id", g.id).Warn("attach_io_client failed")
			return
		}

		req, err := g.model.RequestIo()
		if err != nil {
			guestLogger.WithError(err).WithField("guest_id", g.id).Warn("request_io failed")
			return
		}

		g.dispatch(&req)

		if err := g.model.NotifyIoCompleted(req); err != nil {
			guestLogger.WithError(err).WithField("guest_id", g.id).Warn("notify_io_completed failed")
			return
		}
	}
}

// dispatch routes a trapped access to the Device whose MMIO base matches
// req.Addr. Any error — including an unrecognised address — surfaces to
// the guest as a non-zero Ret rather than killing the dispatch loop.
func (g *Guest) dispatch(req *devicemodel.IoRequest) {
	g.mu.Lock()
	dev, ok := g.devices[req.Addr]
	g.mu.Unlock()

	if !ok {
		req.Ret = -1
		return
	}

	if err := dev.IoEvent(req); err != nil {
		if !baoerrors.IsGuestFault(err) {
			guestLogger.WithError(err).WithField("guest_id", g.id).Error("io_event failed")
		}
		req.Ret = -1
		return
	}
	req.Ret = 0
}

// Close stops the dispatch loop, destroys the I/O client if one was created
// (unblocking a loop parked in AttachIoClient), waits for the loop to exit,
// then destroys the DeviceModel itself (§3:
// "DeviceModel ... destroyed with Guest; destruction returns descriptors to
// kernel"). Safe to call even if EnableIoEvents was never called.
func (g *Guest) Close() {
	close(g.stop)
	if g.hasIoClient {
		g.model.DestroyIoClient()
	}
	if g.started {
		<-g.done
	}
	if err := g.model.Destroy(); err != nil {
		guestLogger.WithError(err).WithField("guest_id", g.id).Warn("device model destroy failed")
	}
}
