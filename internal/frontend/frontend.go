// Package frontend implements Frontend (spec.md §4.6), the top of the
// ownership hierarchy:
//
//	Frontend
//	  └─ Guest (by guest id)
//	       └─ Device (by MMIO base address)
//	            └─ MMIO engine, Interrupt, vhost-user client
//
// A Frontend owns a guest map and a set of configuration-worker handles
// (§5); on Close it joins every worker.
package frontend

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bao-project/bao-vhost-frontend/internal/device"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/guest"
	"github.com/bao-project/bao-vhost-frontend/internal/logging"
	"github.com/bao-project/bao-vhost-frontend/internal/registry"
)

var frontendLogger = logging.New("frontend")

// SetLogger overrides the package logger, preserving existing fields.
func SetLogger(logger *logrus.Entry) {
	frontendLogger = logging.With(logger, frontendLogger)
}

// ModelOpener opens a Guest's DeviceModel, wrapping devicemodel.New (whose
// concrete *DeviceModel return type needs a one-line adapter to match this
// interface-returning signature). Tests substitute a fake to avoid a real
// /dev/bao.
type ModelOpener func(guestID uint16, ramAddr, ramSize uint64) (devicemodel.Model, error)

// AddDeviceRequest is the full input to Frontend.AddDevice: the owning
// guest's id and RAM geometry (used only the first time that guest is
// seen) plus the Device's own spec.
type AddDeviceRequest struct {
	GuestID uint16
	RAMAddr uint64
	RAMSize uint64
	Device  device.Spec
}

// frontendGuests is the guest-id to *guest.Guest map, kept as its own
// mutex-guarded type so Frontend's exported surface never exposes the lock.
type frontendGuests struct {
	mu   sync.Mutex
	byID map[uint16]*guest.Guest
}

func newFrontendGuests() *frontendGuests {
	return &frontendGuests{byID: make(map[uint16]*guest.Guest)}
}

func (g *frontendGuests) get(id uint16) (*guest.Guest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gu, ok := g.byID[id]
	return gu, ok
}

func (g *frontendGuests) set(id uint16, gu *guest.Guest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byID[id] = gu
}

func (g *frontendGuests) delete(id uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byID, id)
}

func (g *frontendGuests) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byID)
}

// Frontend is the top-level object a configuration worker builds from one
// Frontend stanza.
type Frontend struct {
	guests *frontendGuests
	group  *errgroup.Group

	reg  *registry.Registry
	dial device.Dialer
	open ModelOpener
}

// New builds an empty Frontend. reg is typically registry.Default(); dial
// typically wraps vhostuser.Dial; open typically wraps devicemodel.New. Tests
// substitute fakes for the latter two.
func New(reg *registry.Registry, dial device.Dialer, open ModelOpener) *Frontend {
	return &Frontend{
		guests: newFrontendGuests(),
		group:  &errgroup.Group{},
		reg:    reg,
		dial:   dial,
		open:   open,
	}
}

// AddDevice builds (or reuses) the target Guest and adds one Device to it,
// enabling that Guest's dispatch loop once the Device is in place. Any
// failure aborts the add; a Guest created solely for this call is torn
// down again so the Frontend's maps return to their prior size (P1).
func (f *Frontend) AddDevice(req AddDeviceRequest) error {
	g, existed := f.guests.get(req.GuestID)
	if !existed {
		model, err := f.open(req.GuestID, req.RAMAddr, req.RAMSize)
		if err != nil {
			return err
		}
		g = guest.New(req.GuestID, model)
		f.guests.set(req.GuestID, g)
	}

	if err := g.AddDevice(req.Device, f.reg, f.dial); err != nil {
		if !existed {
			f.guests.delete(req.GuestID)
			g.Close()
		}
		return err
	}

	g.EnableIoEvents()
	frontendLogger.WithField("guest_id", req.GuestID).Debug("device added to guest")
	return nil
}

// RemoveDevice removes one Device from a Guest. If the Guest becomes
// empty, the Guest itself is removed and closed (its dispatch loop
// stopped, its I/O client destroyed).
func (f *Frontend) RemoveDevice(guestID uint16, addr uint64) error {
	g, ok := f.guests.get(guestID)
	if !ok {
		return nil
	}

	if err := g.RemoveDevice(addr); err != nil {
		return err
	}

	if g.IsEmpty() {
		f.guests.delete(guestID)
		g.Close()
		frontendLogger.WithField("guest_id", guestID).Info("guest removed")
	}
	return nil
}

// PushThread registers a configuration-worker function to be joined on
// Close, matching the original's "one worker per Frontend stanza" model.
func (f *Frontend) PushThread(fn func() error) {
	f.group.Go(fn)
}

// Close joins every pushed worker. Best-effort: it assumes Guests have
// already been torn down via RemoveDevice.
func (f *Frontend) Close() error {
	return f.group.Wait()
}

// GuestCount reports the number of guests currently tracked, for tests and
// diagnostics.
func (f *Frontend) GuestCount() int { return f.guests.len() }
