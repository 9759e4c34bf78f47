// Package device implements Device (spec.md §4.4): the class lookup,
// vhost-user client connection, MMIO engine and Interrupt bundle that
// together answer one guest-visible virtio-MMIO base address.
package device

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bao-project/bao-vhost-frontend/internal/baoerrors"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/interrupt"
	"github.com/bao-project/bao-vhost-frontend/internal/logging"
	"github.com/bao-project/bao-vhost-frontend/internal/mmio"
	"github.com/bao-project/bao-vhost-frontend/internal/registry"
	"github.com/bao-project/bao-vhost-frontend/internal/vhostuser"
)

var devLogger = logging.New("device")

// SetLogger overrides the package logger, preserving existing fields.
func SetLogger(logger *logrus.Entry) {
	devLogger = logging.With(logger, devLogger)
}

// Dialer opens a vhost-user master connection, wrapping vhostuser.Dial
// (whose concrete *SocketClient return type needs a one-line adapter to
// match this interface-returning signature). Tests substitute a fake to
// avoid a real socket.
type Dialer func(cfg vhostuser.Config) (vhostuser.Client, error)

// Spec is the per-Device runtime input supplied at Guest.AddDevice: device
// id (resolved through the registry), IRQ, MMIO base, guest RAM geometry,
// shared-memory path, and the vhost-user socket-path prefix.
type Spec struct {
	DevID      uint64
	IRQ        uint64
	Addr       uint64
	RAMAddr    uint64
	RAMSize    uint64
	ShmemPath  string
	SockPrefix string
}

// Device bundles a resolved device class, its vhost-user client, MMIO
// engine and Interrupt. A Device exclusively owns all three.
type Device struct {
	addr      uint64
	client    vhostuser.Client
	engine    *mmio.Engine
	interrupt *interrupt.Interrupt
}

// New runs the §4.4 construction sequence: resolve the class, dial the
// vhost-user backend, build the MMIO engine over it, then attach an
// Interrupt. Any step failing aborts the whole construction.
func New(spec Spec, reg *registry.Registry, model devicemodel.Model, dial Dialer) (*Device, error) {
	class, err := reg.Resolve(spec.DevID)
	if err != nil {
		return nil, err
	}

	cfg := vhostuser.Config{
		DevID:      fmt.Sprintf("%s%d", class.Name, class.Index),
		SocketPath: fmt.Sprintf("%s%s.sock%d", spec.SockPrefix, class.Name, class.Index),
		Type:       class.DevType,
		NumQueues:  class.NumQueues,
		QueueSize:  class.QueueSize,
		Index:      int(class.Index),
	}

	client, err := dial(cfg)
	if err != nil {
		return nil, &baoerrors.VhostFrontendError{Err: err}
	}

	engine, err := mmio.New(spec.Addr, model, client, spec.RAMAddr, spec.RAMSize, spec.ShmemPath)
	if err != nil {
		return nil, err
	}

	irq, err := interrupt.New(spec.IRQ, model)
	if err != nil {
		engine.Close()
		return nil, err
	}
	engine.AttachInterrupt(irq)

	devLogger.WithFields(logrus.Fields{
		"addr":   fmt.Sprintf("0x%x", spec.Addr),
		"class":  class.Name,
		"index":  class.Index,
		"socket": cfg.SocketPath,
	}).Info("device constructed")

	return &Device{addr: spec.Addr, client: client, engine: engine, interrupt: irq}, nil
}

// Addr returns the MMIO base address this Device answers, used as the key
// in a Guest's device map.
func (d *Device) Addr() uint64 { return d.addr }

// IoEvent delegates a trapped guest access to the MMIO engine under the
// engine's own lock (O1).
func (d *Device) IoEvent(req *devicemodel.IoRequest) error {
	return d.engine.IoEvent(req)
}

// Exit tears the Device down in order: deassign the Interrupt's irqfd,
// reset the vhost-user client, shut it down, then release every ioeventfd
// the MMIO engine installed. Any reference to the Interrupt held elsewhere
// must be released before Exit returns (I4).
func (d *Device) Exit() error {
	var firstErr error

	if err := d.interrupt.Exit(); err != nil {
		firstErr = err
	}
	if err := d.client.Reset(); err != nil && firstErr == nil {
		firstErr = &baoerrors.VhostFrontendError{Err: err}
	}
	if err := d.client.Shutdown(); err != nil && firstErr == nil {
		firstErr = &baoerrors.VhostFrontendError{Err: err}
	}
	if err := d.engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	devLogger.WithField("addr", fmt.Sprintf("0x%x", d.addr)).Info("device removed")
	return firstErr
}
