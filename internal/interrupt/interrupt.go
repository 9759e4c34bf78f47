// Package interrupt is the irqfd-backed channel from a device backend to
// the guest: one eventfd ("call"), ASSIGNed to the Device's IRQ at
// creation and DEASSIGNed at exit, exposed to the vhost-user client as the
// notifier capability that lets used-buffer and config-change interrupts
// reach the guest without a user-space round trip.
package interrupt

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-vhost-frontend/internal/baoerrors"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/logging"
)

var intLogger = logging.New("interrupt")

// SetLogger overrides the package logger, preserving existing fields.
func SetLogger(logger *logrus.Entry) {
	intLogger = logging.With(logger, intLogger)
}

// Interrupt owns the call eventfd backing a single Device's IRQ line.
type Interrupt struct {
	call  *os.File
	irq   uint64
	model devicemodel.Model
}

// New creates the call eventfd and ASSIGNs it as an irqfd for irq via
// model.
func New(irq uint64, model devicemodel.Model) (*Interrupt, error) {
	fd, err := unix.Eventfd(0, 0)
	if err != nil {
		return nil, &baoerrors.OpenFdFailed{Name: "interrupt-eventfd", Err: err}
	}
	call := os.NewFile(uintptr(fd), "bao-interrupt")

	if err := model.CreateIrqFd(devicemodel.IrqFd{
		Fd:    int32(call.Fd()),
		Flags: devicemodel.IrqFdFlagAssign,
	}); err != nil {
		call.Close()
		return nil, err
	}

	intLogger.WithField("irq", irq).Debug("irqfd assigned")
	return &Interrupt{call: call, irq: irq, model: model}, nil
}

// Exit DEASSIGNs the irqfd. Per I4 this is called exactly once, after which
// no Device observes this Interrupt in any other state.
func (i *Interrupt) Exit() error {
	err := i.model.CreateIrqFd(devicemodel.IrqFd{
		Fd:    int32(i.call.Fd()),
		Flags: devicemodel.IrqFdFlagDeassign,
	})
	i.call.Close()
	if err != nil {
		return err
	}
	intLogger.WithField("irq", i.irq).Debug("irqfd deassigned")
	return nil
}

// Trigger is deliberately a no-op: the vhost-user client calls it on every
// interrupt, but the kernel already raises the guest IRQ from the eventfd
// signal via irqfd.
func (i *Interrupt) Trigger() error { return nil }

// NotifierFd returns a dup of the call eventfd, which the vhost-user client
// hands to its backend-facing thread so used-buffer notifications reach
// the guest without a user-space hop.
func (i *Interrupt) NotifierFd() (uintptr, error) {
	dup, err := unix.Dup(int(i.call.Fd()))
	if err != nil {
		return 0, &baoerrors.OpenFdFailed{Name: "interrupt-notifier-dup", Err: err}
	}
	return uintptr(dup), nil
}
