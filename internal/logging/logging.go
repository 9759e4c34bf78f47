// Package logging provides the one subsystem-scoped logger convention
// every package in this module follows: a package-level *logrus.Entry,
// tagged with "subsystem", overridable at process start so every package
// logs through the same configured logrus.Logger.
package logging

import "github.com/sirupsen/logrus"

// New returns a package-level logger tagged with subsystem.
func New(subsystem string) *logrus.Entry {
	return logrus.WithField("subsystem", subsystem)
}

// With overrides logger's existing fields onto a freshly configured entry,
// preserving whatever fields (e.g. "subsystem") the package had already set.
func With(logger, current *logrus.Entry) *logrus.Entry {
	return logger.WithFields(current.Data)
}
