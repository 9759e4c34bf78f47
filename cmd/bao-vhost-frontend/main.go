// Copyright (c) 2022 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/bao-project/bao-vhost-frontend/internal/config"
	"github.com/bao-project/bao-vhost-frontend/internal/device"
	"github.com/bao-project/bao-vhost-frontend/internal/devicemodel"
	"github.com/bao-project/bao-vhost-frontend/internal/frontend"
	"github.com/bao-project/bao-vhost-frontend/internal/guest"
	"github.com/bao-project/bao-vhost-frontend/internal/interrupt"
	"github.com/bao-project/bao-vhost-frontend/internal/mmio"
	"github.com/bao-project/bao-vhost-frontend/internal/registry"
	"github.com/bao-project/bao-vhost-frontend/internal/vhostuser"
)

const name = "bao-vhost-frontend"

// baoLog is the logger used to record all messages, mirroring the runtime
// it was adapted from: a package-level entry, debug until the config file
// (here the log-level flag) says otherwise.
var baoLog *logrus.Entry

var originalLoggerLevel = logrus.WarnLevel

func init() {
	baoLog = logrus.WithFields(logrus.Fields{
		"name": name,
		"pid":  os.Getpid(),
	})
	originalLoggerLevel = baoLog.Logger.Level
	baoLog.Logger.Level = logrus.DebugLevel
}

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config",
		Usage: "path to the TOML file describing frontends, guests and devices",
	},
	cli.StringFlag{
		Name:  "log",
		Value: "/dev/null",
		Usage: "set the log file path where internal debug information is written",
	},
	cli.StringFlag{
		Name:  "log-level",
		Value: "warn",
		Usage: "set the logging level (debug, info, warn, error)",
	},
}

// setExternalLoggers registers baoLog with every package that accepts one,
// the same way the runtime it was adapted from wires vci/vf/oci loggers.
func setExternalLoggers(logger *logrus.Entry) {
	devicemodel.SetLogger(logger)
	vhostuser.SetLogger(logger)
	mmio.SetLogger(logger)
	interrupt.SetLogger(logger)
	device.SetLogger(logger)
	guest.SetLogger(logger)
	frontend.SetLogger(logger)
}

func setupLogging(c *cli.Context) error {
	logPath := c.GlobalString("log")
	if logPath != "" && logPath != "/dev/null" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", logPath, err)
		}
		baoLog.Logger.Out = f
	}

	level, err := logrus.ParseLevel(c.GlobalString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	originalLoggerLevel = level
	baoLog.Logger.Level = level

	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM. Resolved open question:
// the source this was adapted from spins forever after launching workers;
// here the process waits on a signal instead.
func waitForShutdown() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}

// buildStanza runs one Frontend stanza's configuration work: add every
// Device of every Guest it names. A Device that fails (e.g. an unsupported
// class) is logged and skipped; it does not abort its siblings.
func buildStanza(fe *frontend.Frontend, fc config.FrontendConfig) error {
	for _, gc := range fc.Guests {
		for _, dc := range gc.Devices {
			req := frontend.AddDeviceRequest{
				GuestID: gc.ID,
				RAMAddr: gc.RAMAddr,
				RAMSize: gc.RAMSize,
				Device: device.Spec{
					DevID:      dc.ID,
					IRQ:        dc.IRQ,
					Addr:       dc.Addr,
					RAMAddr:    gc.RAMAddr,
					RAMSize:    gc.RAMSize,
					ShmemPath:  gc.ShmemPath,
					SockPrefix: gc.SocketPrefix,
				},
			}

			if err := fe.AddDevice(req); err != nil {
				baoLog.WithError(err).WithFields(logrus.Fields{
					"frontend": fc.Name,
					"guest_id": gc.ID,
					"dev_id":   dc.ID,
					"addr":     fmt.Sprintf("0x%x", dc.Addr),
				}).Error("failed to add device")
				continue
			}
		}
	}
	return nil
}

func run(c *cli.Context) error {
	if err := setupLogging(c); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	setExternalLoggers(baoLog)

	cfgPath := c.GlobalString("config")
	if cfgPath == "" {
		return cli.NewExitError("--config is required", 1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("load config: %v", err), 1)
	}

	dial := func(cfg vhostuser.Config) (vhostuser.Client, error) { return vhostuser.Dial(cfg) }
	open := func(id uint16, ramAddr, ramSize uint64) (devicemodel.Model, error) {
		return devicemodel.New(id, ramAddr, ramSize)
	}
	fe := frontend.New(registry.Default(), dial, open)

	for _, fc := range cfg.Frontends {
		fc := fc
		fe.PushThread(func() error { return buildStanza(fe, fc) })
	}

	sig := waitForShutdown()
	baoLog.WithField("signal", sig.String()).Info("shutting down")

	return fe.Close()
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "virtio-MMIO / vhost-user frontend for the Bao hypervisor"
	app.Flags = globalFlags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		baoLog.Fatal(err)
	}
}
