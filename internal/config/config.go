// Package config decodes the TOML file describing which Frontend stanzas,
// Guests and Devices this process should bring up.
package config

import (
	"github.com/BurntSushi/toml"
)

// Config is the top-level document: one or more Frontend stanzas, each
// built by its own configuration worker (spec.md §5).
type Config struct {
	Frontends []FrontendConfig `toml:"frontend"`
}

// FrontendConfig is one configuration-worker's share of work: a name (for
// logging) and the Guests it is responsible for constructing.
type FrontendConfig struct {
	Name   string        `toml:"name"`
	Guests []GuestConfig `toml:"guest"`
}

// GuestConfig describes one guest: its DeviceModel's RAM geometry, the
// shared-memory file backing that RAM (resolved open question: plumbed
// through to the MMIO engine rather than silently dropped), the vhost-user
// socket-path prefix, and the Devices attached to it.
type GuestConfig struct {
	ID           uint16         `toml:"id"`
	RAMAddr      uint64         `toml:"ram_addr"`
	RAMSize      uint64         `toml:"ram_size"`
	ShmemPath    string         `toml:"shmem_path"`
	SocketPrefix string         `toml:"socket_prefix"`
	Devices      []DeviceConfig `toml:"device"`
}

// DeviceConfig describes one Device: its class id (resolved through the
// device-class registry), IRQ line, and guest-visible MMIO base address.
type DeviceConfig struct {
	ID   uint64 `toml:"id"`
	IRQ  uint64 `toml:"irq"`
	Addr uint64 `toml:"addr"`
}

// Load decodes path as TOML into a Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
