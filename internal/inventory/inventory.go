// Package inventory supplies device snapshots from a TOML file maintained by
// an external discovery agent (or by hand), or from memory.
package inventory

import (
	"context"
	"time"

	"flashguard/internal/config"
	"flashguard/internal/flash"
)

// Inventory is a device source that can also list its devices.
type Inventory interface {
	flash.DeviceSource
	Devices(ctx context.Context) ([]flash.DeviceSnapshot, error)
}

// Recorder is an inventory that accepts device reports, as written by the
// device emulator.
type Recorder interface {
	Inventory
	Record(s flash.DeviceSnapshot) error
}

// Device is one [[device]] entry of the inventory file.
type Device struct {
	ID              string           `toml:"id"`
	Address         string           `toml:"address"`
	Port            int              `toml:"port,omitempty"`
	Online          *bool            `toml:"online,omitempty"` // defaults to true
	LastSeen        *time.Time       `toml:"last_seen,omitempty"`
	Mode            flash.DeviceMode `toml:"mode,omitempty"`
	FirmwareVersion string           `toml:"firmware_version"`
	FirmwareBuild   string           `toml:"firmware_build,omitempty"`
	Health          string           `toml:"health,omitempty"`
	Class           string           `toml:"class,omitempty"`
	HWFamily        string           `toml:"hw_family,omitempty"`
	Uptime          config.Duration  `toml:"uptime,omitempty"`
}

// snapshot converts the entry. fallbackSeen is used when the entry has no
// last_seen of its own.
func (d Device) snapshot(fallbackSeen time.Time) flash.DeviceSnapshot {
	online := true
	if d.Online != nil {
		online = *d.Online
	}
	seen := fallbackSeen
	if d.LastSeen != nil {
		seen = *d.LastSeen
	}
	mode := d.Mode
	if mode == "" {
		mode = flash.ModeProduction
	}
	return flash.DeviceSnapshot{
		ID:              d.ID,
		Address:         d.Address,
		Port:            d.Port,
		Online:          online,
		LastSeen:        seen,
		Mode:            mode,
		FirmwareVersion: d.FirmwareVersion,
		FirmwareBuild:   d.FirmwareBuild,
		Health:          d.Health,
		Class:           d.Class,
		HWFamily:        d.HWFamily,
		Uptime:          d.Uptime.Duration,
	}
}

// FromSnapshot builds a file entry from a snapshot.
func FromSnapshot(s flash.DeviceSnapshot) Device {
	online := s.Online
	d := Device{
		ID:              s.ID,
		Address:         s.Address,
		Port:            s.Port,
		Online:          &online,
		Mode:            s.Mode,
		FirmwareVersion: s.FirmwareVersion,
		FirmwareBuild:   s.FirmwareBuild,
		Health:          s.Health,
		Class:           s.Class,
		HWFamily:        s.HWFamily,
		Uptime:          config.Duration{Duration: s.Uptime},
	}
	if !s.LastSeen.IsZero() {
		seen := s.LastSeen
		d.LastSeen = &seen
	}
	return d
}
