package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"flashguard/internal/config"
	"flashguard/internal/firmware"
	"flashguard/internal/flash"
	"flashguard/internal/inventory"
	"flashguard/internal/ota"
)

// EmulatorConfig describes an emulated device.
type EmulatorConfig struct {
	DeviceID string
	// Listen is the TCP address the device serves OTA on, e.g. "127.0.0.1:3232".
	Listen string
	// Advertise is the address recorded in the inventory. Defaults to the
	// host part of the listening address.
	Advertise string
	Secret    []byte
	Version   string
	HWFamily  string
	Class     string
	Mode      flash.DeviceMode
	Health    string

	// RebootDelay is how long the device stays offline after accepting an
	// image.
	RebootDelay time.Duration
	// Heartbeat is how often the device refreshes its inventory entry.
	Heartbeat time.Duration
	// Rollback makes the device boot back into its previous version after
	// every accepted image.
	Rollback bool
	// ApplyVersion is reported after an image whose hash matches no
	// published firmware version.
	ApplyVersion string
}

func (ec EmulatorConfig) withDefaults() EmulatorConfig {
	if ec.RebootDelay <= 0 {
		ec.RebootDelay = 2 * time.Second
	}
	if ec.Heartbeat <= 0 {
		ec.Heartbeat = 5 * time.Second
	}
	if ec.Mode == "" {
		ec.Mode = flash.ModeProduction
	}
	return ec
}

// RunEmulator serves an emulated device until ctx is done. The device
// reports itself to the configured inventory so a flash can find, update and
// verify it.
func RunEmulator(ctx context.Context, cfg *config.Config, op *Operation, ec EmulatorConfig, opts Options) error {
	if ec.DeviceID == "" || ec.Version == "" || len(ec.Secret) == 0 {
		return fmt.Errorf("emulated device needs an id, a version and a secret")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	inv, err := inventory.NewInventoryFromConfig(cfg.Inventory)
	if err != nil {
		return fmt.Errorf("creating inventory: %w", err)
	}
	rec, ok := inv.(inventory.Recorder)
	if !ok {
		return fmt.Errorf("inventory type %s does not accept device reports", cfg.Inventory.Type)
	}
	fw, err := firmware.NewSourceFromConfig(ctx, cfg.Firmware)
	if err != nil {
		return fmt.Errorf("creating firmware source: %w", err)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, opts.Console, level)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logFile.Close()

	ln, err := net.Listen("tcp", ec.Listen)
	if err != nil {
		return op.Fail(fmt.Errorf("listening on %s: %w", ec.Listen, err))
	}
	return op.Fail(newEmulator(ec, rec, fw, &slogAdapter{l: logger}).serve(ctx, ln))
}

// emulator ties an ota.Device to its inventory entry.
type emulator struct {
	cfg      EmulatorConfig
	inv      inventory.Recorder
	firmware firmware.Source
	logger   flash.Logger
	device   *ota.Device

	reportMu sync.Mutex // orders inventory writes
	mu       sync.Mutex
	address  string
	port     int
	online   bool
	bootedAt time.Time
}

func newEmulator(ec EmulatorConfig, inv inventory.Recorder, fw firmware.Source, logger flash.Logger) *emulator {
	ec = ec.withDefaults()
	e := &emulator{
		cfg:      ec,
		inv:      inv,
		firmware: fw,
		logger:   logger,
		online:   true,
		bootedAt: time.Now(),
	}
	e.device = ota.NewDevice(ota.DeviceConfig{Secret: ec.Secret, Version: ec.Version}, logger)
	return e
}

func (e *emulator) serve(ctx context.Context, ln net.Listener) error {
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return fmt.Errorf("parsing listen address: %w", err)
	}
	e.port, _ = strconv.Atoi(portStr)
	e.address = host
	if e.cfg.Advertise != "" {
		e.address = e.cfg.Advertise
	}

	if err := e.report(); err != nil {
		ln.Close()
		return err
	}
	e.logger.Info("emulated device registered", "device", e.cfg.DeviceID,
		"address", e.address, "port", e.port, "version", e.cfg.Version)

	var wg sync.WaitGroup
	defer wg.Wait()
	e.device.OnApply(func(image []byte) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.reboot(ctx, image)
		}()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.heartbeat(ctx)
	}()

	return e.device.Serve(ctx, ln)
}

// report writes the device's current state to the inventory.
func (e *emulator) report() error {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()

	e.mu.Lock()
	now := time.Now()
	snap := flash.DeviceSnapshot{
		ID:              e.cfg.DeviceID,
		Address:         e.address,
		Port:            e.port,
		Online:          e.online,
		LastSeen:        now,
		Mode:            e.cfg.Mode,
		FirmwareVersion: e.device.Version(),
		Health:          e.cfg.Health,
		Class:           e.cfg.Class,
		HWFamily:        e.cfg.HWFamily,
		Uptime:          max(now.Sub(e.bootedAt), time.Millisecond),
	}
	e.mu.Unlock()

	if err := e.inv.Record(snap); err != nil {
		return fmt.Errorf("recording device %s: %w", e.cfg.DeviceID, err)
	}
	return nil
}

func (e *emulator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			online := e.online
			e.mu.Unlock()
			if !online {
				continue
			}
			if err := e.report(); err != nil {
				e.logger.Warn("emulated device heartbeat failed", "error", err)
			}
		}
	}
}

// reboot takes the device offline, then brings it back running the version
// that matches image.
func (e *emulator) reboot(ctx context.Context, image []byte) {
	e.setOnline(false)
	if err := e.report(); err != nil {
		e.logger.Warn("emulated device failed to report reboot", "error", err)
	}

	version := e.resolveVersion(ctx, image)
	select {
	case <-ctx.Done():
		return
	case <-time.After(e.cfg.RebootDelay):
	}

	switch {
	case e.cfg.Rollback:
		e.logger.Warn("emulated device rolled back", "kept", e.device.Version(), "rejected", version)
	case version == "":
		e.logger.Warn("emulated device could not identify the image, keeping version", "version", e.device.Version())
	default:
		e.device.SetVersion(version)
	}

	e.mu.Lock()
	e.bootedAt = time.Now()
	e.online = true
	e.mu.Unlock()
	if err := e.report(); err != nil {
		e.logger.Warn("emulated device failed to report boot", "error", err)
		return
	}
	e.logger.Info("emulated device rebooted", "version", e.device.Version())
}

func (e *emulator) setOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = online
}

// resolveVersion finds the published version whose image hash equals that
// of image, falling back to ApplyVersion.
func (e *emulator) resolveVersion(ctx context.Context, image []byte) string {
	sum := sha256.Sum256(image)
	versions, err := e.firmware.Versions(ctx)
	if err != nil {
		e.logger.Warn("emulated device could not list firmware", "error", err)
		return e.cfg.ApplyVersion
	}
	for _, v := range versions {
		art, err := e.firmware.Fetch(ctx, v)
		if err != nil {
			continue
		}
		if art.Hash == sum {
			return art.Version
		}
	}
	return e.cfg.ApplyVersion
}
