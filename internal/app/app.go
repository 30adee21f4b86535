package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"flashguard/internal/config"
	"flashguard/internal/database"
	"flashguard/internal/firmware"
	"flashguard/internal/flash"
	"flashguard/internal/inventory"
	"flashguard/internal/ota"
	"flashguard/internal/secrets"
)

// Options control how a FlashApp reports to the terminal.
type Options struct {
	// Console receives log lines in addition to the log file. Nil keeps
	// logs in the file only.
	Console io.Writer
	Verbose bool
}

// FlashApp is the application layer between the CLI and FlashService. It
// constructs all dependencies from config and closes them on Close.
type FlashApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	devices   inventory.Inventory
	firmware  firmware.Source
	secrets   secrets.Store
	transport *ota.Dialer
	service   *flash.FlashService
	op        *Operation
	logger    *slog.Logger
	logFile   *os.File
	statusMu  sync.Mutex
}

// NewFlashApp creates a fully wired FlashApp from the given config.
// The caller must call Close when done.
func NewFlashApp(ctx context.Context, cfg *config.Config, op *Operation, opts Options) (*FlashApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	devices, err := inventory.NewInventoryFromConfig(cfg.Inventory)
	if err != nil {
		return nil, fmt.Errorf("creating inventory: %w", err)
	}
	fw, err := firmware.NewSourceFromConfig(ctx, cfg.Firmware)
	if err != nil {
		return nil, fmt.Errorf("creating firmware source: %w", err)
	}
	store, err := secrets.NewStoreFromConfig(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("creating secret store: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, opts.Console, level)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	clock := flash.RealClock{}
	transport := ota.NewDialer(transportConfig(cfg.Transport), log)
	registry := flash.NewRegistry(clock, flash.UUIDGenerator{}, cfg.Flash.Retention.Duration)
	machine := flash.NewMachine(machineConfig(cfg), registry, devices, transport, db, log, clock)
	svc := flash.NewFlashService(registry, machine, devices, fw, store, db, log)

	logger.Debug("operation started", "operation", op.Name, "parameters", op.Parameters)
	return &FlashApp{
		cfg:       cfg,
		db:        db,
		devices:   devices,
		firmware:  fw,
		secrets:   store,
		transport: transport,
		service:   svc,
		op:        op,
		logger:    logger,
		logFile:   logFile,
	}, nil
}

func machineConfig(cfg *config.Config) flash.MachineConfig {
	f := cfg.Flash
	return flash.MachineConfig{
		Gates: flash.GateConfig{
			TargetChannel:              flash.Channel(f.TargetChannel),
			OverrideChannel:            f.OverrideChannel,
			MinFirmwareSize:            f.MinFirmwareSize,
			MinFirmwareSizeByClass:     f.MinFirmwareSizeByClass,
			FreshnessWindow:            f.FreshnessWindow.Duration,
			ConfirmFactoryToProduction: f.ConfirmFactoryToProduction,
			Disabled:                   f.DisabledGates,
		},
		ApplyTimeout: f.ApplyTimeout.Duration,
		PollInterval: f.PollInterval.Duration,
		AuthRetries:  cfg.Transport.ConnectRetries,
		DefaultPort:  cfg.Transport.Port,
	}
}

func transportConfig(t config.TransportConfig) ota.Config {
	return ota.Config{
		ChunkSize:      t.ChunkSize,
		ConnectTimeout: t.ConnectTimeout.Duration,
		IOTimeout:      t.IOTimeout.Duration,
		MaxRetransmits: t.MaxRetransmits,
	}
}

// Secrets returns the shared secret store. An age store must be unlocked
// before any flash.
func (a *FlashApp) Secrets() secrets.Store { return a.secrets }

// Devices lists the devices in the inventory.
func (a *FlashApp) Devices(ctx context.Context) ([]flash.DeviceSnapshot, error) {
	return a.devices.Devices(ctx)
}

// FirmwareVersions lists the published firmware versions.
func (a *FlashApp) FirmwareVersions(ctx context.Context) ([]string, error) {
	return a.firmware.Versions(ctx)
}

// PublishFirmware reads an image from path and publishes it with m.
func (a *FlashApp) PublishFirmware(ctx context.Context, m flash.Manifest, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return a.op.Fail(fmt.Errorf("reading image: %w", err))
	}
	if err := a.firmware.Publish(ctx, m, content); err != nil {
		return a.op.Fail(fmt.Errorf("publishing %s: %w", m.Version, err))
	}
	a.logger.Info("firmware published", "version", m.Version, "bytes", len(content))
	return nil
}

// FlashResult is the result of one device's flash.
type FlashResult struct {
	DeviceID  string
	SessionID string
	Outcome   flash.Outcome
	// Err is set when the session was never admitted; Outcome is then empty.
	Err error
}

// Succeeded reports whether the device was confirmed updated.
func (r FlashResult) Succeeded() bool { return r.Err == nil && r.Outcome.Succeeded() }

// Flash runs one session per request concurrently and waits for all of
// them. watch, if non-nil, is called whenever a session changes stage or
// transfer progress; calls are serialized.
func (a *FlashApp) Flash(ctx context.Context, reqs []flash.FlashRequest, watch func(flash.SessionStatus)) []FlashResult {
	results := make([]FlashResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		results[i].DeviceID = req.DeviceID
		s, err := a.service.Start(ctx, req)
		if err != nil {
			a.logger.Error("flash not started", "device", req.DeviceID, "error", err)
			results[i].Err = err
			continue
		}
		results[i].SessionID = s.ID()
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i].Outcome = a.follow(s, watch)
		}()
	}
	wg.Wait()

	for _, r := range results {
		if !r.Succeeded() {
			a.op.Status = "error"
		}
	}
	return results
}

// follow reports status changes of s until it finishes.
func (a *FlashApp) follow(s *flash.Session, watch func(flash.SessionStatus)) flash.Outcome {
	if watch == nil {
		return s.Wait()
	}
	report := func(st flash.SessionStatus) {
		a.statusMu.Lock()
		defer a.statusMu.Unlock()
		watch(st)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	var last flash.SessionStatus
	for {
		select {
		case <-s.Done():
			report(s.Status())
			return s.Wait()
		case <-ticker.C:
			st := s.Status()
			if st.Stage != last.Stage || st.Progress() != last.Progress() {
				report(st)
				last = st
			}
		}
	}
}

// CheckGates evaluates the preflight gates without flashing.
func (a *FlashApp) CheckGates(ctx context.Context, req flash.FlashRequest) (flash.GateResult, error) {
	return a.service.CheckGates(ctx, req)
}

// Status returns the device's most recent session.
func (a *FlashApp) Status(deviceID string) (*flash.SessionStatus, error) {
	return a.service.Status(deviceID)
}

// History returns the most recent sessions, newest first.
func (a *FlashApp) History(limit int) ([]flash.SessionRecord, error) {
	return a.service.History(limit)
}

// Transitions returns a session's transition log.
func (a *FlashApp) Transitions(sessionID string) ([]flash.Transition, error) {
	return a.service.Transitions(sessionID)
}

// PruneHistory deletes finished sessions older than age.
func (a *FlashApp) PruneHistory(age time.Duration) (int64, error) {
	n, err := a.db.DeleteFinishedBefore(time.Now().Add(-age))
	if err != nil {
		return 0, a.op.Fail(err)
	}
	a.logger.Info("history pruned", "sessions", n, "older_than", age.String())
	return n, nil
}

// BackupHistory writes a copy of the history database to dest.
func (a *FlashApp) BackupHistory(dest string) error {
	return a.op.Fail(a.db.BackupTo(dest))
}

// Close logs the end of the operation and closes all resources.
func (a *FlashApp) Close() error {
	a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status,
		"duration", time.Since(a.op.StartedAt).Round(time.Millisecond).String())

	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
