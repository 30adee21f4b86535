package flash

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults for MachineConfig fields left at zero.
const (
	DefaultApplyTimeout    = 90 * time.Second
	DefaultPollInterval    = 2 * time.Second
	DefaultFreshnessWindow = 10 * time.Minute
	DefaultServicePort     = 3232
)

// MachineConfig tunes one state machine.
type MachineConfig struct {
	Gates        GateConfig
	ApplyTimeout time.Duration
	PollInterval time.Duration
	// AuthRetries is the number of extra connect+authenticate attempts made
	// after a transient failure. Rejections are never retried.
	AuthRetries int
	DefaultPort int
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.AuthRetries < 0 {
		c.AuthRetries = 0
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = DefaultServicePort
	}
	if c.Gates.FreshnessWindow == 0 {
		c.Gates.FreshnessWindow = DefaultFreshnessWindow
	}
	return c
}

// RunOptions are per-session inputs supplied by the caller.
type RunOptions struct {
	Secret                     []byte
	ConfirmFactoryToProduction bool
	OverrideChannel            bool
}

// Machine drives sessions through the flash pipeline:
//
//	queued -> target_validating -> preflight_gates -> auth_handshake ->
//	transferring -> applying -> post_verify -> succeeded
//
// with failed and rollback_suspected reachable as terminal exits.
type Machine struct {
	cfg       MachineConfig
	registry  *Registry
	devices   DeviceSource
	transport Transport
	journal   Journal
	logger    Logger
	clock     Clock
}

// NewMachine creates a state machine. journal may be nil.
func NewMachine(cfg MachineConfig, registry *Registry, devices DeviceSource, transport Transport, journal Journal, logger Logger, clock Clock) *Machine {
	return &Machine{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		devices:   devices,
		transport: transport,
		journal:   journal,
		logger:    logger,
		clock:     clock,
	}
}

// Run executes every stage of the session in order and returns the terminal
// outcome. The registry slot is released before Run returns.
//
// ctx may cancel the session only before authentication begins; after that
// the remaining stages run detached from ctx, bounded by their own timeouts.
func (m *Machine) Run(ctx context.Context, s *Session, opts RunOptions) Outcome {
	preCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCancelFunc(cancel)

	m.logger.Info("flash session started", "session", s.ID(), "device", s.DeviceID(), "firmware", s.Artifact().Version)

	// target_validating
	if o, stop := m.step(s, StageTargetValidating, "re-validating device reachability"); stop {
		return o
	}
	snap, err := m.validateTarget(preCtx, s.DeviceID())
	if err != nil {
		if s.isCancelled() || errors.Is(err, context.Canceled) {
			return m.cancelled(s, StageTargetValidating)
		}
		return m.fail(s, StageTargetValidating, ErrUnreachable, err.Error())
	}

	// preflight_gates
	if o, stop := m.step(s, StagePreflightGates, "evaluating preflight gates"); stop {
		return o
	}
	result := Evaluate(GateInput{
		Device:             snap,
		Artifact:           s.Artifact(),
		Now:                m.clock.Now(),
		OtherSessionActive: m.registry.ActiveSessionID(s.DeviceID()) != s.ID(),
	}, m.gateConfig(opts))
	s.setGates(result)
	if result.Overall == VerdictFail {
		gerr := &GateFailedError{Result: result}
		return m.finish(s, Outcome{
			Stage:       StageFailed,
			FailedStage: StagePreflightGates,
			Err:         gerr,
			Reason:      gerr.Error(),
			Gates:       &result,
		})
	}
	if warned := result.Warned(); len(warned) > 0 {
		m.logger.Warn("preflight gates warned", "session", s.ID(), "device", s.DeviceID(), "gates", strings.Join(warned, ","))
	}

	// auth_handshake. From here on the device may be mid-write, so the
	// caller's context no longer applies.
	if s.isCancelled() || preCtx.Err() != nil {
		return m.cancelled(s, StagePreflightGates)
	}
	t, ok := s.advance(StageAuthHandshake, fmt.Sprintf("gates %s; authenticating to %s", result.Overall, endpoint(snap, m.cfg.DefaultPort)))
	if !ok {
		return m.cancelled(s, StagePreflightGates)
	}
	m.record(s, t)
	opCtx := context.WithoutCancel(ctx)

	conn, token, err := m.authenticate(opCtx, s, snap, opts.Secret)
	if err != nil {
		return m.fail(s, StageAuthHandshake, classify(err), err.Error())
	}
	defer conn.Close()

	// transferring
	if o, stop := m.step(s, StageTransferring, fmt.Sprintf("sending %d bytes in %d-byte chunks", s.Artifact().Size(), token.ChunkSize)); stop {
		return o
	}
	if err := conn.Transfer(opCtx, token, s.Artifact().Content, s.setProgress); err != nil {
		return m.fail(s, StageTransferring, ErrTransferAborted, "partial image discarded, device left on prior firmware: "+err.Error())
	}
	if err := conn.Finalize(opCtx, token, s.Artifact().Hash); err != nil {
		kind := ErrVerifyRejected
		if !errors.Is(err, ErrVerifyRejected) {
			kind = ErrTransferAborted
		}
		return m.fail(s, StageTransferring, kind, err.Error())
	}
	conn.Close()

	// applying
	if o, stop := m.step(s, StageApplying, "image accepted; waiting for reboot"); stop {
		return o
	}
	cur, o, done := m.awaitReappearance(opCtx, s, snap)
	if done {
		return o
	}

	// post_verify
	if o, stop := m.step(s, StagePostVerify, fmt.Sprintf("device reappeared running %q", cur.FirmwareVersion)); stop {
		return o
	}
	return m.postVerify(s, cur)
}

// Preview evaluates the gates for a device that has no session of its own.
func (m *Machine) Preview(snap *DeviceSnapshot, artifact *FirmwareArtifact, opts RunOptions) GateResult {
	other := false
	if snap != nil {
		other = m.registry.ActiveSessionID(snap.ID) != ""
	}
	return Evaluate(GateInput{
		Device:             snap,
		Artifact:           artifact,
		Now:                m.clock.Now(),
		OtherSessionActive: other,
	}, m.gateConfig(opts))
}

func (m *Machine) gateConfig(opts RunOptions) GateConfig {
	gates := m.cfg.Gates
	gates.ConfirmFactoryToProduction = gates.ConfirmFactoryToProduction || opts.ConfirmFactoryToProduction
	gates.OverrideChannel = gates.OverrideChannel || opts.OverrideChannel
	return gates
}

// step advances to a non-terminal stage and records the transition. stop is
// true when a pending cancellation ended the session instead.
func (m *Machine) step(s *Session, next Stage, reason string) (Outcome, bool) {
	prev := s.Stage()
	if s.isCancelled() {
		return m.cancelled(s, prev), true
	}
	t, ok := s.advance(next, reason)
	if !ok {
		return m.cancelled(s, prev), true
	}
	m.record(s, t)
	return Outcome{}, false
}

// validateTarget re-fetches the device snapshot and checks it is still the
// device we were asked to flash and that it is online.
func (m *Machine) validateTarget(ctx context.Context, deviceID string) (*DeviceSnapshot, error) {
	snap, err := m.devices.Snapshot(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("device %s vanished from inventory", deviceID)
		}
		return nil, fmt.Errorf("fetching snapshot for %s: %w", deviceID, err)
	}
	if snap.ID != deviceID {
		return nil, fmt.Errorf("snapshot identity mismatch: asked for %s, got %s", deviceID, snap.ID)
	}
	if snap.Address == "" {
		return nil, fmt.Errorf("device %s has no network address", deviceID)
	}
	if !snap.Online {
		return nil, fmt.Errorf("device %s is offline", deviceID)
	}
	return snap, nil
}

// authenticate connects and answers the challenge, retrying transient
// failures up to AuthRetries times.
func (m *Machine) authenticate(ctx context.Context, s *Session, snap *DeviceSnapshot, secret []byte) (Conn, AuthToken, error) {
	if len(secret) == 0 {
		return nil, AuthToken{}, fmt.Errorf("%w: %w for %s", ErrAuthRejected, ErrMissingSharedSecret, snap.ID)
	}
	port := snap.Port
	if port == 0 {
		port = m.cfg.DefaultPort
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.AuthRetries; attempt++ {
		if attempt > 0 {
			m.logger.Warn("retrying authentication after transient error", "session", s.ID(), "device", snap.ID, "attempt", attempt+1, "error", lastErr)
		}
		conn, err := m.transport.Connect(ctx, snap.Address, port)
		if err != nil {
			lastErr = err
			if IsTransient(err) {
				continue
			}
			return nil, AuthToken{}, err
		}
		token, err := conn.Authenticate(ctx, secret)
		if err != nil {
			conn.Close()
			lastErr = err
			if IsTransient(err) {
				continue
			}
			return nil, AuthToken{}, err
		}
		return conn, token, nil
	}
	return nil, AuthToken{}, lastErr
}

// awaitReappearance polls the device source until the device comes back
// after the reboot or the apply timeout elapses. done is true when the
// session already reached a terminal stage.
func (m *Machine) awaitReappearance(ctx context.Context, s *Session, before *DeviceSnapshot) (*DeviceSnapshot, Outcome, bool) {
	art := s.Artifact()
	appliedAt := m.clock.Now()
	deadline := appliedAt.Add(m.cfg.ApplyTimeout)
	offlineSeen := false

	for {
		<-m.clock.After(m.cfg.PollInterval)

		pollCtx, cancel := context.WithTimeout(ctx, m.cfg.PollInterval)
		cur, err := m.devices.Snapshot(pollCtx, s.DeviceID())
		cancel()

		switch {
		case err != nil:
			m.logger.Debug("device not visible while applying", "session", s.ID(), "device", s.DeviceID(), "error", err)
		case !cur.Online:
			if !offlineSeen {
				m.logger.Info("device went offline for reboot", "session", s.ID(), "device", s.DeviceID())
			}
			offlineSeen = true
		default:
			rebooted := offlineSeen
			if booted, ok := cur.BootedAt(); ok && booted.After(appliedAt) {
				rebooted = true
			}
			if cur.FirmwareVersion == art.Version && (rebooted || art.Version != before.FirmwareVersion) {
				return cur, Outcome{}, false
			}
			if rebooted {
				if cur.FirmwareVersion == before.FirmwareVersion {
					return nil, m.rollback(s, CauseDeviceReverted,
						fmt.Sprintf("device rebooted into previous version %q", cur.FirmwareVersion)), true
				}
				return cur, Outcome{}, false
			}
		}

		if !m.clock.Now().Before(deadline) {
			return nil, m.rollback(s, CauseNoReappearance,
				fmt.Sprintf("no reappearance within %s", m.cfg.ApplyTimeout)), true
		}
	}
}

func (m *Machine) postVerify(s *Session, cur *DeviceSnapshot) Outcome {
	art := s.Artifact()
	if cur.FirmwareVersion != art.Version {
		return m.rollback(s, CauseVersionMismatch,
			fmt.Sprintf("device reports %q, flashed %q", cur.FirmwareVersion, art.Version))
	}
	if !cur.HealthNominal() {
		return m.rollback(s, CauseUnhealthy,
			fmt.Sprintf("running %q but health is %q", cur.FirmwareVersion, cur.Health))
	}
	return m.finish(s, Outcome{
		Stage:  StageSucceeded,
		Reason: fmt.Sprintf("device confirmed running %q", art.Version),
	})
}

func (m *Machine) rollback(s *Session, cause RollbackCause, reason string) Outcome {
	err := ErrRollbackSuspected
	if cause == CauseNoReappearance {
		err = fmt.Errorf("%w: %w", ErrRollbackSuspected, ErrTimeout)
	}
	return m.finish(s, Outcome{
		Stage:         StageRollbackSuspected,
		FailedStage:   s.Stage(),
		Err:           err,
		Reason:        reason,
		RollbackCause: cause,
	})
}

func (m *Machine) fail(s *Session, stage Stage, kind error, reason string) Outcome {
	return m.finish(s, Outcome{
		Stage:       StageFailed,
		FailedStage: stage,
		Err:         kind,
		Reason:      reason,
	})
}

func (m *Machine) cancelled(s *Session, stage Stage) Outcome {
	return m.fail(s, stage, ErrCancelled, "cancelled by caller")
}

// finish records the terminal transition, persists it and releases the
// device's registry slot.
func (m *Machine) finish(s *Session, o Outcome) Outcome {
	t := s.finish(o)
	m.record(s, t)

	if m.journal != nil {
		if err := m.journal.FinishSession(s.Record()); err != nil {
			m.logger.Warn("failed to persist session outcome", "session", s.ID(), "error", err)
		}
	}
	m.registry.Complete(s.DeviceID())
	defer s.release()

	switch o.Stage {
	case StageSucceeded:
		m.logger.Info("flash succeeded", "session", s.ID(), "device", s.DeviceID(), "firmware", s.Artifact().Version)
	default:
		m.logger.Error("flash did not succeed", "session", s.ID(), "device", s.DeviceID(),
			"outcome", o.Stage, "stage", o.FailedStage, "reason", o.Reason)
	}
	return o
}

func (m *Machine) record(s *Session, t Transition) {
	m.logger.Info("stage transition", "session", s.ID(), "device", s.DeviceID(), "stage", t.Stage, "reason", t.Reason)
	if m.journal == nil {
		return
	}
	if err := m.journal.AppendTransition(s.ID(), t); err != nil {
		m.logger.Warn("failed to persist transition", "session", s.ID(), "stage", t.Stage, "error", err)
	}
}

func endpoint(snap *DeviceSnapshot, defaultPort int) string {
	port := snap.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", snap.Address, port)
}
