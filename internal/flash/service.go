package flash

import (
	"context"
	"errors"
	"fmt"
)

// FlashRequest asks for one device to be flashed with one firmware version.
type FlashRequest struct {
	DeviceID string
	Firmware string // reference resolved by the FirmwareSource

	// ConfirmFactoryToProduction acknowledges moving a factory-mode device
	// onto production firmware.
	ConfirmFactoryToProduction bool
	// OverrideChannel accepts an artifact from a channel other than the
	// target channel without a warning.
	OverrideChannel bool
}

func (r FlashRequest) options(secret []byte) RunOptions {
	return RunOptions{
		Secret:                     secret,
		ConfirmFactoryToProduction: r.ConfirmFactoryToProduction,
		OverrideChannel:            r.OverrideChannel,
	}
}

// FlashService is the orchestration layer used by the CLI. It resolves
// artifacts and secrets, admits sessions through the registry and runs them
// on the state machine.
type FlashService struct {
	registry *Registry
	machine  *Machine
	devices  DeviceSource
	firmware FirmwareSource
	secrets  SecretStore
	history  History
	logger   Logger
}

// NewFlashService creates a FlashService. history may be nil, in which case
// nothing outlives the process.
func NewFlashService(registry *Registry, machine *Machine, devices DeviceSource, firmware FirmwareSource, secrets SecretStore, history History, logger Logger) *FlashService {
	return &FlashService{
		registry: registry,
		machine:  machine,
		devices:  devices,
		firmware: firmware,
		secrets:  secrets,
		history:  history,
		logger:   logger,
	}
}

// Start admits a session and runs it in the background. The returned
// session can be polled with Status or waited on with Wait.
func (s *FlashService) Start(ctx context.Context, req FlashRequest) (*Session, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if req.Firmware == "" {
		return nil, fmt.Errorf("firmware reference is required")
	}

	artifact, err := s.firmware.Fetch(ctx, req.Firmware)
	if err != nil {
		return nil, fmt.Errorf("fetching firmware %s: %w", req.Firmware, err)
	}
	secret, err := s.secrets.SharedSecret(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("loading shared secret for %s: %w", req.DeviceID, err)
	}

	session, err := s.registry.Begin(req.DeviceID, artifact)
	if err != nil {
		return nil, err
	}
	if s.history != nil {
		if err := s.history.CreateSession(session.Record()); err != nil {
			s.logger.Warn("failed to persist new session", "session", session.ID(), "error", err)
		}
	}

	go s.machine.Run(ctx, session, req.options(secret))
	return session, nil
}

// Flash runs one session to completion. The error is non-nil only when the
// session could not be admitted; the flash result is in the returned
// session's outcome.
func (s *FlashService) Flash(ctx context.Context, req FlashRequest) (*Session, Outcome, error) {
	session, err := s.Start(ctx, req)
	if err != nil {
		return nil, Outcome{}, err
	}
	return session, session.Wait(), nil
}

// Cancel requests cancellation of the device's session.
func (s *FlashService) Cancel(deviceID string) error {
	session := s.registry.Get(deviceID)
	if session == nil {
		return fmt.Errorf("%w: no session for device %s", ErrNotFound, deviceID)
	}
	return session.Cancel()
}

// Status returns the device's current or most recent session. Sessions
// that have left the registry are read back from history.
func (s *FlashService) Status(deviceID string) (*SessionStatus, error) {
	if session := s.registry.Get(deviceID); session != nil {
		st := session.Status()
		return &st, nil
	}
	if s.history == nil {
		return nil, fmt.Errorf("%w: no session for device %s", ErrNotFound, deviceID)
	}

	rec, err := s.history.LatestSessionForDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("reading session history: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no session for device %s", ErrNotFound, deviceID)
	}
	return statusFromRecord(rec), nil
}

// Sessions returns every active and recently finished in-process session.
func (s *FlashService) Sessions() []SessionStatus {
	s.registry.Prune()
	return s.registry.Sessions()
}

// History returns the most recent persisted sessions, newest first.
func (s *FlashService) History(limit int) ([]SessionRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	recs, err := s.history.ListSessions(limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return recs, nil
}

// Transitions returns the persisted transition log of a session.
func (s *FlashService) Transitions(sessionID string) ([]Transition, error) {
	if s.history == nil {
		return nil, nil
	}
	rec, err := s.history.FindSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("finding session: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	ts, err := s.history.ListTransitions(sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	return ts, nil
}

// CheckGates evaluates the preflight gates for a prospective flash without
// admitting a session or touching the device.
func (s *FlashService) CheckGates(ctx context.Context, req FlashRequest) (GateResult, error) {
	artifact, err := s.firmware.Fetch(ctx, req.Firmware)
	if err != nil {
		return GateResult{}, fmt.Errorf("fetching firmware %s: %w", req.Firmware, err)
	}
	snap, err := s.devices.Snapshot(ctx, req.DeviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return GateResult{}, fmt.Errorf("fetching snapshot for %s: %w", req.DeviceID, err)
	}
	return s.machine.Preview(snap, artifact, req.options(nil)), nil
}

func statusFromRecord(rec *SessionRecord) *SessionStatus {
	st := &SessionStatus{
		SessionID:        rec.ID,
		DeviceID:         rec.DeviceID,
		FirmwareVersion:  rec.FirmwareVersion,
		Stage:            rec.Stage,
		Reason:           rec.Reason,
		LastTransitionAt: rec.UpdatedAt,
		StartedAt:        rec.StartedAt,
		BytesTotal:       rec.FirmwareSize,
		Terminal:         rec.Stage.Terminal(),
	}
	if st.Terminal {
		st.Outcome = &Outcome{
			Stage:         rec.Stage,
			FailedStage:   rec.FailedStage,
			Reason:        rec.Reason,
			RollbackCause: rec.RollbackCause(),
		}
	}
	return st
}
