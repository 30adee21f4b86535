package flash

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stage is a flash session state.
type Stage string

const (
	StageQueued            Stage = "queued"
	StageTargetValidating  Stage = "target_validating"
	StagePreflightGates    Stage = "preflight_gates"
	StageAuthHandshake     Stage = "auth_handshake"
	StageTransferring      Stage = "transferring"
	StageApplying          Stage = "applying"
	StagePostVerify        Stage = "post_verify"
	StageSucceeded         Stage = "succeeded"
	StageFailed            Stage = "failed"
	StageRollbackSuspected Stage = "rollback_suspected"
)

var stageRank = map[Stage]int{
	StageQueued:            0,
	StageTargetValidating:  1,
	StagePreflightGates:    2,
	StageAuthHandshake:     3,
	StageTransferring:      4,
	StageApplying:          5,
	StagePostVerify:        6,
	StageSucceeded:         7,
	StageFailed:            7,
	StageRollbackSuspected: 7,
}

// Terminal reports whether no transition may leave the stage.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageRollbackSuspected
}

// Cancellable reports whether a session in this stage may still be cancelled.
// Once authentication has begun the device may be mid-write.
func (s Stage) Cancellable() bool {
	return s == StageQueued || s == StageTargetValidating || s == StagePreflightGates
}

// Rank orders stages along the flash pipeline.
func (s Stage) Rank() int { return stageRank[s] }

// RollbackCause distinguishes why a session ended in RollbackSuspected.
type RollbackCause string

const (
	CauseDeviceReverted  RollbackCause = "device_reverted"
	CauseNoReappearance  RollbackCause = "no_reappearance"
	CauseVersionMismatch RollbackCause = "version_mismatch"
	CauseUnhealthy       RollbackCause = "unhealthy"
)

// Transition is one recorded stage change.
type Transition struct {
	Stage  Stage
	At     time.Time
	Reason string
}

// Outcome is the terminal result of a session.
type Outcome struct {
	Stage         Stage // Succeeded, Failed or RollbackSuspected
	FailedStage   Stage // stage the session was in when it failed
	Err           error // taxonomy error, nil on success
	Reason        string
	Gates         *GateResult
	RollbackCause RollbackCause
}

// Succeeded reports whether the device was confirmed updated.
func (o Outcome) Succeeded() bool { return o.Stage == StageSucceeded }

// Session is one flash attempt. The state machine owns it; the registry and
// observers only read it through its accessors.
type Session struct {
	id       string
	deviceID string
	artifact *FirmwareArtifact
	clock    Clock

	mu          sync.Mutex
	stage       Stage
	startedAt   time.Time
	updatedAt   time.Time
	transitions []Transition
	sent, total int64
	gates       *GateResult
	outcome     *Outcome
	cancelled   bool
	cancel      func()
	done        chan struct{}
}

func newSession(id, deviceID string, artifact *FirmwareArtifact, clock Clock) *Session {
	now := clock.Now()
	return &Session{
		id:          id,
		deviceID:    deviceID,
		artifact:    artifact,
		clock:       clock,
		stage:       StageQueued,
		startedAt:   now,
		updatedAt:   now,
		transitions: []Transition{{Stage: StageQueued, At: now, Reason: "admitted"}},
		total:       artifact.Size(),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) DeviceID() string            { return s.deviceID }
func (s *Session) Artifact() *FirmwareArtifact { return s.artifact }

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Transitions returns a copy of the transition log.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// Outcome returns the terminal outcome, or nil while the session runs.
func (s *Session) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil
	}
	o := *s.outcome
	return &o
}

// Done is closed once the session reaches a terminal stage.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal and returns its outcome.
func (s *Session) Wait() Outcome {
	<-s.done
	return *s.Outcome()
}

// Cancel requests cancellation. It is refused once authentication has begun;
// the session then runs to a terminal stage on its own.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage.Terminal() {
		return fmt.Errorf("%w: session already %s", ErrCancelRefused, s.stage)
	}
	if !s.stage.Cancellable() {
		return fmt.Errorf("%w: session is in %s", ErrCancelRefused, s.stage)
	}
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// setCancelFunc installs the function that interrupts pre-auth stages.
func (s *Session) setCancelFunc(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	if s.cancelled {
		cancel()
	}
}

// advance moves to a later non-terminal stage. It refuses (returns false)
// when cancellation was requested before the move into a non-cancellable
// stage, which makes the cancel check and the stage change one step.
func (s *Session) advance(next Stage, reason string) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled && !next.Cancellable() {
		return Transition{}, false
	}
	return s.transitionLocked(next, reason), true
}

// finish moves the session into a terminal stage. Waiters are not woken
// until release is called.
func (s *Session) finish(o Outcome) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transitionLocked(o.Stage, o.Reason)
	s.outcome = &o
	return t
}

func (s *Session) release() {
	close(s.done)
}

func (s *Session) transitionLocked(next Stage, reason string) Transition {
	if s.stage.Terminal() {
		panic(fmt.Sprintf("flash: session %s transition from terminal stage %s to %s", s.id, s.stage, next))
	}
	if next.Rank() <= s.stage.Rank() {
		panic(fmt.Sprintf("flash: session %s transition %s -> %s is not forward", s.id, s.stage, next))
	}
	t := Transition{Stage: next, At: s.clock.Now(), Reason: reason}
	s.stage = next
	s.updatedAt = t.At
	s.transitions = append(s.transitions, t)
	return t
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Session) setProgress(sent, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent, s.total = sent, total
}

func (s *Session) setGates(r GateResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates = &r
}

// Record returns the persisted summary of the session.
func (s *Session) Record() SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := SessionRecord{
		ID:              s.id,
		DeviceID:        s.deviceID,
		FirmwareVersion: s.artifact.Version,
		FirmwareSHA256:  s.artifact.HashHex(),
		FirmwareSize:    s.artifact.Size(),
		Stage:           s.stage,
		StartedAt:       s.startedAt,
		UpdatedAt:       s.updatedAt,
	}
	if s.outcome != nil {
		rec.FailedStage = s.outcome.FailedStage
		rec.Outcome = string(s.outcome.Stage)
		if s.outcome.RollbackCause != "" {
			rec.Outcome += ":" + string(s.outcome.RollbackCause)
		}
		rec.Reason = s.outcome.Reason
		rec.FinishedAt = s.updatedAt
	}
	return rec
}

// SessionStatus is a read-only, polling-friendly view of a session.
type SessionStatus struct {
	SessionID        string
	DeviceID         string
	FirmwareVersion  string
	Stage            Stage
	Reason           string
	LastTransitionAt time.Time
	StartedAt        time.Time
	BytesSent        int64
	BytesTotal       int64
	Terminal         bool
	Outcome          *Outcome
	Gates            *GateResult
}

// Progress returns the transfer progress as a percentage.
func (st SessionStatus) Progress() int {
	if st.BytesTotal <= 0 {
		return 0
	}
	return int(st.BytesSent * 100 / st.BytesTotal)
}

// Status snapshots the session for observers.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.transitions[len(s.transitions)-1]
	st := SessionStatus{
		SessionID:        s.id,
		DeviceID:         s.deviceID,
		FirmwareVersion:  s.artifact.Version,
		Stage:            s.stage,
		Reason:           last.Reason,
		LastTransitionAt: last.At,
		StartedAt:        s.startedAt,
		BytesSent:        s.sent,
		BytesTotal:       s.total,
		Terminal:         s.stage.Terminal(),
		Gates:            s.gates,
	}
	if s.outcome != nil {
		o := *s.outcome
		st.Outcome = &o
	}
	return st
}

// RollbackCause returns the cause encoded in a rollback outcome, if any.
func (r SessionRecord) RollbackCause() RollbackCause {
	if _, cause, ok := strings.Cut(r.Outcome, ":"); ok {
		return RollbackCause(cause)
	}
	return ""
}
