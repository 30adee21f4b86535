package flash

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultRetention is how long finished sessions stay visible to observers.
const DefaultRetention = 24 * time.Hour

type archivedSession struct {
	session     *Session
	completedAt time.Time
}

// Registry tracks in-flight sessions and enforces at most one active session
// per device. It is safe for concurrent use.
type Registry struct {
	clock     Clock
	idgen     IDGenerator
	retention time.Duration

	mu       sync.Mutex
	active   map[string]*Session
	finished map[string]archivedSession
}

// NewRegistry creates an empty registry. A non-positive retention uses
// DefaultRetention.
func NewRegistry(clock Clock, idgen IDGenerator, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		clock:     clock,
		idgen:     idgen,
		retention: retention,
		active:    make(map[string]*Session),
		finished:  make(map[string]archivedSession),
	}
}

// Begin admits a new session for the device. The check for an existing
// session and the insert of the new one happen under one lock.
func (r *Registry) Begin(deviceID string, artifact *FirmwareArtifact) (*Session, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: no artifact", ErrInvalidFirmware)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[deviceID]; ok {
		return nil, fmt.Errorf("%w: session %s is %s", ErrAlreadyFlashing, existing.ID(), existing.Stage())
	}

	s := newSession(r.idgen.New(), deviceID, artifact, r.clock)
	r.active[deviceID] = s
	return s, nil
}

// Get returns the device's active session, else its most recently finished
// session within the retention window, else nil.
func (r *Registry) Get(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.active[deviceID]; ok {
		return s
	}
	if a, ok := r.finished[deviceID]; ok && r.clock.Now().Sub(a.completedAt) <= r.retention {
		return a.session
	}
	return nil
}

// ActiveSessionID returns the ID of the device's active session, or "".
func (r *Registry) ActiveSessionID(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[deviceID]; ok {
		return s.ID()
	}
	return ""
}

// Complete releases the device's admission slot and archives the session.
// Completing a device with no active session is a no-op.
func (r *Registry) Complete(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[deviceID]
	if !ok {
		return
	}
	delete(r.active, deviceID)
	r.finished[deviceID] = archivedSession{session: s, completedAt: r.clock.Now()}
}

// Active returns the status of every in-flight session, ordered by device.
func (r *Registry) Active() []SessionStatus {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	return statuses(sessions)
}

// Sessions returns the status of every active and retained session.
func (r *Registry) Sessions() []SessionStatus {
	r.mu.Lock()
	now := r.clock.Now()
	sessions := make([]*Session, 0, len(r.active)+len(r.finished))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	for id, a := range r.finished {
		if _, busy := r.active[id]; busy {
			continue
		}
		if now.Sub(a.completedAt) <= r.retention {
			sessions = append(sessions, a.session)
		}
	}
	r.mu.Unlock()

	return statuses(sessions)
}

// Prune drops finished sessions older than the retention window and returns
// how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	n := 0
	for id, a := range r.finished {
		if now.Sub(a.completedAt) > r.retention {
			delete(r.finished, id)
			n++
		}
	}
	return n
}

func statuses(sessions []*Session) []SessionStatus {
	out := make([]SessionStatus, len(sessions))
	for i, s := range sessions {
		out[i] = s.Status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
