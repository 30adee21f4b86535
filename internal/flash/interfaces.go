package flash

import (
	"context"
	"time"
)

// DeviceSource supplies device snapshots. Implementations return an error
// wrapping ErrNotFound when the device is unknown.
type DeviceSource interface {
	Snapshot(ctx context.Context, deviceID string) (*DeviceSnapshot, error)
}

// FirmwareSource resolves a firmware reference (a version) to an artifact.
type FirmwareSource interface {
	Fetch(ctx context.Context, ref string) (*FirmwareArtifact, error)
}

// SecretStore supplies the pre-provisioned shared secret for a device.
type SecretStore interface {
	SharedSecret(deviceID string) ([]byte, error)
}

// Transport opens connections to a device's OTA service port.
type Transport interface {
	Connect(ctx context.Context, address string, port int) (Conn, error)
}

// Conn is one OTA connection. A Conn is used by a single session and is not
// safe for concurrent use.
type Conn interface {
	// Authenticate answers the device's nonce challenge with a digest over
	// the nonce and the shared secret.
	Authenticate(ctx context.Context, secret []byte) (AuthToken, error)

	// Transfer sends the whole image as acknowledged, sequenced chunks.
	// progress, if non-nil, is called after every acknowledged chunk.
	Transfer(ctx context.Context, token AuthToken, image []byte, progress func(sent, total int64)) error

	// Finalize sends the whole-image hash. On acceptance the device
	// schedules application and reboots.
	Finalize(ctx context.Context, token AuthToken, imageHash [32]byte) error

	Close() error
}

// Journal persists session history for later inspection.
type Journal interface {
	CreateSession(rec SessionRecord) error
	AppendTransition(sessionID string, t Transition) error
	FinishSession(rec SessionRecord) error
}

// SessionRecord is the persisted summary of a session.
type SessionRecord struct {
	ID              string
	DeviceID        string
	FirmwareVersion string
	FirmwareSHA256  string
	FirmwareSize    int64
	Stage           Stage
	FailedStage     Stage
	Outcome         string
	Reason          string
	StartedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      time.Time
}

// History is a Journal that can also be read back.
type History interface {
	Journal

	// ListSessions returns the most recent sessions, newest first.
	ListSessions(limit int) ([]SessionRecord, error)

	// FindSession returns a session by ID, or nil if it does not exist.
	FindSession(id string) (*SessionRecord, error)

	// LatestSessionForDevice returns the device's most recent session, or nil.
	LatestSessionForDevice(deviceID string) (*SessionRecord, error)

	// ListTransitions returns a session's transitions in order.
	ListTransitions(sessionID string) ([]Transition, error)
}
