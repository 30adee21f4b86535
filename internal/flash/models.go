package flash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DeviceMode is the operating mode a device reports.
type DeviceMode string

const (
	ModeFactory    DeviceMode = "factory"
	ModeProduction DeviceMode = "production"
)

// Channel is a firmware release channel.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelDev    Channel = "dev"
)

// ArtifactKind says which operating mode a firmware image boots into.
type ArtifactKind string

const (
	KindProduction ArtifactKind = "production"
	KindFactory    ArtifactKind = "factory"
)

// DeviceSnapshot is a point-in-time view of a device as reported by the
// discovery collaborator. The core only reads snapshots; they may be stale.
type DeviceSnapshot struct {
	ID              string
	Address         string
	Port            int // 0 means the configured default service port
	Online          bool
	LastSeen        time.Time
	Mode            DeviceMode
	FirmwareVersion string
	FirmwareBuild   string
	Health          string
	Class           string
	HWFamily        string
	Uptime          time.Duration // uptime reported at LastSeen, 0 if unknown
}

// HealthNominal reports whether the free-form health indicator says the
// device is fine. An empty indicator counts as nominal.
func (d *DeviceSnapshot) HealthNominal() bool {
	switch strings.ToLower(strings.TrimSpace(d.Health)) {
	case "", "ok", "nominal", "healthy", "good":
		return true
	}
	return false
}

// BootedAt estimates when the device last booted. ok is false when the
// device did not report an uptime.
func (d *DeviceSnapshot) BootedAt() (t time.Time, ok bool) {
	if d.Uptime <= 0 || d.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return d.LastSeen.Add(-d.Uptime), true
}

// FirmwareArtifact is an immutable firmware image plus its manifest data.
// Hash is always the SHA-256 of Content, computed at construction.
type FirmwareArtifact struct {
	Version        string
	Channel        Channel
	HWFamily       string
	Kind           ArtifactKind
	Content        []byte
	DeclaredSize   int64
	DeclaredSHA256 string
	Hash           [sha256.Size]byte
}

// Manifest holds the metadata published alongside a firmware image.
type Manifest struct {
	Version  string       `json:"version"`
	Channel  Channel      `json:"channel"`
	HWFamily string       `json:"hw_family"`
	Kind     ArtifactKind `json:"kind,omitempty"`
	Size     int64        `json:"size,omitempty"`
	SHA256   string       `json:"sha256"`
}

// NewFirmwareArtifact builds an artifact from a manifest and image bytes.
// The content hash is computed here so it exists before any transfer.
// Integrity against the manifest is judged by the preflight gates, not here.
func NewFirmwareArtifact(m Manifest, content []byte) (*FirmwareArtifact, error) {
	if m.Version == "" {
		return nil, fmt.Errorf("%w: manifest has no version", ErrInvalidFirmware)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: firmware image is empty", ErrInvalidFirmware)
	}

	kind := m.Kind
	if kind == "" {
		kind = KindProduction
	}
	declared := m.Size
	if declared == 0 {
		declared = int64(len(content))
	}

	return &FirmwareArtifact{
		Version:        m.Version,
		Channel:        m.Channel,
		HWFamily:       m.HWFamily,
		Kind:           kind,
		Content:        content,
		DeclaredSize:   declared,
		DeclaredSHA256: strings.ToLower(m.SHA256),
		Hash:           sha256.Sum256(content),
	}, nil
}

// Size returns the number of image bytes.
func (a *FirmwareArtifact) Size() int64 {
	return int64(len(a.Content))
}

// HashHex returns the content hash as lowercase hex.
func (a *FirmwareArtifact) HashHex() string {
	return hex.EncodeToString(a.Hash[:])
}

// AuthToken is the session credential granted by a device after a successful
// challenge, together with the chunk size both sides agreed on.
type AuthToken struct {
	Token     []byte
	ChunkSize int
}
