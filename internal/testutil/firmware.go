package testutil

import (
	"context"
	"fmt"
	"testing"

	"flashguard/internal/flash"
)

// DefaultFirmwareSize is comfortably above the default minimum size.
const DefaultFirmwareSize = 512 * 1024

// NewArtifact builds a stable-channel esp32 production artifact of the given
// size with a correct manifest.
func NewArtifact(t *testing.T, version string, size int) *flash.FirmwareArtifact {
	t.Helper()
	content := FirmwareImage(version, size)
	a, err := flash.NewFirmwareArtifact(flash.Manifest{
		Version:  version,
		Channel:  flash.ChannelStable,
		HWFamily: "esp32",
		Size:     int64(size),
		SHA256:   SHA256Hex(content),
	}, content)
	if err != nil {
		t.Fatalf("failed to build artifact: %v", err)
	}
	return a
}

// StubFirmwareSource serves artifacts by version.
type StubFirmwareSource struct {
	Artifacts map[string]*flash.FirmwareArtifact
}

func NewStubFirmwareSource(artifacts ...*flash.FirmwareArtifact) *StubFirmwareSource {
	s := &StubFirmwareSource{Artifacts: make(map[string]*flash.FirmwareArtifact)}
	for _, a := range artifacts {
		s.Artifacts[a.Version] = a
	}
	return s
}

func (s *StubFirmwareSource) Fetch(_ context.Context, ref string) (*flash.FirmwareArtifact, error) {
	a, ok := s.Artifacts[ref]
	if !ok {
		return nil, fmt.Errorf("firmware %s: %w", ref, flash.ErrNotFound)
	}
	return a, nil
}

// StubSecretStore serves shared secrets by device.
type StubSecretStore map[string][]byte

func (s StubSecretStore) SharedSecret(deviceID string) ([]byte, error) {
	secret, ok := s[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, flash.ErrMissingSharedSecret)
	}
	return secret, nil
}
