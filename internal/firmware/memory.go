package firmware

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"flashguard/internal/flash"
)

// MemorySource is an in-memory firmware source, useful for testing.
// This implementation is safe for concurrent use.
type MemorySource struct {
	mu        sync.RWMutex
	manifests map[string][]byte
	images    map[string][]byte
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		manifests: make(map[string][]byte),
		images:    make(map[string][]byte),
	}
}

func (s *MemorySource) Publish(_ context.Context, m flash.Manifest, content []byte) error {
	m, err := completeManifest(m, content)
	if err != nil {
		return err
	}
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.Version] = data
	s.images[m.Version] = bytes.Clone(content)
	return nil
}

// PutRaw stores a manifest and image without checking that they agree.
func (s *MemorySource) PutRaw(version string, manifest, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[version] = bytes.Clone(manifest)
	s.images[version] = bytes.Clone(content)
}

func (s *MemorySource) Fetch(ctx context.Context, ref string) (*flash.FirmwareArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	s.mu.RLock()
	manifest, ok := s.manifests[ref]
	image := s.images[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("firmware %s: %w", ref, flash.ErrNotFound)
	}
	return buildArtifact(ref, manifest, bytes.Clone(image))
}

func (s *MemorySource) Versions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.manifests))
	for v := range s.manifests {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

var _ Source = (*MemorySource)(nil)
