package secrets

import (
	"fmt"
	"sort"
	"sync"

	"flashguard/internal/flash"
)

// MemoryStore keeps secrets in memory. It needs no passphrase and is always
// unlocked.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

func (m *MemoryStore) Setup(string) error  { return nil }
func (m *MemoryStore) Unlock(string) error { return nil }
func (m *MemoryStore) IsConfigured() bool  { return true }

func (m *MemoryStore) SharedSecret(deviceID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, flash.ErrMissingSharedSecret)
	}
	return append([]byte(nil), secret...), nil
}

func (m *MemoryStore) Set(deviceID string, secret []byte) error {
	if deviceID == "" || len(secret) == 0 {
		return fmt.Errorf("device id and secret must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[deviceID] = append([]byte(nil), secret...)
	return nil
}

func (m *MemoryStore) Remove(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[deviceID]; !ok {
		return fmt.Errorf("device %s: %w", deviceID, flash.ErrMissingSharedSecret)
	}
	delete(m.secrets, deviceID)
	return nil
}

func (m *MemoryStore) Devices() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.secrets))
	for id := range m.secrets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
