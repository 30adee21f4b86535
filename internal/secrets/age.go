package secrets

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"filippo.io/age"
	"github.com/BurntSushi/toml"

	"flashguard/internal/flash"
)

// AgeStore keeps secrets in a TOML document encrypted with age's
// scrypt-based passphrase encryption. The passphrase is held in memory after
// Unlock so that changes can be written back.
type AgeStore struct {
	path string

	// WorkFactor overrides the scrypt work factor used when writing. Zero
	// keeps age's default.
	WorkFactor int

	mu         sync.RWMutex
	passphrase string
	secrets    map[string]string // nil while locked
}

type secretsFile struct {
	Devices map[string]string `toml:"devices"`
}

var _ Store = (*AgeStore)(nil)

func NewAgeStore(path string) *AgeStore {
	return &AgeStore{path: path}
}

func (s *AgeStore) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}
	if s.IsConfigured() {
		return fmt.Errorf("secrets file already exists at %s", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(passphrase, map[string]string{}); err != nil {
		return err
	}
	s.passphrase = passphrase
	s.secrets = map[string]string{}
	return nil
}

func (s *AgeStore) Unlock(passphrase string) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return fmt.Errorf("decrypting secrets file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading decrypted secrets: %w", err)
	}

	var f secretsFile
	if _, err := toml.NewDecoder(bytes.NewReader(plain)).Decode(&f); err != nil {
		return fmt.Errorf("decoding secrets: %w", err)
	}
	if f.Devices == nil {
		f.Devices = map[string]string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.passphrase = passphrase
	s.secrets = f.Devices
	return nil
}

// IsConfigured returns true if the secrets file exists.
func (s *AgeStore) IsConfigured() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *AgeStore) SharedSecret(deviceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secrets == nil {
		return nil, ErrLocked
	}
	secret, ok := s.secrets[deviceID]
	if !ok || secret == "" {
		return nil, fmt.Errorf("device %s: %w", deviceID, flash.ErrMissingSharedSecret)
	}
	return []byte(secret), nil
}

func (s *AgeStore) Set(deviceID string, secret []byte) error {
	if deviceID == "" || len(secret) == 0 {
		return fmt.Errorf("device id and secret must not be empty")
	}
	return s.modify(func(m map[string]string) error {
		m[deviceID] = string(secret)
		return nil
	})
}

func (s *AgeStore) Remove(deviceID string) error {
	return s.modify(func(m map[string]string) error {
		if _, ok := m[deviceID]; !ok {
			return fmt.Errorf("device %s: %w", deviceID, flash.ErrMissingSharedSecret)
		}
		delete(m, deviceID)
		return nil
	})
}

func (s *AgeStore) Devices() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secrets == nil {
		return nil, ErrLocked
	}
	out := make([]string, 0, len(s.secrets))
	for id := range s.secrets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// modify applies fn to a copy of the secrets and persists the result before
// making it visible.
func (s *AgeStore) modify(fn func(m map[string]string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets == nil {
		return ErrLocked
	}

	next := make(map[string]string, len(s.secrets)+1)
	for k, v := range s.secrets {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := s.write(s.passphrase, next); err != nil {
		return err
	}
	s.secrets = next
	return nil
}

// write encrypts the secrets to a temp file and renames it over the store.
func (s *AgeStore) write(passphrase string, m map[string]string) error {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.WorkFactor > 0 {
		recipient.SetWorkFactor(s.WorkFactor)
	}

	var plain bytes.Buffer
	if err := toml.NewEncoder(&plain).Encode(secretsFile{Devices: m}); err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w, err := age.Encrypt(tmp, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plain.Bytes()); err != nil {
		return fmt.Errorf("writing encrypted secrets: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}
