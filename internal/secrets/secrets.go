// Package secrets stores the per-device shared secrets used to answer OTA
// authentication challenges.
package secrets

import (
	"errors"

	"flashguard/internal/flash"
)

// ErrLocked is returned when secrets are read or changed before Unlock.
var ErrLocked = errors.New("secret store is locked")

// Store is a flash.SecretStore that can be set up, unlocked and edited.
type Store interface {
	flash.SecretStore

	// Setup creates an empty store protected by passphrase and leaves it
	// unlocked. Called during `flashguard secrets init`.
	Setup(passphrase string) error

	// Unlock decrypts the store with passphrase. Secrets stay in memory
	// only for the life of the process.
	Unlock(passphrase string) error

	// IsConfigured reports whether Setup has been run.
	IsConfigured() bool

	Set(deviceID string, secret []byte) error
	Remove(deviceID string) error

	// Devices lists the devices that have a secret, sorted.
	Devices() ([]string, error)
}
