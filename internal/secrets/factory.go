package secrets

import (
	"fmt"

	"flashguard/internal/config"
)

// NewStoreFromConfig creates a Store based on the configuration type.
func NewStoreFromConfig(cfg config.SecretsConfig) (Store, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("age secret store requires path to be set")
		}
		return NewAgeStore(cfg.Path), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown secrets type: %q", cfg.Type)
	}
}
