package inventory

import (
	"fmt"

	"flashguard/internal/config"
)

// NewInventoryFromConfig creates an Inventory based on the config type.
func NewInventoryFromConfig(cfg config.InventoryConfig) (Inventory, error) {
	switch cfg.Type {
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file inventory requires path to be set")
		}
		return NewFileInventory(cfg.Path), nil
	case "memory":
		return NewMemoryInventory(), nil
	default:
		return nil, fmt.Errorf("unknown inventory type: %s", cfg.Type)
	}
}
