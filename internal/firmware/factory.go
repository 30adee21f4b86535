package firmware

import (
	"context"
	"fmt"

	"flashguard/internal/config"
)

// NewSourceFromConfig creates a firmware Source based on the config type.
func NewSourceFromConfig(ctx context.Context, cfg config.FirmwareConfig) (Source, error) {
	switch cfg.Type {
	case "memory":
		return NewMemorySource(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem firmware source requires root to be set")
		}
		return NewFileSystemSource(cfg.Root)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 firmware source requires s3_bucket to be set")
		}
		return NewS3SourceFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown firmware type: %s", cfg.Type)
	}
}
