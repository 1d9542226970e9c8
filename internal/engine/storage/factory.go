package storage

import (
	"fmt"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/shared/config"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

// NewBlockStore builds the block store selected by cfg.Type.
func NewBlockStore(cfg config.StorageConfig, logger logging.Logger) (core.BlockStore, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalBlockStore(cfg.Root, cfg.Pattern, cfg.CacheSize, cfg.CacheTTL, logger)
	case "s3":
		client, err := NewS3Client(cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewS3BlockStore(client, cfg.S3.Bucket, cfg.S3.Prefix, cfg.Pattern, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
