package storage

import (
	"context"
	"fmt"

	"formkeep/internal/config"
	"formkeep/internal/fk"
)

// NewStorageFromConfig creates an fk.Storage implementation based on the
// storage config type. The returned Signer is nil for S3, whose URLs are
// signed by the service itself.
func NewStorageFromConfig(ctx context.Context, cfg config.StorageConfig, clock fk.Clock) (fk.Storage, *Signer, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = fk.DefaultBucket
	}

	switch cfg.Type {
	case "memory":
		signer, err := NewSigner(cfg.SigningSecret, bucket, clock)
		if err != nil {
			return nil, nil, err
		}
		return NewMemoryStorage(cfg.PublicBaseURL, bucket, signer), signer, nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, nil, fmt.Errorf("filesystem storage requires fs_root to be set")
		}
		signer, err := NewSigner(cfg.SigningSecret, bucket, clock)
		if err != nil {
			return nil, nil, err
		}
		s, err := NewFileSystemStorage(cfg.FSRoot, cfg.PublicBaseURL, bucket, signer)
		if err != nil {
			return nil, nil, err
		}
		return s, signer, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, nil, fmt.Errorf("s3 storage requires s3_bucket to be set")
		}
		cfg.Bucket = bucket
		s, err := NewS3StorageFromConfig(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
