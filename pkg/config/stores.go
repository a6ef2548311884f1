package config

import (
	"context"
	"fmt"

	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/objstore"
	s3store "github.com/forgevault/forgevault/pkg/objstore/s3"
	"github.com/forgevault/forgevault/pkg/repo"
)

// CreateRepoStore opens the metadata database configured in cfg.Database
// (SQLite or PostgreSQL) and runs its migrations.
func CreateRepoStore(ctx context.Context, cfg *Config) (repo.Store, error) {
	store, err := repo.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	return store, nil
}

// CreateObjectStore creates the object storage backend from configuration.
func CreateObjectStore(ctx context.Context, cfg *Config) (objstore.Store, error) {
	switch cfg.Storage.Type {
	case "s3":
		return createS3ObjectStore(ctx, cfg.Storage)
	case "memory":
		return objstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}
}

// createS3ObjectStore creates an S3-backed object store. Credentials may
// be empty, in which case the SDK's default chain (environment, shared
// config, IAM role) applies.
func createS3ObjectStore(ctx context.Context, cfg StorageConfig) (objstore.Store, error) {
	s3Cfg := s3store.Config{
		Endpoint:             cfg.Endpoint,
		Region:               cfg.Region,
		AccessKeyID:          cfg.AccessKeyID,
		SecretAccessKey:      cfg.SecretAccessKey,
		ForcePathStyle:       cfg.ForcePathStyle,
		BucketPrefix:         cfg.BucketPrefix,
		MultipartThreshold:   int64(cfg.MultipartThreshold),
		MultipartPartSize:    int64(cfg.MultipartPartSize),
		MultipartConcurrency: cfg.MultipartConcurrency,
		MaxRetries:           cfg.MaxRetries,
	}

	store, err := s3store.New(ctx, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 object store: %w", err)
	}
	return store, nil
}

// CreateChunkStore creates the deduplicating chunk store over the object
// store. A configured index path selects the persistent BadgerDB index;
// an empty path selects the in-memory index for development and tests.
func CreateChunkStore(cfg *Config, objects objstore.Store) (chunkstore.Store, error) {
	if cfg.Chunker.IndexPath == "" {
		return chunkstore.NewMemory(objects), nil
	}

	store, err := chunkstore.NewBadger(cfg.Chunker.IndexPath, objects)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk index at %s: %w", cfg.Chunker.IndexPath, err)
	}
	return store, nil
}

// chunkerConfig maps the chunker section onto the chunk store's own
// configuration type.
func chunkerConfig(cfg ChunkerConfig) chunkstore.ChunkerConfig {
	return chunkstore.ChunkerConfig{
		Algorithm:  cfg.Algorithm,
		TargetSize: int(cfg.TargetSize),
		MinSize:    int(cfg.MinSize),
		MaxSize:    int(cfg.MaxSize),
	}
}
