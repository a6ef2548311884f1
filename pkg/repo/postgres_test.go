//go:build integration

package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres launches a throwaway PostgreSQL container and returns a
// store connected to it. The test is skipped when Docker is unavailable.
func startPostgres(t *testing.T) *GORMStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("forgevault_test"),
		postgres.WithUsername("forgevault_test"),
		postgres.WithPassword("forgevault_test"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	if err != nil {
		t.Skipf("docker not available, skipping postgres test: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	store, err := New(ctx, Config{
		Type: DatabaseTypePostgres,
		Postgres: PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			User:     "forgevault_test",
			Password: "forgevault_test",
			Database: "forgevault_test",
			SSLMode:  "disable",
			MaxConns: 5,
			MinConns: 1,
		},
	})
	if err != nil {
		t.Fatalf("failed to create postgres store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestPostgresStore(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	t.Run("healthcheck", func(t *testing.T) {
		if err := store.Healthcheck(ctx); err != nil {
			t.Errorf("healthcheck failed: %v", err)
		}
	})

	t.Run("migrations are idempotent", func(t *testing.T) {
		sqlDB, err := store.db.DB()
		if err != nil {
			t.Fatalf("failed to get database handle: %v", err)
		}
		if err := migratePostgres(sqlDB); err != nil {
			t.Errorf("re-running migrations failed: %v", err)
		}
	})

	t.Run("snapshot round trip", func(t *testing.T) {
		id, err := store.CreateSnapshot(ctx, &Snapshot{
			SourceID:    "doc-pg",
			Kind:        string(SnapshotFull),
			StorageKey:  "backups/doc-pg/snap-1",
			LogicalSize: 4096,
		})
		if err != nil {
			t.Fatalf("failed to create snapshot: %v", err)
		}

		snap, err := store.GetSnapshot(ctx, id)
		if err != nil {
			t.Fatalf("failed to get snapshot: %v", err)
		}
		if snap.SourceID != "doc-pg" || snap.LogicalSize != 4096 {
			t.Errorf("snapshot fields did not round trip: %+v", snap)
		}

		_, err = store.CreateSnapshot(ctx, &Snapshot{
			SourceID:   "doc-pg",
			Kind:       string(SnapshotFull),
			StorageKey: "backups/doc-pg/snap-1",
		})
		if !errors.Is(err, ErrDuplicateSnapshot) {
			t.Errorf("expected ErrDuplicateSnapshot, got %v", err)
		}
	})

	t.Run("job idempotency key", func(t *testing.T) {
		key := "backup:doc-pg:v1"
		if _, err := store.CreateJob(ctx, &Job{
			Flow:           "backup",
			Queue:          "backup",
			IdempotencyKey: &key,
		}); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}

		_, err := store.CreateJob(ctx, &Job{
			Flow:           "backup",
			Queue:          "backup",
			IdempotencyKey: &key,
		})
		if !errors.Is(err, ErrDuplicateJob) {
			t.Errorf("expected ErrDuplicateJob, got %v", err)
		}
	})
}
