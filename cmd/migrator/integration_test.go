//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	// Apply the real schema from the repository.
	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	// Re-running is a no-op.
	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var applied int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied == 0 {
		t.Fatal("no migrations recorded")
	}

	// The write-once constraint is live after migration.
	if _, err := pool.Exec(ctx, `INSERT INTO registries (registry_id, owner) VALUES ('r1', '0xowner')`); err != nil {
		t.Fatalf("insert registry: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO registry_entries (registry_id, name, date_key, fingerprint)
		VALUES ('r1', 'AAPL', 20231025, '\x01')
	`); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	tag, err := pool.Exec(ctx, `
		INSERT INTO registry_entries (registry_id, name, date_key, fingerprint)
		VALUES ('r1', 'AAPL', 20231025, '\x02')
		ON CONFLICT (registry_id, name, date_key) DO NOTHING
	`)
	if err != nil {
		t.Fatalf("conflicting insert: %v", err)
	}
	if tag.RowsAffected() != 0 {
		t.Fatal("duplicate slot write must be a no-op")
	}
}
