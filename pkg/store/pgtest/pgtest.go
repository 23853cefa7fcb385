//go:build integration

// Package pgtest starts a disposable PostgreSQL for integration tests.
package pgtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const image = "postgres:16-alpine"

// Pool starts a container, runs the given SQL files against it in order, and
// returns a pool that is closed, with the container, when t ends.
func Pool(t testing.TB, sqlFiles ...string) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test needs docker")
	}
	ctx := context.Background()
	opts := []testcontainers.ContainerCustomizer{
		postgres.WithDatabase("frontdoor"),
		postgres.WithUsername("frontdoor"),
		postgres.WithPassword("frontdoor"),
		postgres.BasicWaitStrategies(),
	}
	ctr, err := postgres.Run(ctx, image, opts...)
	if err != nil {
		t.Fatalf("start %s: %v", image, err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate %s: %v", image, err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable", "application_name=frontdoor-test")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, f := range sqlFiles {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
	return pool
}
