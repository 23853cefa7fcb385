package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"frontdoor/pkg/config"
	"frontdoor/pkg/logging"
	"frontdoor/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// migrationLockKey serialises migrators started together, e.g. by several
// replicas of a deployment.
const migrationLockKey int64 = 0x66726f6e74646f72

// Testable variables for main()
var (
	logFatalf    = log.Fatalf
	loadConfigFn = config.Load
	openDBFn     = func(ctx context.Context, cfg config.PostgresConfig) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

func main() {
	flags := flag.NewFlagSet("migrator", flag.ExitOnError)
	configPath := flags.String("config", os.Getenv("FRONTDOOR_CONFIG"), "path to a YAML config file")
	dir := flags.String("dir", "migrations", "directory holding *.sql migrations")
	timeout := flags.Duration("timeout", 30*time.Second, "overall migration deadline")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, *dir, *timeout); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(configPath, dir string, timeout time.Duration) error {
	cfg, err := loadConfigFn(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Log, "migrator")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	pool, err := openDBFn(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if _, err := runMigrations(ctx, pool, os.DirFS(dir), logger); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	return nil
}

// runMigrations applies every *.sql file at the root of fsys in name order,
// each in its own transaction, skipping files already recorded in
// schema_migrations. It returns how many files were applied.
func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logger *zap.Logger) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		ok, err := applyMigration(ctx, db, fsys, name)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			logger.Info("applied migration", zap.String("file", name))
		}
	}
	logger.Info("migrations complete", zap.Int("files", len(files)), zap.Int("applied", applied))
	return applied, nil
}

func applyMigration(ctx context.Context, db migrationDB, fsys fs.FS, name string) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("migration lock: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("migration lookup %s: %w", name, err)
	}
	if exists {
		return false, nil
	}
	sqlBytes, err := fs.ReadFile(fsys, name)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}
