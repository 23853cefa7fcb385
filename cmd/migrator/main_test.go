package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"frontdoor/pkg/config"
)

type fakeRow struct {
	exists bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool")
	}
	*b = r.exists
	return nil
}

// fakeTx implements the parts of pgx.Tx the migrator uses. The embedded
// interface panics if anything else is called.
type fakeTx struct {
	pgx.Tx
	db        *fakeDB
	exec      []string
	committed bool
	rolled    bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.exec = append(t.exec, sql)
	if t.db.txExecErr != nil && strings.Contains(sql, t.db.txExecErrOn) {
		return pgconn.CommandTag{}, t.db.txExecErr
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *fakeTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if t.db.lookupErr != nil {
		return fakeRow{err: t.db.lookupErr}
	}
	return fakeRow{exists: t.db.applied[args[0].(string)]}
}

func (t *fakeTx) Commit(context.Context) error {
	if t.db.commitErr != nil {
		return t.db.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolled = true
	}
	return nil
}

type fakeDB struct {
	applied     map[string]bool
	execErr     error
	beginErr    error
	lookupErr   error
	commitErr   error
	txExecErr   error
	txExecErrOn string
	txs         []*fakeTx
	closed      bool
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	tx := &fakeTx{db: f}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakeDB) Close() { f.closed = true }

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"002_add.sql":  {Data: []byte("ALTER TABLE t ADD COLUMN c INT;")},
		"001_init.sql": {Data: []byte("CREATE TABLE t (id INT);")},
		"README.md":    {Data: []byte("not a migration")},
		"sub/003.sql":  {Data: []byte("SELECT 1;")},
	}
}

func TestRunMigrationsAppliesInOrderAndSkipsApplied(t *testing.T) {
	db := &fakeDB{applied: map[string]bool{"001_init.sql": true}}
	n, err := runMigrations(context.Background(), db, testFS(), nil)
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied=%d, want 1", n)
	}
	if len(db.txs) != 2 {
		t.Fatalf("expected one transaction per top-level file, got %d", len(db.txs))
	}
	skipped, applied := db.txs[0], db.txs[1]
	if skipped.committed || !skipped.rolled {
		t.Fatal("already applied migration should roll back its lookup transaction")
	}
	if !applied.committed {
		t.Fatal("new migration not committed")
	}
	want := []string{"SELECT pg_advisory_xact_lock($1)", "ALTER TABLE t ADD COLUMN c INT;", "INSERT INTO schema_migrations(filename) VALUES($1)"}
	if len(applied.exec) != len(want) {
		t.Fatalf("exec=%q", applied.exec)
	}
	for i := range want {
		if applied.exec[i] != want[i] {
			t.Fatalf("exec[%d]=%q, want %q", i, applied.exec[i], want[i])
		}
	}
}

func TestRunMigrationsErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		db      *fakeDB
		wantErr string
	}{
		{name: "create table", db: &fakeDB{execErr: boom}, wantErr: "create schema_migrations"},
		{name: "begin", db: &fakeDB{beginErr: boom}, wantErr: "begin migration tx"},
		{name: "lock", db: &fakeDB{txExecErr: boom, txExecErrOn: "pg_advisory_xact_lock"}, wantErr: "migration lock"},
		{name: "lookup", db: &fakeDB{lookupErr: boom}, wantErr: "migration lookup"},
		{name: "apply", db: &fakeDB{txExecErr: boom, txExecErrOn: "CREATE TABLE t"}, wantErr: "apply migration 001_init.sql"},
		{name: "mark", db: &fakeDB{txExecErr: boom, txExecErrOn: "INSERT INTO schema_migrations"}, wantErr: "mark migration"},
		{name: "commit", db: &fakeDB{commitErr: boom}, wantErr: "commit migration"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runMigrations(context.Background(), tc.db, testFS(), nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) || !errors.Is(err, boom) {
				t.Fatalf("err=%v, want %q wrapping boom", err, tc.wantErr)
			}
			for _, tx := range tc.db.txs {
				if !tx.committed && !tx.rolled {
					t.Fatal("failed transaction left open")
				}
			}
		})
	}

	if _, err := runMigrations(context.Background(), nil, testFS(), nil); err == nil {
		t.Fatal("expected error for nil db")
	}
	if _, err := runMigrations(context.Background(), &fakeDB{}, fstest.MapFS{}, nil); err != nil {
		t.Fatalf("empty directory: %v", err)
	}
}

func TestRunLoadsConfigAndClosesPool(t *testing.T) {
	origLoad, origOpen := loadConfigFn, openDBFn
	defer func() { loadConfigFn, openDBFn = origLoad, origOpen }()

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/001_init.sql", []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loadConfigFn = func(string) (config.Config, error) {
		return config.Config{Postgres: config.PostgresConfig{DatabaseURL: "postgres://db/frontdoor"}}, nil
	}
	openDBFn = func(context.Context, config.PostgresConfig) (migratorDBCloser, error) {
		return nil, errors.New("connection refused")
	}
	if err := run("", dir, time.Minute); err == nil || !strings.HasPrefix(err.Error(), "db:") {
		t.Fatalf("expected db error, got %v", err)
	}

	db := &fakeDB{applied: map[string]bool{}}
	var gotURL string
	openDBFn = func(_ context.Context, cfg config.PostgresConfig) (migratorDBCloser, error) {
		gotURL = cfg.DatabaseURL
		return db, nil
	}
	if err := run("", dir, time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotURL != "postgres://db/frontdoor" || !db.closed || len(db.txs) != 1 || !db.txs[0].committed {
		t.Fatalf("url=%q closed=%v txs=%d", gotURL, db.closed, len(db.txs))
	}
}

func TestMainCallsLogFatalf(t *testing.T) {
	origFatal, origLoad, origArgs := logFatalf, loadConfigFn, os.Args
	defer func() { logFatalf, loadConfigFn, os.Args = origFatal, origLoad, origArgs }()
	os.Args = []string{"migrator"}

	loadConfigFn = func(string) (config.Config, error) { return config.Config{}, errors.New("bad config") }
	var msg string
	logFatalf = func(format string, args ...any) { msg = format }
	main()
	if !strings.HasPrefix(msg, "migrator:") {
		t.Fatalf("logFatalf not called: %q", msg)
	}
}
