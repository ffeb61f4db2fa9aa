package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "c3sync.db")
	conn, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations;").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("migrations recorded=%d", n)
	}
	_ = conn.Close()
}

func TestWorkerRollsBackOnError(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	conn, err := Open(ctx, Config{Path: "worker_" + t.Name(), Memory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	w := NewWorker(conn)

	boom := errors.New("boom")
	err = w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO sync_state(panel_id, updated_at_ms) VALUES('p1', 1);"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_state;").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rolled back insert visible: %d rows", n)
	}

	w.Close()
	if err := w.Do(ctx, func(context.Context, *sql.Tx) error { return nil }); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("expected ErrWorkerClosed, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	testlog.Start(t)
	if v, err := parseVersion("0007_add_index.sql"); err != nil || v != 7 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if _, err := parseVersion("init.sql"); err == nil {
		t.Fatalf("expected error for unnumbered migration")
	}
}
