package events

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"signoff/internal/db"
	"signoff/internal/migrate"
)

func openWorkspace(t *testing.T, cfg db.Config) (*sql.DB, db.Dialect) {
	t.Helper()
	conn, dialect, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, dialect
}

func TestAppendUsesWriterClock(t *testing.T) {
	conn, dialect := openWorkspace(t, db.Config{Workspace: t.TempDir()})
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	w := Writer{Dialect: dialect, Now: func() time.Time { return at }}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.Append(ctx, tx, "instance.submitted", "instance", "req-1", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var ts, actor string
	if err := conn.QueryRow(`SELECT ts, actor_id FROM events`).Scan(&ts, &actor); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts != "2024-03-01T08:30:00Z" || actor != "system" {
		t.Fatalf("unexpected row ts=%s actor=%s", ts, actor)
	}
}

func TestAppendRequiresTransaction(t *testing.T) {
	if err := (Writer{}).Append(context.Background(), nil, "x", "instance", "", "", nil); err == nil {
		t.Fatalf("expected error without a transaction")
	}
}

func TestLockStatementIsPostgresOnly(t *testing.T) {
	if stmt := (Writer{Dialect: db.SQLite}).lockStatement(); stmt != "" {
		t.Fatalf("sqlite has a single writer, got %q", stmt)
	}
	if stmt := (Writer{Dialect: db.Postgres}).lockStatement(); stmt == "" {
		t.Fatalf("postgres appends must take the outbox lock")
	}
}

// Set SIGNOFF_TEST_POSTGRES_DSN to a scratch database to run this.
func TestPostgresAppendsCommitInIDOrder(t *testing.T) {
	dsn := os.Getenv("SIGNOFF_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIGNOFF_TEST_POSTGRES_DSN not set")
	}
	conn, dialect := openWorkspace(t, db.Config{Driver: string(db.Postgres), DSN: dsn})
	ctx := context.Background()
	w := Writer{Dialect: dialect}

	first, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin first: %v", err)
	}
	defer first.Rollback()
	if err := w.Append(ctx, first, "order.first", "instance", "req-1", "", nil); err != nil {
		t.Fatalf("append first: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		second, err := conn.BeginTx(ctx, nil)
		if err != nil {
			done <- err
			return
		}
		defer second.Rollback()
		if err := w.Append(ctx, second, "order.second", "instance", "req-2", "", nil); err != nil {
			done <- err
			return
		}
		done <- second.Commit()
	}()

	select {
	case err := <-done:
		t.Fatalf("second append finished while the first was open: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if err := first.Commit(); err != nil {
		t.Fatalf("commit first: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second: %v", err)
	}

	var firstID, secondID int64
	if err := conn.QueryRow(`SELECT max(id) FROM events WHERE type='order.first'`).Scan(&firstID); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if err := conn.QueryRow(`SELECT max(id) FROM events WHERE type='order.second'`).Scan(&secondID); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if firstID >= secondID {
		t.Fatalf("ids out of commit order: first=%d second=%d", firstID, secondID)
	}
}
