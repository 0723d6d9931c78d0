package db

import (
	"os"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE instances SET status=?, note='why?' WHERE id=? AND version=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite must not rewrite: %s", got)
	}
	want := `UPDATE instances SET status=$1, note='why?' WHERE id=$2 AND version=$3`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind:\n got %s\nwant %s", got, want)
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, d, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if d != SQLite {
		t.Fatalf("expected sqlite dialect, got %s", d)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
}

func TestOpenPgxRequiresDSN(t *testing.T) {
	if _, _, err := Open(Config{Driver: "pgx"}); err == nil {
		t.Fatalf("expected dsn error")
	}
}
