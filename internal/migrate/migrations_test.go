package migrate

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"bidline/internal/db"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateRecordsAppliedNames(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	ran, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(ran) == 0 || ran[0].Name != "001_init.sql" {
		t.Fatalf("expected 001_init.sql to run first, got %+v", ran)
	}
	again, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing on second run, got %+v", again)
	}
	hist, err := History(ctx, conn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != len(ran) || hist[0].Version != 1 || hist[0].Name != "001_init.sql" || hist[0].AppliedAt == "" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestApplyRunsOnlyNewVersionsInOrder(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	first := fstest.MapFS{
		"sql/001_a.sql": {Data: []byte(`CREATE TABLE a(id INTEGER);`)},
	}
	if _, err := apply(ctx, conn, first); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	second := fstest.MapFS{
		"sql/001_a.sql": {Data: []byte(`CREATE TABLE a(id INTEGER);`)},
		"sql/010_c.sql": {Data: []byte(`INSERT INTO b(id) VALUES (1);`)},
		"sql/002_b.sql": {Data: []byte(`CREATE TABLE b(id INTEGER);`)},
		"sql/README.md": {Data: []byte(`ignored`)},
	}
	ran, err := apply(ctx, conn, second)
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if len(ran) != 2 || ran[0].Name != "002_b.sql" || ran[1].Name != "010_c.sql" {
		t.Fatalf("unexpected run order %+v", ran)
	}
}

func TestApplyRollsBackFailedMigration(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	bad := fstest.MapFS{
		"sql/001_a.sql": {Data: []byte(`CREATE TABLE a(id INTEGER);`)},
		"sql/002_b.sql": {Data: []byte(`CREATE TABLE nope(`)},
	}
	if _, err := apply(ctx, conn, bad); err == nil || !strings.Contains(err.Error(), "002_b.sql") {
		t.Fatalf("expected failure naming 002_b.sql, got %v", err)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE name IN ('a','schema_migrations')`).Scan(&n); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback to leave no tables, found %d", n)
	}
}

func TestLoadRejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no version": {"sql/init.sql": {Data: []byte(`SELECT 1;`)}},
		"duplicate": {
			"sql/001_a.sql": {Data: []byte(`SELECT 1;`)},
			"sql/1_b.sql":   {Data: []byte(`SELECT 1;`)},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(fsys); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
