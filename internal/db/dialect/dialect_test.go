package dialect

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/hivecore/hivecore/internal/db"
)

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("pgx driver should count as postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("sqlite3 driver should not count as postgres")
	}
}

func TestFragments(t *testing.T) {
	cases := []struct {
		name       string
		build      func(driver string) string
		wantSQLite string
		wantPGX    string
	}{
		{
			name:       "json extract",
			build:      func(d string) string { return JSONExtract(d, "metadata", "status") },
			wantSQLite: "json_extract(metadata, '$.status')",
			wantPGX:    "metadata::jsonb->>'status'",
		},
		{
			name:       "duration ms",
			build:      func(d string) string { return DurationMs(d, "completed_at", "dispatched_at") },
			wantSQLite: "(julianday(completed_at) - julianday(dispatched_at)) * 86400000",
			wantPGX:    "EXTRACT(EPOCH FROM (completed_at - dispatched_at)) * 1000",
		},
		{
			name:       "date of",
			build:      func(d string) string { return DateOf(d, "created_at") },
			wantSQLite: "date(created_at)",
			wantPGX:    "(created_at)::date",
		},
		{
			name:       "date now minus days",
			build:      func(d string) string { return DateNowMinusDays(d, "?") },
			wantSQLite: "date('now', '-' || ? || ' days')",
			wantPGX:    "CURRENT_DATE - (? || ' days')::interval",
		},
		{
			name:       "like operator",
			build:      Like,
			wantSQLite: "LIKE",
			wantPGX:    "ILIKE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.build(SQLite3); got != tc.wantSQLite {
				t.Errorf("sqlite fragment: got %q, want %q", got, tc.wantSQLite)
			}
			if got := tc.build(PGX); got != tc.wantPGX {
				t.Errorf("pgx fragment: got %q, want %q", got, tc.wantPGX)
			}
		})
	}
}

func TestInsertReturningIDAssignsSequentialIDs(t *testing.T) {
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "dialect.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn := sqlx.NewDb(raw, SQLite3)
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.Exec(`CREATE TABLE audit_entries (id INTEGER PRIMARY KEY AUTOINCREMENT, detail TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	ctx := context.Background()
	for want, detail := range []string{"task queued", "task dispatched"} {
		id, err := InsertReturningID(ctx, conn, `INSERT INTO audit_entries (detail) VALUES (?)`, detail)
		if err != nil {
			t.Fatalf("insert %q: %v", detail, err)
		}
		if id != int64(want)+1 {
			t.Errorf("insert %q: expected id %d, got %d", detail, want+1, id)
		}
	}
}
