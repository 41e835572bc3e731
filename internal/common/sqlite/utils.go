// Package sqlite holds schema helpers for the SQLite-backed stores.
package sqlite

import (
	"database/sql"
	"fmt"
)

// EnsureColumn adds column to table unless it already exists. SQLite has no
// ADD COLUMN IF NOT EXISTS, so upgrades of existing databases go through
// this instead.
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	var present int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&present)
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	if present > 0 {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}
