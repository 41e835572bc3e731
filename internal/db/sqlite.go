package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// Reader connections run concurrently under WAL; four covers the API
	// handlers plus the requeue scheduler without oversubscribing a small
	// deployment.
	sqliteReaderConns = 4
)

// sqliteDSN assembles a file: DSN for the given access mode. Foreign keys,
// the busy timeout, and the shared page cache apply to every connection;
// WAL and synchronous level are database-wide and only set by the writer.
func sqliteDSN(path, mode string, writerPragmas bool) string {
	params := []string{
		"_foreign_keys=on",
		"_mode=" + mode,
		fmt.Sprintf("_busy_timeout=%d", int(sqliteBusyTimeout/time.Millisecond)),
	}
	if writerPragmas {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	params = append(params, "_cache=shared")
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&"))
}

// OpenSQLite opens the write handle: a single connection so writes serialize
// in the driver instead of surfacing as SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath, true)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "rwc", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read-only handle with a small concurrent pool.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "ro", false))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// prepareSQLitePath resolves the path to absolute and, when create is set,
// makes sure the parent directory and the file itself exist so the writer
// DSN never has to race the first INSERT for file creation.
func prepareSQLitePath(dbPath string, create bool) (string, error) {
	path := dbPath
	if abs, err := filepath.Abs(dbPath); err == nil && dbPath != "" {
		path = abs
	}
	if !create {
		return path, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, file.Close()
}
