package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	postgresDefaultMaxConns = 25
	postgresDefaultMinConns = 5
)

// OpenPostgres opens a PostgreSQL handle through the pgx stdlib driver and
// verifies connectivity before handing it out. Zero conn limits fall back
// to the package defaults.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = postgresDefaultMaxConns
	}
	if minConns <= 0 {
		minConns = postgresDefaultMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}
