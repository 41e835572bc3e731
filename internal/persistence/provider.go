// Package persistence wires the configured database driver to the stores
// that need one.
package persistence

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/config"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/db"
	"github.com/hivecore/hivecore/internal/db/dialect"
)

// Provider owns the database handles shared by the SQL-backed stores and
// hands out lazily-built store instances. With driver "memory" there is no
// database and stores fall back to their in-memory implementations.
type Provider struct {
	cfg    config.DatabaseConfig
	logger *logger.Logger

	pool         *db.Pool
	sqliteWriter *sql.DB // kept for the close-time PRAGMA optimize

	stores providerStores
}

// Provide opens the configured database and returns the provider plus its
// cleanup function.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*Provider, func() error, error) {
	p := &Provider{cfg: cfg, logger: log}

	switch cfg.Driver {
	case "", "memory":
		if log != nil {
			log.Info("Using in-memory stores", zap.String("db_driver", "memory"))
		}

	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		p.pool = db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		p.sqliteWriter = writer
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_path", cfg.Path),
				zap.String("db_driver", cfg.Driver))
		}

	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		p.pool = db.NewPool(sqlxDB, sqlxDB)
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_host", cfg.Host),
				zap.String("db_name", cfg.DBName),
				zap.String("db_driver", cfg.Driver))
		}

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	return p, p.Close, nil
}

// Pool returns the shared connection pool, or nil for the memory driver.
func (p *Provider) Pool() *db.Pool {
	return p.pool
}

// Close runs close-time maintenance and releases the connections.
func (p *Provider) Close() error {
	if p.pool == nil {
		return nil
	}
	if p.sqliteWriter != nil {
		// PRAGMA optimize refreshes query planner statistics; the
		// SQLite-recommended maintenance step before close.
		_, _ = p.sqliteWriter.Exec("PRAGMA optimize")
	}
	return p.pool.Close()
}
