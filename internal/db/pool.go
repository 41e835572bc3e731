// Package db opens the database handles behind the SQL-backed stores. The
// task repository and the memory record store share one Pool, so driver
// quirks (single-writer SQLite, pgx pooling) are settled here once.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write handle with a read handle.
//
// SQLite in WAL mode supports many readers alongside exactly one writer, so
// the pair holds two distinct connections there. Postgres pools internally
// and both sides are the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool builds a Pool from the two handles. Passing the same handle twice
// is valid and is how the Postgres driver is wired.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for mutations and schema statements.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for queries. Under SQLite these run against WAL
// snapshots and never wait on the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close releases both handles, tolerating the shared-handle case.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rerr := p.reader.Close(); err == nil {
		err = rerr
	}
	return err
}
