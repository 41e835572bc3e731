package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hivecore/hivecore/internal/clock"
	"github.com/hivecore/hivecore/internal/common/tracing"
	"github.com/hivecore/hivecore/internal/db"
	"github.com/hivecore/hivecore/internal/db/dialect"
)

// SQLStore persists records in SQLite or PostgreSQL through a db.Pool.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

// NewSQLStore creates the store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		driver: pool.Writer().DriverName(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_record_tags (
			record_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (record_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_record_tags_tag ON memory_record_tags(tag)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_created_at ON memory_records(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddRecord appends a record and its tags in one transaction.
func (s *SQLStore) AddRecord(ctx context.Context, content string, tags []string, metadata map[string]string) (string, error) {
	id := clock.NewID(clock.CategoryRecord)
	now := clock.Now()

	meta, err := json.Marshal(metadata)
	if err != nil {
		meta = []byte("{}")
	}

	w := s.pool.Writer()
	tx, err := w.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, w.Rebind(`
		INSERT INTO memory_records (id, content, metadata, created_at)
		VALUES (?, ?, ?, ?)
	`), id, content, string(meta), now)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return "", fmt.Errorf("failed to rollback record insert: %w", rollbackErr)
		}
		return "", err
	}

	for _, tag := range tags {
		_, err = tx.ExecContext(ctx, w.Rebind(`
			INSERT INTO memory_record_tags (record_id, tag) VALUES (?, ?)
		`), id, tag)
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return "", fmt.Errorf("failed to rollback tag insert: %w", rollbackErr)
			}
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Search returns matching records, most recent first.
func (s *SQLStore) Search(ctx context.Context, q Query) ([]*Record, error) {
	ctx, span := tracing.Tracer("hivecore-db").Start(ctx, "db.SearchMemory")
	defer span.End()

	ro := s.pool.Reader()

	var (
		conds []string
		args  []any
	)

	if q.Text != "" {
		if dialect.IsPostgres(s.driver) {
			conds = append(conds, fmt.Sprintf("content %s ?", dialect.Like(s.driver)))
			args = append(args, "%"+q.Text+"%")
		} else {
			conds = append(conds, "lower(content) LIKE ?")
			args = append(args, "%"+strings.ToLower(q.Text)+"%")
		}
	}

	for key, want := range q.Meta {
		conds = append(conds, dialect.JSONExtract(s.driver, "metadata", key)+" = ?")
		args = append(args, want)
	}

	if len(q.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Tags)), ", ")
		conds = append(conds, fmt.Sprintf(`id IN (
			SELECT record_id FROM memory_record_tags
			WHERE tag IN (%s)
			GROUP BY record_id
			HAVING COUNT(DISTINCT tag) = ?
		)`, placeholders))
		for _, tag := range q.Tags {
			args = append(args, tag)
		}
		args = append(args, len(q.Tags))
	}

	query := `SELECT id, content, metadata, created_at FROM memory_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var meta string
		if err := rows.Scan(&rec.ID, &rec.Content, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(meta), &rec.Metadata)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachTags(ctx, ro, records); err != nil {
		return nil, err
	}
	return records, nil
}

// CountByDay buckets records carrying all the given tags per calendar day
// over the trailing window of days, oldest day first.
func (s *SQLStore) CountByDay(ctx context.Context, tags []string, days int) ([]DayCount, error) {
	ctx, span := tracing.Tracer("hivecore-db").Start(ctx, "db.CountMemoryByDay")
	defer span.End()

	ro := s.pool.Reader()

	query := fmt.Sprintf(`
		SELECT %s AS day, COUNT(*) AS count
		FROM memory_records
		WHERE created_at >= %s
	`, dialect.DateOf(s.driver, "created_at"), dialect.DateNowMinusDays(s.driver, "?"))
	args := []any{days}

	if len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tags)), ", ")
		query += fmt.Sprintf(` AND id IN (
			SELECT record_id FROM memory_record_tags
			WHERE tag IN (%s)
			GROUP BY record_id
			HAVING COUNT(DISTINCT tag) = ?
		)`, placeholders)
		for _, tag := range tags {
			args = append(args, tag)
		}
		args = append(args, len(tags))
	}
	query += " GROUP BY day ORDER BY day"

	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var buckets []DayCount
	for rows.Next() {
		var day any
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, err
		}
		buckets = append(buckets, DayCount{Day: dayLabel(day), Count: count})
	}
	return buckets, rows.Err()
}

// dayLabel normalizes the per-driver date column type to 2006-01-02.
func dayLabel(v any) string {
	switch day := v.(type) {
	case time.Time:
		return day.Format("2006-01-02")
	case []byte:
		return string(day)
	case string:
		return day
	default:
		return fmt.Sprintf("%v", day)
	}
}

// attachTags loads the tag rows for the given records in one query.
func (s *SQLStore) attachTags(ctx context.Context, ro *sqlx.DB, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]any, 0, len(records))
	byID := make(map[string]*Record, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
		byID[rec.ID] = rec
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	rows, err := ro.QueryContext(ctx, ro.Rebind(fmt.Sprintf(`
		SELECT record_id, tag FROM memory_record_tags
		WHERE record_id IN (%s)
		ORDER BY record_id, tag
	`, placeholders)), ids...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var recordID, tag string
		if err := rows.Scan(&recordID, &tag); err != nil {
			return err
		}
		if rec, ok := byID[recordID]; ok {
			rec.Tags = append(rec.Tags, tag)
		}
	}
	return rows.Err()
}
