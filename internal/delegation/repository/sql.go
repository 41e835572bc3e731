package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hivecore/hivecore/internal/common/sqlite"
	"github.com/hivecore/hivecore/internal/common/tracing"
	"github.com/hivecore/hivecore/internal/db"
	"github.com/hivecore/hivecore/internal/db/dialect"
	"github.com/hivecore/hivecore/internal/delegation/models"
)

const taskColumns = `id, action, finding, status, target_agent, attempts, max_attempts,
	next_eligible_at, last_error_code, last_error_message, duration_ms, depends_on,
	snapshot_hash, created_at, updated_at`

// SQLRepository stores tasks in SQLite or PostgreSQL through a db.Pool.
type SQLRepository struct {
	pool   *db.Pool
	driver string
}

var _ TaskRepository = (*SQLRepository)(nil)

// NewSQLRepository creates the repository and initializes its schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{
		pool:   pool,
		driver: pool.Writer().DriverName(),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return r, nil
}

// Close is a no-op; pool lifetime is owned by the caller.
func (r *SQLRepository) Close() error {
	return nil
}

func (r *SQLRepository) initSchema() error {
	attemptID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(r.driver) {
		attemptID = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			finding TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			target_agent TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_eligible_at TIMESTAMP NOT NULL,
			last_error_code TEXT NOT NULL DEFAULT '',
			last_error_message TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER,
			depends_on TEXT NOT NULL DEFAULT '[]',
			snapshot_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_attempts (
			id %s,
			task_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			dispatched_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`, attemptID),
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_eligible ON tasks(status, next_eligible_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_snapshot_hash ON tasks(snapshot_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_task_attempts_task ON task_attempts(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return r.runMigrations()
}

// runMigrations applies idempotent column additions for schema evolution.
func (r *SQLRepository) runMigrations() error {
	if dialect.IsPostgres(r.driver) {
		_, _ = r.pool.Writer().Exec(`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS depends_on TEXT NOT NULL DEFAULT '[]'`)
		return nil
	}
	return sqlite.EnsureColumn(r.pool.Writer().DB, "tasks", "depends_on", `TEXT NOT NULL DEFAULT '[]'`)
}

// CreateTask stores a new task record.
func (r *SQLRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}

	dependsOn, err := json.Marshal(task.DependsOn)
	if err != nil {
		dependsOn = []byte("[]")
	}

	writer := r.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Action, task.Finding, string(task.Status), task.TargetAgent,
		task.Attempts, task.MaxAttempts, task.NextEligibleAt, task.LastErrorCode,
		task.LastErrorMessage, task.DurationMs, string(dependsOn), task.SnapshotHash,
		task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (r *SQLRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, ordered by creation time.
func (r *SQLRepository) ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("hivecore-db").Start(ctx, "db.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SnapshotHash != "" {
		conds = append(conds, "snapshot_hash = ?")
		args = append(args, filter.SnapshotHash)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// ListEligible returns queued tasks whose nextEligibleAt has passed.
func (r *SQLRepository) ListEligible(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("hivecore-db").Start(ctx, "db.ListEligibleTasks")
	defer span.End()

	query := `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND next_eligible_at <= ?
		ORDER BY next_eligible_at, created_at, id`
	args := []interface{}{string(models.TaskQueued), now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// HasNonTerminal reports whether a queued or dispatched task carries the hash.
func (r *SQLRepository) HasNonTerminal(ctx context.Context, snapshotHash string) (bool, error) {
	reader := r.pool.Reader()
	var count int
	err := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT COUNT(1) FROM tasks WHERE snapshot_hash = ? AND status IN (?, ?)
	`), snapshotHash, string(models.TaskQueued), string(models.TaskDispatched)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateTaskStatus applies a conditional status transition.
func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, update models.StatusUpdate) (bool, error) {
	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(to), update.UpdatedAt}
	if update.TargetAgent != nil {
		set = append(set, "target_agent = ?")
		args = append(args, *update.TargetAgent)
	}
	if update.Attempts != nil {
		set = append(set, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.NextEligibleAt != nil {
		set = append(set, "next_eligible_at = ?")
		args = append(args, *update.NextEligibleAt)
	}
	if update.LastErrorCode != nil {
		set = append(set, "last_error_code = ?")
		args = append(args, *update.LastErrorCode)
	}
	if update.LastErrorMessage != nil {
		set = append(set, "last_error_message = ?")
		args = append(args, *update.LastErrorMessage)
	}
	if update.DurationMs != nil {
		set = append(set, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	args = append(args, id, string(from))

	writer := r.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = ? AND status = ?`, strings.Join(set, ", "))), args...)
	if err != nil {
		return false, err
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	// Distinguish a lost transition race from an unknown task.
	reader := r.pool.Reader()
	var count int
	if err := reader.QueryRowContext(ctx, reader.Rebind(`SELECT COUNT(1) FROM tasks WHERE id = ?`), id).Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return false, nil
}

// StartAttempt opens an attempt history row and returns its row ID.
func (r *SQLRepository) StartAttempt(ctx context.Context, taskID string, attempt int, agentID string, at time.Time) (int64, error) {
	return dialect.InsertReturningID(ctx, r.pool.Writer(), `
		INSERT INTO task_attempts (task_id, attempt, agent_id, dispatched_at)
		VALUES (?, ?, ?, ?)
	`, taskID, attempt, agentID, at)
}

// FinishAttempt closes the open attempt for the task, if any.
func (r *SQLRepository) FinishAttempt(ctx context.Context, taskID string, at time.Time, errorCode, errorMessage string) error {
	writer := r.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE task_attempts SET completed_at = ?, error_code = ?, error_message = ?
		WHERE task_id = ? AND completed_at IS NULL
	`), at, errorCode, errorMessage, taskID)
	return err
}

// ListAttempts returns the attempt history for a task, oldest first.
func (r *SQLRepository) ListAttempts(ctx context.Context, taskID string) ([]*models.TaskAttempt, error) {
	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT id, task_id, attempt, agent_id, dispatched_at, completed_at, error_code, error_message
		FROM task_attempts WHERE task_id = ? ORDER BY id
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []*models.TaskAttempt
	for rows.Next() {
		a := &models.TaskAttempt{}
		var completedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attempt, &a.AgentID, &a.DispatchedAt,
			&completedAt, &a.ErrorCode, &a.ErrorMessage); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Stats aggregates task counts and the average closed-attempt duration.
func (r *SQLRepository) Stats(ctx context.Context) (*models.TaskStats, error) {
	ctx, span := tracing.Tracer("hivecore-db").Start(ctx, "db.TaskStats")
	defer span.End()

	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &models.TaskStats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch models.TaskStatus(status) {
		case models.TaskQueued:
			stats.Queued = count
		case models.TaskDispatched:
			stats.Dispatched = count
		case models.TaskCompleted:
			stats.Completed = count
		case models.TaskFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = reader.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(AVG(%s), 0) FROM task_attempts WHERE completed_at IS NOT NULL
	`, dialect.DurationMs(r.driver, "completed_at", "dispatched_at"))).Scan(&stats.AvgAttemptDurationMs)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func scanTask(row *sql.Row) (*models.Task, error) {
	task := &models.Task{}
	var status, dependsOn string
	var durationMs sql.NullInt64
	err := row.Scan(&task.ID, &task.Action, &task.Finding, &status, &task.TargetAgent,
		&task.Attempts, &task.MaxAttempts, &task.NextEligibleAt, &task.LastErrorCode,
		&task.LastErrorMessage, &durationMs, &dependsOn, &task.SnapshotHash,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	finishTask(task, status, dependsOn, durationMs)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task := &models.Task{}
		var status, dependsOn string
		var durationMs sql.NullInt64
		if err := rows.Scan(&task.ID, &task.Action, &task.Finding, &status, &task.TargetAgent,
			&task.Attempts, &task.MaxAttempts, &task.NextEligibleAt, &task.LastErrorCode,
			&task.LastErrorMessage, &durationMs, &dependsOn, &task.SnapshotHash,
			&task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		finishTask(task, status, dependsOn, durationMs)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func finishTask(task *models.Task, status, dependsOn string, durationMs sql.NullInt64) {
	task.Status = models.TaskStatus(status)
	if durationMs.Valid {
		task.DurationMs = &durationMs.Int64
	}
	_ = json.Unmarshal([]byte(dependsOn), &task.DependsOn)
}
