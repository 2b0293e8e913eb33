package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	instruction     TEXT NOT NULL,
	command_type    TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	correlation_ref TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	claimed_by      TEXT NOT NULL DEFAULT '',
	detail          TEXT NOT NULL DEFAULT '',
	notified        INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	claimed_at      DATETIME,
	completed_at    DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_active_ref
	ON tasks(correlation_ref)
	WHERE correlation_ref <> '' AND status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS tasks_status ON tasks(status, seq);
`

const taskColumns = `id, instruction, command_type, source, correlation_ref, status,
	claimed_by, detail, notified, created_at, updated_at, claimed_at, completed_at`

// SQLiteStore persists tasks in a SQLite database. Several processes may
// share the database file; SQLite serializes the conditional UPDATEs that
// arbitrate claims.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// beforeLookup runs between a unique violation and the lookup of the
	// active task that caused it.
	beforeLookup func()
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Enqueue inserts a new pending task. The partial unique index rejects a
// second active task with the same correlation ref. If the task holding the
// ref finishes before it can be looked up, the insert is tried once more.
func (s *SQLiteStore) Enqueue(ctx context.Context, t *Task) (string, error) {
	candidate := t.Clone()
	prepare(candidate, s.now())

	for attempt := 0; ; attempt++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			candidate.ID, candidate.Instruction, string(candidate.CommandType), candidate.Source,
			candidate.CorrelationRef, string(candidate.Status), candidate.ClaimedBy, candidate.Detail,
			boolInt(candidate.Notified), candidate.CreatedAt, candidate.UpdatedAt,
			nullTime(candidate.ClaimedAt), nullTime(candidate.CompletedAt),
		)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) || candidate.CorrelationRef == "" {
			return "", fmt.Errorf("insert task: %w", err)
		}
		id, lerr := s.activeByRef(ctx, candidate.CorrelationRef)
		switch {
		case lerr == nil:
			return "", &DuplicateError{ExistingID: id, CorrelationRef: candidate.CorrelationRef}
		case errors.Is(lerr, sql.ErrNoRows) && attempt == 0:
			continue
		default:
			return "", fmt.Errorf("insert task: %w", err)
		}
	}
	*t = *candidate
	return t.ID, nil
}

// activeByRef returns the id of the pending or processing task holding ref.
func (s *SQLiteStore) activeByRef(ctx context.Context, ref string) (string, error) {
	if s.beforeLookup != nil {
		s.beforeLookup()
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE correlation_ref = ? AND status IN ('pending', 'processing')
		ORDER BY seq LIMIT 1`, ref).Scan(&id)
	return id, err
}

// ListPending returns pending tasks oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Task, error) {
	st := StatusPending
	return s.List(ctx, Filter{Status: &st})
}

// List returns tasks matching the filter in creation order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Source != "" {
		q.WriteString(" AND source=?")
		args = append(args, filter.Source)
	}
	q.WriteString(" ORDER BY seq ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return t, err
}

// UpdateStatus runs the transition as a single conditional UPDATE.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, tr Transition) (*Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	var next Task
	tr.apply(&next, s.now())

	q := `UPDATE tasks SET status=?, claimed_by=?, updated_at=?`
	args := []any{string(next.Status), next.ClaimedBy, next.UpdatedAt}
	if next.ClaimedAt != nil {
		q += `, claimed_at=?`
		args = append(args, *next.ClaimedAt)
	}
	if next.CompletedAt != nil {
		q += `, completed_at=?, detail=?`
		args = append(args, *next.CompletedAt, next.Detail)
	}
	q += ` WHERE id=? AND status=?`
	args = append(args, id, string(tr.From))
	if tr.Owner != "" {
		q += ` AND claimed_by=?`
		args = append(args, tr.Owner)
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, conflict(id, tr)
	}
	return s.Get(ctx, id)
}

// MarkNotified flips notified with a conditional UPDATE.
func (s *SQLiteStore) MarkNotified(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET notified=1 WHERE id=? AND notified=0`, id)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Sweep deletes terminal tasks last updated before olderThan.
func (s *SQLiteStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep tasks: %w", err)
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var commandType, status string
	var notified int
	var claimedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Instruction, &commandType, &t.Source, &t.CorrelationRef, &status,
		&t.ClaimedBy, &t.Detail, &notified, &t.CreatedAt, &t.UpdatedAt,
		&claimedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.CommandType = CommandType(commandType)
	t.Status = Status(status)
	t.Notified = notified != 0
	if claimedAt.Valid {
		v := claimedAt.Time
		t.ClaimedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
