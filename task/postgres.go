package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS courier_tasks (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	instruction     TEXT NOT NULL,
	command_type    TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	correlation_ref TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	claimed_by      TEXT NOT NULL DEFAULT '',
	detail          TEXT NOT NULL DEFAULT '',
	notified        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	claimed_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS courier_tasks_active_ref
	ON courier_tasks(correlation_ref)
	WHERE correlation_ref <> '' AND status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS courier_tasks_status ON courier_tasks(status, seq);
`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store on a shared Postgres database, for
// deployments where producer and consumers reach one database.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time

	beforeLookup func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tasks table and indexes if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Enqueue inserts a new pending task. As with SQLiteStore, a ref whose
// holder finishes between the insert and the lookup gets one more insert.
func (s *PostgresStore) Enqueue(ctx context.Context, t *Task) (string, error) {
	candidate := t.Clone()
	prepare(candidate, s.now())

	for attempt := 0; ; attempt++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO courier_tasks (`+taskColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			candidate.ID, candidate.Instruction, string(candidate.CommandType), candidate.Source,
			candidate.CorrelationRef, string(candidate.Status), candidate.ClaimedBy, candidate.Detail,
			candidate.Notified, candidate.CreatedAt, candidate.UpdatedAt,
			candidate.ClaimedAt, candidate.CompletedAt,
		)
		if err == nil {
			break
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation || candidate.CorrelationRef == "" {
			return "", fmt.Errorf("insert task: %w", err)
		}
		if s.beforeLookup != nil {
			s.beforeLookup()
		}
		var id string
		qerr := s.pool.QueryRow(ctx, `
			SELECT id FROM courier_tasks
			WHERE correlation_ref = $1 AND status IN ('pending', 'processing')
			ORDER BY seq LIMIT 1`, candidate.CorrelationRef).Scan(&id)
		switch {
		case qerr == nil:
			return "", &DuplicateError{ExistingID: id, CorrelationRef: candidate.CorrelationRef}
		case errors.Is(qerr, pgx.ErrNoRows) && attempt == 0:
			continue
		default:
			return "", fmt.Errorf("insert task: %w", err)
		}
	}
	*t = *candidate
	return t.ID, nil
}

// ListPending returns pending tasks oldest first.
func (s *PostgresStore) ListPending(ctx context.Context) ([]*Task, error) {
	st := StatusPending
	return s.List(ctx, Filter{Status: &st})
}

// List returns tasks matching the filter in creation order.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM courier_tasks WHERE TRUE")
	args := []any{}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		q.WriteString(fmt.Sprintf(" AND status=$%d", len(args)))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		q.WriteString(fmt.Sprintf(" AND source=$%d", len(args)))
	}
	q.WriteString(" ORDER BY seq ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get retrieves a task by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM courier_tasks WHERE id = $1`, id)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return t, err
}

// UpdateStatus runs the transition as one conditional UPDATE ... RETURNING.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, tr Transition) (*Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	var next Task
	tr.apply(&next, s.now())

	row := s.pool.QueryRow(ctx, `
		UPDATE courier_tasks SET
			status = $1,
			claimed_by = $2,
			updated_at = $3,
			claimed_at = COALESCE($4, claimed_at),
			completed_at = COALESCE($5, completed_at),
			detail = CASE WHEN $5::timestamptz IS NULL THEN detail ELSE $6 END
		WHERE id = $7 AND status = $8 AND ($9 = '' OR claimed_by = $9)
		RETURNING `+taskColumns,
		string(next.Status), next.ClaimedBy, next.UpdatedAt,
		next.ClaimedAt, next.CompletedAt, next.Detail,
		id, string(tr.From), tr.Owner,
	)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, conflict(id, tr)
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// MarkNotified flips notified with a conditional UPDATE.
func (s *PostgresStore) MarkNotified(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE courier_tasks SET notified = TRUE WHERE id = $1 AND NOT notified`, id)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Sweep deletes terminal tasks last updated before olderThan.
func (s *PostgresStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM courier_tasks WHERE status IN ('completed', 'failed') AND updated_at < $1`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPgTask(row pgx.Row) (*Task, error) {
	var t Task
	var commandType, status string
	err := row.Scan(
		&t.ID, &t.Instruction, &commandType, &t.Source, &t.CorrelationRef, &status,
		&t.ClaimedBy, &t.Detail, &t.Notified, &t.CreatedAt, &t.UpdatedAt,
		&t.ClaimedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.CommandType = CommandType(commandType)
	t.Status = Status(status)
	return &t, nil
}
