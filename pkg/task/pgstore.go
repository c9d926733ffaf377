package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskcycle/internal/db"
)

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const taskColumns = `id, title, description, status, priority, progress_percent, tags, due_date,
	project_id, assignee_id, parent_task_id, created_by_id, started_at, completed_at,
	created_at, updated_at, is_recurring, recurrence_pattern, recurrence_trigger,
	max_occurrences, recurring_root_id, clone_subtasks_on_recur, reminder_sent`

// EnsureTable creates the tasks table and its indexes if they don't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id                      TEXT PRIMARY KEY,
			title                   TEXT NOT NULL,
			description             TEXT NOT NULL DEFAULT '',
			status                  TEXT NOT NULL DEFAULT 'pending',
			priority                INTEGER NOT NULL DEFAULT 0,
			progress_percent        INTEGER NOT NULL DEFAULT 0,
			tags                    TEXT[] NOT NULL DEFAULT '{}',
			due_date                TIMESTAMPTZ,
			project_id              TEXT NOT NULL DEFAULT '',
			assignee_id             TEXT,
			parent_task_id          TEXT,
			created_by_id           TEXT NOT NULL DEFAULT '',
			started_at              TIMESTAMPTZ,
			completed_at            TIMESTAMPTZ,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_recurring            BOOLEAN NOT NULL DEFAULT FALSE,
			recurrence_pattern      TEXT NOT NULL DEFAULT '',
			recurrence_trigger      TEXT NOT NULL DEFAULT 'on_complete',
			max_occurrences         INTEGER,
			recurring_root_id       TEXT,
			clone_subtasks_on_recur BOOLEAN NOT NULL DEFAULT FALSE,
			reminder_sent           BOOLEAN NOT NULL DEFAULT FALSE
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status_due ON tasks(status, due_date)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_recurring_root ON tasks(recurring_root_id) WHERE recurring_root_id IS NOT NULL`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id) WHERE parent_task_id IS NOT NULL`)
	return err
}

// Begin opens a transaction on the pool.
func (s *PgStore) Begin(ctx context.Context) (db.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// Create inserts a new task inside the caller's transaction, assigning its ID
// and timestamps.
func (s *PgStore) Create(ctx context.Context, tx db.Tx, t *Task) error {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return err
	}

	t.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().UTC().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.IsRecurring && t.RecurrenceTrigger == "" {
		t.RecurrenceTrigger = TriggerOnComplete
	}

	_, err = pgtx.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, t.ProgressPercent, t.Tags, t.DueDate,
		t.ProjectID, t.AssigneeID, t.ParentTaskID, t.CreatedByID, t.StartedAt, t.CompletedAt,
		t.CreatedAt, t.UpdatedAt, t.IsRecurring, t.RecurrencePattern, t.RecurrenceTrigger,
		t.MaxOccurrences, t.RecurringRootID, t.CloneSubtasksOnRecur, t.ReminderSent)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetForUpdate retrieves a task inside the caller's transaction, holding a
// row lock until the transaction ends.
func (s *PgStore) GetForUpdate(ctx context.Context, tx db.Tx, id string) (*Task, error) {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return nil, err
	}
	t, err := scanTask(pgtx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s for update: %w", id, err)
	}
	return t, nil
}

// UpdateStatus persists a status change and its lifecycle timestamps.
func (s *PgStore) UpdateStatus(ctx context.Context, tx db.Tx, t *Task) error {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return err
	}
	_, err = pgtx.Exec(ctx, `
		UPDATE tasks SET status = $2, progress_percent = $3, started_at = $4, completed_at = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Status, t.ProgressPercent, t.StartedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", t.ID, err)
	}
	return nil
}

// UpdateProgress persists a progress change.
func (s *PgStore) UpdateProgress(ctx context.Context, tx db.Tx, t *Task) error {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return err
	}
	_, err = pgtx.Exec(ctx, `UPDATE tasks SET progress_percent = $2, updated_at = $3 WHERE id = $1`,
		t.ID, t.ProgressPercent, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task %s progress: %w", t.ID, err)
	}
	return nil
}

// CountOccurrences counts committed occurrences spawned from the given root.
// Always recomputed, never cached: this is what keeps max-occurrence
// enforcement correct under concurrent spawns.
func (s *PgStore) CountOccurrences(ctx context.Context, tx db.Tx, rootID string) (int, error) {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return 0, err
	}
	var n int
	err = pgtx.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE recurring_root_id = $1`, rootID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count occurrences of %s: %w", rootID, err)
	}
	return n, nil
}

// Subtasks returns the direct children of a task inside the caller's
// transaction.
func (s *PgStore) Subtasks(ctx context.Context, tx db.Tx, parentID string) ([]Task, error) {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return nil, err
	}
	rows, err := pgtx.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = $1 ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("subtasks of %s: %w", parentID, err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// List returns tasks filtered by status (empty = all), ordered by priority
// desc then created_at asc.
func (s *PgStore) List(ctx context.Context, status Status, limit int) ([]Task, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE status = $1
			ORDER BY priority DESC, created_at ASC LIMIT $2`, status, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			ORDER BY priority DESC, created_at ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ClaimDueRecurring selects one task whose due-date recurrence trigger has
// fired, skipping rows locked by other scheduler workers and rows whose IDs
// are in skip.
func (s *PgStore) ClaimDueRecurring(ctx context.Context, tx db.Tx, now time.Time, skip []string) (*Task, error) {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return nil, err
	}
	if skip == nil {
		skip = []string{}
	}
	t, err := scanTask(pgtx.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_recurring = TRUE
		  AND recurrence_trigger IN ('on_due_date', 'both')
		  AND due_date IS NOT NULL AND due_date <= $1
		  AND status NOT IN ('completed', 'cancelled')
		  AND id <> ALL($2)
		ORDER BY due_date ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now, skip))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim due recurring task: %w", err)
	}
	return t, nil
}

// DisableRecurrence clears is_recurring on a task whose due-date trigger has
// already fired; the chain continues through the spawned occurrence.
func (s *PgStore) DisableRecurrence(ctx context.Context, tx db.Tx, id string, now time.Time) error {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return err
	}
	_, err = pgtx.Exec(ctx, `UPDATE tasks SET is_recurring = FALSE, updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("disable recurrence on %s: %w", id, err)
	}
	return nil
}

// ClaimReminderDue selects one unreminded, assigned task due before cutoff,
// skipping rows locked by other workers and rows whose IDs are in skip.
func (s *PgStore) ClaimReminderDue(ctx context.Context, tx db.Tx, cutoff time.Time, skip []string) (*Task, error) {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return nil, err
	}
	if skip == nil {
		skip = []string{}
	}
	t, err := scanTask(pgtx.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE reminder_sent = FALSE
		  AND assignee_id IS NOT NULL
		  AND due_date IS NOT NULL AND due_date <= $1
		  AND status NOT IN ('completed', 'cancelled')
		  AND id <> ALL($2)
		ORDER BY due_date ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, cutoff, skip))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim reminder candidate: %w", err)
	}
	return t, nil
}

// MarkReminderSent flips the reminder flag; commits together with the
// notification write in the caller's transaction.
func (s *PgStore) MarkReminderSent(ctx context.Context, tx db.Tx, id string, now time.Time) error {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return err
	}
	_, err = pgtx.Exec(ctx, `UPDATE tasks SET reminder_sent = TRUE, updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("mark reminder sent on %s: %w", id, err)
	}
	return nil
}

// Count returns total task count.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

// CountByStatus returns the count of tasks in a given status.
func (s *PgStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, status).Scan(&n)
	return n, err
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.ProgressPercent,
		&t.Tags, &t.DueDate, &t.ProjectID, &t.AssigneeID, &t.ParentTaskID, &t.CreatedByID,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt, &t.IsRecurring,
		&t.RecurrencePattern, &t.RecurrenceTrigger, &t.MaxOccurrences, &t.RecurringRootID,
		&t.CloneSubtasksOnRecur, &t.ReminderSent)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTaskRows(rows pgx.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}
