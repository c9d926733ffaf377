package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskcycle/internal/db"
)

// PgStore is a PostgreSQL-backed notification store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the notifications table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			title      TEXT NOT NULL,
			body       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_notifications_task ON notifications(task_id)`)
	return err
}

// Create inserts a notification inside the caller's transaction.
func (s *PgStore) Create(ctx context.Context, tx db.Tx, n *Notification) error {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return err
	}
	n.ID = uuid.Must(uuid.NewV7()).String()
	n.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	_, err = pgtx.Exec(ctx, `
		INSERT INTO notifications (id, user_id, task_id, kind, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.TaskID, n.Kind, n.Title, n.Body, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// ByUser returns a user's notifications, newest first.
func (s *PgStore) ByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, task_id, kind, title, body, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notifications by user: %w", err)
	}
	defer rows.Close()
	return scanNotificationRows(rows)
}

// ByTask returns all notifications attached to a task.
func (s *PgStore) ByTask(ctx context.Context, taskID string) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, task_id, kind, title, body, created_at
		FROM notifications WHERE task_id = $1
		ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("notifications by task: %w", err)
	}
	defer rows.Close()
	return scanNotificationRows(rows)
}

func scanNotificationRows(rows pgx.Rows) ([]Notification, error) {
	var notes []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TaskID, &n.Kind, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return notes, nil
}
