// Package notify persists notification records. Delivery and display are an
// external collaborator's concern; this package only guarantees the record
// commits atomically with whatever mutation produced it.
package notify

import (
	"context"
	"time"

	"taskcycle/internal/db"
)

// Kinds of notifications produced by this core.
const (
	KindDueReminder = "due_reminder"
)

// Notification is a message addressed to a user about a task.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the contract for notification persistence.
type Store interface {
	Create(ctx context.Context, tx db.Tx, n *Notification) error
	ByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	ByTask(ctx context.Context, taskID string) ([]Notification, error)
	EnsureTable(ctx context.Context) error
}
