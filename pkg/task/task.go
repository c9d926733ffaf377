package task

import (
	"context"
	"errors"
	"time"

	"taskcycle/internal/db"
)

// ErrNotFound is returned when a task ID does not exist.
var ErrNotFound = errors.New("task not found")

// Task represents a unit of work in a project.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          Status     `json:"status"`
	Priority        int        `json:"priority"` // 0 = normal, higher = more urgent
	ProgressPercent int        `json:"progress_percent"`
	Tags            []string   `json:"tags"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	ProjectID       string     `json:"project_id"`
	AssigneeID      *string    `json:"assignee_id,omitempty"`
	ParentTaskID    *string    `json:"parent_task_id,omitempty"` // for subtasks, same project
	CreatedByID     string     `json:"created_by_id"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Recurrence attributes. RecurringRootID is nil on the root task of a
	// chain; every spawned occurrence points back at that same root, so the
	// occurrence count is a single COUNT over recurring_root_id.
	IsRecurring          bool    `json:"is_recurring"`
	RecurrencePattern    Pattern `json:"recurrence_pattern,omitempty"`
	RecurrenceTrigger    Trigger `json:"recurrence_trigger,omitempty"`
	MaxOccurrences       *int    `json:"max_occurrences,omitempty"` // nil = unlimited
	RecurringRootID      *string `json:"recurring_root_id,omitempty"`
	CloneSubtasksOnRecur bool    `json:"clone_subtasks_on_recur"`
	ReminderSent         bool    `json:"reminder_sent"`
}

// RootID returns the ID of the recurrence chain's root task.
func (t *Task) RootID() string {
	if t.RecurringRootID != nil {
		return *t.RecurringRootID
	}
	return t.ID
}

// Store is the contract for task persistence. Methods taking a db.Tx run
// inside the caller's transaction and never commit.
type Store interface {
	Begin(ctx context.Context) (db.Tx, error)
	Create(ctx context.Context, tx db.Tx, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	GetForUpdate(ctx context.Context, tx db.Tx, id string) (*Task, error)
	UpdateStatus(ctx context.Context, tx db.Tx, t *Task) error
	UpdateProgress(ctx context.Context, tx db.Tx, t *Task) error
	CountOccurrences(ctx context.Context, tx db.Tx, rootID string) (int, error)
	Subtasks(ctx context.Context, tx db.Tx, parentID string) ([]Task, error)
	List(ctx context.Context, status Status, limit int) ([]Task, error)

	// ClaimDueRecurring locks and returns one recurring task whose due-date
	// trigger has fired, skipping rows claimed by other workers and any IDs
	// in skip (rows that already failed in the current run). Returns
	// (nil, nil) when nothing is eligible.
	ClaimDueRecurring(ctx context.Context, tx db.Tx, now time.Time, skip []string) (*Task, error)
	DisableRecurrence(ctx context.Context, tx db.Tx, id string, now time.Time) error

	// ClaimReminderDue locks and returns one task due before cutoff whose
	// reminder has not been sent, under the same locking discipline.
	ClaimReminderDue(ctx context.Context, tx db.Tx, cutoff time.Time, skip []string) (*Task, error)
	MarkReminderSent(ctx context.Context, tx db.Tx, id string, now time.Time) error

	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
	EnsureTable(ctx context.Context) error
}
