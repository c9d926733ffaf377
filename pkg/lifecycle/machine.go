// Package lifecycle implements the task state machine: it validates status
// transitions against the workflow graph and applies them atomically with
// their audit entry and any recurrence spawn.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskcycle/internal/db"
	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/task"
)

var (
	// ErrInvalidTransition is returned for a status change outside the
	// workflow graph. Nothing is written, not even an audit entry.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidState is returned when an operation's precondition status is
	// not met, e.g. a progress update on a task that is not in progress.
	ErrInvalidState = errors.New("operation not allowed in current status")
)

// Spawner creates the next occurrence of a recurring task inside the
// caller's transaction.
type Spawner interface {
	SpawnNextOccurrence(ctx context.Context, tx db.Tx, source *task.Task, by actor.Actor) (*task.Task, error)
}

// Machine applies lifecycle operations to tasks.
type Machine struct {
	tasks   task.Store
	ledger  audit.Ledger
	spawner Spawner
	now     func() time.Time
}

// New creates a Machine.
func New(tasks task.Store, ledger audit.Ledger, spawner Spawner) *Machine {
	return &Machine{tasks: tasks, ledger: ledger, spawner: spawner, now: time.Now}
}

// WithClock overrides the machine's clock; tests inject a fixed time.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Transition moves a task to a new status. The status change, its audit
// entry, and (for a recurring task completed with an on_complete or both
// trigger) the recurrence spawn commit as one transaction, or not at all.
func (m *Machine) Transition(ctx context.Context, taskID string, to task.Status, by actor.Actor) (*task.Task, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	tx, err := m.tasks.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := m.tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := m.now().UTC().Truncate(time.Microsecond)
	t.Status = to
	t.UpdatedAt = now
	if to == task.StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to == task.StatusCompleted {
		t.CompletedAt = &now
		t.ProgressPercent = 100
	}
	if err := m.tasks.UpdateStatus(ctx, tx, t); err != nil {
		return nil, err
	}

	err = m.ledger.Append(ctx, tx, audit.EntityTask, t.ID, audit.ActionStatusChanged, by, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	if err != nil {
		return nil, err
	}

	if to == task.StatusCompleted && t.IsRecurring && t.RecurrenceTrigger.FiresOnComplete() {
		if _, err := m.spawner.SpawnNextOccurrence(ctx, tx, t, by); err != nil {
			return nil, fmt.Errorf("spawn next occurrence: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return t, nil
}

// UpdateProgress sets a task's progress percentage. Only legal while the
// task is in progress.
func (m *Machine) UpdateProgress(ctx context.Context, taskID string, percent int, note string, by actor.Actor) (*task.Task, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("progress percent out of range: %d", percent)
	}

	tx, err := m.tasks.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := m.tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusInProgress {
		return nil, fmt.Errorf("%w: progress update requires in_progress, task is %s", ErrInvalidState, t.Status)
	}

	before := t.ProgressPercent
	t.ProgressPercent = percent
	t.UpdatedAt = m.now().UTC().Truncate(time.Microsecond)
	if err := m.tasks.UpdateProgress(ctx, tx, t); err != nil {
		return nil, err
	}

	err = m.ledger.Append(ctx, tx, audit.EntityTask, t.ID, audit.ActionProgressUpdated, by, map[string]any{
		"from": before,
		"to":   percent,
		"note": note,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit progress update: %w", err)
	}
	return t, nil
}

// Create persists a new task with its creation audit entry. Payload
// validation (pattern and trigger against the enumerated sets) is the API
// layer's responsibility; this only applies defaults.
func (m *Machine) Create(ctx context.Context, t *task.Task, by actor.Actor) (*task.Task, error) {
	tx, err := m.tasks.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := m.tasks.Create(ctx, tx, t); err != nil {
		return nil, err
	}
	details := map[string]any{"title": t.Title}
	if t.IsRecurring {
		details["recurrence_pattern"] = string(t.RecurrencePattern)
		details["recurrence_trigger"] = string(t.RecurrenceTrigger)
	}
	if err := m.ledger.Append(ctx, tx, audit.EntityTask, t.ID, audit.ActionCreated, by, details); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return t, nil
}
