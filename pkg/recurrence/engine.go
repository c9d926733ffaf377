// Package recurrence spawns the next occurrence of a recurring task. The
// engine never begins or commits transactions; it always runs inside the
// caller's unit of work (a completion transition or a scheduler claim).
package recurrence

import (
	"context"
	"fmt"
	"time"

	"taskcycle/internal/db"
	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/task"
)

// Engine computes and persists next occurrences.
type Engine struct {
	tasks  task.Store
	ledger audit.Ledger
	now    func() time.Time
}

// New creates an Engine.
func New(tasks task.Store, ledger audit.Ledger) *Engine {
	return &Engine{tasks: tasks, ledger: ledger, now: time.Now}
}

// WithClock overrides the engine's clock; tests inject a fixed time.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// NextDue computes the next due date for a pattern from a base time. Pure
// interval arithmetic: monthly is a fixed 30 days, not calendar-aware.
func NextDue(p task.Pattern, base time.Time) (time.Time, error) {
	d, ok := p.Interval()
	if !ok {
		return time.Time{}, fmt.Errorf("unknown recurrence pattern %q", p)
	}
	return base.Add(d), nil
}

// SpawnNextOccurrence creates the next occurrence of source inside tx.
// Returns (nil, nil) when the chain's max_occurrences is already reached,
// a defined no-op, not an error. The occurrence count is recomputed from
// committed rows on every call; it is never cached.
func (e *Engine) SpawnNextOccurrence(ctx context.Context, tx db.Tx, source *task.Task, by actor.Actor) (*task.Task, error) {
	rootID := source.RootID()

	if source.MaxOccurrences != nil {
		spawned, err := e.tasks.CountOccurrences(ctx, tx, rootID)
		if err != nil {
			return nil, fmt.Errorf("count occurrences: %w", err)
		}
		if spawned >= *source.MaxOccurrences {
			return nil, nil
		}
	}

	base := e.now().UTC()
	if source.DueDate != nil {
		base = *source.DueDate
	}
	nextDue, err := NextDue(source.RecurrencePattern, base)
	if err != nil {
		return nil, err
	}

	next := nextOccurrence(source, rootID, nextDue)
	if err := e.tasks.Create(ctx, tx, next); err != nil {
		return nil, fmt.Errorf("create occurrence: %w", err)
	}

	if source.CloneSubtasksOnRecur {
		if err := e.cloneSubtasks(ctx, tx, source.ID, next, by); err != nil {
			return nil, err
		}
	}

	err = e.ledger.Append(ctx, tx, audit.EntityTask, next.ID, audit.ActionCreated, by, map[string]any{
		"recurring_from":     source.ID,
		"recurring_root":     rootID,
		"recurrence_pattern": string(source.RecurrencePattern),
		"next_due":           nextDue.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// nextOccurrence builds the next task in a chain: inherited fields, copied
// tags, fresh lifecycle state, and the root pointer aimed at the chain root
// rather than the immediate predecessor.
func nextOccurrence(source *task.Task, rootID string, nextDue time.Time) *task.Task {
	tags := make([]string, len(source.Tags))
	copy(tags, source.Tags)
	due := nextDue

	return &task.Task{
		Title:           source.Title,
		Description:     source.Description,
		Status:          task.StatusPending,
		Priority:        source.Priority,
		ProgressPercent: 0,
		Tags:            tags,
		DueDate:         &due,
		ProjectID:       source.ProjectID,
		AssigneeID:      copyPtr(source.AssigneeID),
		ParentTaskID:    copyPtr(source.ParentTaskID),
		CreatedByID:     source.CreatedByID,

		IsRecurring:          true,
		RecurrencePattern:    source.RecurrencePattern,
		RecurrenceTrigger:    source.RecurrenceTrigger,
		MaxOccurrences:       copyPtr(source.MaxOccurrences),
		RecurringRootID:      &rootID,
		CloneSubtasksOnRecur: source.CloneSubtasksOnRecur,
	}
}

// cloneSubtasks recursively copies source's subtask tree under newParent,
// rewriting parent pointers to the freshly created nodes and writing one
// audit entry per cloned node.
func (e *Engine) cloneSubtasks(ctx context.Context, tx db.Tx, sourceID string, newParent *task.Task, by actor.Actor) error {
	subs, err := e.tasks.Subtasks(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	for i := range subs {
		src := &subs[i]
		tags := make([]string, len(src.Tags))
		copy(tags, src.Tags)
		parentID := newParent.ID

		clone := &task.Task{
			Title:        src.Title,
			Description:  src.Description,
			Status:       task.StatusPending,
			Priority:     src.Priority,
			Tags:         tags,
			ProjectID:    src.ProjectID,
			AssigneeID:   copyPtr(src.AssigneeID),
			ParentTaskID: &parentID,
			CreatedByID:  src.CreatedByID,
		}
		if err := e.tasks.Create(ctx, tx, clone); err != nil {
			return fmt.Errorf("clone subtask %s: %w", src.ID, err)
		}
		err = e.ledger.Append(ctx, tx, audit.EntityTask, clone.ID, audit.ActionCreated, by, map[string]any{
			"cloned_from":    src.ID,
			"parent_task_id": parentID,
		})
		if err != nil {
			return err
		}
		if err := e.cloneSubtasks(ctx, tx, src.ID, clone, by); err != nil {
			return err
		}
	}
	return nil
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
