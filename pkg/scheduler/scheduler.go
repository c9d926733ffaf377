// Package scheduler runs the periodic jobs that advance due-date-triggered
// recurring tasks and send due-date reminders. Any number of workers may run
// concurrently: safety rests on row-level locking (FOR UPDATE SKIP LOCKED)
// at claim time, not on in-process mutexes.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"taskcycle/internal/db"
	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/notify"
	"taskcycle/pkg/task"
)

// Config holds the scheduler's tunables.
type Config struct {
	Tick              time.Duration // interval between job runs
	ReminderLookahead time.Duration // how far ahead of due_date reminders fire
	BatchLimit        int           // max tasks processed per job per tick
}

// Spawner creates the next occurrence of a recurring task inside the
// caller's transaction.
type Spawner interface {
	SpawnNextOccurrence(ctx context.Context, tx db.Tx, source *task.Task, by actor.Actor) (*task.Task, error)
}

// Scheduler drives the two periodic jobs.
type Scheduler struct {
	tasks   task.Store
	ledger  audit.Ledger
	notes   notify.Store
	spawner Spawner
	cfg     Config
	now     func() time.Time
}

// New creates a Scheduler, applying defaults for zero-valued config fields.
func New(tasks task.Store, ledger audit.Ledger, notes notify.Store, spawner Spawner, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.ReminderLookahead <= 0 {
		cfg.ReminderLookahead = 24 * time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Scheduler{tasks: tasks, ledger: ledger, notes: notes, spawner: spawner, cfg: cfg, now: time.Now}
}

// WithClock overrides the scheduler's clock; tests inject a fixed time.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run executes both jobs immediately and then on every tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scheduler: running, tick %s", s.cfg.Tick)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if n, err := s.ProcessRecurringTasks(ctx); err != nil {
		log.Printf("scheduler: recurrence job: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: advanced %d recurring task(s)", n)
	}
	if n, err := s.SendReminders(ctx); err != nil {
		log.Printf("scheduler: reminder job: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: sent %d reminder(s)", n)
	}
}

// ProcessRecurringTasks claims due-date-triggered recurring tasks one at a
// time and spawns their next occurrence, each in its own transaction. A
// failure on one task rolls back only that task's transaction and is
// logged; the run excludes that row and moves on, so one poison task never
// starves the rest of the batch. Failed rows stay selectable next tick.
func (s *Scheduler) ProcessRecurringTasks(ctx context.Context) (int, error) {
	processed := 0
	var failed []string
	for processed+len(failed) < s.cfg.BatchLimit {
		id, err := s.advanceOneDue(ctx, failed)
		if err != nil {
			if id == "" {
				return processed, err
			}
			log.Printf("scheduler: advance task %s: %v", id, err)
			failed = append(failed, id)
			continue
		}
		if id == "" {
			break
		}
		processed++
	}
	return processed, nil
}

// advanceOneDue handles a single due task: claim under SKIP LOCKED, spawn,
// then retire the source's trigger so the chain continues through the new
// occurrence. Returns the claimed task's ID, "" when nothing was eligible.
func (s *Scheduler) advanceOneDue(ctx context.Context, skip []string) (string, error) {
	tx, err := s.tasks.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	t, err := s.tasks.ClaimDueRecurring(ctx, tx, now, skip)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", nil
	}

	spawned, err := s.spawner.SpawnNextOccurrence(ctx, tx, t, actor.Scheduler)
	if err != nil {
		return t.ID, fmt.Errorf("spawn: %w", err)
	}

	// The source has fired its due-date trigger. Clearing is_recurring stops
	// it from being reclaimed every tick and makes a later completion of the
	// same task a plain transition rather than a second spawn.
	if err := s.tasks.DisableRecurrence(ctx, tx, t.ID, now); err != nil {
		return t.ID, err
	}

	details := map[string]any{"recurring_root": t.RootID()}
	if spawned != nil {
		details["spawned_task"] = spawned.ID
	} else {
		details["limit_reached"] = true
	}
	if err := s.ledger.Append(ctx, tx, audit.EntityTask, t.ID, audit.ActionRecurrenceAdvanced, actor.Scheduler, details); err != nil {
		return t.ID, err
	}

	if err := tx.Commit(ctx); err != nil {
		return t.ID, fmt.Errorf("commit recurrence advance: %w", err)
	}
	return t.ID, nil
}

// SendReminders claims tasks due within the lookahead window and, for each,
// flips reminder_sent and creates the notification in one transaction: the
// flag and the record commit together or not at all. Per-task failures are
// logged and skipped for the rest of the run, as in the recurrence job.
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	sent := 0
	var failed []string
	for sent+len(failed) < s.cfg.BatchLimit {
		id, err := s.remindOne(ctx, failed)
		if err != nil {
			if id == "" {
				return sent, err
			}
			log.Printf("scheduler: remind task %s: %v", id, err)
			failed = append(failed, id)
			continue
		}
		if id == "" {
			break
		}
		sent++
	}
	return sent, nil
}

func (s *Scheduler) remindOne(ctx context.Context, skip []string) (string, error) {
	tx, err := s.tasks.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	t, err := s.tasks.ClaimReminderDue(ctx, tx, now.Add(s.cfg.ReminderLookahead), skip)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", nil
	}

	if err := s.tasks.MarkReminderSent(ctx, tx, t.ID, now); err != nil {
		return t.ID, err
	}

	n := &notify.Notification{
		UserID: *t.AssigneeID,
		TaskID: t.ID,
		Kind:   notify.KindDueReminder,
		Title:  fmt.Sprintf("Task due soon: %s", t.Title),
		Body:   fmt.Sprintf("%q is due at %s.", t.Title, t.DueDate.UTC().Format(time.RFC3339)),
	}
	if err := s.notes.Create(ctx, tx, n); err != nil {
		return t.ID, fmt.Errorf("create reminder notification: %w", err)
	}

	err = s.ledger.Append(ctx, tx, audit.EntityTask, t.ID, audit.ActionReminderSent, actor.Scheduler, map[string]any{
		"notification_id": n.ID,
		"assignee_id":     n.UserID,
	})
	if err != nil {
		return t.ID, err
	}

	if err := tx.Commit(ctx); err != nil {
		return t.ID, fmt.Errorf("commit reminder: %w", err)
	}
	return t.ID, nil
}
