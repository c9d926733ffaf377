package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskcycle/internal/memstore"
	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/lifecycle"
	"taskcycle/pkg/recurrence"
	"taskcycle/pkg/task"
)

var tester = actor.Actor{ID: "user-1", Type: actor.TypeHuman}

func newMachine(db *memstore.DB) *lifecycle.Machine {
	eng := recurrence.New(db.Tasks(), db.Ledger())
	return lifecycle.New(db.Tasks(), db.Ledger(), eng)
}

func TestTransitionHappyPath(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{Title: "Write report", Status: task.StatusPending})

	got, err := m.Transition(ctx, seeded.ID, task.StatusInProgress, tester)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != task.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("started_at should be set on first in_progress")
	}

	stored := db.TaskByID(seeded.ID)
	if stored.Status != task.StatusInProgress {
		t.Errorf("stored status = %s, want in_progress", stored.Status)
	}

	entries := db.AuditFor(seeded.ID)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Action != audit.ActionStatusChanged {
		t.Errorf("action = %s, want status_changed", entries[0].Action)
	}
	if entries[0].Details["from"] != "pending" || entries[0].Details["to"] != "in_progress" {
		t.Errorf("details = %v", entries[0].Details)
	}
	if entries[0].ActorID != tester.ID {
		t.Errorf("actor = %s, want %s", entries[0].ActorID, tester.ID)
	}
}

func TestTransitionRejectsGraphViolation(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{Title: "Skip ahead", Status: task.StatusPending})

	_, err := m.Transition(ctx, seeded.ID, task.StatusCompleted, tester)
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	// A rejected transition writes nothing, not even an audit entry.
	if db.TaskByID(seeded.ID).Status != task.StatusPending {
		t.Error("status changed despite rejection")
	}
	if entries := db.AuditFor(seeded.ID); len(entries) != 0 {
		t.Errorf("audit entries = %d, want 0", len(entries))
	}
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)

	seeded := db.Seed(&task.Task{Title: "Bad target", Status: task.StatusPending})
	_, err := m.Transition(context.Background(), seeded.ID, "archived", tester)
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionUnknownTask(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)

	_, err := m.Transition(context.Background(), "no-such-id", task.StatusInProgress, tester)
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{Title: "Done deal", Status: task.StatusCompleted})
	for _, to := range task.Statuses() {
		if _, err := m.Transition(ctx, seeded.ID, to, tester); !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Errorf("completed -> %s: err = %v, want ErrInvalidTransition", to, err)
		}
	}
}

func TestCompletionStampsTask(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	eng := recurrence.New(db.Tasks(), db.Ledger())
	m := lifecycle.New(db.Tasks(), db.Ledger(), eng).WithClock(func() time.Time { return now })
	ctx := context.Background()

	seeded := db.Seed(&task.Task{Title: "Finish up", Status: task.StatusReview, ProgressPercent: 80})

	got, err := m.Transition(ctx, seeded.ID, task.StatusCompleted, tester)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("completed_at = %v, want %s", got.CompletedAt, now)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("progress = %d, want 100", got.ProgressPercent)
	}
}

func TestStartedAtSetOnce(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{Title: "Stop and go", Status: task.StatusPending})

	first, err := m.Transition(ctx, seeded.ID, task.StatusInProgress, tester)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := m.Transition(ctx, seeded.ID, task.StatusBlocked, tester); err != nil {
		t.Fatalf("block: %v", err)
	}
	second, err := m.Transition(ctx, seeded.ID, task.StatusInProgress, tester)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("started_at moved from %s to %s", first.StartedAt, second.StartedAt)
	}
}

func TestCompletingRecurringTaskSpawns(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	due := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seeded := db.Seed(&task.Task{
		Title:             "Weekly review",
		Status:            task.StatusReview,
		DueDate:           &due,
		IsRecurring:       true,
		RecurrencePattern: task.PatternWeekly,
		RecurrenceTrigger: task.TriggerOnComplete,
	})

	if _, err := m.Transition(ctx, seeded.ID, task.StatusCompleted, tester); err != nil {
		t.Fatalf("complete: %v", err)
	}

	all := db.AllTasks()
	if len(all) != 2 {
		t.Fatalf("tasks = %d, want 2 (source + spawned)", len(all))
	}
	next := all[1]
	if next.RecurringRootID == nil || *next.RecurringRootID != seeded.ID {
		t.Errorf("spawned root = %v, want %s", next.RecurringRootID, seeded.ID)
	}
	wantDue := due.AddDate(0, 0, 7)
	if next.DueDate == nil || !next.DueDate.Equal(wantDue) {
		t.Errorf("spawned due = %v, want %s", next.DueDate, wantDue)
	}
}

func TestCompletingDueDateTriggerDoesNotSpawn(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{
		Title:             "Scheduler's job",
		Status:            task.StatusReview,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
	})

	if _, err := m.Transition(ctx, seeded.ID, task.StatusCompleted, tester); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := len(db.AllTasks()); got != 1 {
		t.Errorf("tasks = %d, want 1 (on_due_date does not spawn on completion)", got)
	}
}

func TestSpawnFailureRollsBackTransition(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{
		Title:             "Atomic",
		Status:            task.StatusReview,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
	})

	db.FailAppend = errors.New("ledger down")
	if _, err := m.Transition(ctx, seeded.ID, task.StatusCompleted, tester); err == nil {
		t.Fatal("expected error when audit append fails")
	}
	db.FailAppend = nil

	// The whole transaction rolled back: no status change, no spawn.
	if got := db.TaskByID(seeded.ID).Status; got != task.StatusReview {
		t.Errorf("status = %s, want review", got)
	}
	if got := len(db.AllTasks()); got != 1 {
		t.Errorf("tasks = %d, want 1", got)
	}
	if got := len(db.AuditEntries()); got != 0 {
		t.Errorf("audit entries = %d, want 0", got)
	}
}

func TestUpdateProgress(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{Title: "Grind", Status: task.StatusInProgress, ProgressPercent: 25})

	got, err := m.UpdateProgress(ctx, seeded.ID, 60, "halfway-ish", tester)
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if got.ProgressPercent != 60 {
		t.Errorf("progress = %d, want 60", got.ProgressPercent)
	}

	entries := db.AuditFor(seeded.ID)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != audit.ActionProgressUpdated {
		t.Errorf("action = %s, want progress_updated", e.Action)
	}
	if e.Details["note"] != "halfway-ish" {
		t.Errorf("note = %v", e.Details["note"])
	}
}

func TestUpdateProgressRequiresInProgress(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	for _, status := range []task.Status{task.StatusPending, task.StatusReview, task.StatusBlocked, task.StatusCompleted} {
		seeded := db.Seed(&task.Task{Title: "Not started", Status: status})
		_, err := m.UpdateProgress(ctx, seeded.ID, 50, "", tester)
		if !errors.Is(err, lifecycle.ErrInvalidState) {
			t.Errorf("%s: err = %v, want ErrInvalidState", status, err)
		}
	}
}

func TestUpdateProgressRange(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	seeded := db.Seed(&task.Task{Title: "Bounds", Status: task.StatusInProgress})
	for _, pct := range []int{-1, 101} {
		if _, err := m.UpdateProgress(ctx, seeded.ID, pct, "", tester); err == nil {
			t.Errorf("percent %d should be rejected", pct)
		}
	}
}

func TestCreateWritesAudit(t *testing.T) {
	db := memstore.New()
	m := newMachine(db)
	ctx := context.Background()

	created, err := m.Create(ctx, &task.Task{Title: "Fresh", CreatedByID: tester.ID}, tester)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("create should assign an ID")
	}
	if created.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", created.Status)
	}

	entries := db.AuditFor(created.ID)
	if len(entries) != 1 || entries[0].Action != audit.ActionCreated {
		t.Fatalf("audit = %+v, want one created entry", entries)
	}
}
