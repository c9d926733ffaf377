package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskcycle/internal/db"
	"taskcycle/internal/memstore"
	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/notify"
	"taskcycle/pkg/recurrence"
	"taskcycle/pkg/scheduler"
	"taskcycle/pkg/task"
)

func newScheduler(db *memstore.DB, now time.Time) *scheduler.Scheduler {
	clock := func() time.Time { return now }
	eng := recurrence.New(db.Tasks(), db.Ledger()).WithClock(clock)
	return scheduler.New(db.Tasks(), db.Ledger(), db.Notes(), eng, scheduler.Config{}).WithClock(clock)
}

func TestProcessRecurringTasksAdvancesDue(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	due := now.Add(-time.Hour)
	source := db.Seed(&task.Task{
		Title:             "Rotate logs",
		Status:            task.StatusPending,
		DueDate:           &due,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
	})
	// Not yet due; must be left alone.
	future := now.Add(time.Hour)
	db.Seed(&task.Task{
		Title:             "Too early",
		Status:            task.StatusPending,
		DueDate:           &future,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
	})

	s := newScheduler(db, now)
	n, err := s.ProcessRecurringTasks(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	all := db.AllTasks()
	if len(all) != 3 {
		t.Fatalf("tasks = %d, want 3", len(all))
	}
	next := all[2]
	if next.RecurringRootID == nil || *next.RecurringRootID != source.ID {
		t.Errorf("spawned root = %v, want %s", next.RecurringRootID, source.ID)
	}
	wantDue := due.Add(24 * time.Hour)
	if !next.DueDate.Equal(wantDue) {
		t.Errorf("spawned due = %s, want %s", next.DueDate, wantDue)
	}

	// The fired source stops recurring so it is not reclaimed every tick and
	// a later completion does not spawn a duplicate.
	if db.TaskByID(source.ID).IsRecurring {
		t.Error("source should have recurrence disabled after firing")
	}

	var advanced *audit.Entry
	for _, e := range db.AuditFor(source.ID) {
		if e.Action == audit.ActionRecurrenceAdvanced {
			advanced = &e
			break
		}
	}
	if advanced == nil {
		t.Fatal("missing recurrence_advanced audit entry")
	}
	if advanced.ActorID != "scheduler" {
		t.Errorf("actor = %s, want scheduler", advanced.ActorID)
	}
	if advanced.Details["spawned_task"] != next.ID {
		t.Errorf("spawned_task = %v, want %s", advanced.Details["spawned_task"], next.ID)
	}
}

func TestProcessRecurringSkipsOnCompleteTrigger(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	due := now.Add(-time.Hour)
	db.Seed(&task.Task{
		Title:             "Manual only",
		Status:            task.StatusPending,
		DueDate:           &due,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnComplete,
	})

	s := newScheduler(db, now)
	n, err := s.ProcessRecurringTasks(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 0 {
		t.Errorf("processed = %d, want 0", n)
	}
}

func TestProcessRecurringAtLimitStillRetires(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	max := 1
	due := now.Add(-time.Hour)
	rootID := "chain-root"
	source := db.Seed(&task.Task{
		Title:             "Exhausted chain",
		Status:            task.StatusPending,
		DueDate:           &due,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
		MaxOccurrences:    &max,
		RecurringRootID:   &rootID,
	})

	s := newScheduler(db, now)
	n, err := s.ProcessRecurringTasks(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// The claim counts as processed even though the chain is exhausted;
	// retiring the trigger is the work.
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if got := len(db.AllTasks()); got != 1 {
		t.Errorf("tasks = %d, want 1 (limit reached, nothing spawned)", got)
	}
	if db.TaskByID(source.ID).IsRecurring {
		t.Error("exhausted source should have recurrence disabled")
	}

	entries := db.AuditFor(source.ID)
	if len(entries) != 1 || entries[0].Details["limit_reached"] != true {
		t.Errorf("audit = %+v, want one limit_reached entry", entries)
	}
}

func TestConcurrentWorkersSpawnOnce(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	due := now.Add(-time.Hour)
	db.Seed(&task.Task{
		Title:             "Contested",
		Status:            task.StatusPending,
		DueDate:           &due,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
	})

	const workers = 4
	var wg sync.WaitGroup
	counts := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := newScheduler(db, now).ProcessRecurringTasks(context.Background())
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
			}
			counts[i] = n
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 1 {
		t.Errorf("total processed = %d, want exactly 1", total)
	}
	if got := len(db.AllTasks()); got != 2 {
		t.Errorf("tasks = %d, want 2", got)
	}
}

func TestProcessRecurringFailureRollsBack(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	due := now.Add(-time.Hour)
	source := db.Seed(&task.Task{
		Title:             "Flaky",
		Status:            task.StatusPending,
		DueDate:           &due,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
	})

	s := newScheduler(db, now)
	db.FailAppend = errors.New("ledger down")
	n, err := s.ProcessRecurringTasks(context.Background())
	if err != nil {
		t.Fatalf("per-task failures are logged, not returned: %v", err)
	}
	if n != 0 {
		t.Errorf("processed = %d, want 0", n)
	}
	if got := len(db.AllTasks()); got != 1 {
		t.Errorf("tasks = %d, want 1 after rollback", got)
	}
	if !db.TaskByID(source.ID).IsRecurring {
		t.Error("rollback should leave recurrence enabled")
	}

	// The task stays claimable once the fault clears.
	db.FailAppend = nil
	n, err = s.ProcessRecurringTasks(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 1 {
		t.Errorf("retry processed = %d, want 1", n)
	}
}

// failFor wraps a spawner and fails for one specific source task.
type failFor struct {
	inner scheduler.Spawner
	id    string
}

func (f *failFor) SpawnNextOccurrence(ctx context.Context, tx db.Tx, source *task.Task, by actor.Actor) (*task.Task, error) {
	if source.ID == f.id {
		return nil, errors.New("constraint violation")
	}
	return f.inner.SpawnNextOccurrence(ctx, tx, source, by)
}

func TestProcessRecurringContinuesPastFailingTask(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// The poison task is due first, so it is always claimed first.
	earliest := now.Add(-2 * time.Hour)
	poison := db.Seed(&task.Task{
		Title:             "Poison",
		Status:            task.StatusPending,
		DueDate:           &earliest,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
	})
	due := now.Add(-time.Hour)
	healthy := db.Seed(&task.Task{
		Title:             "Healthy",
		Status:            task.StatusPending,
		DueDate:           &due,
		IsRecurring:       true,
		RecurrencePattern: task.PatternDaily,
		RecurrenceTrigger: task.TriggerOnDueDate,
	})

	clock := func() time.Time { return now }
	eng := recurrence.New(db.Tasks(), db.Ledger()).WithClock(clock)
	s := scheduler.New(db.Tasks(), db.Ledger(), db.Notes(), &failFor{inner: eng, id: poison.ID}, scheduler.Config{}).WithClock(clock)

	n, err := s.ProcessRecurringTasks(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want 1", n)
	}

	// The healthy task advanced despite the earlier failure.
	if got := len(db.AllTasks()); got != 3 {
		t.Errorf("tasks = %d, want 3", got)
	}
	if db.TaskByID(healthy.ID).IsRecurring {
		t.Error("healthy task should have recurrence disabled after advancing")
	}
	// The poison task rolled back fully and stays eligible next tick.
	if !db.TaskByID(poison.ID).IsRecurring {
		t.Error("poison task should be untouched")
	}
	if entries := db.AuditFor(poison.ID); len(entries) != 0 {
		t.Errorf("poison audit entries = %d, want 0", len(entries))
	}
}

// flakyNotes wraps a notification store and fails for one specific task.
type flakyNotes struct {
	notify.Store
	taskID string
}

func (f *flakyNotes) Create(ctx context.Context, tx db.Tx, n *notify.Notification) error {
	if n.TaskID == f.taskID {
		return errors.New("insert failed")
	}
	return f.Store.Create(ctx, tx, n)
}

func TestSendRemindersContinuesPastFailingTask(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	assignee := "user-9"
	earliest := now.Add(time.Hour)
	poison := db.Seed(&task.Task{Title: "Poison", Status: task.StatusPending, DueDate: &earliest, AssigneeID: &assignee})
	soon := now.Add(2 * time.Hour)
	healthy := db.Seed(&task.Task{Title: "Healthy", Status: task.StatusPending, DueDate: &soon, AssigneeID: &assignee})

	clock := func() time.Time { return now }
	eng := recurrence.New(db.Tasks(), db.Ledger()).WithClock(clock)
	notes := &flakyNotes{Store: db.Notes(), taskID: poison.ID}
	s := scheduler.New(db.Tasks(), db.Ledger(), notes, eng, scheduler.Config{}).WithClock(clock)

	n, err := s.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}

	all := db.Notifications()
	if len(all) != 1 || all[0].TaskID != healthy.ID {
		t.Errorf("notifications = %+v, want one for the healthy task", all)
	}
	if db.TaskByID(poison.ID).ReminderSent {
		t.Error("poison task's reminder flag should have rolled back")
	}
	if !db.TaskByID(healthy.ID).ReminderSent {
		t.Error("healthy task's reminder flag should be set")
	}
}

func TestSendReminders(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	assignee := "user-9"
	soon := now.Add(2 * time.Hour)
	seeded := db.Seed(&task.Task{
		Title:      "Pay invoice",
		Status:     task.StatusPending,
		DueDate:    &soon,
		AssigneeID: &assignee,
	})
	// Outside the 24h window.
	later := now.Add(48 * time.Hour)
	db.Seed(&task.Task{Title: "Far off", Status: task.StatusPending, DueDate: &later, AssigneeID: &assignee})
	// No assignee: nobody to notify.
	db.Seed(&task.Task{Title: "Unassigned", Status: task.StatusPending, DueDate: &soon})

	s := newScheduler(db, now)
	n, err := s.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}

	notes := db.Notifications()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	got := notes[0]
	if got.UserID != assignee || got.TaskID != seeded.ID || got.Kind != notify.KindDueReminder {
		t.Errorf("notification = %+v", got)
	}
	if !db.TaskByID(seeded.ID).ReminderSent {
		t.Error("reminder_sent should be set")
	}

	entries := db.AuditFor(seeded.ID)
	if len(entries) != 1 || entries[0].Action != audit.ActionReminderSent {
		t.Errorf("audit = %+v, want one reminder_sent entry", entries)
	}
}

func TestSendRemindersIsIdempotent(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	assignee := "user-9"
	soon := now.Add(time.Hour)
	db.Seed(&task.Task{Title: "Once only", Status: task.StatusPending, DueDate: &soon, AssigneeID: &assignee})

	s := newScheduler(db, now)
	for run := 0; run < 3; run++ {
		if _, err := s.SendReminders(context.Background()); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}
	if got := len(db.Notifications()); got != 1 {
		t.Errorf("notifications = %d, want 1 across repeated runs", got)
	}
}

func TestRemindersSkipTerminalTasks(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	assignee := "user-9"
	soon := now.Add(time.Hour)
	db.Seed(&task.Task{Title: "Already done", Status: task.StatusCompleted, DueDate: &soon, AssigneeID: &assignee})
	db.Seed(&task.Task{Title: "Called off", Status: task.StatusCancelled, DueDate: &soon, AssigneeID: &assignee})

	s := newScheduler(db, now)
	n, err := s.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 0 {
		t.Errorf("sent = %d, want 0", n)
	}
}
