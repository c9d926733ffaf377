// Package memstore is an in-memory implementation of the domain store
// interfaces for tests: buffered writes applied on commit, and row locks
// that the SKIP LOCKED claim methods respect. It lets lifecycle, recurrence,
// and scheduler logic run against transactional semantics without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskcycle/internal/db"
	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/notify"
	"taskcycle/pkg/task"
)

// DB holds the shared in-memory state.
type DB struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	order  []string
	audit  []audit.Entry
	notes  []notify.Notification
	locked map[string]*Tx

	// FailAppend, when set, makes Ledger.Append return this error.
	FailAppend error
	// FailCreate, when set, makes TaskStore.Create return this error.
	FailCreate error
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		tasks:  make(map[string]*task.Task),
		locked: make(map[string]*Tx),
	}
}

// Tasks returns the task.Store view of the DB.
func (d *DB) Tasks() *TaskStore { return &TaskStore{db: d} }

// Ledger returns the audit.Ledger view of the DB.
func (d *DB) Ledger() *Ledger { return &Ledger{db: d} }

// Notes returns the notify.Store view of the DB.
func (d *DB) Notes() *NotifyStore { return &NotifyStore{db: d} }

// Seed inserts a task directly into committed state, assigning an ID and
// timestamps if unset.
func (d *DB) Seed(t *task.Task) *task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
		t.UpdatedAt = t.CreatedAt
	}
	cp := copyTask(t)
	d.tasks[t.ID] = cp
	d.order = append(d.order, t.ID)
	return t
}

// TaskByID returns a copy of a committed task, or nil.
func (d *DB) TaskByID(id string) *task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil
	}
	return copyTask(t)
}

// AllTasks returns copies of all committed tasks in creation order.
func (d *DB) AllTasks() []task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]task.Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *copyTask(d.tasks[id]))
	}
	return out
}

// AuditEntries returns all committed audit entries in append order.
func (d *DB) AuditEntries() []audit.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audit.Entry(nil), d.audit...)
}

// AuditFor returns committed audit entries for one entity ID.
func (d *DB) AuditFor(entityID string) []audit.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []audit.Entry
	for _, e := range d.audit {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// Notifications returns all committed notifications.
func (d *DB) Notifications() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Notification(nil), d.notes...)
}

// Tx buffers writes until Commit and holds row locks until the transaction
// ends.
type Tx struct {
	db      *DB
	done    bool
	created []*task.Task
	updated map[string]*task.Task
	entries []audit.Entry
	notes   []notify.Notification
	locks   []string
}

// Commit applies buffered writes and releases row locks.
func (tx *Tx) Commit(_ context.Context) error {
	if tx.done {
		return fmt.Errorf("tx already closed")
	}
	d := tx.db
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range tx.created {
		d.tasks[t.ID] = copyTask(t)
		d.order = append(d.order, t.ID)
	}
	for id, t := range tx.updated {
		d.tasks[id] = copyTask(t)
	}
	d.audit = append(d.audit, tx.entries...)
	d.notes = append(d.notes, tx.notes...)
	tx.release()
	tx.done = true
	return nil
}

// Rollback discards buffered writes and releases row locks. Rolling back a
// finished transaction is a no-op, matching pgx's deferred-rollback idiom.
func (tx *Tx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.release()
	tx.done = true
	return nil
}

// release unlocks rows; caller holds db.mu.
func (tx *Tx) release() {
	for _, id := range tx.locks {
		delete(tx.db.locked, id)
	}
	tx.locks = nil
}

// view returns the task as this transaction sees it: its own buffered update
// if present, else committed state. Caller holds db.mu.
func (tx *Tx) view(id string) *task.Task {
	if t, ok := tx.updated[id]; ok {
		return t
	}
	return tx.db.tasks[id]
}

func asTx(handle db.Tx) (*Tx, error) {
	tx, ok := handle.(*Tx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", handle)
	}
	if tx.done {
		return nil, fmt.Errorf("tx already closed")
	}
	return tx, nil
}

// TaskStore implements task.Store.
type TaskStore struct {
	db *DB
}

func (s *TaskStore) Begin(_ context.Context) (db.Tx, error) {
	return &Tx{db: s.db, updated: make(map[string]*task.Task)}, nil
}

func (s *TaskStore) Create(_ context.Context, handle db.Tx, t *task.Task) error {
	tx, err := asTx(handle)
	if err != nil {
		return err
	}
	if s.db.FailCreate != nil {
		return s.db.FailCreate
	}
	t.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().UTC().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.IsRecurring && t.RecurrenceTrigger == "" {
		t.RecurrenceTrigger = task.TriggerOnComplete
	}
	tx.created = append(tx.created, copyTask(t))
	return nil
}

func (s *TaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	t := s.db.TaskByID(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return t, nil
}

func (s *TaskStore) GetForUpdate(_ context.Context, handle db.Tx, id string) (*task.Task, error) {
	tx, err := asTx(handle)
	if err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t := tx.view(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	// A real FOR UPDATE would block here; the fake surfaces the conflict
	// instead so racing transactions cannot both proceed.
	if owner, held := s.db.locked[id]; held && owner != tx {
		return nil, fmt.Errorf("task %s: row locked by another transaction", id)
	} else if !held {
		s.db.locked[id] = tx
		tx.locks = append(tx.locks, id)
	}
	return copyTask(t), nil
}

func (s *TaskStore) UpdateStatus(_ context.Context, handle db.Tx, t *task.Task) error {
	return s.bufferUpdate(handle, t)
}

func (s *TaskStore) UpdateProgress(_ context.Context, handle db.Tx, t *task.Task) error {
	return s.bufferUpdate(handle, t)
}

func (s *TaskStore) bufferUpdate(handle db.Tx, t *task.Task) error {
	tx, err := asTx(handle)
	if err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	tx.updated[t.ID] = copyTask(t)
	return nil
}

// CountOccurrences counts committed rows only, mirroring the recount-on-
// every-check semantics of the SQL store.
func (s *TaskStore) CountOccurrences(_ context.Context, handle db.Tx, rootID string) (int, error) {
	if _, err := asTx(handle); err != nil {
		return 0, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, t := range s.db.tasks {
		if t.RecurringRootID != nil && *t.RecurringRootID == rootID {
			n++
		}
	}
	return n, nil
}

func (s *TaskStore) Subtasks(_ context.Context, handle db.Tx, parentID string) ([]task.Task, error) {
	tx, err := asTx(handle)
	if err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []task.Task
	for _, id := range s.db.order {
		t := tx.view(id)
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			out = append(out, *copyTask(t))
		}
	}
	for _, t := range tx.created {
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			out = append(out, *copyTask(t))
		}
	}
	return out, nil
}

func (s *TaskStore) List(_ context.Context, status task.Status, limit int) ([]task.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []task.Task
	for _, id := range s.db.order {
		t := s.db.tasks[id]
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *copyTask(t))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *TaskStore) ClaimDueRecurring(_ context.Context, handle db.Tx, now time.Time, skip []string) (*task.Task, error) {
	tx, err := asTx(handle)
	if err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, id := range s.db.order {
		t := s.db.tasks[id]
		if s.db.locked[id] != nil || skipped(skip, id) {
			continue // claimed by another worker, or failed this run
		}
		if !t.IsRecurring || !t.RecurrenceTrigger.FiresOnDueDate() {
			continue
		}
		if t.DueDate == nil || t.DueDate.After(now) {
			continue
		}
		if t.Status.Terminal() {
			continue
		}
		s.db.locked[id] = tx
		tx.locks = append(tx.locks, id)
		return copyTask(t), nil
	}
	return nil, nil
}

func (s *TaskStore) DisableRecurrence(_ context.Context, handle db.Tx, id string, now time.Time) error {
	tx, err := asTx(handle)
	if err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t := tx.view(id)
	if t == nil {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	cp := copyTask(t)
	cp.IsRecurring = false
	cp.UpdatedAt = now
	tx.updated[id] = cp
	return nil
}

func (s *TaskStore) ClaimReminderDue(_ context.Context, handle db.Tx, cutoff time.Time, skip []string) (*task.Task, error) {
	tx, err := asTx(handle)
	if err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, id := range s.db.order {
		t := s.db.tasks[id]
		if s.db.locked[id] != nil || skipped(skip, id) {
			continue
		}
		if t.ReminderSent || t.AssigneeID == nil {
			continue
		}
		if t.DueDate == nil || t.DueDate.After(cutoff) {
			continue
		}
		if t.Status.Terminal() {
			continue
		}
		s.db.locked[id] = tx
		tx.locks = append(tx.locks, id)
		return copyTask(t), nil
	}
	return nil, nil
}

func skipped(skip []string, id string) bool {
	for _, s := range skip {
		if s == id {
			return true
		}
	}
	return false
}

func (s *TaskStore) MarkReminderSent(_ context.Context, handle db.Tx, id string, now time.Time) error {
	tx, err := asTx(handle)
	if err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t := tx.view(id)
	if t == nil {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	cp := copyTask(t)
	cp.ReminderSent = true
	cp.UpdatedAt = now
	tx.updated[id] = cp
	return nil
}

func (s *TaskStore) Count(_ context.Context) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return len(s.db.tasks), nil
}

func (s *TaskStore) CountByStatus(_ context.Context, status task.Status) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, t := range s.db.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *TaskStore) EnsureTable(_ context.Context) error { return nil }

// Ledger implements audit.Ledger.
type Ledger struct {
	db *DB
}

func (l *Ledger) Append(_ context.Context, handle db.Tx, entityType, entityID, action string, by actor.Actor, details map[string]any) error {
	tx, err := asTx(handle)
	if err != nil {
		return err
	}
	if l.db.FailAppend != nil {
		return l.db.FailAppend
	}
	if details == nil {
		details = map[string]any{}
	}
	tx.entries = append(tx.entries, audit.Entry{
		ID:         uuid.Must(uuid.NewV7()).String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    by.ID,
		ActorType:  by.Type,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (l *Ledger) ByEntity(_ context.Context, entityType, entityID string, limit int) ([]audit.Entry, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var out []audit.Entry
	for _, e := range l.db.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (l *Ledger) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var out []audit.Entry
	for i := len(l.db.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.db.audit[i])
	}
	return out, nil
}

func (l *Ledger) Count(_ context.Context) (int, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	return len(l.db.audit), nil
}

func (l *Ledger) EnsureTable(_ context.Context) error { return nil }

// NotifyStore implements notify.Store.
type NotifyStore struct {
	db *DB
}

func (s *NotifyStore) Create(_ context.Context, handle db.Tx, n *notify.Notification) error {
	tx, err := asTx(handle)
	if err != nil {
		return err
	}
	n.ID = uuid.Must(uuid.NewV7()).String()
	n.CreatedAt = time.Now().UTC()
	tx.notes = append(tx.notes, *n)
	return nil
}

func (s *NotifyStore) ByUser(_ context.Context, userID string, limit int) ([]notify.Notification, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.db.notes {
		if n.UserID == userID {
			out = append(out, n)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *NotifyStore) ByTask(_ context.Context, taskID string) ([]notify.Notification, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.db.notes {
		if n.TaskID == taskID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *NotifyStore) EnsureTable(_ context.Context) error { return nil }

func copyTask(t *task.Task) *task.Task {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.DueDate = copyPtr(t.DueDate)
	cp.AssigneeID = copyPtr(t.AssigneeID)
	cp.ParentTaskID = copyPtr(t.ParentTaskID)
	cp.StartedAt = copyPtr(t.StartedAt)
	cp.CompletedAt = copyPtr(t.CompletedAt)
	cp.MaxOccurrences = copyPtr(t.MaxOccurrences)
	cp.RecurringRootID = copyPtr(t.RecurringRootID)
	return &cp
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
