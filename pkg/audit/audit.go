// Package audit implements the append-only ledger recording every mutation
// in the system. Entries are written in the same transaction as the change
// they record and are never updated or deleted.
package audit

import (
	"context"
	"time"

	"taskcycle/internal/db"
	"taskcycle/pkg/actor"
)

// Entity types recorded in the ledger.
const (
	EntityTask = "task"
)

// Actions recorded in the ledger.
const (
	ActionCreated            = "created"
	ActionStatusChanged      = "status_changed"
	ActionProgressUpdated    = "progress_updated"
	ActionRecurrenceAdvanced = "recurrence_advanced"
	ActionReminderSent       = "reminder_sent"
)

// Entry is a single immutable record of a state change.
type Entry struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	ActorType  actor.Type     `json:"actor_type"`
	Details    map[string]any `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Ledger is the contract for audit persistence. Append runs inside the
// caller's transaction so the entry commits atomically with the mutation.
type Ledger interface {
	Append(ctx context.Context, tx db.Tx, entityType, entityID, action string, by actor.Actor, details map[string]any) error
	ByEntity(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error
}
