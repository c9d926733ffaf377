package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskcycle/internal/db"
	"taskcycle/pkg/actor"
)

// PgLedger is a PostgreSQL-backed audit ledger.
type PgLedger struct {
	pool *pgxpool.Pool
}

// NewPgLedger creates a PgLedger.
func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

// EnsureTable creates the audit_log table if it doesn't exist.
func (s *PgLedger) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			action      TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			actor_type  TEXT NOT NULL,
			details     JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at, id)`)
	return err
}

// Append inserts a new entry inside the caller's transaction. There is no
// update or delete path on this table.
func (s *PgLedger) Append(ctx context.Context, tx db.Tx, entityType, entityID, action string, by actor.Actor, details map[string]any) error {
	pgtx, err := db.Unwrap(tx)
	if err != nil {
		return err
	}
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err = pgtx.Exec(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, actor_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		id, entityType, entityID, action, by.ID, by.Type, string(detailsJSON), now)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ByEntity returns entries for one entity in chronological order.
func (s *PgLedger) ByEntity(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error) {
	return s.scanMany(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, actor_type, details, created_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC, id ASC LIMIT $3`, entityType, entityID, limit)
}

// Recent returns the most recent entries in reverse chronological order.
func (s *PgLedger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.scanMany(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, actor_type, details, created_at
		FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
}

// Count returns the total number of entries.
func (s *PgLedger) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

func (s *PgLedger) scanMany(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &e.ActorType, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
			e.Details = map[string]any{"_raw": string(detailsJSON)}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return entries, nil
}
