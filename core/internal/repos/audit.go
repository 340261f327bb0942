package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one row of the append-only dispatch audit log. Every
// lifecycle event lands here so a call's history can be reconstructed after
// the fact.
type AuditEntry struct {
	EventID    uuid.UUID
	OrgID      uuid.UUID
	EventType  string
	CallID     *uuid.UUID
	UnitID     *uuid.UUID
	OccurredAt time.Time
	Details    json.RawMessage
}

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Write(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range entries {
		entry := entries[i]
		if entry.EventID == uuid.Nil {
			entry.EventID = uuid.New()
		}
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO dispatch_audit (
				event_id, org_id, event_type, call_id, unit_id, occurred_at, details
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7
			)
			ON CONFLICT (event_id) DO NOTHING
		`,
			entry.EventID,
			entry.OrgID,
			entry.EventType,
			entry.CallID,
			entry.UnitID,
			entry.OccurredAt,
			entry.Details,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
