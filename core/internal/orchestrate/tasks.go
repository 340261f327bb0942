package orchestrate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Effects triggered by dispatch lifecycle events. Each effect runs at most
// once per idempotency key no matter how often its trigger is redelivered.
// The effect name doubles as the idempotency-key prefix.
const (
	EffectCreateRecord  = "records:create"
	EffectNotifyLinked  = "records:link"
	EffectCreateBilling = "billing:create"
)

const (
	TaskPending     = "pending"
	TaskRunning     = "running"
	TaskDone        = "done"
	TaskNeedsReview = "needs_review"
)

type Task struct {
	ID             uuid.UUID
	IdempotencyKey string
	Effect         string
	OrgID          uuid.UUID
	CallID         uuid.UUID
	Payload        json.RawMessage
	Status         string
	Attempts       int
	NextRetryAt    *time.Time
	LockedAt       *time.Time
	LockedBy       string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskStore is the persistent task table. Insert reports false when the
// idempotency key already exists; ClaimPending must hand each pending task
// to exactly one claimer.
type TaskStore interface {
	Insert(ctx context.Context, task Task) (bool, error)
	ClaimPending(ctx context.Context, owner string, limit int) ([]Task, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, review bool) error
}

type createRecordPayload struct {
	Priority string `json:"priority"`
}

type notifyLinkedPayload struct {
	RecordID uuid.UUID `json:"record_id"`
}

type createBillingPayload struct {
	UnitID      uuid.UUID `json:"unit_id,omitempty"`
	Priority    string    `json:"priority"`
	CompletedAt time.Time `json:"completed_at"`
}
