package collab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClinicalRecords is the ePCR service: one record per transported patient,
// opened as a draft as soon as a call exists so crews can chart against it.
type ClinicalRecords interface {
	CreateDraftRecord(ctx context.Context, req CreateDraftRecordRequest) (CreateDraftRecordResponse, error)
	NotifyCallLinked(ctx context.Context, req NotifyCallLinkedRequest) error
}

// Billing receives the single billing-record create call the dispatch core
// issues per transported call. The collaborator deduplicates on the same
// idempotency key the orchestrator stages with.
type Billing interface {
	CreateBillingRecord(ctx context.Context, req CreateBillingRecordRequest) (CreateBillingRecordResponse, error)
}

type CreateDraftRecordRequest struct {
	CallID   uuid.UUID `json:"call_id"`
	OrgID    uuid.UUID `json:"org_id"`
	Priority string    `json:"priority"`
	OpenedAt time.Time `json:"opened_at"`
}

type CreateDraftRecordResponse struct {
	RecordID uuid.UUID `json:"record_id"`
	Status   string    `json:"status"`
}

type NotifyCallLinkedRequest struct {
	RecordID uuid.UUID `json:"record_id"`
	CallID   uuid.UUID `json:"call_id"`
	OrgID    uuid.UUID `json:"org_id"`
}

// TransportSummary is the minimal billing-relevant slice of a completed
// transport.
type TransportSummary struct {
	UnitID      uuid.UUID `json:"unit_id,omitempty"`
	Priority    string    `json:"priority"`
	CompletedAt time.Time `json:"completed_at"`
}

type CreateBillingRecordRequest struct {
	CallID         uuid.UUID        `json:"call_id"`
	OrgID          uuid.UUID        `json:"org_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Summary        TransportSummary `json:"summary"`
}

type CreateBillingRecordResponse struct {
	BillingID uuid.UUID `json:"billing_id"`
	Status    string    `json:"status"`
}
