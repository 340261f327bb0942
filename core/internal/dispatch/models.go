package dispatch

import (
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityRoutine  Priority = "routine"
)

// PriorityRank orders priorities for queued-call retry scheduling;
// lower rank is served first.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// PriorityPenalty feeds the assignment score; lower-priority calls carry a
// larger penalty so a marginal unit is kept free for critical work.
func PriorityPenalty(p Priority) float64 {
	return float64(PriorityRank(p)) * 60
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Call struct {
	ID             uuid.UUID  `json:"id"`
	OrgID          uuid.UUID  `json:"org_id"`
	Priority       Priority   `json:"priority"`
	Location       Location   `json:"location"`
	Status         CallStatus `json:"status"`
	AssignedUnitID *uuid.UUID `json:"assigned_unit_id,omitempty"`
	ETASeconds     *int       `json:"eta_seconds,omitempty"`
	AssignAttempts int        `json:"assign_attempts"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Unit struct {
	ID                uuid.UUID  `json:"id"`
	OrgID             uuid.UUID  `json:"org_id"`
	CallSign          string     `json:"call_sign"`
	Status            UnitStatus `json:"status"`
	Location          Location   `json:"location"`
	LocationUpdatedAt time.Time  `json:"location_updated_at"`
	CurrentCallID     *uuid.UUID `json:"current_call_id,omitempty"`
	Version           int64      `json:"version"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// AssignmentCandidate is computed fresh per assignment attempt and never
// persisted.
type AssignmentCandidate struct {
	UnitID     uuid.UUID `json:"unit_id"`
	DistanceKM float64   `json:"distance_km"`
	ETASeconds int       `json:"eta_seconds"`
	Eligible   bool      `json:"eligible"`
	Reason     string    `json:"reason,omitempty"`
}

type AssignmentResult struct {
	UnitID     uuid.UUID             `json:"unit_id"`
	DistanceKM float64               `json:"distance_km"`
	ETASeconds int                   `json:"eta_seconds"`
	Score      float64               `json:"score"`
	Considered []AssignmentCandidate `json:"considered,omitempty"`
}

const (
	EventCallCreated        = "call.created"
	EventCallQueued         = "call.queued"
	EventCallAssigned       = "call.assigned"
	EventCallStatusChanged  = "call.status_changed"
	EventCallNeedsManual    = "call.needs_manual_assignment"
	EventTransportCompleted = "call.transport_completed"
	EventRecordFinalized    = "record.finalized"
	EventUnitStatusChanged  = "unit.status_changed"
	EventUnitLocationMoved  = "unit.location_updated"
	EventUnitRegistered     = "unit.registered"
)

// Event is a domain event carrying full post-mutation snapshots so
// subscribers never re-query the store.
type Event struct {
	Type       string     `json:"type"`
	OccurredAt time.Time  `json:"occurred_at"`
	Call       *Call      `json:"call,omitempty"`
	Unit       *Unit      `json:"unit,omitempty"`
	RecordID   *uuid.UUID `json:"record_id,omitempty"`
}

// AggregateID returns the id the event should be keyed by for per-entity
// ordered transports.
func (e Event) AggregateID() uuid.UUID {
	if e.Call != nil {
		return e.Call.ID
	}
	if e.Unit != nil {
		return e.Unit.ID
	}
	if e.RecordID != nil {
		return *e.RecordID
	}
	return uuid.Nil
}
