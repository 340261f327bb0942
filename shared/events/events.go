package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OrgID         uuid.UUID       `json:"org_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicCallEvents        = "call.events"
	TopicUnitEvents        = "unit.events"
	TopicDispatchDecisions = "dispatch.decisions"
	TopicAlerts            = "alerts"
)
