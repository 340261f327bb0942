package bridge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope exchanged with the regional bridge. Inbound
// messages carry a sequence id assigned by the bridge, monotonically
// increasing within a replay epoch.
type Message struct {
	Type       string          `json:"type"`
	SequenceID uint64          `json:"sequence_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SentAt     time.Time       `json:"sent_at"`

	// Critical marks outbound messages that must not be dropped from a full
	// queue. Not part of the wire format.
	Critical bool `json:"-"`
}

// Inbound message types.
const (
	MsgCallCreate         = "call.create"
	MsgCallStatus         = "call.status"
	MsgUnitRegister       = "unit.register"
	MsgUnitStatusReport   = "unit.status_report"
	MsgUnitLocationReport = "unit.location_report"
	MsgReplayComplete     = "replay.complete"
	MsgHeartbeat          = "heartbeat"
)

// Outbound message types.
const (
	MsgDispatchOrder     = "dispatch.order"
	MsgCallUpdate        = "call.update"
	MsgManualAssignAlert = "alert.manual_assignment"
)

type CallCreatePayload struct {
	OrgID    uuid.UUID `json:"org_id"`
	Priority string    `json:"priority"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
}

type CallStatusPayload struct {
	CallID uuid.UUID `json:"call_id"`
	Status string    `json:"status"`
}

type UnitRegisterPayload struct {
	UnitID   uuid.UUID `json:"unit_id"`
	OrgID    uuid.UUID `json:"org_id"`
	CallSign string    `json:"call_sign"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
}

type UnitStatusPayload struct {
	UnitID uuid.UUID `json:"unit_id"`
	Status string    `json:"status"`
}

type UnitLocationPayload struct {
	UnitID     uuid.UUID `json:"unit_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	ReportedAt time.Time `json:"reported_at"`
}

type DispatchOrderPayload struct {
	CallID     uuid.UUID `json:"call_id"`
	UnitID     uuid.UUID `json:"unit_id"`
	Priority   string    `json:"priority"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	ETASeconds int       `json:"eta_seconds"`
}

type CallUpdatePayload struct {
	CallID uuid.UUID `json:"call_id"`
	Status string    `json:"status"`
}

type ManualAssignPayload struct {
	CallID   uuid.UUID `json:"call_id"`
	Priority string    `json:"priority"`
	Attempts int       `json:"attempts"`
}
