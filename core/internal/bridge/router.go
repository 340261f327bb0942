package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/metricsx"
)

// Dispatcher is the slice of the state store the router drives.
type Dispatcher interface {
	CreateCall(ctx context.Context, orgID uuid.UUID, priority dispatch.Priority, loc dispatch.Location) (dispatch.Call, error)
	TryAssign(ctx context.Context, callID uuid.UUID) (dispatch.AssignmentResult, error)
	TransitionCallStatus(ctx context.Context, callID uuid.UUID, to dispatch.CallStatus) (dispatch.Call, error)
	UpsertUnit(ctx context.Context, id uuid.UUID, orgID uuid.UUID, callSign string, loc dispatch.Location) (dispatch.Unit, error)
	UpdateUnitStatus(ctx context.Context, unitID uuid.UUID, reported dispatch.UnitStatus) (dispatch.Unit, error)
	UpdateUnitLocation(ctx context.Context, unitID uuid.UUID, loc dispatch.Location, reportedAt time.Time) (dispatch.Unit, error)
}

// Sender is the outbound half of the bridge client.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Router translates between bridge wire messages and store mutations. It
// deduplicates inbound traffic by sequence id: the bridge resumes an
// interrupted stream by replaying from its last acknowledged message, so
// anything at or below the high-water mark is a replay duplicate. The mark
// resets when the bridge signals that replay is complete and restarts its
// numbering.
type Router struct {
	store Dispatcher
	log   logx.Logger

	mu        sync.Mutex
	highWater uint64
}

func NewRouter(store Dispatcher, log logx.Logger) *Router {
	return &Router{store: store, log: log}
}

func (r *Router) OnStateChange(state State) {
	r.log.Info(context.Background(), "bridge_state", "bridge connection state changed",
		slog.String("state", state.String()),
	)
}

func (r *Router) OnMessage(ctx context.Context, epoch uint64, msg Message) {
	if msg.Type == MsgReplayComplete {
		r.mu.Lock()
		r.highWater = 0
		r.mu.Unlock()
		r.log.Info(ctx, "bridge_replay_complete", "bridge replay complete, sequence window reset",
			slog.Uint64("epoch", epoch),
		)
		return
	}
	if msg.SequenceID > 0 {
		r.mu.Lock()
		if msg.SequenceID <= r.highWater {
			r.mu.Unlock()
			metricsx.IncBridgeDuplicate()
			return
		}
		r.highWater = msg.SequenceID
		r.mu.Unlock()
	}

	if err := r.apply(ctx, msg); err != nil {
		r.log.Warn(ctx, "bridge_message_rejected", "inbound bridge message rejected",
			slog.String("type", msg.Type),
			slog.Uint64("sequence_id", msg.SequenceID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Router) apply(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MsgCallCreate:
		var p CallCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		call, err := r.store.CreateCall(ctx, p.OrgID, dispatch.Priority(p.Priority), dispatch.Location{Lat: p.Lat, Lon: p.Lon})
		if err != nil {
			return err
		}
		if _, err := r.store.TryAssign(ctx, call.ID); err != nil && !errors.Is(err, dispatch.ErrNoEligibleUnit) {
			return err
		}
		return nil

	case MsgCallStatus:
		var p CallStatusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		_, err := r.store.TransitionCallStatus(ctx, p.CallID, dispatch.CallStatus(p.Status))
		return err

	case MsgUnitRegister:
		var p UnitRegisterPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		_, err := r.store.UpsertUnit(ctx, p.UnitID, p.OrgID, p.CallSign, dispatch.Location{Lat: p.Lat, Lon: p.Lon})
		return err

	case MsgUnitStatusReport:
		var p UnitStatusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		_, err := r.store.UpdateUnitStatus(ctx, p.UnitID, dispatch.UnitStatus(p.Status))
		return err

	case MsgUnitLocationReport:
		var p UnitLocationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		_, err := r.store.UpdateUnitLocation(ctx, p.UnitID, dispatch.Location{Lat: p.Lat, Lon: p.Lon}, p.ReportedAt)
		return err

	default:
		r.log.Debug(ctx, "bridge_message_ignored", "inbound bridge message type not handled",
			slog.String("type", msg.Type),
		)
		return nil
	}
}

// RunOutbound consumes store events and forwards the ones field crews need.
// Dispatch orders and manual-assignment alerts are critical; plain status
// updates may be evicted under queue pressure.
func (r *Router) RunOutbound(ctx context.Context, sender Sender, events <-chan dispatch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, ok := r.outboundMessage(ev)
			if !ok {
				continue
			}
			if err := sender.Send(ctx, msg); err != nil {
				r.log.Error(ctx, "bridge_send_failed", "failed to enqueue outbound bridge message",
					slog.String("type", msg.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (r *Router) outboundMessage(ev dispatch.Event) (Message, bool) {
	switch ev.Type {
	case dispatch.EventCallAssigned:
		if ev.Call == nil || ev.Unit == nil {
			return Message{}, false
		}
		eta := 0
		if ev.Call.ETASeconds != nil {
			eta = *ev.Call.ETASeconds
		}
		return marshalMessage(MsgDispatchOrder, true, DispatchOrderPayload{
			CallID:     ev.Call.ID,
			UnitID:     ev.Unit.ID,
			Priority:   string(ev.Call.Priority),
			Lat:        ev.Call.Location.Lat,
			Lon:        ev.Call.Location.Lon,
			ETASeconds: eta,
		})
	case dispatch.EventCallNeedsManual:
		if ev.Call == nil {
			return Message{}, false
		}
		return marshalMessage(MsgManualAssignAlert, true, ManualAssignPayload{
			CallID:   ev.Call.ID,
			Priority: string(ev.Call.Priority),
			Attempts: ev.Call.AssignAttempts,
		})
	case dispatch.EventCallStatusChanged, dispatch.EventCallQueued, dispatch.EventTransportCompleted:
		if ev.Call == nil {
			return Message{}, false
		}
		return marshalMessage(MsgCallUpdate, false, CallUpdatePayload{
			CallID: ev.Call.ID,
			Status: string(ev.Call.Status),
		})
	default:
		return Message{}, false
	}
}

func marshalMessage(typ string, critical bool, payload any) (Message, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, false
	}
	return Message{Type: typ, Critical: critical, Payload: data}, true
}
