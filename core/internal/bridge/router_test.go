package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/core/internal/dispatch"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	created   int
	assigned  int
	statuses  []dispatch.UnitStatus
	locations int
	calls     []dispatch.CallStatus
	upserts   int
}

func (f *fakeDispatcher) CreateCall(ctx context.Context, orgID uuid.UUID, p dispatch.Priority, loc dispatch.Location) (dispatch.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return dispatch.Call{ID: uuid.New(), OrgID: orgID, Priority: p, Location: loc}, nil
}

func (f *fakeDispatcher) TryAssign(ctx context.Context, callID uuid.UUID) (dispatch.AssignmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned++
	return dispatch.AssignmentResult{}, dispatch.ErrNoEligibleUnit
}

func (f *fakeDispatcher) TransitionCallStatus(ctx context.Context, callID uuid.UUID, to dispatch.CallStatus) (dispatch.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to)
	return dispatch.Call{ID: callID, Status: to}, nil
}

func (f *fakeDispatcher) UpsertUnit(ctx context.Context, id uuid.UUID, orgID uuid.UUID, callSign string, loc dispatch.Location) (dispatch.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return dispatch.Unit{ID: id, OrgID: orgID, CallSign: callSign, Location: loc}, nil
}

func (f *fakeDispatcher) UpdateUnitStatus(ctx context.Context, unitID uuid.UUID, reported dispatch.UnitStatus) (dispatch.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, reported)
	return dispatch.Unit{ID: unitID, Status: reported}, nil
}

func (f *fakeDispatcher) UpdateUnitLocation(ctx context.Context, unitID uuid.UUID, loc dispatch.Location, reportedAt time.Time) (dispatch.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations++
	return dispatch.Unit{ID: unitID, Location: loc}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
}

func (s *fakeSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func unitStatusMsg(seq uint64, status string) Message {
	payload, _ := json.Marshal(UnitStatusPayload{UnitID: uuid.New(), Status: status})
	return Message{Type: MsgUnitStatusReport, SequenceID: seq, Payload: payload}
}

func TestRouterReplayDeduplication(t *testing.T) {
	store := &fakeDispatcher{}
	r := NewRouter(store, testLogger())
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		r.OnMessage(ctx, 1, unitStatusMsg(seq, "en_route"))
	}
	// Connection drops; the bridge replays from 3 on a new session.
	for seq := uint64(3); seq <= 8; seq++ {
		r.OnMessage(ctx, 2, unitStatusMsg(seq, "en_route"))
	}

	store.mu.Lock()
	applied := len(store.statuses)
	store.mu.Unlock()
	if applied != 8 {
		t.Fatalf("applied %d reports, want 8 (5 live + 3 new from replay)", applied)
	}

	// Replay complete resets the numbering; low sequence ids are live again.
	r.OnMessage(ctx, 2, Message{Type: MsgReplayComplete})
	r.OnMessage(ctx, 2, unitStatusMsg(1, "on_scene"))
	store.mu.Lock()
	applied = len(store.statuses)
	store.mu.Unlock()
	if applied != 9 {
		t.Fatalf("applied %d reports after reset, want 9", applied)
	}
}

func TestRouterInboundMapping(t *testing.T) {
	store := &fakeDispatcher{}
	r := NewRouter(store, testLogger())
	ctx := context.Background()

	create, _ := json.Marshal(CallCreatePayload{OrgID: uuid.New(), Priority: "critical", Lat: 40.7, Lon: -74.0})
	r.OnMessage(ctx, 1, Message{Type: MsgCallCreate, SequenceID: 1, Payload: create})

	register, _ := json.Marshal(UnitRegisterPayload{UnitID: uuid.New(), OrgID: uuid.New(), CallSign: "MEDIC-7"})
	r.OnMessage(ctx, 1, Message{Type: MsgUnitRegister, SequenceID: 2, Payload: register})

	loc, _ := json.Marshal(UnitLocationPayload{UnitID: uuid.New(), Lat: 40.71, Lon: -74.01, ReportedAt: time.Now()})
	r.OnMessage(ctx, 1, Message{Type: MsgUnitLocationReport, SequenceID: 3, Payload: loc})

	status, _ := json.Marshal(CallStatusPayload{CallID: uuid.New(), Status: "cleared"})
	r.OnMessage(ctx, 1, Message{Type: MsgCallStatus, SequenceID: 4, Payload: status})

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.created != 1 || store.assigned != 1 {
		t.Fatalf("call.create: created=%d assigned=%d, want 1/1", store.created, store.assigned)
	}
	if store.upserts != 1 || store.locations != 1 {
		t.Fatalf("unit messages: upserts=%d locations=%d, want 1/1", store.upserts, store.locations)
	}
	if len(store.calls) != 1 || store.calls[0] != dispatch.CallCleared {
		t.Fatalf("call.status not applied: %v", store.calls)
	}
}

func TestRouterOutboundMapping(t *testing.T) {
	sender := &fakeSender{}
	r := NewRouter(&fakeDispatcher{}, testLogger())

	callID := uuid.New()
	unitID := uuid.New()
	eta := 240
	events := make(chan dispatch.Event, 8)
	events <- dispatch.Event{
		Type: dispatch.EventCallAssigned,
		Call: &dispatch.Call{ID: callID, Priority: dispatch.PriorityCritical, ETASeconds: &eta},
		Unit: &dispatch.Unit{ID: unitID},
	}
	events <- dispatch.Event{
		Type: dispatch.EventCallQueued,
		Call: &dispatch.Call{ID: callID, Status: dispatch.CallQueued},
	}
	// Unit telemetry stays off the bridge.
	events <- dispatch.Event{
		Type: dispatch.EventUnitLocationMoved,
		Unit: &dispatch.Unit{ID: unitID},
	}
	close(events)

	r.RunOutbound(context.Background(), sender, events)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sender.sent))
	}
	if sender.sent[0].Type != MsgDispatchOrder || !sender.sent[0].Critical {
		t.Fatalf("first message should be a critical dispatch order: %+v", sender.sent[0])
	}
	var order DispatchOrderPayload
	if err := json.Unmarshal(sender.sent[0].Payload, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if order.CallID != callID || order.UnitID != unitID || order.ETASeconds != 240 {
		t.Fatalf("order payload mismatch: %+v", order)
	}
	if sender.sent[1].Type != MsgCallUpdate || sender.sent[1].Critical {
		t.Fatalf("second message should be a non-critical call update: %+v", sender.sent[1])
	}
}

func newDedupStore(t *testing.T) *dispatch.Store {
	t.Helper()
	engine := dispatch.NewEngine(dispatch.EngineParams{
		RadiusKM:    15,
		StaleAfter:  120 * time.Second,
		AvgSpeedKMH: 50,
		WeightETA:   1,
	})
	bus := dispatch.NewBus(64)
	s := dispatch.NewStore(dispatch.StoreParams{
		ReassignInterval:    time.Hour,
		ReassignMaxAttempts: 5,
	}, engine, bus, nil, testLogger())
	t.Cleanup(func() {
		s.Close()
		bus.Close()
	})
	return s
}

type unitView struct {
	callSign string
	status   dispatch.UnitStatus
	lat      float64
	lon      float64
	version  int64
}

func unitViews(s *dispatch.Store) map[uuid.UUID]unitView {
	_, units := s.Snapshot()
	out := make(map[uuid.UUID]unitView, len(units))
	for _, u := range units {
		out[u.ID] = unitView{
			callSign: u.CallSign,
			status:   u.Status,
			lat:      u.Location.Lat,
			lon:      u.Location.Lon,
			version:  u.Version,
		}
	}
	return out
}

// Replaying a stream with duplicated sequence ids must land the store in the
// same state as receiving the stream once.
func TestReplayedStreamMatchesSingleDelivery(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	u1 := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	u2 := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")

	msg := func(seq uint64, msgType string, payload any) Message {
		data, _ := json.Marshal(payload)
		return Message{Type: msgType, SequenceID: seq, Payload: data}
	}
	stream := []Message{
		msg(1, MsgUnitRegister, UnitRegisterPayload{UnitID: u1, OrgID: orgID, CallSign: "MEDIC-1", Lat: 40.70, Lon: -74.00}),
		msg(2, MsgUnitRegister, UnitRegisterPayload{UnitID: u2, OrgID: orgID, CallSign: "MEDIC-2", Lat: 40.71, Lon: -74.01}),
		msg(3, MsgUnitStatusReport, UnitStatusPayload{UnitID: u1, Status: "en_route"}),
		msg(4, MsgUnitLocationReport, UnitLocationPayload{UnitID: u2, Lat: 40.75, Lon: -74.05, ReportedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}),
		msg(5, MsgUnitStatusReport, UnitStatusPayload{UnitID: u1, Status: "on_scene"}),
		msg(6, MsgUnitStatusReport, UnitStatusPayload{UnitID: u2, Status: "out_of_service"}),
	}

	once := newDedupStore(t)
	onceRouter := NewRouter(once, testLogger())
	for _, m := range stream {
		onceRouter.OnMessage(ctx, 1, m)
	}

	// The second store sees 1-4, loses the connection, then gets 2-6
	// replayed on a fresh session.
	replayed := newDedupStore(t)
	replayRouter := NewRouter(replayed, testLogger())
	for _, m := range stream[:4] {
		replayRouter.OnMessage(ctx, 1, m)
	}
	for _, m := range stream[1:] {
		replayRouter.OnMessage(ctx, 2, m)
	}

	got := unitViews(replayed)
	want := unitViews(once)
	if len(got) != len(want) {
		t.Fatalf("unit count = %d, want %d", len(got), len(want))
	}
	for id, w := range want {
		g, ok := got[id]
		if !ok {
			t.Fatalf("unit %s missing after replay", id)
		}
		if g != w {
			t.Fatalf("unit %s diverged after replay:\n got %+v\nwant %+v", id, g, w)
		}
	}
}
