package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/shared/logx"
)

type fakeRepo struct {
	mu        sync.Mutex
	callSaves int
	unitSaves int
	failSaves bool
	calls     map[uuid.UUID]Call
	units     map[uuid.UUID]Unit
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{calls: make(map[uuid.UUID]Call), units: make(map[uuid.UUID]Unit)}
}

func (r *fakeRepo) SaveCall(ctx context.Context, call Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callSaves++
	if r.failSaves {
		return errors.New("db down")
	}
	r.calls[call.ID] = call
	return nil
}

func (r *fakeRepo) SaveUnit(ctx context.Context, unit Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unitSaves++
	if r.failSaves {
		return errors.New("db down")
	}
	r.units[unit.ID] = unit
	return nil
}

func newTestStore(t *testing.T, repo Repository, maxAttempts int) *Store {
	t.Helper()
	engine := NewEngine(EngineParams{
		RadiusKM:       15,
		StaleAfter:     120 * time.Second,
		AvgSpeedKMH:    50,
		WeightETA:      1,
		WeightPriority: 0.25,
	})
	bus := NewBus(64)
	s := NewStore(StoreParams{
		RadiusKM:            15,
		RadiusGrowthFactor:  2,
		ReassignInterval:    time.Hour,
		ReassignMaxAttempts: maxAttempts,
	}, engine, bus, repo, logx.New("dispatch-test", "test", "", "error"))
	t.Cleanup(func() {
		s.Close()
		bus.Close()
	})
	return s
}

func (s *Store) mustCreateCall(t *testing.T, priority Priority, loc Location) Call {
	t.Helper()
	call, err := s.CreateCall(context.Background(), testOrgID, priority, loc)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	return call
}

func (s *Store) mustUpsertUnit(t *testing.T, id string, loc Location) Unit {
	t.Helper()
	unit, err := s.UpsertUnit(context.Background(), uuid.MustParse(id), testOrgID, "MEDIC-"+id[:2], loc)
	if err != nil {
		t.Fatalf("UpsertUnit: %v", err)
	}
	return unit
}

func TestTryAssignLinksCallAndUnit(t *testing.T) {
	repo := newFakeRepo()
	s := newTestStore(t, repo, 5)

	call := s.mustCreateCall(t, PriorityHigh, Location{Lat: 40.7128, Lon: -74.0060})
	near := s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})
	s.mustUpsertUnit(t, "22222222-2222-2222-2222-222222222222", Location{Lat: 40.7600, Lon: -73.9800})

	res, err := s.TryAssign(context.Background(), call.ID)
	if err != nil {
		t.Fatalf("TryAssign: %v", err)
	}
	if res.UnitID != near.ID {
		t.Fatalf("expected unit %s, got %s", near.ID, res.UnitID)
	}

	got, err := s.GetCall(call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.Status != CallDispatched {
		t.Fatalf("call status = %s, want %s", got.Status, CallDispatched)
	}
	if got.AssignedUnitID == nil || *got.AssignedUnitID != near.ID {
		t.Fatalf("call not linked to winning unit: %+v", got.AssignedUnitID)
	}
	if got.ETASeconds == nil || *got.ETASeconds <= 0 {
		t.Fatal("expected a positive ETA on the dispatched call")
	}

	_, units := s.Snapshot()
	for _, u := range units {
		if u.ID != near.ID {
			continue
		}
		if u.Status != UnitDispatched {
			t.Fatalf("unit status = %s, want %s", u.Status, UnitDispatched)
		}
		if u.CurrentCallID == nil || *u.CurrentCallID != call.ID {
			t.Fatal("unit not linked back to call")
		}
	}
}

func TestTryAssignNoUnitsQueuesCall(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	call := s.mustCreateCall(t, PriorityRoutine, Location{Lat: 40.7128, Lon: -74.0060})

	if _, err := s.TryAssign(context.Background(), call.ID); !errors.Is(err, ErrNoEligibleUnit) {
		t.Fatalf("expected ErrNoEligibleUnit, got %v", err)
	}
	got, _ := s.GetCall(call.ID)
	if got.Status != CallQueued {
		t.Fatalf("call status = %s, want %s", got.Status, CallQueued)
	}
	if got.AssignAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.AssignAttempts)
	}
}

func TestTryAssignEscalatesToManual(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 2)
	call := s.mustCreateCall(t, PriorityCritical, Location{Lat: 40.7128, Lon: -74.0060})

	for i := 0; i < 2; i++ {
		if _, err := s.TryAssign(context.Background(), call.ID); !errors.Is(err, ErrNoEligibleUnit) {
			t.Fatalf("attempt %d: expected ErrNoEligibleUnit, got %v", i+1, err)
		}
	}
	got, _ := s.GetCall(call.ID)
	if got.Status != CallNeedsManual {
		t.Fatalf("call status = %s, want %s", got.Status, CallNeedsManual)
	}
	if _, err := s.TryAssign(context.Background(), call.ID); !errors.Is(err, ErrCallNotAssignable) {
		t.Fatalf("expected ErrCallNotAssignable after escalation, got %v", err)
	}

	// Manual requeue resets the attempt budget.
	requeued, err := s.TransitionCallStatus(context.Background(), call.ID, CallQueued)
	if err != nil {
		t.Fatalf("manual requeue: %v", err)
	}
	if requeued.AssignAttempts != 0 {
		t.Fatalf("attempts after requeue = %d, want 0", requeued.AssignAttempts)
	}
}

func TestUnitReportsMirrorOntoCall(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	call := s.mustCreateCall(t, PriorityHigh, Location{Lat: 40.7128, Lon: -74.0060})
	unit := s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})

	if _, err := s.TryAssign(context.Background(), call.ID); err != nil {
		t.Fatalf("TryAssign: %v", err)
	}
	steps := []struct {
		report UnitStatus
		want   CallStatus
	}{
		{UnitEnRoute, CallEnRoute},
		{UnitOnScene, CallOnScene},
		{UnitTransporting, CallTransporting},
	}
	for _, step := range steps {
		if _, err := s.UpdateUnitStatus(context.Background(), unit.ID, step.report); err != nil {
			t.Fatalf("UpdateUnitStatus(%s): %v", step.report, err)
		}
		got, _ := s.GetCall(call.ID)
		if got.Status != step.want {
			t.Fatalf("after %s report: call status = %s, want %s", step.report, got.Status, step.want)
		}
	}

	cleared, err := s.TransitionCallStatus(context.Background(), call.ID, CallCleared)
	if err != nil {
		t.Fatalf("clear call: %v", err)
	}
	if cleared.AssignedUnitID != nil {
		t.Fatal("terminal call must drop its unit link")
	}
	_, units := s.Snapshot()
	if len(units) != 1 || units[0].Status != UnitAvailable || units[0].CurrentCallID != nil {
		t.Fatalf("unit not freed after call cleared: %+v", units[0])
	}
}

func TestOutOfOrderUnitReportAccepted(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	call := s.mustCreateCall(t, PriorityHigh, Location{Lat: 40.7128, Lon: -74.0060})
	unit := s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})
	if _, err := s.TryAssign(context.Background(), call.ID); err != nil {
		t.Fatalf("TryAssign: %v", err)
	}

	// Crew skips en_route and reports on_scene directly. The report wins.
	got, err := s.UpdateUnitStatus(context.Background(), unit.ID, UnitOnScene)
	if err != nil {
		t.Fatalf("UpdateUnitStatus: %v", err)
	}
	if got.Status != UnitOnScene {
		t.Fatalf("unit status = %s, want %s", got.Status, UnitOnScene)
	}
	c, _ := s.GetCall(call.ID)
	if c.Status != CallOnScene {
		t.Fatalf("call status = %s, want %s", c.Status, CallOnScene)
	}
}

func TestUnitSelfClearRequeuesAndRedispatches(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	call := s.mustCreateCall(t, PriorityHigh, Location{Lat: 40.7128, Lon: -74.0060})
	unit := s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})
	if _, err := s.TryAssign(context.Background(), call.ID); err != nil {
		t.Fatalf("TryAssign: %v", err)
	}

	// Unit frees itself mid-call. The call is requeued and the sweep
	// re-dispatches it to the only available unit.
	if _, err := s.UpdateUnitStatus(context.Background(), unit.ID, UnitAvailable); err != nil {
		t.Fatalf("UpdateUnitStatus: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := s.GetCall(call.ID)
		if got.Status == CallDispatched && got.AssignedUnitID != nil && *got.AssignedUnitID == unit.ID {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never re-dispatched, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventOrderPerCall(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	ch := s.bus.Subscribe("order-test")

	call := s.mustCreateCall(t, PriorityHigh, Location{Lat: 40.7128, Lon: -74.0060})
	s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})
	if _, err := s.TryAssign(context.Background(), call.ID); err != nil {
		t.Fatalf("TryAssign: %v", err)
	}

	var callEvents []string
	deadline := time.After(2 * time.Second)
	for len(callEvents) < 2 {
		select {
		case ev := <-ch:
			if ev.Call != nil && ev.Call.ID == call.ID {
				callEvents = append(callEvents, ev.Type)
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", callEvents)
		}
	}
	if callEvents[0] != EventCallCreated || callEvents[1] != EventCallAssigned {
		t.Fatalf("per-call order violated: %v", callEvents)
	}
}

func TestPersistRetriesOnFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.failSaves = true
	s := newTestStore(t, repo, 5)

	s.mustCreateCall(t, PriorityRoutine, Location{Lat: 40.7128, Lon: -74.0060})

	deadline := time.Now().Add(3 * time.Second)
	for {
		repo.mu.Lock()
		saves := repo.callSaves
		repo.mu.Unlock()
		if saves == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 save attempts, got %d", saves)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUpdateUnitLocation(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	unit := s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})

	reportedAt := time.Now().Add(-3 * time.Second).UTC()
	got, err := s.UpdateUnitLocation(context.Background(), unit.ID, Location{Lat: 40.7300, Lon: -74.0200}, reportedAt)
	if err != nil {
		t.Fatalf("UpdateUnitLocation: %v", err)
	}
	if got.Location.Lat != 40.7300 || !got.LocationUpdatedAt.Equal(reportedAt) {
		t.Fatalf("location report not applied: %+v", got)
	}

	if _, err := s.UpdateUnitLocation(context.Background(), uuid.New(), Location{}, time.Time{}); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestMirrorForcesSkippedCallStates(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	call := s.mustCreateCall(t, PriorityCritical, Location{Lat: 40.7128, Lon: -74.0060})
	unit := s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})
	if _, err := s.TryAssign(context.Background(), call.ID); err != nil {
		t.Fatalf("TryAssign: %v", err)
	}

	// Crew jumps straight to transporting. The call follows even though the
	// state table has no dispatched-to-transporting edge.
	if _, err := s.UpdateUnitStatus(context.Background(), unit.ID, UnitTransporting); err != nil {
		t.Fatalf("UpdateUnitStatus: %v", err)
	}
	c, _ := s.GetCall(call.ID)
	if c.Status != CallTransporting {
		t.Fatalf("call status = %s, want %s", c.Status, CallTransporting)
	}

	// The dispatcher API still enforces the table.
	if _, err := s.TransitionCallStatus(context.Background(), call.ID, CallEnRoute); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("TransitionCallStatus err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransportCompletedEventCarriesUnit(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	call := s.mustCreateCall(t, PriorityHigh, Location{Lat: 40.7128, Lon: -74.0060})
	unit := s.mustUpsertUnit(t, "11111111-1111-1111-1111-111111111111", Location{Lat: 40.7200, Lon: -74.0100})
	if _, err := s.TryAssign(context.Background(), call.ID); err != nil {
		t.Fatalf("TryAssign: %v", err)
	}
	if _, err := s.UpdateUnitStatus(context.Background(), unit.ID, UnitTransporting); err != nil {
		t.Fatalf("UpdateUnitStatus: %v", err)
	}

	ch := s.bus.Subscribe("transport-test")
	defer s.bus.Unsubscribe("transport-test")
	if _, err := s.TransitionCallStatus(context.Background(), call.ID, CallCleared); err != nil {
		t.Fatalf("TransitionCallStatus: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != EventTransportCompleted {
				continue
			}
			if ev.Call == nil || ev.Call.AssignedUnitID != nil {
				t.Fatalf("completed call must be unlinked: %+v", ev.Call)
			}
			if ev.Unit == nil || ev.Unit.ID != unit.ID {
				t.Fatalf("transport-completed unit = %+v, want %s", ev.Unit, unit.ID)
			}
			return
		case <-deadline:
			t.Fatal("no transport-completed event")
		}
	}
}

func TestRestoreSeedsStateWithoutEvents(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	ch := s.bus.Subscribe("restore-test")
	defer s.bus.Unsubscribe("restore-test")

	now := time.Now().UTC()
	unitID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	callID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	queuedID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	s.Restore(
		[]Call{
			{ID: callID, OrgID: testOrgID, Priority: PriorityHigh, Status: CallDispatched, AssignedUnitID: &unitID, Version: 4, CreatedAt: now, UpdatedAt: now},
			{ID: queuedID, OrgID: testOrgID, Priority: PriorityRoutine, Status: CallQueued, Version: 2, CreatedAt: now, UpdatedAt: now},
		},
		[]Unit{
			{ID: unitID, OrgID: testOrgID, CallSign: "MEDIC-1", Status: UnitDispatched, CurrentCallID: &callID, Location: Location{Lat: 40.72, Lon: -74.01}, LocationUpdatedAt: now, Version: 4, UpdatedAt: now},
		},
	)

	c, err := s.GetCall(callID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if c.Status != CallDispatched || c.AssignedUnitID == nil || *c.AssignedUnitID != unitID {
		t.Fatalf("restored call = %+v", c)
	}
	calls, units := s.Snapshot()
	if len(calls) != 2 || len(units) != 1 {
		t.Fatalf("snapshot = %d calls, %d units", len(calls), len(units))
	}

	// Restored state was already announced when it first happened; no
	// replayed events.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after restore: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// The restored in-flight call keeps working through the normal paths.
	if _, err := s.TransitionCallStatus(context.Background(), callID, CallEnRoute); err != nil {
		t.Fatalf("TransitionCallStatus on restored call: %v", err)
	}
}

func TestMutualConsistencyUnderRandomOps(t *testing.T) {
	s := newTestStore(t, newFakeRepo(), 5)
	rng := rand.New(rand.NewSource(7))

	var unitIDs []uuid.UUID
	for i := 0; i < 5; i++ {
		u := s.mustUpsertUnit(t, "11111111-1111-1111-1111-11111111111"+string(rune('0'+i)), Location{Lat: 40.70 + float64(i)*0.01, Lon: -74.00})
		unitIDs = append(unitIDs, u.ID)
	}
	var callIDs []uuid.UUID

	unitStatuses := []UnitStatus{UnitAvailable, UnitDispatched, UnitEnRoute, UnitOnScene, UnitTransporting, UnitOutOfService}
	callStatuses := []CallStatus{CallQueued, CallDispatched, CallEnRoute, CallOnScene, CallTransporting, CallCleared, CallCancelled}

	ctx := context.Background()
	for step := 0; step < 400; step++ {
		switch rng.Intn(4) {
		case 0:
			call := s.mustCreateCall(t, PriorityHigh, Location{Lat: 40.70 + rng.Float64()*0.05, Lon: -74.00})
			callIDs = append(callIDs, call.ID)
		case 1:
			if len(callIDs) > 0 {
				if _, err := s.TryAssign(ctx, callIDs[rng.Intn(len(callIDs))]); err != nil &&
					!errors.Is(err, ErrNoEligibleUnit) && !errors.Is(err, ErrCallNotAssignable) {
					t.Fatalf("step %d TryAssign: %v", step, err)
				}
			}
		case 2:
			if _, err := s.UpdateUnitStatus(ctx, unitIDs[rng.Intn(len(unitIDs))], unitStatuses[rng.Intn(len(unitStatuses))]); err != nil &&
				!errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("step %d UpdateUnitStatus: %v", step, err)
			}
		case 3:
			if len(callIDs) > 0 {
				if _, err := s.TransitionCallStatus(ctx, callIDs[rng.Intn(len(callIDs))], callStatuses[rng.Intn(len(callStatuses))]); err != nil &&
					!errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("step %d TransitionCallStatus: %v", step, err)
				}
			}
		}
		checkLinkInvariant(t, s, step)
	}
}

// checkLinkInvariant asserts call.AssignedUnitID and unit.CurrentCallID
// always agree. A background queued-call sweep can commit between the two
// halves of a snapshot, so a violation is re-checked once after a short
// settle before it counts.
func checkLinkInvariant(t *testing.T, s *Store, step int) {
	t.Helper()
	check := func() string {
		calls, units := s.Snapshot()
		callsByID := make(map[uuid.UUID]Call, len(calls))
		for _, c := range calls {
			callsByID[c.ID] = c
		}
		unitsByID := make(map[uuid.UUID]Unit, len(units))
		for _, u := range units {
			unitsByID[u.ID] = u
		}
		for _, c := range calls {
			if c.AssignedUnitID == nil {
				continue
			}
			u, ok := unitsByID[*c.AssignedUnitID]
			if !ok || u.CurrentCallID == nil || *u.CurrentCallID != c.ID {
				return fmt.Sprintf("call %s assigned to %s but unit does not point back", c.ID, *c.AssignedUnitID)
			}
		}
		for _, u := range units {
			if u.CurrentCallID == nil {
				continue
			}
			c, ok := callsByID[*u.CurrentCallID]
			if !ok || c.AssignedUnitID == nil || *c.AssignedUnitID != u.ID {
				return fmt.Sprintf("unit %s linked to call %s but call does not point back", u.ID, *u.CurrentCallID)
			}
		}
		return ""
	}
	if msg := check(); msg != "" {
		time.Sleep(20 * time.Millisecond)
		if msg = check(); msg != "" {
			t.Fatalf("step %d: %s", step, msg)
		}
	}
}
