package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	testNow   = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	testOrgID = uuid.MustParse("6f9619ff-8b86-4d01-b42d-00cf4fc964ff")
)

func testEngine() *Engine {
	return NewEngine(EngineParams{
		RadiusKM:       15,
		StaleAfter:     120 * time.Second,
		AvgSpeedKMH:    50,
		WeightETA:      1,
		WeightPriority: 0.25,
		Now:            func() time.Time { return testNow },
	})
}

func testCall(priority Priority) Call {
	return Call{
		ID:       uuid.MustParse("0c582a34-1f21-4b22-9c1b-0d3b7a3c9e01"),
		OrgID:    testOrgID,
		Priority: priority,
		Location: Location{Lat: 40.7128, Lon: -74.0060},
		Status:   CallCreated,
	}
}

func testUnit(id string, lat, lon float64) Unit {
	return Unit{
		ID:                uuid.MustParse(id),
		OrgID:             testOrgID,
		Status:            UnitAvailable,
		Location:          Location{Lat: lat, Lon: lon},
		LocationUpdatedAt: testNow.Add(-10 * time.Second),
	}
}

func TestAssignPicksNearestUnit(t *testing.T) {
	e := testEngine()
	near := testUnit("11111111-1111-1111-1111-111111111111", 40.7200, -74.0100)
	far := testUnit("22222222-2222-2222-2222-222222222222", 40.7600, -73.9800)

	res, err := e.Assign(testCall(PriorityHigh), []Unit{far, near}, 15)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.UnitID != near.ID {
		t.Fatalf("expected nearest unit %s, got %s", near.ID, res.UnitID)
	}
	if res.ETASeconds <= 0 {
		t.Fatalf("expected positive ETA, got %d", res.ETASeconds)
	}
	if len(res.Considered) != 2 {
		t.Fatalf("expected 2 considered candidates, got %d", len(res.Considered))
	}
}

func TestAssignDeterministicTieBreak(t *testing.T) {
	e := testEngine()
	a := testUnit("11111111-1111-1111-1111-111111111111", 40.7200, -74.0100)
	b := testUnit("22222222-2222-2222-2222-222222222222", 40.7200, -74.0100)

	first, err := e.Assign(testCall(PriorityRoutine), []Unit{b, a}, 15)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	second, err := e.Assign(testCall(PriorityRoutine), []Unit{a, b}, 15)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if first.UnitID != a.ID || second.UnitID != a.ID {
		t.Fatalf("tie must break on lowest unit id: got %s then %s", first.UnitID, second.UnitID)
	}
}

func TestAssignFilters(t *testing.T) {
	e := testEngine()
	call := testCall(PriorityCritical)

	busy := testUnit("11111111-1111-1111-1111-111111111111", 40.7200, -74.0100)
	busy.Status = UnitDispatched

	linked := testUnit("22222222-2222-2222-2222-222222222222", 40.7200, -74.0100)
	otherCall := uuid.MustParse("99999999-9999-9999-9999-999999999999")
	linked.CurrentCallID = &otherCall

	stale := testUnit("33333333-3333-3333-3333-333333333333", 40.7200, -74.0100)
	stale.LocationUpdatedAt = testNow.Add(-5 * time.Minute)

	distant := testUnit("44444444-4444-4444-4444-444444444444", 41.2000, -74.0060)

	_, err := e.Assign(call, []Unit{busy, linked, stale, distant}, 15)
	if !errors.Is(err, ErrNoEligibleUnit) {
		t.Fatalf("expected ErrNoEligibleUnit, got %v", err)
	}

	res, err := e.Assign(call, []Unit{busy, linked, stale, distant}, 60)
	if err != nil {
		t.Fatalf("Assign with widened radius: %v", err)
	}
	if res.UnitID != distant.ID {
		t.Fatalf("widened radius should reach %s, got %s", distant.ID, res.UnitID)
	}
}

func TestAssignEmptyCandidates(t *testing.T) {
	e := testEngine()
	if _, err := e.Assign(testCall(PriorityHigh), nil, 15); !errors.Is(err, ErrNoEligibleUnit) {
		t.Fatalf("expected ErrNoEligibleUnit, got %v", err)
	}
}

func TestHaversine(t *testing.T) {
	// JFK to LAX, roughly 3974 km.
	d := Haversine(Location{Lat: 40.6413, Lon: -73.7781}, Location{Lat: 33.9416, Lon: -118.4085})
	if d < 3900 || d > 4050 {
		t.Fatalf("unexpected JFK-LAX distance: %.1f km", d)
	}
	if d := Haversine(Location{Lat: 40, Lon: -74}, Location{Lat: 40, Lon: -74}); d != 0 {
		t.Fatalf("zero distance expected, got %f", d)
	}
}
