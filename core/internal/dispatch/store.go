package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/metricsx"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrUnitNotFound      = errors.New("unit not found")
	ErrCallNotAssignable = errors.New("call not assignable")
	ErrUnitBusy          = errors.New("unit linked to another call")
)

// Repository persists committed mutations. Persistence is eventually
// consistent with the in-memory state: a failed Save is retried and logged
// but never rolls the mutation back, because the in-memory state is
// authoritative for real-time decisions.
type Repository interface {
	SaveCall(ctx context.Context, call Call) error
	SaveUnit(ctx context.Context, unit Unit) error
}

type StoreParams struct {
	RadiusKM            float64
	RadiusGrowthFactor  float64
	ReassignInterval    time.Duration
	ReassignMaxAttempts int
	PersistAttempts     int
}

const callShardCount = 16

type callShard struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*callEntry
}

// callEntry owns one call. mu orders mutations; pubMu orders event
// publication so bus delivery follows commit order without publishing under
// the entity lock.
type callEntry struct {
	mu      sync.Mutex
	call    Call
	pending []Event
	pubMu   sync.Mutex
	timer   *time.Timer
}

type unitEntry struct {
	mu      sync.Mutex
	unit    Unit
	pending []Event
	pubMu   sync.Mutex
}

// Store is the single owner of call/unit state. All other components request
// mutations through its methods; nothing else touches the maps.
type Store struct {
	params StoreParams
	engine *Engine
	bus    *Bus
	repo   Repository
	log    logx.Logger

	shards  [callShardCount]*callShard
	unitsMu sync.RWMutex
	units   map[uuid.UUID]*unitEntry

	// assignGate serializes queued-call sweeps so a burst of freed units
	// does not spawn competing sweeps.
	assignGate chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStore(params StoreParams, engine *Engine, bus *Bus, repo Repository, log logx.Logger) *Store {
	if params.RadiusGrowthFactor < 1 {
		params.RadiusGrowthFactor = 2
	}
	if params.ReassignInterval <= 0 {
		params.ReassignInterval = 15 * time.Second
	}
	if params.ReassignMaxAttempts <= 0 {
		params.ReassignMaxAttempts = 5
	}
	if params.PersistAttempts <= 0 {
		params.PersistAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		params:     params,
		engine:     engine,
		bus:        bus,
		repo:       repo,
		log:        log,
		units:      make(map[uuid.UUID]*unitEntry),
		assignGate: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range s.shards {
		s.shards[i] = &callShard{entries: make(map[uuid.UUID]*callEntry)}
	}
	return s
}

// Restore seeds the store from persisted rows before it starts serving.
// No events are published for restored state; downstream consumers already
// saw the originals. Queued calls get their reassignment timer re-armed so
// automation picks them back up.
func (s *Store) Restore(calls []Call, units []Unit) {
	s.unitsMu.Lock()
	for _, u := range units {
		s.units[u.ID] = &unitEntry{unit: u}
	}
	s.unitsMu.Unlock()
	for _, c := range calls {
		shard := s.shardFor(c.ID)
		e := &callEntry{call: c}
		shard.mu.Lock()
		shard.entries[c.ID] = e
		shard.mu.Unlock()
		if c.Status == CallQueued {
			e.mu.Lock()
			s.armReassignLocked(e)
			e.mu.Unlock()
		}
	}
}

// Close stops reassignment timers and waits for in-flight persistence.
func (s *Store) Close() {
	s.cancel()
	for _, shard := range s.shards {
		shard.mu.Lock()
		for _, e := range shard.entries {
			e.mu.Lock()
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			e.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	s.wg.Wait()
}

func (s *Store) shardFor(id uuid.UUID) *callShard {
	return s.shards[int(id[0])%callShardCount]
}

func (s *Store) callEntry(id uuid.UUID) (*callEntry, bool) {
	shard := s.shardFor(id)
	shard.mu.RLock()
	e, ok := shard.entries[id]
	shard.mu.RUnlock()
	return e, ok
}

func (s *Store) unitEntry(id uuid.UUID) (*unitEntry, bool) {
	s.unitsMu.RLock()
	e, ok := s.units[id]
	s.unitsMu.RUnlock()
	return e, ok
}

// CreateCall registers a new call in Created status and publishes
// EventCallCreated. Assignment is a separate step (TryAssign).
func (s *Store) CreateCall(ctx context.Context, orgID uuid.UUID, priority Priority, loc Location) (Call, error) {
	now := time.Now().UTC()
	call := Call{
		ID:        uuid.New(),
		OrgID:     orgID,
		Priority:  priority,
		Location:  loc,
		Status:    CallCreated,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := &callEntry{call: call}
	e.pending = append(e.pending, Event{Type: EventCallCreated, OccurredAt: now, Call: snapshotCall(call)})

	shard := s.shardFor(call.ID)
	shard.mu.Lock()
	shard.entries[call.ID] = e
	shard.mu.Unlock()

	s.flushCall(e)
	s.persistCall(call)
	return call, nil
}

// UpsertUnit registers a unit or refreshes its roster fields. Status and
// linkage are owned by UpdateUnitStatus/TryAssign and are not overwritten
// for an existing unit.
func (s *Store) UpsertUnit(ctx context.Context, id uuid.UUID, orgID uuid.UUID, callSign string, loc Location) (Unit, error) {
	now := time.Now().UTC()
	s.unitsMu.Lock()
	e, ok := s.units[id]
	if !ok {
		e = &unitEntry{unit: Unit{
			ID:                id,
			OrgID:             orgID,
			CallSign:          callSign,
			Status:            UnitAvailable,
			Location:          loc,
			LocationUpdatedAt: now,
			Version:           1,
			UpdatedAt:         now,
		}}
		s.units[id] = e
	}
	s.unitsMu.Unlock()

	e.mu.Lock()
	if ok {
		e.unit.CallSign = callSign
		e.unit.OrgID = orgID
		e.unit.Version++
		e.unit.UpdatedAt = now
	}
	unit := e.unit
	e.pending = append(e.pending, Event{Type: EventUnitRegistered, OccurredAt: now, Unit: snapshotUnit(unit)})
	e.mu.Unlock()

	s.flushUnit(e)
	s.persistUnit(unit)
	return unit, nil
}

// TryAssign runs the assignment engine for the call and, on success,
// atomically links call and unit in one critical section. On no eligible
// unit it retries once with a doubled radius, then parks the call in Queued
// with a rearm timer; after ReassignMaxAttempts the call surfaces as
// NeedsManualAssignment for a dispatcher.
func (s *Store) TryAssign(ctx context.Context, callID uuid.UUID) (AssignmentResult, error) {
	start := time.Now()
	e, ok := s.callEntry(callID)
	if !ok {
		return AssignmentResult{}, ErrCallNotFound
	}

	e.mu.Lock()
	call := e.call
	if call.Status != CallCreated && call.Status != CallQueued {
		e.mu.Unlock()
		return AssignmentResult{}, ErrCallNotAssignable
	}
	if call.AssignedUnitID != nil {
		// Status says assignable but a unit is linked: a mutual-consistency
		// invariant broke. Abort the mutation and surface for investigation.
		e.mu.Unlock()
		metricsx.IncInvariantViolation()
		s.log.Error(s.ctx, "invariant_violation", "assignable call already linked to a unit",
			slog.String("call_id", callID.String()),
			slog.String("unit_id", call.AssignedUnitID.String()),
		)
		return AssignmentResult{}, ErrUnitBusy
	}

	candidates := s.availableUnits(call.OrgID)
	result, err := s.engine.Assign(call, candidates, s.params.RadiusKM)
	if errors.Is(err, ErrNoEligibleUnit) {
		result, err = s.engine.Assign(call, candidates, s.params.RadiusKM*s.params.RadiusGrowthFactor)
	}
	if err != nil {
		s.parkQueuedLocked(e)
		parked := e.call
		e.mu.Unlock()
		s.flushCall(e)
		s.persistCall(parked)
		return AssignmentResult{}, err
	}

	ue, ok := s.unitEntry(result.UnitID)
	if !ok {
		s.parkQueuedLocked(e)
		parked := e.call
		e.mu.Unlock()
		s.flushCall(e)
		s.persistCall(parked)
		return AssignmentResult{}, ErrNoEligibleUnit
	}

	now := time.Now().UTC()
	ue.mu.Lock()
	if ue.unit.Status != UnitAvailable || ue.unit.CurrentCallID != nil {
		// Lost the race for this unit; park and let the rearm timer retry.
		ue.mu.Unlock()
		s.parkQueuedLocked(e)
		parked := e.call
		e.mu.Unlock()
		s.flushCall(e)
		s.persistCall(parked)
		return AssignmentResult{}, ErrNoEligibleUnit
	}

	// Both mutations commit inside the same critical section so the linkage
	// is never observable half-written.
	callIDCopy := call.ID
	unitIDCopy := ue.unit.ID
	eta := result.ETASeconds

	ue.unit.Status = UnitDispatched
	ue.unit.CurrentCallID = &callIDCopy
	ue.unit.Version++
	ue.unit.UpdatedAt = now
	unit := ue.unit
	ue.pending = append(ue.pending, Event{Type: EventUnitStatusChanged, OccurredAt: now, Unit: snapshotUnit(unit)})

	e.call.Status = CallDispatched
	e.call.AssignedUnitID = &unitIDCopy
	e.call.ETASeconds = &eta
	e.call.AssignAttempts = 0
	e.call.Version++
	e.call.UpdatedAt = now
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	call = e.call
	e.pending = append(e.pending, Event{Type: EventCallAssigned, OccurredAt: now, Call: snapshotCall(call), Unit: snapshotUnit(unit)})

	ue.mu.Unlock()
	e.mu.Unlock()

	s.flushUnit(ue)
	s.flushCall(e)
	s.persistCall(call)
	s.persistUnit(unit)
	metricsx.ObserveAssignmentLatency(time.Since(start))
	return result, nil
}

// parkQueuedLocked moves the call into Queued (or NeedsManualAssignment once
// attempts are exhausted) and arms the rearm timer. The caller holds e.mu.
func (s *Store) parkQueuedLocked(e *callEntry) {
	now := time.Now().UTC()
	e.call.AssignAttempts++
	e.call.Version++
	e.call.UpdatedAt = now
	if e.call.AssignAttempts >= s.params.ReassignMaxAttempts {
		e.call.Status = CallNeedsManual
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.pending = append(e.pending, Event{Type: EventCallNeedsManual, OccurredAt: now, Call: snapshotCall(e.call)})
		metricsx.IncNeedsManualAssignment()
		s.log.Warn(s.ctx, "assignment_exhausted", "call needs manual assignment",
			slog.String("call_id", e.call.ID.String()),
			slog.Int("attempts", e.call.AssignAttempts),
		)
		return
	}
	e.call.Status = CallQueued
	e.pending = append(e.pending, Event{Type: EventCallQueued, OccurredAt: now, Call: snapshotCall(e.call)})
	s.armReassignLocked(e)
}

func (s *Store) armReassignLocked(e *callEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	callID := e.call.ID
	e.timer = time.AfterFunc(s.params.ReassignInterval, func() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		if _, err := s.TryAssign(s.ctx, callID); err != nil &&
			!errors.Is(err, ErrNoEligibleUnit) && !errors.Is(err, ErrCallNotAssignable) {
			s.log.Warn(s.ctx, "reassign_failed", "reassignment attempt failed",
				slog.String("call_id", callID.String()),
				slog.String("error", err.Error()),
			)
		}
	})
}

// availableUnits copies Available units in sorted id order. Unit locks are
// taken one at a time in that fixed order, never while holding another unit
// lock, so snapshotting cannot deadlock against linkage writes.
func (s *Store) availableUnits(orgID uuid.UUID) []Unit {
	s.unitsMu.RLock()
	ids := make([]uuid.UUID, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	s.unitsMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := make([]Unit, 0, len(ids))
	for _, id := range ids {
		e, ok := s.unitEntry(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		u := e.unit
		e.mu.Unlock()
		if u.OrgID == orgID && u.Status == UnitAvailable {
			out = append(out, u)
		}
	}
	return out
}

// UpdateUnitStatus applies a field-reported status. Reports that skip or
// reverse the expected progression are applied anyway and logged as
// anomalies: crews are the ground truth. A unit reporting Available is
// unlinked from its call; a non-terminal call it was serving goes back to
// Queued.
func (s *Store) UpdateUnitStatus(ctx context.Context, unitID uuid.UUID, reported UnitStatus) (Unit, error) {
	if !ValidUnitStatus(reported) {
		return Unit{}, ErrInvalidTransition
	}
	e, ok := s.unitEntry(unitID)
	if !ok {
		return Unit{}, ErrUnitNotFound
	}

	now := time.Now().UTC()
	e.mu.Lock()
	from := e.unit.Status
	if from == reported {
		unit := e.unit
		e.mu.Unlock()
		return unit, nil
	}
	anomalous := UnitTransitionAnomalous(from, reported)
	e.unit.Status = reported
	e.unit.Version++
	e.unit.UpdatedAt = now
	var linked *uuid.UUID
	if e.unit.CurrentCallID != nil {
		id := *e.unit.CurrentCallID
		linked = &id
	}
	if reported == UnitAvailable {
		e.unit.CurrentCallID = nil
	}
	unit := e.unit
	e.pending = append(e.pending, Event{Type: EventUnitStatusChanged, OccurredAt: now, Unit: snapshotUnit(unit)})
	e.mu.Unlock()

	if anomalous {
		metricsx.IncUnitReportAnomaly()
		s.log.Warn(ctx, "unit_status_anomaly", "out-of-order unit status report accepted",
			slog.String("unit_id", unitID.String()),
			slog.String("from", string(from)),
			slog.String("to", string(reported)),
		)
	}

	s.flushUnit(e)
	s.persistUnit(unit)

	if linked != nil {
		s.mirrorUnitReport(ctx, *linked, unitID, reported)
	}
	if reported == UnitAvailable {
		s.kickQueued()
	}
	return unit, nil
}

// mirrorUnitReport advances the linked call to match unit progress. The
// report wins even when it skips intermediate call states; a report that
// cannot apply at all (terminal call) is a conflict for the dispatcher UI,
// not a failure.
func (s *Store) mirrorUnitReport(ctx context.Context, callID uuid.UUID, unitID uuid.UUID, reported UnitStatus) {
	var to CallStatus
	switch reported {
	case UnitEnRoute:
		to = CallEnRoute
	case UnitOnScene:
		to = CallOnScene
	case UnitTransporting:
		to = CallTransporting
	case UnitAvailable:
		to = CallQueued
	default:
		return
	}
	if _, err := s.transitionCall(ctx, callID, to, true); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.log.Warn(ctx, "call_mirror_conflict", "unit report conflicts with call state",
				slog.String("call_id", callID.String()),
				slog.String("unit_id", unitID.String()),
				slog.String("reported", string(reported)),
			)
			return
		}
		s.log.Error(ctx, "call_mirror_failed", "failed to mirror unit report onto call",
			slog.String("call_id", callID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// UpdateUnitLocation records a position report.
func (s *Store) UpdateUnitLocation(ctx context.Context, unitID uuid.UUID, loc Location, reportedAt time.Time) (Unit, error) {
	e, ok := s.unitEntry(unitID)
	if !ok {
		return Unit{}, ErrUnitNotFound
	}
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}

	e.mu.Lock()
	e.unit.Location = loc
	e.unit.LocationUpdatedAt = reportedAt
	e.unit.Version++
	e.unit.UpdatedAt = time.Now().UTC()
	unit := e.unit
	e.pending = append(e.pending, Event{Type: EventUnitLocationMoved, OccurredAt: reportedAt, Unit: snapshotUnit(unit)})
	e.mu.Unlock()

	s.flushUnit(e)
	s.persistUnit(unit)
	return unit, nil
}

// TransitionCallStatus applies a call state change, enforcing the call state
// machine. Terminalizing or requeueing a call frees its unit in the same
// critical section; Transporting to Cleared additionally emits
// EventTransportCompleted.
func (s *Store) TransitionCallStatus(ctx context.Context, callID uuid.UUID, to CallStatus) (Call, error) {
	return s.transitionCall(ctx, callID, to, false)
}

// transitionCall is the shared transition path. forced applies the target
// status even when the state table has no edge for it, for mirroring field
// reports that skip intermediate states. Terminal calls are never forced.
func (s *Store) transitionCall(ctx context.Context, callID uuid.UUID, to CallStatus, forced bool) (Call, error) {
	if !ValidCallStatus(to) {
		return Call{}, ErrInvalidTransition
	}
	e, ok := s.callEntry(callID)
	if !ok {
		return Call{}, ErrCallNotFound
	}

	now := time.Now().UTC()
	e.mu.Lock()
	from := e.call.Status
	if from == to {
		call := e.call
		e.mu.Unlock()
		return call, nil
	}
	anomalous := false
	if !CanTransitionCall(from, to) {
		if !forced || CallTerminal(from) {
			e.mu.Unlock()
			return Call{}, ErrInvalidTransition
		}
		anomalous = true
	}

	e.call.Status = to
	e.call.Version++
	e.call.UpdatedAt = now
	if from == CallNeedsManual && to == CallQueued {
		e.call.AssignAttempts = 0
	}

	var freedUnit *unitEntry
	var freed Unit
	if (CallTerminal(to) || to == CallQueued) && e.call.AssignedUnitID != nil {
		unitID := *e.call.AssignedUnitID
		e.call.AssignedUnitID = nil
		e.call.ETASeconds = nil
		if ue, ok := s.unitEntry(unitID); ok {
			ue.mu.Lock()
			if ue.unit.CurrentCallID != nil && *ue.unit.CurrentCallID == callID {
				ue.unit.CurrentCallID = nil
				if ue.unit.Status != UnitOutOfService {
					ue.unit.Status = UnitAvailable
				}
				ue.unit.Version++
				ue.unit.UpdatedAt = now
				freed = ue.unit
				ue.pending = append(ue.pending, Event{Type: EventUnitStatusChanged, OccurredAt: now, Unit: snapshotUnit(freed)})
				freedUnit = ue
			}
			ue.mu.Unlock()
		}
	}

	if e.timer != nil && to != CallQueued {
		e.timer.Stop()
		e.timer = nil
	}

	call := e.call
	switch {
	case to == CallCleared && from == CallTransporting:
		e.pending = append(e.pending, Event{Type: EventCallStatusChanged, OccurredAt: now, Call: snapshotCall(call)})
		// The transport-completed event keeps the unit that ran the
		// transport even though the call was just unlinked from it.
		tc := Event{Type: EventTransportCompleted, OccurredAt: now, Call: snapshotCall(call)}
		if freedUnit != nil {
			tc.Unit = snapshotUnit(freed)
		}
		e.pending = append(e.pending, tc)
	case to == CallNeedsManual:
		e.pending = append(e.pending, Event{Type: EventCallNeedsManual, OccurredAt: now, Call: snapshotCall(call)})
	case to == CallQueued:
		e.pending = append(e.pending, Event{Type: EventCallQueued, OccurredAt: now, Call: snapshotCall(call)})
		s.armReassignLocked(e)
	default:
		e.pending = append(e.pending, Event{Type: EventCallStatusChanged, OccurredAt: now, Call: snapshotCall(call)})
	}
	e.mu.Unlock()

	if anomalous {
		s.log.Warn(ctx, "call_status_anomaly", "field report skipped call states, applied anyway",
			slog.String("call_id", callID.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}

	if freedUnit != nil {
		s.flushUnit(freedUnit)
		s.persistUnit(freed)
	}
	s.flushCall(e)
	s.persistCall(call)

	if freedUnit != nil {
		s.kickQueued()
	}
	return call, nil
}

// RecordFinalized publishes the documentation-finalized event for a call so
// lifecycle subscribers can link the clinical record back to it. Call state
// is untouched; finalization is a fact about the record, not a transition.
func (s *Store) RecordFinalized(ctx context.Context, callID uuid.UUID, recordID uuid.UUID) (Call, error) {
	e, ok := s.callEntry(callID)
	if !ok {
		return Call{}, ErrCallNotFound
	}
	now := time.Now().UTC()
	e.mu.Lock()
	call := e.call
	e.pending = append(e.pending, Event{Type: EventRecordFinalized, OccurredAt: now, Call: snapshotCall(call), RecordID: &recordID})
	e.mu.Unlock()
	s.flushCall(e)
	return call, nil
}

// Snapshot returns copies of all calls and units for dashboards and CLIs.
// The copies are detached; mutating them has no effect on the store.
func (s *Store) Snapshot() ([]Call, []Unit) {
	calls := make([]Call, 0, 64)
	for _, shard := range s.shards {
		shard.mu.RLock()
		entries := make([]*callEntry, 0, len(shard.entries))
		for _, e := range shard.entries {
			entries = append(entries, e)
		}
		shard.mu.RUnlock()
		for _, e := range entries {
			e.mu.Lock()
			calls = append(calls, e.call)
			e.mu.Unlock()
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt.Before(calls[j].CreatedAt) })

	s.unitsMu.RLock()
	unitEntries := make([]*unitEntry, 0, len(s.units))
	for _, e := range s.units {
		unitEntries = append(unitEntries, e)
	}
	s.unitsMu.RUnlock()
	units := make([]Unit, 0, len(unitEntries))
	for _, e := range unitEntries {
		e.mu.Lock()
		units = append(units, e.unit)
		e.mu.Unlock()
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID.String() < units[j].ID.String() })
	return calls, units
}

// GetCall returns a copy of one call.
func (s *Store) GetCall(callID uuid.UUID) (Call, error) {
	e, ok := s.callEntry(callID)
	if !ok {
		return Call{}, ErrCallNotFound
	}
	e.mu.Lock()
	call := e.call
	e.mu.Unlock()
	return call, nil
}

// kickQueued sweeps queued calls in priority order and retries assignment.
// At most one sweep runs at a time; a kick during a sweep is coalesced.
func (s *Store) kickQueued() {
	select {
	case s.assignGate <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.assignGate }()

		calls, _ := s.Snapshot()
		queued := calls[:0]
		for _, c := range calls {
			if c.Status == CallQueued {
				queued = append(queued, c)
			}
		}
		sort.Slice(queued, func(i, j int) bool {
			ri, rj := PriorityRank(queued[i].Priority), PriorityRank(queued[j].Priority)
			if ri == rj {
				return queued[i].CreatedAt.Before(queued[j].CreatedAt)
			}
			return ri < rj
		})
		for _, c := range queued {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if _, err := s.TryAssign(s.ctx, c.ID); err != nil &&
				!errors.Is(err, ErrNoEligibleUnit) && !errors.Is(err, ErrCallNotAssignable) {
				s.log.Warn(s.ctx, "queued_sweep_failed", "queued call sweep attempt failed",
					slog.String("call_id", c.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

// flushCall publishes pending events in commit order. pubMu serializes
// publishers per entry; the drain loop hands any events appended mid-flush
// to whichever flusher holds pubMu, preserving order.
func (s *Store) flushCall(e *callEntry) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	for {
		e.mu.Lock()
		pend := e.pending
		e.pending = nil
		e.mu.Unlock()
		if len(pend) == 0 {
			return
		}
		for _, ev := range pend {
			if err := s.bus.Publish(s.ctx, ev); err != nil {
				return
			}
		}
	}
}

func (s *Store) flushUnit(e *unitEntry) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	for {
		e.mu.Lock()
		pend := e.pending
		e.pending = nil
		e.mu.Unlock()
		if len(pend) == 0 {
			return
		}
		for _, ev := range pend {
			if err := s.bus.Publish(s.ctx, ev); err != nil {
				return
			}
		}
	}
}

func (s *Store) persistCall(call Call) {
	if s.repo == nil {
		return
	}
	s.persist("call", call.ID, func(ctx context.Context) error {
		return s.repo.SaveCall(ctx, call)
	})
}

func (s *Store) persistUnit(unit Unit) {
	if s.repo == nil {
		return
	}
	s.persist("unit", unit.ID, func(ctx context.Context) error {
		return s.repo.SaveUnit(ctx, unit)
	})
}

func (s *Store) persist(kind string, id uuid.UUID, save func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; attempt <= s.params.PersistAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := save(ctx)
			cancel()
			if err == nil {
				return
			}
			metricsx.IncPersistFailure(kind)
			s.log.Error(s.ctx, "persist_failed", "failed to persist committed mutation",
				slog.String("kind", kind),
				slog.String("entity_id", id.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
	}()
}

func snapshotCall(c Call) *Call {
	cp := c
	if c.AssignedUnitID != nil {
		id := *c.AssignedUnitID
		cp.AssignedUnitID = &id
	}
	if c.ETASeconds != nil {
		eta := *c.ETASeconds
		cp.ETASeconds = &eta
	}
	return &cp
}

func snapshotUnit(u Unit) *Unit {
	cp := u
	if u.CurrentCallID != nil {
		id := *u.CurrentCallID
		cp.CurrentCallID = &id
	}
	return &cp
}
