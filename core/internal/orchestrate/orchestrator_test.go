package orchestrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/core/internal/collab"
	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/shared/logx"
)

type memTaskStore struct {
	mu    sync.Mutex
	byKey map[string]*Task
	byID  map[uuid.UUID]*Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{byKey: make(map[string]*Task), byID: make(map[uuid.UUID]*Task)}
}

func (s *memTaskStore) Insert(ctx context.Context, task Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[task.IdempotencyKey]; exists {
		return false, nil
	}
	t := task
	s.byKey[task.IdempotencyKey] = &t
	s.byID[task.ID] = &t
	return true, nil
}

func (s *memTaskStore) ClaimPending(ctx context.Context, owner string, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []Task
	for _, t := range s.byID {
		if len(out) >= limit {
			break
		}
		if t.Status != TaskPending {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		t.Status = TaskRunning
		t.LockedBy = owner
		t.LockedAt = &now
		out = append(out, *t)
	}
	return out, nil
}

func (s *memTaskStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return errors.New("task not found")
	}
	t.Status = TaskDone
	return nil
}

func (s *memTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, review bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return errors.New("task not found")
	}
	t.Attempts = attempts
	t.NextRetryAt = nextRetryAt
	t.LastError = lastErr
	if review {
		t.Status = TaskNeedsReview
	} else {
		t.Status = TaskPending
	}
	return nil
}

func (s *memTaskStore) taskStatus(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKey[key]
	if !ok {
		return ""
	}
	return t.Status
}

type countingRecords struct {
	mu      sync.Mutex
	creates int
	links   int
	fail    bool
}

func (c *countingRecords) CreateDraftRecord(ctx context.Context, req collab.CreateDraftRecordRequest) (collab.CreateDraftRecordResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	if c.fail {
		return collab.CreateDraftRecordResponse{}, errors.New("records down")
	}
	return collab.CreateDraftRecordResponse{RecordID: uuid.New(), Status: "draft"}, nil
}

func (c *countingRecords) NotifyCallLinked(ctx context.Context, req collab.NotifyCallLinkedRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links++
	return nil
}

type countingBilling struct {
	mu      sync.Mutex
	creates int
}

func (c *countingBilling) CreateBillingRecord(ctx context.Context, req collab.CreateBillingRecordRequest) (collab.CreateBillingRecordResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	return collab.CreateBillingRecordResponse{BillingID: uuid.New(), Status: "created"}, nil
}

func newTestOrchestrator(store TaskStore, records collab.ClinicalRecords, billing collab.Billing, maxAttempts int) *Orchestrator {
	return New(Params{Owner: "test-worker", MaxAttempts: maxAttempts, BatchSize: 10},
		store, records, billing, logx.New("orchestrate-test", "test", "", "error"))
}

func createdEvent(callID uuid.UUID) dispatch.Event {
	return dispatch.Event{
		Type:       dispatch.EventCallCreated,
		OccurredAt: time.Now().UTC(),
		Call:       &dispatch.Call{ID: callID, OrgID: uuid.New(), Priority: dispatch.PriorityCritical},
	}
}

func TestDuplicateEventsRunEffectOnce(t *testing.T) {
	store := newMemTaskStore()
	records := &countingRecords{}
	billing := &countingBilling{}
	o := newTestOrchestrator(store, records, billing, 10)
	ctx := context.Background()

	ev := dispatch.Event{
		Type:       dispatch.EventTransportCompleted,
		OccurredAt: time.Now().UTC(),
		Call:       &dispatch.Call{ID: uuid.New(), OrgID: uuid.New(), Priority: dispatch.PriorityCritical},
	}
	for i := 0; i < 3; i++ {
		if err := o.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := o.Sweep(ctx); err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
	}

	billing.mu.Lock()
	creates := billing.creates
	billing.mu.Unlock()
	if creates != 1 {
		t.Fatalf("billing record created %d times, want exactly 1", creates)
	}
	records.mu.Lock()
	defer records.mu.Unlock()
	if records.creates != 0 {
		t.Fatalf("unexpected clinical record creates: %d", records.creates)
	}
}

func TestLifecycleEffectsMapping(t *testing.T) {
	store := newMemTaskStore()
	records := &countingRecords{}
	billing := &countingBilling{}
	o := newTestOrchestrator(store, records, billing, 10)
	ctx := context.Background()

	callID := uuid.New()
	recordID := uuid.New()
	if err := o.HandleEvent(ctx, createdEvent(callID)); err != nil {
		t.Fatalf("created: %v", err)
	}
	if err := o.HandleEvent(ctx, dispatch.Event{
		Type:       dispatch.EventTransportCompleted,
		OccurredAt: time.Now().UTC(),
		Call:       &dispatch.Call{ID: callID, OrgID: uuid.New()},
	}); err != nil {
		t.Fatalf("transport completed: %v", err)
	}
	if err := o.HandleEvent(ctx, dispatch.Event{
		Type:       dispatch.EventRecordFinalized,
		OccurredAt: time.Now().UTC(),
		Call:       &dispatch.Call{ID: callID, OrgID: uuid.New()},
		RecordID:   &recordID,
	}); err != nil {
		t.Fatalf("record finalized: %v", err)
	}

	n, err := o.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("claimed %d tasks, want 3", n)
	}
	records.mu.Lock()
	creates, links := records.creates, records.links
	records.mu.Unlock()
	if creates != 1 || links != 1 {
		t.Fatalf("records: creates=%d links=%d, want 1/1", creates, links)
	}
	billing.mu.Lock()
	defer billing.mu.Unlock()
	if billing.creates != 1 {
		t.Fatalf("billing creates = %d, want 1", billing.creates)
	}
}

func TestFailedEffectRetriesThenNeedsReview(t *testing.T) {
	store := newMemTaskStore()
	records := &countingRecords{fail: true}
	o := newTestOrchestrator(store, records, &countingBilling{}, 2)
	ctx := context.Background()

	callID := uuid.New()
	if err := o.HandleEvent(ctx, createdEvent(callID)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	key := EffectCreateRecord + ":" + callID.String()

	if _, err := o.Sweep(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if got := store.taskStatus(key); got != TaskPending {
		t.Fatalf("status after first failure = %s, want pending retry", got)
	}

	// Clear the backoff so the retry is claimable now.
	store.mu.Lock()
	store.byKey[key].NextRetryAt = nil
	store.mu.Unlock()

	if _, err := o.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := store.taskStatus(key); got != TaskNeedsReview {
		t.Fatalf("status after exhausted retries = %s, want %s", got, TaskNeedsReview)
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	if retryDelay(1) != 5*time.Second {
		t.Fatalf("retryDelay(1) = %v", retryDelay(1))
	}
	if retryDelay(3) != 45*time.Second {
		t.Fatalf("retryDelay(3) = %v", retryDelay(3))
	}
	if retryDelay(100) != 5*time.Minute {
		t.Fatalf("retryDelay(100) = %v", retryDelay(100))
	}
}
