package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/orgx"
)

func newTestServer(t *testing.T) (*server, *dispatch.Bus) {
	t.Helper()
	engine := dispatch.NewEngine(dispatch.EngineParams{
		RadiusKM:    15,
		StaleAfter:  120 * time.Second,
		AvgSpeedKMH: 50,
		WeightETA:   1,
	})
	bus := dispatch.NewBus(64)
	store := dispatch.NewStore(dispatch.StoreParams{
		ReassignInterval:    time.Hour,
		ReassignMaxAttempts: 5,
	}, engine, bus, nil, logx.New("dispatchd-test", "test", "", "error"))
	t.Cleanup(func() {
		store.Close()
		bus.Close()
	})
	return &server{store: store}, bus
}

func orgRequest(method, target, body, orgID string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ctx := orgx.WithOrg(req.Context(), orgx.OrgContext{ID: orgID})
	return req.WithContext(ctx)
}

func TestRecordFinalizedPublishesLifecycleEvent(t *testing.T) {
	srv, bus := newTestServer(t)
	mux := http.NewServeMux()
	srv.routes(mux)

	orgID := uuid.New()
	call, err := srv.store.CreateCall(context.Background(), orgID, dispatch.PriorityHigh, dispatch.Location{Lat: 40.71, Lon: -74.00})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	events := bus.Subscribe("lifecycle-test")
	defer bus.Unsubscribe("lifecycle-test")

	recordID := uuid.New()
	req := orgRequest(http.MethodPost, "/api/v1/records/"+recordID.String()+"/finalized",
		`{"call_id":"`+call.ID.String()+`"}`, orgID.String())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	select {
	case ev := <-events:
		if ev.Type != dispatch.EventRecordFinalized {
			t.Fatalf("event type = %s, want %s", ev.Type, dispatch.EventRecordFinalized)
		}
		if ev.RecordID == nil || *ev.RecordID != recordID {
			t.Fatalf("event record id = %v, want %s", ev.RecordID, recordID)
		}
		if ev.Call == nil || ev.Call.ID != call.ID {
			t.Fatalf("event call = %+v, want call %s", ev.Call, call.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no lifecycle event published")
	}
}

func TestRecordFinalizedScopedToOrg(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.routes(mux)

	call, err := srv.store.CreateCall(context.Background(), uuid.New(), dispatch.PriorityRoutine, dispatch.Location{Lat: 40.71, Lon: -74.00})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	req := orgRequest(http.MethodPost, "/api/v1/records/"+uuid.NewString()+"/finalized",
		`{"call_id":"`+call.ID.String()+`"}`, uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
