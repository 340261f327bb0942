package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/shared/httpx"
	"ems-cad-core/shared/orgx"
)

type server struct {
	store *dispatch.Store
}

type createCallRequest struct {
	Priority string  `json:"priority"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

type unitRegisterRequest struct {
	UnitID   string  `json:"unit_id,omitempty"`
	CallSign string  `json:"call_sign"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type recordFinalizedRequest struct {
	CallID string `json:"call_id"`
}

type locationRequest struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	ReportedAt time.Time `json:"reported_at"`
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/calls", s.handleCreateCall)
	mux.HandleFunc("GET /api/v1/calls/{id}", s.handleGetCall)
	mux.HandleFunc("POST /api/v1/calls/{id}/status", s.handleCallStatus)
	mux.HandleFunc("POST /api/v1/calls/{id}/assign", s.handleManualAssign)
	mux.HandleFunc("POST /api/v1/records/{id}/finalized", s.handleRecordFinalized)
	mux.HandleFunc("POST /api/v1/units", s.handleRegisterUnit)
	mux.HandleFunc("POST /api/v1/units/{id}/status", s.handleUnitStatus)
	mux.HandleFunc("POST /api/v1/units/{id}/location", s.handleUnitLocation)
	mux.HandleFunc("GET /api/v1/dispatch/snapshot", s.handleSnapshot)
}

func (s *server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requestOrg(w, r)
	if !ok {
		return
	}
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	priority := dispatch.Priority(req.Priority)
	switch priority {
	case dispatch.PriorityCritical, dispatch.PriorityHigh, dispatch.PriorityRoutine:
	default:
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "priority must be critical, high or routine", nil)
		return
	}
	if !validCoords(req.Lat, req.Lon) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid coordinates", nil)
		return
	}

	call, err := s.store.CreateCall(r.Context(), orgID, priority, dispatch.Location{Lat: req.Lat, Lon: req.Lon})
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create call", nil)
		return
	}
	if _, err := s.store.TryAssign(r.Context(), call.ID); err != nil && !errors.Is(err, dispatch.ErrNoEligibleUnit) {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "assignment failed", nil)
		return
	}
	call, err = s.store.GetCall(call.ID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load call", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, call)
}

func (s *server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requestOrg(w, r)
	if !ok {
		return
	}
	callID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	call, err := s.store.GetCall(callID)
	if err != nil || call.OrgID != orgID {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "call not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, call)
}

func (s *server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requestOrg(w, r)
	if !ok {
		return
	}
	callID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	to := dispatch.CallStatus(req.Status)
	if !dispatch.ValidCallStatus(to) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown call status", nil)
		return
	}
	if existing, err := s.store.GetCall(callID); err != nil || existing.OrgID != orgID {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "call not found", nil)
		return
	}
	call, err := s.store.TransitionCallStatus(r.Context(), callID, to)
	switch {
	case errors.Is(err, dispatch.ErrCallNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "call not found", nil)
		return
	case errors.Is(err, dispatch.ErrInvalidTransition):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "invalid status transition", map[string]any{"to": req.Status})
		return
	case err != nil:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "transition failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, call)
}

// handleManualAssign retries assignment for a queued or manual-review call on
// dispatcher request.
func (s *server) handleManualAssign(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requestOrg(w, r)
	if !ok {
		return
	}
	callID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	call, err := s.store.GetCall(callID)
	if err != nil || call.OrgID != orgID {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "call not found", nil)
		return
	}
	if call.Status == dispatch.CallNeedsManual {
		if call, err = s.store.TransitionCallStatus(r.Context(), callID, dispatch.CallQueued); err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "requeue failed", nil)
			return
		}
	}
	result, err := s.store.TryAssign(r.Context(), callID)
	switch {
	case errors.Is(err, dispatch.ErrNoEligibleUnit):
		call, _ = s.store.GetCall(callID)
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"call": call, "considered": result.Considered})
		return
	case errors.Is(err, dispatch.ErrCallNotAssignable):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "call is not assignable in its current status", nil)
		return
	case err != nil:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "assignment failed", nil)
		return
	}
	call, _ = s.store.GetCall(callID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"call": call, "assignment": result})
}

// handleRecordFinalized is the ingress for the clinical-records service
// announcing a finalized record. It publishes the lifecycle event that
// drives the call-link side effect.
func (s *server) handleRecordFinalized(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requestOrg(w, r)
	if !ok {
		return
	}
	recordID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req recordFinalizedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	callID, err := uuid.Parse(req.CallID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "call_id must be a uuid", nil)
		return
	}
	if existing, err := s.store.GetCall(callID); err != nil || existing.OrgID != orgID {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "call not found", nil)
		return
	}
	call, err := s.store.RecordFinalized(r.Context(), callID, recordID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to publish record finalization", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"call_id":   call.ID,
		"record_id": recordID,
	})
}

func (s *server) handleRegisterUnit(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requestOrg(w, r)
	if !ok {
		return
	}
	var req unitRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	if req.CallSign == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "call_sign is required", nil)
		return
	}
	if !validCoords(req.Lat, req.Lon) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid coordinates", nil)
		return
	}
	unitID := uuid.New()
	if req.UnitID != "" {
		parsed, err := uuid.Parse(req.UnitID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid unit_id", nil)
			return
		}
		unitID = parsed
	}
	unit, err := s.store.UpsertUnit(r.Context(), unitID, orgID, req.CallSign, dispatch.Location{Lat: req.Lat, Lon: req.Lon})
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to register unit", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, unit)
}

func (s *server) handleUnitStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestOrg(w, r); !ok {
		return
	}
	unitID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	to := dispatch.UnitStatus(req.Status)
	if !dispatch.ValidUnitStatus(to) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown unit status", nil)
		return
	}
	unit, err := s.store.UpdateUnitStatus(r.Context(), unitID, to)
	if errors.Is(err, dispatch.ErrUnitNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unit not found", nil)
		return
	}
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update unit", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, unit)
}

func (s *server) handleUnitLocation(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestOrg(w, r); !ok {
		return
	}
	unitID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	if !validCoords(req.Lat, req.Lon) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid coordinates", nil)
		return
	}
	reportedAt := req.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}
	unit, err := s.store.UpdateUnitLocation(r.Context(), unitID, dispatch.Location{Lat: req.Lat, Lon: req.Lon}, reportedAt)
	if errors.Is(err, dispatch.ErrUnitNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unit not found", nil)
		return
	}
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update location", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, unit)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requestOrg(w, r)
	if !ok {
		return
	}
	calls, units := s.store.Snapshot()
	scopedCalls := make([]dispatch.Call, 0, len(calls))
	for _, c := range calls {
		if c.OrgID == orgID {
			scopedCalls = append(scopedCalls, c)
		}
	}
	scopedUnits := make([]dispatch.Unit, 0, len(units))
	for _, u := range units {
		if u.OrgID == orgID {
			scopedUnits = append(scopedUnits, u)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"calls": scopedCalls,
		"units": scopedUnits,
	})
}

func requestOrg(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := orgx.OrgIDFromContext(r.Context())
	orgID, err := uuid.Parse(raw)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing org context", nil)
		return uuid.Nil, false
	}
	return orgID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func validCoords(lat float64, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
