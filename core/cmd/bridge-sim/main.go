package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ems-cad-core/core/internal/bridge"
	"ems-cad-core/shared/config"
	"ems-cad-core/shared/httpx"
	"ems-cad-core/shared/logx"
)

// bridge-sim stands in for the regional dispatch backend during local
// development: it serves the websocket endpoint dispatchd dials, registers a
// few synthetic units, and walks each dispatched unit through a full
// transport so the whole loop can be exercised without field hardware.

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
}

type session struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	seq    atomic.Uint64
	logger logx.Logger
	orgID  uuid.UUID
	units  []uuid.UUID
}

func main() {
	cfg, _ := config.Load("bridge-sim", 8091)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	orgID := uuid.New()
	if raw := strings.TrimSpace(os.Getenv("SIM_ORG_ID")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			logger.Error(context.Background(), "config_invalid", "SIM_ORG_ID must be a uuid",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("value", raw),
			)
			os.Exit(1)
		}
		orgID = parsed
	}
	unitCount := 3
	if raw := strings.TrimSpace(os.Getenv("SIM_UNITS")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 50 {
			unitCount = n
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env})
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed",
				slog.String("error", err.Error()),
			)
			return
		}
		s := &session{conn: conn, logger: logger, orgID: orgID}
		for i := 0; i < unitCount; i++ {
			s.units = append(s.units, uuid.New())
		}
		// The request context dies with the handler; the session outlives it.
		go s.run(context.Background())
	})

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "bridge simulator started",
			slog.String("addr", server.Addr),
			slog.String("org_id", orgID.String()),
			slog.Int("units", unitCount),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "service_stop", "bridge simulator stopped")
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	s.conn.SetPingHandler(func(appData string) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// A fresh session starts its own numbering; announce the fleet and then
	// signal that replay is done.
	for i, unitID := range s.units {
		s.send(ctx, bridge.MsgUnitRegister, bridge.UnitRegisterPayload{
			UnitID:   unitID,
			OrgID:    s.orgID,
			CallSign: "SIM-" + strconv.Itoa(i+1),
			Lat:      40.70 + float64(i)*0.01,
			Lon:      -74.00 - float64(i)*0.01,
		})
	}
	s.send(ctx, bridge.MsgReplayComplete, nil)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info(ctx, "session_closed", "peer disconnected", slog.String("error", err.Error()))
			return
		}
		var msg bridge.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn(ctx, "message_invalid", "undecodable message from peer", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case bridge.MsgDispatchOrder:
			var order bridge.DispatchOrderPayload
			if err := json.Unmarshal(msg.Payload, &order); err != nil {
				continue
			}
			s.logger.Info(ctx, "dispatch_order", "received dispatch order",
				slog.String("call_id", order.CallID.String()),
				slog.String("unit_id", order.UnitID.String()),
				slog.Int("eta_seconds", order.ETASeconds),
			)
			go s.simulateTransport(ctx, order)
		case bridge.MsgManualAssignAlert:
			var alert bridge.ManualAssignPayload
			if err := json.Unmarshal(msg.Payload, &alert); err != nil {
				continue
			}
			s.logger.Warn(ctx, "manual_assign_alert", "call needs a dispatcher",
				slog.String("call_id", alert.CallID.String()),
				slog.Int("attempts", alert.Attempts),
			)
		}
	}
}

// simulateTransport replies to a dispatch order with the status reports a
// crew would send over a short transport.
func (s *session) simulateTransport(ctx context.Context, order bridge.DispatchOrderPayload) {
	step := func(status string) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
		s.send(ctx, bridge.MsgUnitStatusReport, bridge.UnitStatusPayload{
			UnitID: order.UnitID,
			Status: status,
		})
		return true
	}
	for _, status := range []string{"en_route", "on_scene", "transporting"} {
		if !step(status) {
			return
		}
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}
	s.send(ctx, bridge.MsgCallStatus, bridge.CallStatusPayload{
		CallID: order.CallID,
		Status: "cleared",
	})
	s.send(ctx, bridge.MsgUnitStatusReport, bridge.UnitStatusPayload{
		UnitID: order.UnitID,
		Status: "available",
	})
}

func (s *session) send(ctx context.Context, msgType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = data
	}
	msg := bridge.Message{
		Type:       msgType,
		SequenceID: s.seq.Add(1),
		Payload:    raw,
		SentAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn(ctx, "send_failed", "failed to write message", slog.String("error", err.Error()))
	}
}
