package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ems-cad-core/core/internal/bridge"
	"ems-cad-core/core/internal/collab"
	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/core/internal/middleware"
	"ems-cad-core/core/internal/orchestrate"
	"ems-cad-core/core/internal/repos"
	"ems-cad-core/shared/authx"
	"ems-cad-core/shared/config"
	"ems-cad-core/shared/dbx"
	"ems-cad-core/shared/httpx"
	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/metricsx"
	"ems-cad-core/shared/mqx"
	"ems-cad-core/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func isInternalPath(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
}

func main() {
	cfg, readyProblems := config.Load("dispatchd", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	metricsx.Register()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	shutdownTracer := func(context.Context) error { return nil }
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(runCtx, observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(runCtx, "otel_init_failed", "tracer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	// Committed mutations are persisted and orchestration tasks staged in
	// postgres; without it the daemon cannot honor its write path, so a
	// missing database is fatal rather than a readiness problem.
	if cfg.DatabaseURL == "" {
		logger.Error(runCtx, "config_invalid", "DATABASE_URL is required",
			slog.String("error_code", "FAILED_PRECONDITION"),
		)
		os.Exit(1)
	}
	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(runCtx, "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	dispatchRepo := repos.NewDispatchRepo(dbPool)
	taskRepo := repos.NewTaskRepo(dbPool)

	bus := dispatch.NewBus(cfg.BusBufferSize)
	engine := dispatch.NewEngine(dispatch.EngineParams{
		RadiusKM:       cfg.SearchRadiusKM,
		StaleAfter:     time.Duration(cfg.LocationStaleSec) * time.Second,
		AvgSpeedKMH:    cfg.AvgSpeedKMH,
		WeightETA:      cfg.WeightETA,
		WeightPriority: cfg.WeightPriority,
	})
	store := dispatch.NewStore(dispatch.StoreParams{
		RadiusKM:            cfg.SearchRadiusKM,
		RadiusGrowthFactor:  cfg.RadiusGrowthFactor,
		ReassignInterval:    time.Duration(cfg.ReassignIntervalSec) * time.Second,
		ReassignMaxAttempts: cfg.ReassignMaxAttempts,
	}, engine, bus, dispatchRepo, logger)

	activeCalls, err := dispatchRepo.Calls().ListActive(runCtx)
	if err != nil {
		logger.Error(runCtx, "rehydrate_failed", "failed to load active calls",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	allUnits, err := dispatchRepo.Units().ListAll(runCtx)
	if err != nil {
		logger.Error(runCtx, "rehydrate_failed", "failed to load units",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	store.Restore(activeCalls, allUnits)
	logger.Info(runCtx, "state_rehydrated", "in-memory state rebuilt from database",
		slog.Int("calls", len(activeCalls)),
		slog.Int("units", len(allUnits)),
	)

	// Lifecycle effects are staged here and executed by the orchestration
	// worker; the collaborating-service clients stay nil in this process.
	var records collab.ClinicalRecords
	var billing collab.Billing
	orchestrator := orchestrate.New(orchestrate.Params{
		Owner:       cfg.ServiceName,
		MaxAttempts: cfg.OrchMaxAttempts,
		BatchSize:   cfg.OrchBatchSize,
	}, taskRepo, records, billing, logger)
	go orchestrator.RunConsumer(runCtx, bus.Subscribe("orchestrate-stage"))

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		var err error
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "failed to initialize kafka producer"})
		} else {
			go runFanout(runCtx, producer, bus.Subscribe("kafka-fanout"), logger)
		}
	} else {
		logger.Warn(runCtx, "kafka_disabled", "KAFKA_BROKERS not set, domain events stay in-process")
	}

	var bridgeClient *bridge.Client
	if cfg.BridgeEnabled && cfg.BridgeURL != "" {
		router := bridge.NewRouter(store, logger)
		bridgeClient = bridge.NewClient(bridge.ClientParams{
			URL:            cfg.BridgeURL,
			Token:          cfg.BridgeToken,
			QueueSize:      cfg.BridgeQueueSize,
			SendCeiling:    time.Duration(cfg.BridgeSendCeilingMS) * time.Millisecond,
			BackoffBase:    time.Duration(cfg.BridgeBackoffBaseMS) * time.Millisecond,
			BackoffCap:     time.Duration(cfg.BridgeBackoffCapMS) * time.Millisecond,
			HeartbeatEvery: time.Duration(cfg.BridgeHeartbeatSec) * time.Second,
			DeadAfter:      time.Duration(cfg.BridgeDeadAfterSec) * time.Second,
		}, router, logger)
		go bridgeClient.Run(runCtx)
		go router.RunOutbound(runCtx, bridgeClient, bus.Subscribe("bridge-outbound"))
	} else {
		logger.Warn(runCtx, "bridge_disabled", "bridge link disabled, inbound traffic is HTTP only")
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	srv := &server{store: store}
	mux := http.NewServeMux()
	srv.routes(mux)
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.OrgMiddleware{Skip: isInternalPath}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: isInternalPath}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Skip:    isInternalPath,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Skip:           isInternalPath,
	}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(runCtx, "service_start", "starting service",
			slog.String("addr", httpServer.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Bool("bridge_enabled", bridgeClient != nil),
			slog.Float64("search_radius_km", cfg.SearchRadiusKM),
			slog.Int("reassign_interval_s", cfg.ReassignIntervalSec),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(runCtx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(runCtx, "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}

	cancelRun()
	store.Close()
	bus.Close()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn(shutdownCtx, "kafka_close_failed", "kafka producer close failed", slog.String("error", err.Error()))
		}
	}
	if dbPool != nil {
		dbPool.Close()
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "otel_shutdown_failed", "tracer shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
