package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ems-cad-core/core/internal/collab"
	"ems-cad-core/core/internal/orchestrate"
	"ems-cad-core/core/internal/repos"
	"ems-cad-core/shared/config"
	"ems-cad-core/shared/dbx"
	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/metricsx"
	"ems-cad-core/shared/observability"
)

const (
	taskOrchestrationSweep = "orchestration.sweep"
	taskReleaseStuck       = "orchestration.release_stuck"
)

// stuckAfter is how long a claimed task may sit before we assume its worker
// died and return it to the pending pool.
const stuckAfter = 5 * time.Minute

func main() {
	cfg, problems := config.Load("orchestration-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.RecordsAPIURL == "" {
		problems = append(problems, config.Problem{Field: "RECORDS_API_URL", Message: "RECORDS_API_URL is required"})
	}
	if cfg.BillingAPIURL == "" {
		problems = append(problems, config.Problem{Field: "BILLING_API_URL", Message: "BILLING_API_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	collabTimeout := time.Duration(cfg.CollabTimeoutMS) * time.Millisecond
	records, err := collab.NewRecordsClient(cfg.RecordsAPIURL, cfg.RecordsAPIToken, collabTimeout)
	if err != nil {
		logger.Error(context.Background(), "records_init_failed", "clinical records client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	billing, err := collab.NewBillingClient(cfg.BillingAPIURL, cfg.BillingAPIToken, collabTimeout)
	if err != nil {
		logger.Error(context.Background(), "billing_init_failed", "billing client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	taskRepo := repos.NewTaskRepo(dbPool)
	orchestrator := orchestrate.New(orchestrate.Params{
		Owner:       cfg.ServiceName,
		MaxAttempts: cfg.OrchMaxAttempts,
		BatchSize:   cfg.OrchBatchSize,
	}, taskRepo, records, billing, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOrchestrationSweep, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "orchestration.sweep")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()
		executed, err := orchestrator.Sweep(ctx)
		if err != nil {
			return err
		}
		if executed > 0 {
			logger.Info(ctx, "orchestration_sweep", "executed staged effects",
				slog.Int("executed", executed),
			)
		}
		return nil
	})
	mux.HandleFunc(taskReleaseStuck, func(ctx context.Context, t *asynq.Task) error {
		released, err := taskRepo.ReleaseStuck(ctx, stuckAfter)
		if err != nil {
			return err
		}
		if released > 0 {
			logger.Warn(ctx, "orchestration_tasks_released", "returned abandoned tasks to pending",
				slog.Int64("released", released),
			)
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OrchScanSec)+"s", asynq.NewTask(taskOrchestrationSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every 60s", asynq.NewTask(taskReleaseStuck, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "orchestration worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("scan_interval_s", cfg.OrchScanSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "orchestration worker stopped")
}
