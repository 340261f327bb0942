package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/core/internal/repos"
	"ems-cad-core/shared/cachex"
	"ems-cad-core/shared/config"
	"ems-cad-core/shared/dbx"
	"ems-cad-core/shared/events"
	"ems-cad-core/shared/influxx"
	"ems-cad-core/shared/lockx"
	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/metricsx"
	"ems-cad-core/shared/mqx"
	"ems-cad-core/shared/observability"
)

// consumer projects the dispatch event stream into durable read models: the
// audit log, unit position telemetry, and the cached live call state.
type consumer struct {
	cfg    config.Config
	logger logx.Logger
	audit  *repos.AuditRepo
	cache  *cachex.Client
	influx *influxx.Client
}

func main() {
	cfg, problems := config.Load("events-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
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

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed, telemetry disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influxClient.Close()
		}
	}

	c := &consumer{
		cfg:    cfg,
		logger: logger,
		audit:  repos.NewAuditRepo(dbPool),
		cache:  cache,
		influx: influxClient,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	topics := []string{
		events.TopicCallEvents,
		events.TopicUnitEvents,
		events.TopicDispatchDecisions,
		events.TopicAlerts,
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			logger.Error(ctx, "kafka_init_failed", "kafka reader init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		wg.Add(1)
		go func(topic string, reader *kafka.Reader) {
			defer wg.Done()
			defer reader.Close()
			c.consume(ctx, topic, reader)
		}(topic, reader)
	}

	logger.Info(ctx, "consumer_start", "dispatch events consumer started",
		slog.Any("topics", topics),
		slog.String("group", cfg.KafkaGroupID),
	)
	wg.Wait()
	logger.Info(context.Background(), "consumer_stop", "dispatch events consumer stopped")
}

func (c *consumer) consume(ctx context.Context, topic string, reader *kafka.Reader) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
		)
		if err := c.handle(spanCtx, topic, msg.Value); err != nil {
			span.End()
			c.logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, c.cfg.KafkaGroupID, stats.Lag)
	}
}

func (c *consumer) handle(ctx context.Context, topic string, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil || envelope.AggregateID == uuid.Nil {
		return errors.New("missing event_id/aggregate_id")
	}
	var ev dispatch.Event
	if err := json.Unmarshal(envelope.Payload, &ev); err != nil {
		return err
	}

	if topic == events.TopicAlerts {
		// Several consumer instances may share the group across topics;
		// the lock keeps one alert from being raised twice.
		lock, acquired, err := lockx.Acquire(ctx, c.cache.Client(), "alert:"+envelope.EventID.String(), time.Hour)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		defer func() { _ = lockx.Release(ctx, c.cache.Client(), lock) }()
		if ev.Call != nil {
			c.logger.Warn(ctx, "manual_assignment_alert", "call needs manual assignment",
				slog.String("call_id", ev.Call.ID.String()),
				slog.String("priority", string(ev.Call.Priority)),
				slog.Int("attempts", ev.Call.AssignAttempts),
			)
		}
	}

	entry := repos.AuditEntry{
		EventID:    envelope.EventID,
		OrgID:      envelope.OrgID,
		EventType:  envelope.EventType,
		OccurredAt: envelope.OccurredAt,
		Details:    envelope.Payload,
	}
	if ev.Call != nil {
		id := ev.Call.ID
		entry.CallID = &id
	}
	if ev.Unit != nil {
		id := ev.Unit.ID
		entry.UnitID = &id
	}
	if err := c.audit.Write(ctx, []repos.AuditEntry{entry}); err != nil {
		return err
	}

	if ev.Call != nil {
		ttl := time.Duration(c.cfg.SnapshotCacheSec) * time.Second
		if err := c.cache.SetJSON(ctx, "call:"+ev.Call.ID.String(), ev.Call, ttl); err != nil {
			c.logger.Warn(ctx, "cache_write_failed", "failed to cache call state",
				slog.String("call_id", ev.Call.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if ev.Type == dispatch.EventUnitLocationMoved && ev.Unit != nil && c.influx != nil {
		err := c.influx.WritePoint(ctx, "unit_position",
			map[string]string{
				"unit_id": ev.Unit.ID.String(),
				"org_id":  ev.Unit.OrgID.String(),
				"status":  string(ev.Unit.Status),
			},
			map[string]any{
				"lat": ev.Unit.Location.Lat,
				"lon": ev.Unit.Location.Lon,
			},
			envelope.OccurredAt,
		)
		if err != nil {
			metricsx.IncInfluxWriteFailure()
			c.logger.Warn(ctx, "influx_write_failed", "failed to write unit position",
				slog.String("unit_id", ev.Unit.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}
