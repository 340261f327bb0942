package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/shared/events"
	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/mqx"
)

// runFanout forwards bus events to Kafka so downstream consumers (audit,
// telemetry, orchestration) see the same stream field systems do. Messages
// are keyed by aggregate id to keep per-entity ordering within a partition.
func runFanout(ctx context.Context, producer *mqx.Producer, in <-chan dispatch.Event, logger logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			envelope, topic, ok := toEnvelope(ev)
			if !ok {
				continue
			}
			value, err := json.Marshal(envelope)
			if err != nil {
				continue
			}
			key := []byte(envelope.AggregateID.String())
			if err := producer.Publish(ctx, topic, key, value, map[string]string{
				"event_type": envelope.EventType,
			}); err != nil {
				logger.Error(ctx, "event_publish_failed", "failed to publish domain event",
					slog.String("topic", topic),
					slog.String("event_type", envelope.EventType),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func toEnvelope(ev dispatch.Event) (events.Envelope, string, bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return events.Envelope{}, "", false
	}

	var orgID uuid.UUID
	aggregateType := "call"
	switch {
	case ev.Call != nil:
		orgID = ev.Call.OrgID
	case ev.Unit != nil:
		orgID = ev.Unit.OrgID
		aggregateType = "unit"
	}

	topic := events.TopicCallEvents
	switch {
	case ev.Type == dispatch.EventCallAssigned:
		topic = events.TopicDispatchDecisions
	case ev.Type == dispatch.EventCallNeedsManual:
		topic = events.TopicAlerts
	case strings.HasPrefix(ev.Type, "unit."):
		topic = events.TopicUnitEvents
	}

	return events.Envelope{
		EventID:       uuid.New(),
		OrgID:         orgID,
		OccurredAt:    ev.OccurredAt,
		AggregateType: aggregateType,
		AggregateID:   ev.AggregateID(),
		EventType:     ev.Type,
		Payload:       payload,
	}, topic, true
}
