package orchestrate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ems-cad-core/core/internal/collab"
	"ems-cad-core/core/internal/dispatch"
	"ems-cad-core/shared/logx"
	"ems-cad-core/shared/metricsx"
)

type Params struct {
	Owner       string
	MaxAttempts int
	BatchSize   int
}

// Orchestrator turns dispatch lifecycle events into side effects on
// collaborating services. Events are at-least-once, so each effect is staged
// as a task keyed by a deterministic idempotency key and executed from the
// task table, never straight off the event.
type Orchestrator struct {
	params  Params
	tasks   TaskStore
	records collab.ClinicalRecords
	billing collab.Billing
	log     logx.Logger
}

func New(params Params, tasks TaskStore, records collab.ClinicalRecords, billing collab.Billing, log logx.Logger) *Orchestrator {
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 10
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 50
	}
	if params.Owner == "" {
		params.Owner = "orchestration-worker"
	}
	return &Orchestrator{params: params, tasks: tasks, records: records, billing: billing, log: log}
}

// HandleEvent stages the effect a lifecycle event calls for. Duplicate
// deliveries collapse on the idempotency key.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev dispatch.Event) error {
	switch ev.Type {
	case dispatch.EventCallCreated:
		if ev.Call == nil {
			return nil
		}
		payload, _ := json.Marshal(createRecordPayload{Priority: string(ev.Call.Priority)})
		return o.stage(ctx, ev.Call, EffectCreateRecord, EffectCreateRecord+":"+ev.Call.ID.String(), payload)

	case dispatch.EventRecordFinalized:
		// Documentation is finalized, so a record exists; link it back to
		// its call.
		if ev.Call == nil || ev.RecordID == nil {
			return nil
		}
		payload, _ := json.Marshal(notifyLinkedPayload{RecordID: *ev.RecordID})
		key := EffectNotifyLinked + ":" + ev.Call.ID.String() + ":" + ev.RecordID.String()
		return o.stage(ctx, ev.Call, EffectNotifyLinked, key, payload)

	case dispatch.EventTransportCompleted:
		if ev.Call == nil {
			return nil
		}
		p := createBillingPayload{Priority: string(ev.Call.Priority), CompletedAt: ev.OccurredAt}
		if ev.Unit != nil {
			p.UnitID = ev.Unit.ID
		}
		payload, _ := json.Marshal(p)
		return o.stage(ctx, ev.Call, EffectCreateBilling, EffectCreateBilling+":"+ev.Call.ID.String(), payload)

	default:
		return nil
	}
}

func (o *Orchestrator) stage(ctx context.Context, call *dispatch.Call, effect string, key string, payload json.RawMessage) error {
	now := time.Now().UTC()
	inserted, err := o.tasks.Insert(ctx, Task{
		ID:             uuid.New(),
		IdempotencyKey: key,
		Effect:         effect,
		OrgID:          call.OrgID,
		CallID:         call.ID,
		Payload:        payload,
		Status:         TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		o.log.Debug(ctx, "orchestration_duplicate", "effect already staged for idempotency key",
			slog.String("effect", effect),
			slog.String("idempotency_key", key),
		)
		return nil
	}
	metricsx.IncOrchestrationTask(effect, "staged")
	return nil
}

// Sweep claims a batch of pending tasks and executes them. Returns how many
// tasks were claimed.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	tasks, err := o.tasks.ClaimPending(ctx, o.params.Owner, o.params.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		o.execute(ctx, task)
	}
	return len(tasks), nil
}

func (o *Orchestrator) execute(ctx context.Context, task Task) {
	err := o.runEffect(ctx, task)
	if err == nil {
		if merr := o.tasks.MarkDone(ctx, task.ID); merr != nil {
			o.log.Error(ctx, "task_mark_done_failed", "effect ran but task not marked done",
				slog.String("task_id", task.ID.String()),
				slog.String("error", merr.Error()),
			)
			return
		}
		metricsx.IncOrchestrationTask(task.Effect, "done")
		return
	}

	attempts := task.Attempts + 1
	review := attempts >= o.params.MaxAttempts
	var nextRetry *time.Time
	if !review {
		at := time.Now().UTC().Add(retryDelay(attempts))
		nextRetry = &at
	}
	if merr := o.tasks.MarkFailed(ctx, task.ID, attempts, nextRetry, err.Error(), review); merr != nil {
		o.log.Error(ctx, "task_mark_failed_failed", "could not record task failure",
			slog.String("task_id", task.ID.String()),
			slog.String("error", merr.Error()),
		)
		return
	}
	if review {
		metricsx.IncOrchestrationTask(task.Effect, "needs_review")
		o.log.Error(ctx, "task_needs_review", "effect exhausted retries and needs operator review",
			slog.String("task_id", task.ID.String()),
			slog.String("effect", task.Effect),
			slog.String("call_id", task.CallID.String()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncOrchestrationTask(task.Effect, "retry")
	o.log.Warn(ctx, "task_retry", "effect failed, retry scheduled",
		slog.String("task_id", task.ID.String()),
		slog.String("effect", task.Effect),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

func (o *Orchestrator) runEffect(ctx context.Context, task Task) error {
	switch task.Effect {
	case EffectCreateRecord:
		var p createRecordPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return err
		}
		_, err := o.records.CreateDraftRecord(ctx, collab.CreateDraftRecordRequest{
			CallID:   task.CallID,
			OrgID:    task.OrgID,
			Priority: p.Priority,
			OpenedAt: task.CreatedAt,
		})
		return err

	case EffectNotifyLinked:
		var p notifyLinkedPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return err
		}
		return o.records.NotifyCallLinked(ctx, collab.NotifyCallLinkedRequest{
			RecordID: p.RecordID,
			CallID:   task.CallID,
			OrgID:    task.OrgID,
		})

	case EffectCreateBilling:
		var p createBillingPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return err
		}
		_, err := o.billing.CreateBillingRecord(ctx, collab.CreateBillingRecordRequest{
			CallID:         task.CallID,
			OrgID:          task.OrgID,
			IdempotencyKey: task.IdempotencyKey,
			Summary: collab.TransportSummary{
				UnitID:      p.UnitID,
				Priority:    p.Priority,
				CompletedAt: p.CompletedAt,
			},
		})
		return err

	default:
		o.log.Warn(ctx, "task_unknown_effect", "task with unknown effect marked done",
			slog.String("task_id", task.ID.String()),
			slog.String("effect", task.Effect),
		)
		return nil
	}
}

// RunConsumer stages effects from a live event stream until it closes.
func (o *Orchestrator) RunConsumer(ctx context.Context, events <-chan dispatch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := o.HandleEvent(ctx, ev); err != nil {
				o.log.Error(ctx, "event_stage_failed", "failed to stage effect for event",
					slog.String("event_type", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
