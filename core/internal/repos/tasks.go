package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ems-cad-core/core/internal/orchestrate"
)

// TaskRepo backs the orchestration task table. Exactly-once execution rests
// on two database guarantees here: the unique idempotency key makes staging
// collapse duplicates, and FOR UPDATE SKIP LOCKED makes claiming hand each
// task to a single worker.
type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) Insert(ctx context.Context, task orchestrate.Task) (bool, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = orchestrate.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO orchestration_tasks (
			task_id, idempotency_key, effect, org_id, call_id, payload,
			status, attempts, next_retry_at, locked_at, locked_by, last_error,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, task.ID, task.IdempotencyKey, task.Effect, task.OrgID, task.CallID, task.Payload,
		task.Status, task.Attempts, task.NextRetryAt, task.LockedAt, nullIfEmpty(task.LockedBy),
		nullIfEmpty(task.LastError), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TaskRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]orchestrate.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT task_id
			FROM orchestration_tasks
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE orchestration_tasks t
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE t.task_id = c.task_id
		RETURNING t.task_id, t.idempotency_key, t.effect, t.org_id, t.call_id, t.payload,
			t.status, t.attempts, t.next_retry_at, t.locked_at, t.locked_by, t.last_error,
			t.created_at, t.updated_at
	`, orchestrate.TaskPending, limit, orchestrate.TaskRunning, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]orchestrate.Task, 0, limit)
	for rows.Next() {
		var task orchestrate.Task
		var lockedBy, lastError *string
		if err := rows.Scan(
			&task.ID, &task.IdempotencyKey, &task.Effect, &task.OrgID, &task.CallID, &task.Payload,
			&task.Status, &task.Attempts, &task.NextRetryAt, &task.LockedAt, &lockedBy, &lastError,
			&task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if lockedBy != nil {
			task.LockedBy = *lockedBy
		}
		if lastError != nil {
			task.LastError = *lastError
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *TaskRepo) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE orchestration_tasks
		SET status = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE task_id = $1
	`, id, orchestrate.TaskDone)
	return err
}

func (r *TaskRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, review bool) error {
	status := orchestrate.TaskPending
	if review {
		status = orchestrate.TaskNeedsReview
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE orchestration_tasks
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5,
			locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE task_id = $1
	`, id, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStuck returns tasks abandoned mid-claim (a worker died) to the
// pending pool.
func (r *TaskRepo) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orchestration_tasks
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)
	`, orchestrate.TaskPending, orchestrate.TaskRunning, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
