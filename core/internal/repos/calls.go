package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"ems-cad-core/core/internal/dispatch"
)

type CallRepo struct {
	pool *pgxpool.Pool
}

func NewCallRepo(pool *pgxpool.Pool) *CallRepo {
	return &CallRepo{pool: pool}
}

// Upsert writes the call row, keeping the highest version. The in-memory
// store retries saves out of order, so a stale version must never clobber a
// newer row.
func (r *CallRepo) Upsert(ctx context.Context, call dispatch.Call) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO calls (
			call_id, org_id, priority, lat, lon, status, assigned_unit_id,
			eta_seconds, assign_attempts, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (call_id) DO UPDATE SET
			priority = excluded.priority,
			lat = excluded.lat,
			lon = excluded.lon,
			status = excluded.status,
			assigned_unit_id = excluded.assigned_unit_id,
			eta_seconds = excluded.eta_seconds,
			assign_attempts = excluded.assign_attempts,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE calls.version < excluded.version
	`, call.ID, call.OrgID, string(call.Priority), call.Location.Lat, call.Location.Lon,
		string(call.Status), call.AssignedUnitID, call.ETASeconds, call.AssignAttempts,
		call.Version, call.CreatedAt, call.UpdatedAt)
	return err
}

// ListActive returns non-terminal calls across all orgs, used to rebuild
// the in-memory state on startup.
func (r *CallRepo) ListActive(ctx context.Context) ([]dispatch.Call, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT call_id, org_id, priority, lat, lon, status, assigned_unit_id,
			eta_seconds, assign_attempts, version, created_at, updated_at
		FROM calls
		WHERE status NOT IN ('cleared', 'cancelled')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []dispatch.Call
	for rows.Next() {
		var call dispatch.Call
		var priority, status string
		if err := rows.Scan(
			&call.ID, &call.OrgID, &priority, &call.Location.Lat, &call.Location.Lon,
			&status, &call.AssignedUnitID, &call.ETASeconds, &call.AssignAttempts,
			&call.Version, &call.CreatedAt, &call.UpdatedAt,
		); err != nil {
			return nil, err
		}
		call.Priority = dispatch.Priority(priority)
		call.Status = dispatch.CallStatus(status)
		calls = append(calls, call)
	}
	return calls, rows.Err()
}
