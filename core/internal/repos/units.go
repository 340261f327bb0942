package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"ems-cad-core/core/internal/dispatch"
)

type UnitRepo struct {
	pool *pgxpool.Pool
}

func NewUnitRepo(pool *pgxpool.Pool) *UnitRepo {
	return &UnitRepo{pool: pool}
}

func (r *UnitRepo) Upsert(ctx context.Context, unit dispatch.Unit) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO units (
			unit_id, org_id, call_sign, status, lat, lon,
			location_updated_at, current_call_id, version, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (unit_id) DO UPDATE SET
			org_id = excluded.org_id,
			call_sign = excluded.call_sign,
			status = excluded.status,
			lat = excluded.lat,
			lon = excluded.lon,
			location_updated_at = excluded.location_updated_at,
			current_call_id = excluded.current_call_id,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE units.version < excluded.version
	`, unit.ID, unit.OrgID, unit.CallSign, string(unit.Status), unit.Location.Lat, unit.Location.Lon,
		unit.LocationUpdatedAt, unit.CurrentCallID, unit.Version, unit.UpdatedAt)
	return err
}

// ListAll returns every unit, used to rebuild the in-memory state on
// startup.
func (r *UnitRepo) ListAll(ctx context.Context) ([]dispatch.Unit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT unit_id, org_id, call_sign, status, lat, lon,
			location_updated_at, current_call_id, version, updated_at
		FROM units
		ORDER BY call_sign ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []dispatch.Unit
	for rows.Next() {
		var unit dispatch.Unit
		var status string
		if err := rows.Scan(
			&unit.ID, &unit.OrgID, &unit.CallSign, &status, &unit.Location.Lat, &unit.Location.Lon,
			&unit.LocationUpdatedAt, &unit.CurrentCallID, &unit.Version, &unit.UpdatedAt,
		); err != nil {
			return nil, err
		}
		unit.Status = dispatch.UnitStatus(status)
		units = append(units, unit)
	}
	return units, rows.Err()
}
