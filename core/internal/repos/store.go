package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"ems-cad-core/core/internal/dispatch"
)

// DispatchRepo is the persistence sink for the in-memory state store.
type DispatchRepo struct {
	calls *CallRepo
	units *UnitRepo
}

func NewDispatchRepo(pool *pgxpool.Pool) *DispatchRepo {
	return &DispatchRepo{calls: NewCallRepo(pool), units: NewUnitRepo(pool)}
}

func (r *DispatchRepo) SaveCall(ctx context.Context, call dispatch.Call) error {
	return r.calls.Upsert(ctx, call)
}

func (r *DispatchRepo) SaveUnit(ctx context.Context, unit dispatch.Unit) error {
	return r.units.Upsert(ctx, unit)
}

func (r *DispatchRepo) Calls() *CallRepo { return r.calls }
func (r *DispatchRepo) Units() *UnitRepo { return r.units }
