package store

import (
	"context"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

const poolColumns = `license_id, owner_id, owner_username, max_concurrent_users, is_active, created_at, updated_at`

func scanPool(row interface{ Scan(...any) error }) (*model.LicensePool, error) {
	var out model.LicensePool
	if err := row.Scan(
		&out.LicenseID, &out.OwnerID, &out.OwnerUsername, &out.MaxConcurrentUsers,
		&out.IsActive, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertLicensePool activates (or reactivates) a sharer's pool. Pools
// keep their original created_at across reactivations so the
// earliest-pool tie-break stays stable.
func (s *Store) UpsertLicensePool(ctx context.Context, p *model.LicensePool) error {
	const q = `
insert into license_pools
  (license_id, owner_id, owner_username, max_concurrent_users, is_active, created_at, updated_at)
values
  ($1, $2, $3, $4, true, now(), now())
on conflict (license_id)
do update set
  owner_username = excluded.owner_username,
  max_concurrent_users = excluded.max_concurrent_users,
  is_active = true,
  updated_at = now()`
	_, err := s.db.Exec(ctx, q, p.LicenseID, p.OwnerID, p.OwnerUsername, p.MaxConcurrentUsers)
	return err
}

// DeactivateLicensePool marks a pool inactive without deleting it, so
// reservation history remains attributable. Returns whether a row was
// actually deactivated.
func (s *Store) DeactivateLicensePool(ctx context.Context, licenseID string) (bool, error) {
	const q = `update license_pools set is_active = false, updated_at = now() where license_id = $1 and is_active`
	tag, err := s.db.Exec(ctx, q, licenseID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetLicensePool(ctx context.Context, licenseID string) (*model.LicensePool, error) {
	const q = `select ` + poolColumns + ` from license_pools where license_id = $1`
	out, err := scanPool(s.db.QueryRow(ctx, q, licenseID))
	if err != nil {
		if noRows(err) {
			return nil, fault.NotFoundf("license pool %s", licenseID)
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) GetPoolByOwner(ctx context.Context, ownerID string) (*model.LicensePool, error) {
	const q = `select ` + poolColumns + ` from license_pools where owner_id = $1`
	out, err := scanPool(s.db.QueryRow(ctx, q, ownerID))
	if err != nil {
		if noRows(err) {
			return nil, fault.NotFoundf("license pool owned by %s", ownerID)
		}
		return nil, err
	}
	return out, nil
}

// ListActivePools returns active pools ordered by creation time, the
// scheduler's default tie-break.
func (s *Store) ListActivePools(ctx context.Context) ([]model.LicensePool, error) {
	const q = `select ` + poolColumns + ` from license_pools where is_active order by created_at asc`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.LicensePool, 0)
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
