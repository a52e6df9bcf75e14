package store

import (
	"context"
	"time"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

const instanceColumns = `
user_id, username, status, license_type, allow_license_sharing, max_concurrent_users,
license_owner_id, image_tag, task_arn, private_ip, rule_arn, target_group_arn,
access_point_id, bucket_name, hostname, secret_ref, auto_shutdown_at, linked_session_id,
started_at, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*model.Instance, error) {
	var out model.Instance
	if err := row.Scan(
		&out.UserID, &out.Username, &out.Status, &out.LicenseType, &out.AllowLicenseSharing, &out.MaxConcurrentUsers,
		&out.LicenseOwnerID, &out.ImageTag, &out.TaskArn, &out.PrivateIP, &out.RuleArn, &out.TargetGroupArn,
		&out.AccessPointID, &out.BucketName, &out.Hostname, &out.SecretRef, &out.AutoShutdownAt, &out.LinkedSessionID,
		&out.StartedAt, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateInstance inserts the row for a user. The primary key on
// user_id is what enforces the one-instance-per-user invariant; a
// duplicate insert surfaces as Conflict.
func (s *Store) CreateInstance(ctx context.Context, in *model.Instance) error {
	const q = `
insert into instances
  (user_id, username, status, license_type, allow_license_sharing, max_concurrent_users,
   image_tag, target_group_arn, access_point_id, bucket_name, hostname, secret_ref, created_at, updated_at)
values
  ($1, $2, 'created', $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`
	_, err := s.db.Exec(ctx, q,
		in.UserID, in.Username, in.LicenseType, in.AllowLicenseSharing, in.MaxConcurrentUsers,
		in.ImageTag, in.TargetGroupArn, in.AccessPointID, in.BucketName, in.Hostname, in.SecretRef,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("instance already exists for user %s", in.UserID)
		}
		return err
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, userID string) (*model.Instance, error) {
	const q = `select ` + instanceColumns + ` from instances where user_id = $1`
	out, err := scanInstance(s.db.QueryRow(ctx, q, userID))
	if err != nil {
		if noRows(err) {
			return nil, fault.NotFoundf("instance for user %s", userID)
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]model.Instance, error) {
	const q = `select ` + instanceColumns + ` from instances order by created_at asc`
	return s.queryInstances(ctx, q)
}

func (s *Store) ListRunningInstances(ctx context.Context) ([]model.Instance, error) {
	const q = `select ` + instanceColumns + ` from instances where status = 'running' order by created_at asc`
	return s.queryInstances(ctx, q)
}

func (s *Store) queryInstances(ctx context.Context, q string, args ...any) ([]model.Instance, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

type RunningBinding struct {
	TaskArn         string
	PrivateIP       string
	RuleArn         string
	LicenseOwnerID  *string
	AutoShutdownAt  *time.Time
	LinkedSessionID *string
	StartedAt       time.Time
}

// MarkInstanceRunning flips the row to running only while it is still
// created or stopped; a concurrent start loses the race and gets
// Conflict.
func (s *Store) MarkInstanceRunning(ctx context.Context, userID string, b RunningBinding) error {
	const q = `
update instances
set status = 'running',
    task_arn = $2,
    private_ip = $3,
    rule_arn = $4,
    license_owner_id = $5,
    auto_shutdown_at = $6,
    linked_session_id = $7,
    started_at = $8,
    updated_at = now()
where user_id = $1 and status in ('created', 'stopped')`
	tag, err := s.db.Exec(ctx, q, userID, b.TaskArn, b.PrivateIP, b.RuleArn,
		b.LicenseOwnerID, b.AutoShutdownAt, b.LinkedSessionID, b.StartedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("instance for user %s is not startable", userID)
	}
	return nil
}

// MarkInstanceStopped clears the runtime bindings. Zero rows affected
// means the instance was already stopped, which callers treat as a
// benign skip, so no error is returned.
func (s *Store) MarkInstanceStopped(ctx context.Context, userID string) (bool, error) {
	const q = `
update instances
set status = 'stopped',
    task_arn = null,
    private_ip = null,
    rule_arn = null,
    license_owner_id = null,
    auto_shutdown_at = null,
    linked_session_id = null,
    started_at = null,
    updated_at = now()
where user_id = $1 and status <> 'stopped'`
	tag, err := s.db.Exec(ctx, q, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetInstanceAutoShutdown(ctx context.Context, userID string, at time.Time, sessionID *string) error {
	const q = `
update instances
set auto_shutdown_at = $2, linked_session_id = $3, updated_at = now()
where user_id = $1`
	tag, err := s.db.Exec(ctx, q, userID, at, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("instance for user %s", userID)
	}
	return nil
}

func (s *Store) UpdateInstanceImageTag(ctx context.Context, userID, tag string) error {
	const q = `update instances set image_tag = $2, updated_at = now() where user_id = $1`
	ct, err := s.db.Exec(ctx, q, userID, tag)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fault.NotFoundf("instance for user %s", userID)
	}
	return nil
}

// SetLicenseSharing updates the sharing flags on the instance row.
// Pooled instances can never share a license they do not own.
func (s *Store) SetLicenseSharing(ctx context.Context, userID string, allow bool, maxConcurrent int) error {
	const q = `
update instances
set allow_license_sharing = $2, max_concurrent_users = $3, updated_at = now()
where user_id = $1 and license_type = 'byol'`
	tag, err := s.db.Exec(ctx, q, userID, allow, maxConcurrent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.PolicyViolationf("license sharing requires a byol instance for user %s", userID)
	}
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx, `delete from instances where user_id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("instance for user %s", userID)
	}
	return nil
}
