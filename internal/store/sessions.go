package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

const sessionColumns = `
id, user_id, username, start_time, end_time, license_type, license_id,
title, description, status, instance_id, created_at, updated_at`

const reservationColumns = `id, license_id, session_id, start_time, end_time, status, created_at`

func scanSession(row interface{ Scan(...any) error }) (*model.ScheduledSession, error) {
	var out model.ScheduledSession
	if err := row.Scan(
		&out.ID, &out.UserID, &out.Username, &out.StartTime, &out.EndTime, &out.LicenseType, &out.LicenseID,
		&out.Title, &out.Description, &out.Status, &out.InstanceID, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func scanReservation(row interface{ Scan(...any) error }) (*model.LicenseReservation, error) {
	var out model.LicenseReservation
	if err := row.Scan(
		&out.ID, &out.LicenseID, &out.SessionID, &out.StartTime, &out.EndTime, &out.Status, &out.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSessionWithReservation writes the session and its reservation
// in one transaction; a reservation must never exist without a session
// or vice versa. Capacity is re-checked under a per-license advisory
// lock inside the transaction, so two concurrent admissions for the
// last seat serialize and the loser gets ErrUnavailable. The advisory
// lock covers byol licenses too, which have no pool row to lock.
func (s *Store) CreateSessionWithReservation(ctx context.Context, sess *model.ScheduledSession, res *model.LicenseReservation, capacity int) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtext($1))`, res.LicenseID); err != nil {
		return err
	}
	const countActive = `
select count(*)
from license_reservations
where license_id = $1 and status = 'active' and start_time < $3 and end_time > $2`
	var overlapping int
	if err := tx.QueryRow(ctx, countActive, res.LicenseID, res.StartTime, res.EndTime).Scan(&overlapping); err != nil {
		return err
	}
	if overlapping >= capacity {
		return fault.Unavailablef("license %s is fully booked for the requested window", res.LicenseID)
	}

	const insertSession = `
insert into scheduled_sessions
  (id, user_id, username, start_time, end_time, license_type, license_id, title, description, status, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'scheduled', now(), now())`
	if _, err := tx.Exec(ctx, insertSession,
		sess.ID, sess.UserID, sess.Username, sess.StartTime, sess.EndTime,
		sess.LicenseType, sess.LicenseID, sess.Title, sess.Description,
	); err != nil {
		return err
	}

	const insertReservation = `
insert into license_reservations
  (id, license_id, session_id, start_time, end_time, status, created_at)
values
  ($1, $2, $3, $4, $5, 'active', now())`
	if _, err := tx.Exec(ctx, insertReservation,
		res.ID, res.LicenseID, res.SessionID, res.StartTime, res.EndTime,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error) {
	const q = `select ` + sessionColumns + ` from scheduled_sessions where id = $1`
	out, err := scanSession(s.db.QueryRow(ctx, q, sessionID))
	if err != nil {
		if noRows(err) {
			return nil, fault.NotFoundf("session %s", sessionID)
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID string) ([]model.ScheduledSession, error) {
	const q = `select ` + sessionColumns + ` from scheduled_sessions where user_id = $1 order by start_time asc`
	return s.querySessions(ctx, q, userID)
}

func (s *Store) ListNonTerminalSessionsByUser(ctx context.Context, userID string) ([]model.ScheduledSession, error) {
	const q = `
select ` + sessionColumns + `
from scheduled_sessions
where user_id = $1 and status in ('scheduled', 'retry', 'active')
order by start_time asc`
	return s.querySessions(ctx, q, userID)
}

func (s *Store) ListNonTerminalSessions(ctx context.Context) ([]model.ScheduledSession, error) {
	const q = `
select ` + sessionColumns + `
from scheduled_sessions
where status in ('scheduled', 'retry', 'active')
order by start_time asc`
	return s.querySessions(ctx, q)
}

// ListDueSessions returns sessions that should be prepared: still
// scheduled (or parked for retry) with a start time inside the
// look-ahead window and an end time still in the future.
func (s *Store) ListDueSessions(ctx context.Context, now time.Time, lookahead time.Duration) ([]model.ScheduledSession, error) {
	const q = `
select ` + sessionColumns + `
from scheduled_sessions
where status in ('scheduled', 'retry')
  and start_time <= $1
  and end_time > $2
order by start_time asc`
	return s.querySessions(ctx, q, now.Add(lookahead), now)
}

func (s *Store) querySessions(ctx context.Context, q string, args ...any) ([]model.ScheduledSession, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ScheduledSession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// MarkSessionActive promotes a due session. The status guard makes the
// prep sweep idempotent: a session already promoted by a concurrent
// run reports false and is skipped, not double-started.
func (s *Store) MarkSessionActive(ctx context.Context, sessionID, licenseID, instanceID string) (bool, error) {
	const q = `
update scheduled_sessions
set status = 'active', license_id = $2, instance_id = $3, updated_at = now()
where id = $1 and status in ('scheduled', 'retry')`
	tag, err := s.db.Exec(ctx, q, sessionID, licenseID, instanceID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSessionRetry parks a due session that could not be prepared so
// the next sweep picks it up again and operators can alert on it. The
// active case covers a session claimed by the sweep whose instance
// start then failed.
func (s *Store) MarkSessionRetry(ctx context.Context, sessionID string) error {
	const q = `
update scheduled_sessions
set status = 'retry', instance_id = null, updated_at = now()
where id = $1 and status in ('scheduled', 'active')`
	_, err := s.db.Exec(ctx, q, sessionID)
	return err
}

// CompleteSession closes an active session and its reservations at the
// end of its window.
func (s *Store) CompleteSession(ctx context.Context, sessionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
update scheduled_sessions
set status = 'completed', updated_at = now()
where id = $1 and status = 'active'`, sessionID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `
update license_reservations
set status = 'completed'
where session_id = $1 and status = 'active'`, sessionID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// CancelSession cancels a future or active session together with every
// reservation backing it, returning the session as it was before the
// cancel so callers can stop a linked instance.
func (s *Store) CancelSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const q = `select ` + sessionColumns + ` from scheduled_sessions where id = $1`
	prev, err := scanSession(tx.QueryRow(ctx, q, sessionID))
	if err != nil {
		if noRows(err) {
			return nil, fault.NotFoundf("session %s", sessionID)
		}
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
update scheduled_sessions
set status = 'cancelled', updated_at = now()
where id = $1 and status in ('scheduled', 'retry', 'active')`, sessionID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fault.Conflictf("session %s is already %s", sessionID, prev.Status)
	}
	if _, err := tx.Exec(ctx, `
update license_reservations
set status = 'cancelled'
where session_id = $1 and status = 'active'`, sessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return prev, nil
}

// CancelSessionsPastWindow cancels retry-parked or never-prepared
// sessions whose entire window has elapsed, with their reservations.
func (s *Store) CancelSessionsPastWindow(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
update scheduled_sessions
set status = 'cancelled', updated_at = now()
where status in ('scheduled', 'retry') and end_time <= $1`, now)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
update license_reservations r
set status = 'cancelled'
from scheduled_sessions s
where r.session_id = s.id and s.status = 'cancelled' and r.status = 'active'`); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), tx.Commit(ctx)
}

// CompleteSessionsPastEnd closes active sessions whose window has
// elapsed and whose instance is no longer live, with their
// reservations. A stop outside the sweep clears the instance's session
// link, so nothing else ever folds these sessions to completed.
// Sessions whose instance is still running are left to the
// auto-shutdown stop path, which completes them at end plus grace.
func (s *Store) CompleteSessionsPastEnd(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
update scheduled_sessions s
set status = 'completed', updated_at = now()
where s.status = 'active' and s.end_time <= $1
  and not exists (
    select 1 from instances i
    where i.user_id = s.instance_id and i.status in ('starting', 'running')
  )`, now)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
update license_reservations r
set status = 'completed'
from scheduled_sessions s
where r.session_id = s.id and s.status = 'completed' and r.status = 'active'`); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), tx.Commit(ctx)
}

// CountOverlappingReservations returns how many active reservations on
// a license overlap [start, end). Intervals are half-open, so
// back-to-back bookings do not collide.
func (s *Store) CountOverlappingReservations(ctx context.Context, licenseID string, start, end time.Time) (int, error) {
	const q = `
select count(*)
from license_reservations
where license_id = $1 and status = 'active' and start_time < $3 and end_time > $2`
	var n int
	if err := s.db.QueryRow(ctx, q, licenseID, start, end).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListOverlappingReservations(ctx context.Context, licenseID string, start, end time.Time) ([]model.LicenseReservation, error) {
	const q = `
select ` + reservationColumns + `
from license_reservations
where license_id = $1 and status = 'active' and start_time < $3 and end_time > $2
order by start_time asc`
	rows, err := s.db.Query(ctx, q, licenseID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.LicenseReservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListReservationsBySession(ctx context.Context, sessionID string) ([]model.LicenseReservation, error) {
	const q = `select ` + reservationColumns + ` from license_reservations where session_id = $1 order by created_at asc`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.LicenseReservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
