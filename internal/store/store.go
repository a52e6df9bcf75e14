// Package store is the pgx-backed state layer. All invariants that
// must survive concurrent invocations (one instance per user, no
// double-booked reservation, a session promoted at most once) are
// enforced here with guarded writes: an UPDATE carries its
// precondition in the WHERE clause and callers inspect RowsAffected.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const maintenanceFlag = "maintenance_mode"

// MaintenanceMode reports whether the system-wide maintenance flag is
// set. Missing flag rows read as false.
func (s *Store) MaintenanceMode(ctx context.Context) (bool, error) {
	const q = `select value from system_flags where name = $1`
	var value bool
	if err := s.db.QueryRow(ctx, q, maintenanceFlag).Scan(&value); err != nil {
		if noRows(err) {
			return false, nil
		}
		return false, err
	}
	return value, nil
}

func (s *Store) SetMaintenanceMode(ctx context.Context, on bool) error {
	const q = `
insert into system_flags (name, value, updated_at)
values ($1, $2, now())
on conflict (name)
do update set value = excluded.value, updated_at = now()`
	_, err := s.db.Exec(ctx, q, maintenanceFlag, on)
	return err
}
