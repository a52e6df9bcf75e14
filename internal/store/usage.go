package store

import (
	"context"
	"time"

	"github.com/atelierhq/atelier-control-plane/internal/model"
)

// OpenUsageInterval appends a start event. At most one interval per
// user may be open; a second open is absorbed by the partial unique
// index so a retried start never double-charges.
func (s *Store) OpenUsageInterval(ctx context.Context, id, userID string, startedAt time.Time) error {
	const q = `
insert into usage_intervals (id, user_id, started_at)
values ($1, $2, $3)
on conflict (user_id) where stopped_at is null
do nothing`
	_, err := s.db.Exec(ctx, q, id, userID, startedAt)
	return err
}

// CloseUsageInterval closes the user's open interval if there is one.
// Closing when nothing is open is a benign no-op, so a double stop
// leaves the ledger untouched.
func (s *Store) CloseUsageInterval(ctx context.Context, userID string, stoppedAt time.Time) (bool, error) {
	const q = `
update usage_intervals
set stopped_at = $2,
    hours = extract(epoch from ($2 - started_at)) / 3600.0
where user_id = $1 and stopped_at is null`
	tag, err := s.db.Exec(ctx, q, userID, stoppedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) InsertDonation(ctx context.Context, d *model.Donation) error {
	const q = `
insert into donations (id, user_id, amount, message, received_at)
values ($1, $2, $3, $4, $5)`
	_, err := s.db.Exec(ctx, q, d.ID, d.UserID, d.Amount, d.Message, d.ReceivedAt)
	return err
}

// MonthlyUsage aggregates a user's closed-interval hours plus the live
// portion of any open interval inside the given billing month.
func (s *Store) MonthlyUsage(ctx context.Context, userID string, monthStart, monthEnd time.Time) (float64, int, error) {
	const q = `
select
  coalesce(sum(extract(epoch from (least(coalesce(stopped_at, now()), $3) - greatest(started_at, $2))) / 3600.0), 0),
  count(*)
from usage_intervals
where user_id = $1 and started_at < $3 and coalesce(stopped_at, now()) > $2`
	var hours float64
	var n int
	if err := s.db.QueryRow(ctx, q, userID, monthStart, monthEnd).Scan(&hours, &n); err != nil {
		return 0, 0, err
	}
	return hours, n, nil
}

// MonthlyUsageAll returns per-user hours and donation totals for a
// billing month across every user that ran compute or donated.
func (s *Store) MonthlyUsageAll(ctx context.Context, monthStart, monthEnd time.Time) ([]model.MonthlyCost, error) {
	const q = `
with hours as (
  select
    ui.user_id,
    sum(extract(epoch from (least(coalesce(ui.stopped_at, now()), $2) - greatest(ui.started_at, $1))) / 3600.0) as hours,
    count(*) as intervals
  from usage_intervals ui
  where ui.started_at < $2 and coalesce(ui.stopped_at, now()) > $1
  group by ui.user_id
),
gifts as (
  select user_id, sum(amount) as donated
  from donations
  where received_at >= $1 and received_at < $2
  group by user_id
)
select
  coalesce(h.user_id, g.user_id),
  coalesce(i.username, ''),
  coalesce(h.hours, 0),
  coalesce(h.intervals, 0),
  coalesce(g.donated, 0)
from hours h
full outer join gifts g on g.user_id = h.user_id
left join instances i on i.user_id = coalesce(h.user_id, g.user_id)
order by 1`
	rows, err := s.db.Query(ctx, q, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.MonthlyCost, 0)
	for rows.Next() {
		var c model.MonthlyCost
		if err := rows.Scan(&c.UserID, &c.Username, &c.Hours, &c.IntervalCount, &c.Donations); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MonthlyDonations sums a single user's donations for a billing month.
func (s *Store) MonthlyDonations(ctx context.Context, userID string, monthStart, monthEnd time.Time) (float64, error) {
	const q = `
select coalesce(sum(amount), 0)
from donations
where user_id = $1 and received_at >= $2 and received_at < $3`
	var total float64
	if err := s.db.QueryRow(ctx, q, userID, monthStart, monthEnd).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
