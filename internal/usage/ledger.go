// Package usage is the ledger of instance run intervals and
// donations. Usage is recorded for any period the backing compute
// actually ran, independent of session cancellation semantics.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/model"
)

type Store interface {
	OpenUsageInterval(ctx context.Context, id, userID string, startedAt time.Time) error
	CloseUsageInterval(ctx context.Context, userID string, stoppedAt time.Time) (bool, error)
	InsertDonation(ctx context.Context, d *model.Donation) error
	MonthlyUsage(ctx context.Context, userID string, monthStart, monthEnd time.Time) (float64, int, error)
	MonthlyUsageAll(ctx context.Context, monthStart, monthEnd time.Time) ([]model.MonthlyCost, error)
	MonthlyDonations(ctx context.Context, userID string, monthStart, monthEnd time.Time) (float64, error)
}

type Ledger struct {
	store      Store
	hourlyRate float64
	now        func() time.Time
}

func NewLedger(store Store, hourlyRate float64) *Ledger {
	return &Ledger{store: store, hourlyRate: hourlyRate, now: time.Now}
}

func (l *Ledger) RecordStart(ctx context.Context, userID string, ts time.Time) error {
	return l.store.OpenUsageInterval(ctx, "use_"+uuid.NewString(), userID, ts.UTC())
}

// RecordStop closes the open interval for the user. A stop without a
// matching open interval is logged and ignored; the ledger must never
// block a shutdown.
func (l *Ledger) RecordStop(ctx context.Context, userID string, ts time.Time) error {
	closed, err := l.store.CloseUsageInterval(ctx, userID, ts.UTC())
	if err != nil {
		return err
	}
	if !closed {
		log.WithField("user_id", userID).Debug("usage stop with no open interval")
	}
	return nil
}

// GetUserMonthlyCosts reports the current billing month for one user:
// hours, gross cost at the fixed rate, and the net after donations.
func (l *Ledger) GetUserMonthlyCosts(ctx context.Context, userID string) (model.MonthlyCost, error) {
	start, end := l.currentMonth()
	hours, intervals, err := l.store.MonthlyUsage(ctx, userID, start, end)
	if err != nil {
		return model.MonthlyCost{}, err
	}
	donated, err := l.store.MonthlyDonations(ctx, userID, start, end)
	if err != nil {
		return model.MonthlyCost{}, err
	}
	c := model.MonthlyCost{
		UserID:        userID,
		Hours:         hours,
		IntervalCount: intervals,
		Donations:     donated,
	}
	l.price(&c)
	return c, nil
}

func (l *Ledger) GetAllUsersCosts(ctx context.Context) ([]model.MonthlyCost, error) {
	start, end := l.currentMonth()
	costs, err := l.store.MonthlyUsageAll(ctx, start, end)
	if err != nil {
		return nil, err
	}
	for i := range costs {
		l.price(&costs[i])
	}
	return costs, nil
}

func (l *Ledger) price(c *model.MonthlyCost) {
	c.GrossCost = c.Hours * l.hourlyRate
	c.NetCost = c.GrossCost - c.Donations
	if c.NetCost < 0 {
		c.NetCost = 0
	}
}

func (l *Ledger) currentMonth() (time.Time, time.Time) {
	now := l.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
