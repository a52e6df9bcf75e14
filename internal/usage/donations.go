package usage

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

// Donors embed their user id in the free-text message, e.g.
// "thanks! [uid:usr_1a2b3c]".
var donorTagPattern = regexp.MustCompile(`\[uid:([A-Za-z0-9_-]+)\]`)

// DonationEvent is the payload delivered by the donation platform's
// webhook.
type DonationEvent struct {
	Amount     float64
	Message    string
	ReceivedAt time.Time
}

// RecordDonation matches a webhook event to a user by the embedded
// identifier and credits it against their running total. Events with
// no recognizable tag are rejected so the platform retries them after
// the donor is contacted.
func (l *Ledger) RecordDonation(ctx context.Context, ev DonationEvent) (*model.Donation, error) {
	userID := extractDonorTag(ev.Message)
	if userID == "" {
		return nil, fault.Validationf("donation message carries no user tag")
	}
	d := &model.Donation{
		ID:         "don_" + uuid.NewString(),
		UserID:     userID,
		Amount:     ev.Amount,
		Message:    strings.TrimSpace(ev.Message),
		ReceivedAt: ev.ReceivedAt.UTC(),
	}
	if err := l.store.InsertDonation(ctx, d); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"user_id": userID, "amount": ev.Amount}).Info("donation credited")
	return d, nil
}

func extractDonorTag(message string) string {
	m := donorTagPattern.FindStringSubmatch(message)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}
