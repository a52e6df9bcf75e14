package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/atelierhq/atelier-control-plane/internal/auth"
	"github.com/atelierhq/atelier-control-plane/internal/dispatch"
	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/model"
	"github.com/atelierhq/atelier-control-plane/internal/usage"
)

type Dispatcher interface {
	Do(ctx context.Context, caller dispatch.Caller, req dispatch.Request) dispatch.Result
}

type Donations interface {
	RecordDonation(ctx context.Context, ev usage.DonationEvent) (*model.Donation, error)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Action == "" {
		writeAPIError(w, http.StatusBadRequest, "action is required")
		return
	}

	caller := dispatch.Caller{UserID: userID, Admin: auth.IsAdmin(r.Context())}
	res := s.dispatcher.Do(r.Context(), caller, req)
	writeJSON(w, res.StatusCode, res.Body)
}

type donationWebhookRequest struct {
	Amount    float64 `json:"amount"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
}

// handleDonation ingests a payment-provider webhook. The donor is
// identified by a [uid:...] tag embedded in the free-text message.
func (s *Server) handleDonation(w http.ResponseWriter, r *http.Request) {
	var req donationWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Amount <= 0 {
		writeAPIError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	receivedAt := time.Now().UTC()
	if req.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			receivedAt = ts.UTC()
		}
	}

	donation, err := s.donations.RecordDonation(r.Context(), usage.DonationEvent{
		Amount:     req.Amount,
		Message:    req.Message,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		// An untagged donation is the provider's data problem.
		if errors.Is(err, fault.ErrValidation) {
			writeAPIError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, donation)
}
