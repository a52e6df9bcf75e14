// Package sweep holds the two periodic reconciliation passes: session
// preparation and auto-shutdown. Both are idempotent under overlapping
// runs; every claim they make goes through a guarded store write.
package sweep

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/lifecycle"
	"github.com/atelierhq/atelier-control-plane/internal/metrics"
	"github.com/atelierhq/atelier-control-plane/internal/model"
	"github.com/atelierhq/atelier-control-plane/internal/scheduler"
)

type Store interface {
	ListDueSessions(ctx context.Context, now time.Time, lookahead time.Duration) ([]model.ScheduledSession, error)
	MarkSessionActive(ctx context.Context, sessionID, licenseID, instanceID string) (bool, error)
	MarkSessionRetry(ctx context.Context, sessionID string) error
	CancelSessionsPastWindow(ctx context.Context, now time.Time) (int, error)
	CompleteSession(ctx context.Context, sessionID string) (bool, error)
	CompleteSessionsPastEnd(ctx context.Context, now time.Time) (int, error)
	GetSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
	ListRunningInstances(ctx context.Context) ([]model.Instance, error)
	DeactivateLicensePool(ctx context.Context, licenseID string) (bool, error)
}

type Lifecycle interface {
	Start(ctx context.Context, userID string, opts lifecycle.StartOptions) (*model.Instance, error)
	Stop(ctx context.Context, userID string) error
	Adopt(ctx context.Context, userID, sessionID string, shutdownAt time.Time) error
}

type Resolver interface {
	CheckAvailability(ctx context.Context, req scheduler.AvailabilityRequest) (*scheduler.Availability, error)
}

type Secrets interface {
	Get(ctx context.Context, userID string) ([]byte, error)
}

type Options struct {
	PrepLookahead time.Duration
	SessionGrace  time.Duration
	IdleShutdown  time.Duration
}

type Sweeper struct {
	store     Store
	lifecycle Lifecycle
	resolver  Resolver
	secrets   Secrets
	opts      Options
	now       func() time.Time
}

func New(st Store, lc Lifecycle, resolver Resolver, secrets Secrets, opts Options) *Sweeper {
	return &Sweeper{store: st, lifecycle: lc, resolver: resolver, secrets: secrets, opts: opts, now: time.Now}
}

type PrepareReport struct {
	Prepared  int      `json:"prepared"`
	Skipped   int      `json:"skipped"`
	Retried   int      `json:"retried"`
	Cancelled int      `json:"cancelled"`
	Errors    []string `json:"errors,omitempty"`
}

// PrepareSessions promotes due sessions to active and starts their
// backing instances. A session is claimed with a guarded write before
// its instance is touched so overlapping sweep runs never double-start.
func (s *Sweeper) PrepareSessions(ctx context.Context) (*PrepareReport, error) {
	now := s.now().UTC()
	report := &PrepareReport{}

	due, err := s.store.ListDueSessions(ctx, now, s.opts.PrepLookahead)
	if err != nil {
		return nil, err
	}
	for _, sess := range due {
		switch err := s.prepareOne(ctx, &sess); {
		case err == nil:
			report.Prepared++
			metrics.SessionsPrepared.Inc()
		case errors.Is(err, errAlreadyClaimed):
			report.Skipped++
		default:
			report.Retried++
			report.Errors = append(report.Errors, sess.ID+": "+err.Error())
			metrics.SessionPrepRetries.Inc()
			log.WithError(err).WithFields(log.Fields{
				"session_id": sess.ID,
				"user_id":    sess.UserID,
			}).Error("session preparation failed, parked for retry")
			if retryErr := s.store.MarkSessionRetry(ctx, sess.ID); retryErr != nil {
				log.WithError(retryErr).WithField("session_id", sess.ID).Error("parking session failed")
			}
		}
	}

	cancelled, err := s.store.CancelSessionsPastWindow(ctx, now)
	if err != nil {
		log.WithError(err).Error("cancelling expired unprepared sessions failed")
	}
	report.Cancelled = cancelled
	return report, nil
}

var errAlreadyClaimed = errors.New("session already claimed")

func (s *Sweeper) prepareOne(ctx context.Context, sess *model.ScheduledSession) error {
	licenseID, err := s.resolveLicense(ctx, sess)
	if err != nil {
		return err
	}
	ownerID := model.LicenseOwner(licenseID)

	// Credentials of the license owner ride along when the license is
	// not the session user's own.
	var cred []byte
	var licenseOwner *string
	if ownerID != sess.UserID {
		cred, err = s.secrets.Get(ctx, ownerID)
		if errors.Is(err, fault.ErrNotFound) {
			// The owner's credentials vanished; the pool is permanently
			// unusable, take it out of rotation.
			if _, derr := s.store.DeactivateLicensePool(ctx, licenseID); derr != nil {
				log.WithError(derr).WithField("license_id", licenseID).Error("deactivating credential-less pool failed")
			} else {
				log.WithField("license_id", licenseID).Warn("license pool deactivated: owner credentials missing")
			}
			return fault.Unavailablef("license %s has no owner credentials", licenseID)
		}
		if err != nil {
			return fault.Upstream("read license owner credentials", err)
		}
		licenseOwner = &ownerID
	}

	promoted, err := s.store.MarkSessionActive(ctx, sess.ID, licenseID, sess.UserID)
	if err != nil {
		return err
	}
	if !promoted {
		return errAlreadyClaimed
	}

	end := sess.EndTime
	_, err = s.lifecycle.Start(ctx, sess.UserID, lifecycle.StartOptions{
		LicenseOwnerID: licenseOwner,
		Credential:     cred,
		SessionID:      &sess.ID,
		SessionEnd:     &end,
	})
	if errors.Is(err, fault.ErrConflict) {
		// The user's instance is already up; the session adopts it.
		return s.lifecycle.Adopt(ctx, sess.UserID, sess.ID, end.Add(s.opts.SessionGrace))
	}
	return err
}

// PrepareSessionByID starts a single session's instance immediately,
// outside the periodic sweep, for a user who does not want to wait for
// the next tick. The same claim guard applies.
func (s *Sweeper) PrepareSessionByID(ctx context.Context, sessionID string) (*model.ScheduledSession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionScheduled && sess.Status != model.SessionRetry {
		return nil, fault.Conflictf("session %s is %s, not startable", sessionID, sess.Status)
	}
	if s.now().UTC().After(sess.EndTime) {
		return nil, fault.Validationf("session %s window has already passed", sessionID)
	}
	if err := s.prepareOne(ctx, sess); err != nil && !errors.Is(err, errAlreadyClaimed) {
		if retryErr := s.store.MarkSessionRetry(ctx, sessionID); retryErr != nil {
			log.WithError(retryErr).WithField("session_id", sessionID).Error("parking session failed")
		}
		return nil, err
	}
	return s.store.GetSession(ctx, sessionID)
}

// EndSession completes an active session before its scheduled end,
// freeing the license and stopping the backing instance. Terminal
// sessions keep their instance_id for history, so the status check
// must come before any stop: the same user may have a fresh on-demand
// instance up that an old session must not take down.
func (s *Sweeper) EndSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionActive {
		return nil, fault.Conflictf("session %s is %s, not active", sessionID, sess.Status)
	}
	if sess.InstanceID != nil {
		if err := s.lifecycle.Stop(ctx, *sess.InstanceID); err != nil {
			return nil, err
		}
	}
	done, err := s.store.CompleteSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, fault.Conflictf("session %s is not active", sessionID)
	}
	return s.store.GetSession(ctx, sessionID)
}

// resolveLicense returns the session's bound license, re-running the
// availability check at trigger time for pooled sessions whose
// assignment was deferred or whose pool has since gone away.
func (s *Sweeper) resolveLicense(ctx context.Context, sess *model.ScheduledSession) (string, error) {
	if sess.LicenseID != nil && *sess.LicenseID != "" {
		return *sess.LicenseID, nil
	}
	avail, err := s.resolver.CheckAvailability(ctx, scheduler.AvailabilityRequest{
		LicenseType:      sess.LicenseType,
		StartTime:        sess.StartTime,
		EndTime:          sess.EndTime,
		RequestingUserID: sess.UserID,
	})
	if err != nil {
		return "", err
	}
	if !avail.Available {
		return "", fault.Unavailablef("no license free at trigger time for session %s", sess.ID)
	}
	return avail.CandidateLicenses[0], nil
}
