package sweep

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/metrics"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

type ShutdownReport struct {
	Checked   int      `json:"checked"`
	Stopped   int      `json:"stopped"`
	Completed int      `json:"completed"`
	Errors    []string `json:"errors,omitempty"`
}

// AutoShutdownCheck stops every running instance past its expiry. This
// is the safety net that closes usage intervals even when nobody ever
// calls stop, so it keeps going past individual failures.
func (s *Sweeper) AutoShutdownCheck(ctx context.Context) (*ShutdownReport, error) {
	now := s.now().UTC()
	report := &ShutdownReport{}

	running, err := s.store.ListRunningInstances(ctx)
	if err != nil {
		return nil, err
	}
	report.Checked = len(running)

	for _, inst := range running {
		expiry, reason := s.expiryOf(ctx, &inst)
		if now.Before(expiry) {
			continue
		}
		log.WithFields(log.Fields{
			"user_id": inst.UserID,
			"reason":  reason,
			"expiry":  expiry,
		}).Info("auto-shutdown")
		if err := s.lifecycle.Stop(ctx, inst.UserID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("stop %s: %v", inst.UserID, err))
			continue
		}
		report.Stopped++
		metrics.AutoShutdowns.WithLabelValues(reason).Inc()
		if inst.LinkedSessionID != nil {
			done, err := s.store.CompleteSession(ctx, *inst.LinkedSessionID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("complete session %s: %v", *inst.LinkedSessionID, err))
				continue
			}
			if done {
				report.Completed++
			}
		}
	}

	// Active sessions can outlive their instance: a manual stop, an
	// admin force-shutdown or a dead-task reconcile clears the
	// session link, leaving no running instance to walk. Close those
	// out once their window has elapsed.
	orphaned, err := s.store.CompleteSessionsPastEnd(ctx, now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("complete expired sessions: %v", err))
	}
	report.Completed += orphaned
	return report, nil
}

// expiryOf computes when a running instance must go away. The session
// deadline wins when one is linked; on-demand instances run on an idle
// timeout from their start.
func (s *Sweeper) expiryOf(ctx context.Context, inst *model.Instance) (time.Time, string) {
	if inst.AutoShutdownAt != nil {
		reason := "idle"
		if inst.LinkedSessionID != nil {
			reason = "session_end"
		}
		return *inst.AutoShutdownAt, reason
	}
	if inst.LinkedSessionID != nil {
		if sess, err := s.store.GetSession(ctx, *inst.LinkedSessionID); err == nil {
			return sess.EndTime.Add(s.opts.SessionGrace), "session_end"
		}
	}
	startedAt := s.now().UTC()
	if inst.StartedAt != nil {
		startedAt = *inst.StartedAt
	}
	return startedAt.Add(s.opts.IdleShutdown), "idle"
}
