// Package jobs drives the periodic sweeps on fixed intervals. These
// timers are the only non-user-initiated entry points into the core.
package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/metrics"
	"github.com/atelierhq/atelier-control-plane/internal/sweep"
)

type Sweeps interface {
	PrepareSessions(ctx context.Context) (*sweep.PrepareReport, error)
	AutoShutdownCheck(ctx context.Context) (*sweep.ShutdownReport, error)
}

type Runner struct {
	sweeps           Sweeps
	prepInterval     time.Duration
	shutdownInterval time.Duration
}

func NewRunner(sweeps Sweeps, prepInterval, shutdownInterval time.Duration) *Runner {
	return &Runner{sweeps: sweeps, prepInterval: prepInterval, shutdownInterval: shutdownInterval}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "prepare_sessions", r.prepInterval, func(c context.Context) error {
		report, err := r.sweeps.PrepareSessions(c)
		if err != nil {
			return err
		}
		if report.Prepared > 0 || report.Retried > 0 || report.Cancelled > 0 {
			log.WithFields(log.Fields{
				"prepared":  report.Prepared,
				"skipped":   report.Skipped,
				"retried":   report.Retried,
				"cancelled": report.Cancelled,
			}).Info("session preparation sweep")
		}
		return nil
	})
	go r.runEvery(ctx, "auto_shutdown_check", r.shutdownInterval, func(c context.Context) error {
		report, err := r.sweeps.AutoShutdownCheck(c)
		if err != nil {
			return err
		}
		if report.Stopped > 0 || len(report.Errors) > 0 {
			log.WithFields(log.Fields{
				"checked":   report.Checked,
				"stopped":   report.Stopped,
				"completed": report.Completed,
				"errors":    len(report.Errors),
			}).Info("auto-shutdown sweep")
		}
		return nil
	})
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
		log.WithError(err).WithField("job", name).Error("sweep run failed")
	}
	metrics.SweepRuns.WithLabelValues(name, status).Inc()
	metrics.SweepDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
