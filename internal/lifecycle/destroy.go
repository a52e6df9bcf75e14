package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/metrics"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

// DestroyReport summarizes a best-effort teardown. Every step is
// attempted regardless of earlier failures and each failure is
// collected rather than aborting the cascade.
type DestroyReport struct {
	InstanceFound          bool     `json:"instanceFound"`
	LicensePoolDeactivated bool     `json:"licensePoolDeactivated"`
	Succeeded              int      `json:"succeeded"`
	Total                  int      `json:"total"`
	Errors                 []string `json:"errors,omitempty"`
}

type destroyRun struct {
	report DestroyReport
}

func (d *destroyRun) step(name string, fn func() error) {
	d.report.Total++
	if err := fn(); err != nil {
		d.report.Errors = append(d.report.Errors, fmt.Sprintf("%s: %v", name, err))
		return
	}
	d.report.Succeeded++
}

// Destroy tears down everything Create and Start put in place. When
// keepLicense is set the credential secret and the user's license pool
// survive so the license can keep serving pool members after the owner
// leaves. With no instance row at all, a surviving pool is still
// deactivated so a fully departed owner stops backing sessions.
func (m *Manager) Destroy(ctx context.Context, userID string, keepLicense bool) (*DestroyReport, error) {
	run := &destroyRun{}
	inst, err := m.store.GetInstance(ctx, userID)
	if errors.Is(err, fault.ErrNotFound) {
		if !keepLicense {
			run.step("deactivate license pool", func() error {
				deactivated, derr := m.store.DeactivateLicensePool(ctx, model.LicenseIDFor(userID))
				run.report.LicensePoolDeactivated = deactivated
				return derr
			})
		}
		return &run.report, nil
	}
	if err != nil {
		return nil, err
	}
	run.report.InstanceFound = true

	run.step("cancel sessions", func() error {
		sessions, lerr := m.store.ListNonTerminalSessionsByUser(ctx, userID)
		if lerr != nil {
			return lerr
		}
		var failed []string
		for _, s := range sessions {
			if _, cerr := m.store.CancelSession(ctx, s.ID); cerr != nil && !errors.Is(cerr, fault.ErrConflict) {
				failed = append(failed, fmt.Sprintf("%s: %v", s.ID, cerr))
			}
		}
		if len(failed) > 0 {
			return errors.New(strings.Join(failed, "; "))
		}
		return nil
	})
	if inst.TaskArn != nil {
		taskArn := *inst.TaskArn
		run.step("unbind routing", func() error { return m.unbindRouting(ctx, inst) })
		run.step("stop task", func() error { return m.clouds.Compute.Stop(ctx, taskArn) })
	}
	run.step("delete routing target", func() error {
		return m.clouds.Routing.DeleteTarget(ctx, inst.TargetGroupArn)
	})
	run.step("delete dns record", func() error {
		return m.clouds.DNS.Delete(ctx, inst.Hostname)
	})
	run.step("delete access point", func() error {
		return m.clouds.Storage.PurgeAndDelete(ctx, inst.AccessPointID, userID)
	})
	run.step("delete bucket", func() error {
		return m.clouds.Buckets.DeleteBucket(ctx, inst.BucketName)
	})
	if !keepLicense {
		run.step("delete scoped credential", func() error {
			return m.clouds.Identity.DeleteScopedCredential(ctx, userID)
		})
		run.step("delete credential secret", func() error {
			return m.clouds.Secrets.Delete(ctx, inst.SecretRef)
		})
		run.step("deactivate license pool", func() error {
			deactivated, derr := m.store.DeactivateLicensePool(ctx, model.LicenseIDFor(userID))
			run.report.LicensePoolDeactivated = deactivated
			return derr
		})
	}
	run.step("delete instance row", func() error {
		changed, serr := m.store.MarkInstanceStopped(ctx, userID)
		if serr != nil {
			return serr
		}
		if changed {
			if lerr := m.ledger.RecordStop(ctx, userID, m.now().UTC()); lerr != nil {
				log.WithError(lerr).WithField("user_id", userID).Error("usage stop event failed")
			}
		}
		return m.store.DeleteInstance(ctx, userID)
	})

	outcome := "ok"
	if len(run.report.Errors) > 0 {
		outcome = "partial"
	}
	metrics.LifecycleOps.WithLabelValues("destroy", outcome).Inc()
	log.WithFields(log.Fields{
		"user_id":   userID,
		"succeeded": run.report.Succeeded,
		"total":     run.report.Total,
		"errors":    len(run.report.Errors),
	}).Info("instance destroyed")
	return &run.report, nil
}
