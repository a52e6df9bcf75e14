// Package dispatch is the single action entry point: a request names
// an action plus action-specific fields and gets back a status code
// and a JSON-serializable body. The HTTP layer stays a thin shell
// around it.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/lifecycle"
	"github.com/atelierhq/atelier-control-plane/internal/model"
	"github.com/atelierhq/atelier-control-plane/internal/scheduler"
	"github.com/atelierhq/atelier-control-plane/internal/sweep"
)

type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (string, error)
	Start(ctx context.Context, userID string, opts lifecycle.StartOptions) (*model.Instance, error)
	Stop(ctx context.Context, userID string) error
	Destroy(ctx context.Context, userID string, keepLicense bool) (*lifecycle.DestroyReport, error)
	Get(ctx context.Context, userID string) (*model.Instance, error)
	ListAll(ctx context.Context) ([]model.Instance, error)
	UpdateVersion(ctx context.Context, userID, imageTag string) error
}

type Scheduler interface {
	CheckAvailability(ctx context.Context, req scheduler.AvailabilityRequest) (*scheduler.Availability, error)
	ScheduleSession(ctx context.Context, req scheduler.ScheduleRequest) (*scheduler.ScheduleResult, error)
	CancelSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
	ListSessions(ctx context.Context, userID string) ([]model.ScheduledSession, error)
	SetLicenseSharing(ctx context.Context, userID string, allow bool, maxConcurrent int) (*model.Instance, error)
	OnDemandLicense(ctx context.Context, userID string) (*string, []byte, error)
}

type Sweeps interface {
	PrepareSessions(ctx context.Context) (*sweep.PrepareReport, error)
	AutoShutdownCheck(ctx context.Context) (*sweep.ShutdownReport, error)
	PrepareSessionByID(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
	EndSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
}

type Ledger interface {
	GetUserMonthlyCosts(ctx context.Context, userID string) (model.MonthlyCost, error)
	GetAllUsersCosts(ctx context.Context) ([]model.MonthlyCost, error)
}

type Store interface {
	MaintenanceMode(ctx context.Context) (bool, error)
	SetMaintenanceMode(ctx context.Context, on bool) error
	GetSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
	ListRunningInstances(ctx context.Context) ([]model.Instance, error)
	ListNonTerminalSessions(ctx context.Context) ([]model.ScheduledSession, error)
	ListActivePools(ctx context.Context) ([]model.LicensePool, error)
}

type Dispatcher struct {
	lifecycle Lifecycle
	scheduler Scheduler
	sweeps    Sweeps
	ledger    Ledger
	store     Store
}

func New(lc Lifecycle, sch Scheduler, sw Sweeps, ledger Ledger, st Store) *Dispatcher {
	return &Dispatcher{lifecycle: lc, scheduler: sch, sweeps: sw, ledger: ledger, store: st}
}

// Request is the flat action envelope. Times are unix seconds.
type Request struct {
	Action string `json:"action"`
	UserID string `json:"userId"`

	Username            string `json:"username,omitempty"`
	LicenseType         string `json:"licenseType,omitempty"`
	AllowLicenseSharing bool   `json:"allowLicenseSharing,omitempty"`
	MaxConcurrentUsers  int    `json:"maxConcurrentUsers,omitempty"`
	ImageTag            string `json:"imageTag,omitempty"`
	KeepLicenseSharing  bool   `json:"keepLicenseSharing,omitempty"`

	SessionID          string `json:"sessionId,omitempty"`
	StartTime          int64  `json:"startTime,omitempty"`
	EndTime            int64  `json:"endTime,omitempty"`
	Title              string `json:"title,omitempty"`
	Description        string `json:"description,omitempty"`
	PreferredLicenseID string `json:"preferredLicenseId,omitempty"`
}

type Result struct {
	StatusCode int
	Body       any
}

// Caller is the authenticated identity performing the action.
type Caller struct {
	UserID string
	Admin  bool
}

func ok(body any) Result { return Result{StatusCode: http.StatusOK, Body: body} }
func fail(status int, msg string) Result {
	return Result{StatusCode: status, Body: map[string]string{"error": msg}}
}

func statusOf(err error) int {
	switch fault.Kind(err) {
	case fault.ErrNotFound:
		return http.StatusNotFound
	case fault.ErrConflict:
		return http.StatusConflict
	case fault.ErrUnavailable:
		return http.StatusServiceUnavailable
	case fault.ErrPolicyViolation:
		return http.StatusForbidden
	case fault.ErrValidation:
		return http.StatusBadRequest
	case fault.ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errResult(err error) Result {
	return fail(statusOf(err), err.Error())
}

var mutatingActions = map[string]bool{
	"create": true, "start": true, "destroy": true, "update-version": true,
	"schedule-session": true, "set-license-sharing": true,
	"start-scheduled-session": true,
}

var adminActions = map[string]bool{
	"list-all": true, "auto-shutdown-check": true, "prepare-sessions": true,
	"admin-overview": true, "admin-force-shutdown": true, "admin-cancel-session": true,
	"admin-cancel-all-sessions": true, "admin-system-maintenance": true,
	"admin-maintenance-reset": true, "get-all-costs": true,
}

// Do executes one action on behalf of the caller. Non-admin callers
// act only on their own resources; during maintenance mode their
// mutating actions are rejected.
func (d *Dispatcher) Do(ctx context.Context, caller Caller, req Request) Result {
	if adminActions[req.Action] && !caller.Admin {
		return fail(http.StatusForbidden, "admin privileges required")
	}
	targetUser := req.UserID
	if !caller.Admin {
		targetUser = caller.UserID
	}
	if targetUser == "" {
		targetUser = caller.UserID
	}

	if mutatingActions[req.Action] && !caller.Admin {
		maint, err := d.store.MaintenanceMode(ctx)
		if err != nil {
			return errResult(err)
		}
		if maint {
			return fail(http.StatusServiceUnavailable, "system is in maintenance mode")
		}
	}

	res := d.do(ctx, caller, targetUser, req)
	if res.StatusCode >= http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"action":  req.Action,
			"user_id": targetUser,
			"status":  res.StatusCode,
		}).Error("action failed")
	}
	return res
}

func (d *Dispatcher) do(ctx context.Context, caller Caller, targetUser string, req Request) Result {
	switch req.Action {
	case "create":
		return d.doCreate(ctx, targetUser, req)
	case "start":
		ownerID, cred, err := d.scheduler.OnDemandLicense(ctx, targetUser)
		if err != nil {
			return errResult(err)
		}
		inst, err := d.lifecycle.Start(ctx, targetUser, lifecycle.StartOptions{
			LicenseOwnerID: ownerID,
			Credential:     cred,
		})
		if err != nil {
			return errResult(err)
		}
		return ok(inst)
	case "stop":
		if err := d.lifecycle.Stop(ctx, targetUser); err != nil {
			return errResult(err)
		}
		return ok(map[string]string{"status": "stopped"})
	case "destroy":
		report, err := d.lifecycle.Destroy(ctx, targetUser, req.KeepLicenseSharing)
		if err != nil {
			return errResult(err)
		}
		return ok(report)
	case "status":
		inst, err := d.lifecycle.Get(ctx, targetUser)
		if err != nil {
			return errResult(err)
		}
		return ok(inst)
	case "list-all":
		instances, err := d.lifecycle.ListAll(ctx)
		if err != nil {
			return errResult(err)
		}
		return ok(map[string]any{"instances": instances})
	case "update-version":
		if err := d.lifecycle.UpdateVersion(ctx, targetUser, req.ImageTag); err != nil {
			return errResult(err)
		}
		return ok(map[string]string{"status": "updated", "imageTag": req.ImageTag})

	case "schedule-session":
		return d.doSchedule(ctx, targetUser, req)
	case "cancel-session":
		return d.doCancelOwn(ctx, caller, req.SessionID)
	case "list-sessions":
		sessions, err := d.scheduler.ListSessions(ctx, targetUser)
		if err != nil {
			return errResult(err)
		}
		return ok(map[string]any{"sessions": sessions})
	case "set-license-sharing":
		inst, err := d.scheduler.SetLicenseSharing(ctx, targetUser, req.AllowLicenseSharing, req.MaxConcurrentUsers)
		if err != nil {
			return errResult(err)
		}
		return ok(inst)
	case "check-availability":
		return d.doCheckAvailability(ctx, targetUser, req)
	case "start-scheduled-session":
		return d.doOwnSession(ctx, caller, req.SessionID, d.sweeps.PrepareSessionByID)
	case "end-scheduled-session":
		return d.doOwnSession(ctx, caller, req.SessionID, d.sweeps.EndSession)

	case "prepare-sessions":
		report, err := d.sweeps.PrepareSessions(ctx)
		if err != nil {
			return errResult(err)
		}
		return ok(report)
	case "auto-shutdown-check":
		report, err := d.sweeps.AutoShutdownCheck(ctx)
		if err != nil {
			return errResult(err)
		}
		return ok(report)

	case "admin-overview":
		return d.doOverview(ctx)
	case "admin-force-shutdown":
		if err := d.lifecycle.Stop(ctx, req.UserID); err != nil {
			return errResult(err)
		}
		return ok(map[string]string{"status": "stopped", "userId": req.UserID})
	case "admin-cancel-session":
		sess, err := d.scheduler.CancelSession(ctx, req.SessionID)
		if err != nil {
			return errResult(err)
		}
		return ok(sess)
	case "admin-cancel-all-sessions":
		return d.doCancelAll(ctx)
	case "admin-system-maintenance":
		return d.doMaintenance(ctx)
	case "admin-maintenance-reset":
		if err := d.store.SetMaintenanceMode(ctx, false); err != nil {
			return errResult(err)
		}
		return ok(map[string]string{"status": "maintenance cleared"})

	case "get-user-costs":
		costs, err := d.ledger.GetUserMonthlyCosts(ctx, targetUser)
		if err != nil {
			return errResult(err)
		}
		return ok(costs)
	case "get-all-costs":
		costs, err := d.ledger.GetAllUsersCosts(ctx)
		if err != nil {
			return errResult(err)
		}
		return ok(map[string]any{"costs": costs})

	default:
		return fail(http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (d *Dispatcher) doCreate(ctx context.Context, targetUser string, req Request) Result {
	url, err := d.lifecycle.Create(ctx, lifecycle.CreateRequest{
		UserID:              targetUser,
		Username:            req.Username,
		LicenseType:         model.LicenseType(req.LicenseType),
		AllowLicenseSharing: req.AllowLicenseSharing,
		MaxConcurrentUsers:  req.MaxConcurrentUsers,
		ImageTag:            req.ImageTag,
	})
	if err != nil {
		return errResult(err)
	}
	return ok(map[string]string{"url": url})
}

func (d *Dispatcher) doSchedule(ctx context.Context, targetUser string, req Request) Result {
	result, err := d.scheduler.ScheduleSession(ctx, scheduler.ScheduleRequest{
		UserID:      targetUser,
		Username:    req.Username,
		StartTime:   time.Unix(req.StartTime, 0).UTC(),
		EndTime:     time.Unix(req.EndTime, 0).UTC(),
		LicenseType: model.LicenseType(req.LicenseType),
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		return errResult(err)
	}
	return ok(result)
}

func (d *Dispatcher) doCheckAvailability(ctx context.Context, targetUser string, req Request) Result {
	var preferred *string
	if req.PreferredLicenseID != "" {
		preferred = &req.PreferredLicenseID
	}
	avail, err := d.scheduler.CheckAvailability(ctx, scheduler.AvailabilityRequest{
		LicenseType:        model.LicenseType(req.LicenseType),
		StartTime:          time.Unix(req.StartTime, 0).UTC(),
		EndTime:            time.Unix(req.EndTime, 0).UTC(),
		PreferredLicenseID: preferred,
		RequestingUserID:   targetUser,
	})
	if err != nil {
		return errResult(err)
	}
	return ok(avail)
}

func (d *Dispatcher) doCancelOwn(ctx context.Context, caller Caller, sessionID string) Result {
	if res, okRes := d.requireSessionOwner(ctx, caller, sessionID); !okRes {
		return res
	}
	sess, err := d.scheduler.CancelSession(ctx, sessionID)
	if err != nil {
		return errResult(err)
	}
	return ok(sess)
}

func (d *Dispatcher) doOwnSession(ctx context.Context, caller Caller, sessionID string,
	fn func(context.Context, string) (*model.ScheduledSession, error)) Result {
	if res, okRes := d.requireSessionOwner(ctx, caller, sessionID); !okRes {
		return res
	}
	sess, err := fn(ctx, sessionID)
	if err != nil {
		return errResult(err)
	}
	return ok(sess)
}

func (d *Dispatcher) requireSessionOwner(ctx context.Context, caller Caller, sessionID string) (Result, bool) {
	if sessionID == "" {
		return fail(http.StatusBadRequest, "sessionId is required"), false
	}
	if caller.Admin {
		return Result{}, true
	}
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return errResult(err), false
	}
	if sess.UserID != caller.UserID {
		return fail(http.StatusForbidden, "not your session"), false
	}
	return Result{}, true
}

func (d *Dispatcher) doOverview(ctx context.Context) Result {
	running, err := d.store.ListRunningInstances(ctx)
	if err != nil {
		return errResult(err)
	}
	sessions, err := d.store.ListNonTerminalSessions(ctx)
	if err != nil {
		return errResult(err)
	}
	pools, err := d.store.ListActivePools(ctx)
	if err != nil {
		return errResult(err)
	}
	maint, err := d.store.MaintenanceMode(ctx)
	if err != nil {
		return errResult(err)
	}
	return ok(map[string]any{
		"runningInstances": running,
		"sessions":         sessions,
		"activePools":      pools,
		"maintenanceMode":  maint,
	})
}

// doCancelAll cancels every non-terminal session independently; one
// failure never aborts the rest.
func (d *Dispatcher) doCancelAll(ctx context.Context) Result {
	sessions, err := d.store.ListNonTerminalSessions(ctx)
	if err != nil {
		return errResult(err)
	}
	report := bulkReport{Total: len(sessions)}
	for _, sess := range sessions {
		if _, err := d.scheduler.CancelSession(ctx, sess.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sess.ID, err))
			continue
		}
		report.Succeeded++
	}
	return ok(report)
}

// doMaintenance flips maintenance mode on, shuts every instance down
// and cancels every pending session, collecting failures per item.
func (d *Dispatcher) doMaintenance(ctx context.Context) Result {
	if err := d.store.SetMaintenanceMode(ctx, true); err != nil {
		return errResult(err)
	}
	running, err := d.store.ListRunningInstances(ctx)
	if err != nil {
		return errResult(err)
	}
	stopped := bulkReport{Total: len(running)}
	for _, inst := range running {
		if err := d.lifecycle.Stop(ctx, inst.UserID); err != nil {
			stopped.Errors = append(stopped.Errors, fmt.Sprintf("%s: %v", inst.UserID, err))
			continue
		}
		stopped.Succeeded++
	}
	sessions, err := d.store.ListNonTerminalSessions(ctx)
	if err != nil {
		return errResult(err)
	}
	cancelled := bulkReport{Total: len(sessions)}
	for _, sess := range sessions {
		if _, err := d.scheduler.CancelSession(ctx, sess.ID); err != nil {
			cancelled.Errors = append(cancelled.Errors, fmt.Sprintf("%s: %v", sess.ID, err))
			continue
		}
		cancelled.Succeeded++
	}
	return ok(map[string]any{
		"instancesStopped":  stopped,
		"sessionsCancelled": cancelled,
	})
}

type bulkReport struct {
	Succeeded int      `json:"succeeded"`
	Total     int      `json:"total"`
	Errors    []string `json:"errors,omitempty"`
}
