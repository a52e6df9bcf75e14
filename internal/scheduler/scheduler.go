// Package scheduler performs admission control for time-windowed
// license usage. All intervals are half-open [start, end); two windows
// overlap when a.start < b.end && b.start < a.end.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/metrics"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

type Store interface {
	GetInstance(ctx context.Context, userID string) (*model.Instance, error)
	ListActivePools(ctx context.Context) ([]model.LicensePool, error)
	GetPoolByOwner(ctx context.Context, ownerID string) (*model.LicensePool, error)
	UpsertLicensePool(ctx context.Context, p *model.LicensePool) error
	DeactivateLicensePool(ctx context.Context, licenseID string) (bool, error)
	SetLicenseSharing(ctx context.Context, userID string, allow bool, maxConcurrent int) error
	CountOverlappingReservations(ctx context.Context, licenseID string, start, end time.Time) (int, error)
	ListOverlappingReservations(ctx context.Context, licenseID string, start, end time.Time) ([]model.LicenseReservation, error)
	CreateSessionWithReservation(ctx context.Context, sess *model.ScheduledSession, res *model.LicenseReservation, capacity int) error
	GetSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]model.ScheduledSession, error)
	CancelSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
}

// Instances is the slice of the lifecycle manager the scheduler needs
// for preemption and for cancelling active sessions.
type Instances interface {
	Stop(ctx context.Context, userID string) error
}

// Secrets resolves a license owner's stored credentials when an
// on-demand start borrows a pool seat.
type Secrets interface {
	Get(ctx context.Context, userID string) ([]byte, error)
}

type Options struct {
	// Lookahead is how far ahead of "now" a standing reservation
	// blocks an on-demand start.
	Lookahead time.Duration
	// OnDemandWindow is the capacity window an on-demand pooled start
	// claims, matching the idle timeout it will run under.
	OnDemandWindow time.Duration
}

type Scheduler struct {
	store     Store
	instances Instances
	secrets   Secrets
	opts      Options
	now       func() time.Time
}

func New(st Store, instances Instances, secrets Secrets, opts Options) *Scheduler {
	return &Scheduler{store: st, instances: instances, secrets: secrets, opts: opts, now: time.Now}
}

type AvailabilityRequest struct {
	LicenseType        model.LicenseType
	StartTime          time.Time
	EndTime            time.Time
	PreferredLicenseID *string
	RequestingUserID   string
}

// Availability lists candidates in priority order. A conflicting
// instance is the user id of a running on-demand instance whose
// license would otherwise be free; such a candidate is preemptable.
type Availability struct {
	Available               bool
	CandidateLicenses       []string
	ConflictingReservations []model.LicenseReservation
	ConflictingInstances    []string
}

func (s *Scheduler) CheckAvailability(ctx context.Context, req AvailabilityRequest) (*Availability, error) {
	if !req.EndTime.After(req.StartTime) {
		return nil, fault.Validationf("end time must be after start time")
	}
	switch req.LicenseType {
	case model.LicenseBYOL:
		return s.checkOwnLicense(ctx, req)
	case model.LicensePooled:
		return s.checkPools(ctx, req)
	default:
		return nil, fault.Validationf("unknown license type %q", req.LicenseType)
	}
}

func (s *Scheduler) checkOwnLicense(ctx context.Context, req AvailabilityRequest) (*Availability, error) {
	licenseID := model.LicenseIDFor(req.RequestingUserID)
	if req.PreferredLicenseID != nil {
		licenseID = *req.PreferredLicenseID
	}

	// Capacity and the blocking-instance check follow the license's
	// owner, who may differ from the requester when a preferred
	// license is named.
	capacity := 1
	inst, err := s.store.GetInstance(ctx, model.LicenseOwner(licenseID))
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}
	if inst != nil && inst.AllowLicenseSharing {
		capacity = inst.MaxConcurrentUsers
	}

	out := &Availability{}
	overlapping, err := s.store.ListOverlappingReservations(ctx, licenseID, req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	if len(overlapping) >= capacity {
		out.ConflictingReservations = overlapping
		return out, nil
	}
	if inst != nil && s.blocksWindow(inst, req.StartTime, req.EndTime) {
		out.ConflictingInstances = []string{inst.UserID}
		return out, nil
	}
	out.Available = true
	out.CandidateLicenses = []string{licenseID}
	return out, nil
}

func (s *Scheduler) checkPools(ctx context.Context, req AvailabilityRequest) (*Availability, error) {
	pools, err := s.store.ListActivePools(ctx)
	if err != nil {
		return nil, err
	}
	out := &Availability{}
	var free []string
	for _, pool := range pools {
		count, err := s.store.CountOverlappingReservations(ctx, pool.LicenseID, req.StartTime, req.EndTime)
		if err != nil {
			return nil, err
		}
		if pool.MaxConcurrentUsers-count <= 0 {
			continue
		}
		ownerInst, err := s.store.GetInstance(ctx, pool.OwnerID)
		if err != nil && !errors.Is(err, fault.ErrNotFound) {
			return nil, err
		}
		if ownerInst != nil && s.blocksWindow(ownerInst, req.StartTime, req.EndTime) {
			out.ConflictingInstances = append(out.ConflictingInstances, pool.OwnerID)
			continue
		}
		free = append(free, pool.LicenseID)
	}
	// The requester's own pool outranks everyone else's; the store
	// already orders the rest by pool creation time.
	own := model.LicenseIDFor(req.RequestingUserID)
	for i, id := range free {
		if id == own && i > 0 {
			free = append([]string{id}, append(free[:i:i], free[i+1:]...)...)
			break
		}
	}
	out.CandidateLicenses = free
	out.Available = len(free) > 0
	return out, nil
}

// blocksWindow reports whether a running on-demand instance occupies
// the license during a window that includes "now". An instance tied to
// a session is accounted for by that session's reservation instead.
func (s *Scheduler) blocksWindow(inst *model.Instance, start, end time.Time) bool {
	if inst.Status != model.InstanceRunning || inst.LinkedSessionID != nil {
		return false
	}
	now := s.now().UTC()
	return start.Before(now.Add(time.Second)) && end.After(now)
}

type ScheduleRequest struct {
	UserID      string
	Username    string
	StartTime   time.Time
	EndTime     time.Time
	LicenseType model.LicenseType
	Title       string
	Description string
}

type ScheduleResult struct {
	Session           *model.ScheduledSession `json:"session"`
	ConflictsResolved []string                `json:"conflictsResolved,omitempty"`
}

// ScheduleSession admits a session against the best available license,
// preempting a blocking on-demand instance when that is the sole
// obstacle. Scheduled reservations outrank on-demand usage.
func (s *Scheduler) ScheduleSession(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	now := s.now().UTC()
	if !req.EndTime.After(req.StartTime) {
		return nil, fault.Validationf("end time must be after start time")
	}
	if !req.EndTime.After(now) {
		return nil, fault.Validationf("session window is entirely in the past")
	}

	availReq := AvailabilityRequest{
		LicenseType:      req.LicenseType,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		RequestingUserID: req.UserID,
	}
	avail, err := s.CheckAvailability(ctx, availReq)
	if err != nil {
		return nil, err
	}

	var resolved []string
	if !avail.Available && len(avail.ConflictingInstances) > 0 && len(avail.ConflictingReservations) == 0 {
		for _, blocker := range avail.ConflictingInstances {
			log.WithFields(log.Fields{"user_id": req.UserID, "preempted": blocker}).Info("preempting on-demand instance for scheduled session")
			if err := s.instances.Stop(ctx, blocker); err != nil {
				log.WithError(err).WithField("preempted", blocker).Warn("preemption stop failed")
				continue
			}
			metrics.Preemptions.Inc()
			resolved = append(resolved, blocker)
		}
		avail, err = s.CheckAvailability(ctx, availReq)
		if err != nil {
			return nil, err
		}
	}
	if !avail.Available {
		return nil, fault.Unavailablef("no license capacity for [%s, %s)",
			req.StartTime.Format(time.RFC3339), req.EndTime.Format(time.RFC3339))
	}

	licenseID := avail.CandidateLicenses[0]
	capacity, err := s.capacityOf(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	sess := &model.ScheduledSession{
		ID:          "ses_" + uuid.NewString(),
		UserID:      req.UserID,
		Username:    req.Username,
		StartTime:   req.StartTime.UTC(),
		EndTime:     req.EndTime.UTC(),
		LicenseType: req.LicenseType,
		LicenseID:   &licenseID,
		Title:       req.Title,
		Description: req.Description,
		Status:      model.SessionScheduled,
	}
	res := &model.LicenseReservation{
		ID:        "rsv_" + uuid.NewString(),
		LicenseID: licenseID,
		SessionID: sess.ID,
		StartTime: sess.StartTime,
		EndTime:   sess.EndTime,
		Status:    model.ReservationActive,
	}
	if err := s.store.CreateSessionWithReservation(ctx, sess, res, capacity); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"session_id": sess.ID,
		"user_id":    req.UserID,
		"license_id": licenseID,
	}).Info("session scheduled")
	return &ScheduleResult{Session: sess, ConflictsResolved: resolved}, nil
}

// capacityOf resolves a license's seat count at admission time: the
// active pool row when the owner shares, else the owner's instance
// sharing flags, else a single seat.
func (s *Scheduler) capacityOf(ctx context.Context, licenseID string) (int, error) {
	ownerID := model.LicenseOwner(licenseID)
	pool, err := s.store.GetPoolByOwner(ctx, ownerID)
	if err == nil && pool.IsActive {
		return pool.MaxConcurrentUsers, nil
	}
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return 0, err
	}
	inst, err := s.store.GetInstance(ctx, ownerID)
	if errors.Is(err, fault.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if inst.AllowLicenseSharing {
		return inst.MaxConcurrentUsers, nil
	}
	return 1, nil
}

// CanStartOnDemand reports whether an on-demand start of the user's
// own instance would clobber a standing reservation in the near
// future. Capacity-aware: a shared license with seats to spare still
// admits its owner.
func (s *Scheduler) CanStartOnDemand(ctx context.Context, userID string) (bool, error) {
	inst, err := s.store.GetInstance(ctx, userID)
	if err != nil {
		return false, err
	}
	if inst.LicenseType != model.LicenseBYOL {
		return true, nil
	}
	capacity := 1
	if inst.AllowLicenseSharing {
		capacity = inst.MaxConcurrentUsers
	}
	now := s.now().UTC()
	count, err := s.store.CountOverlappingReservations(ctx, model.LicenseIDFor(userID), now, now.Add(s.opts.Lookahead))
	if err != nil {
		return false, err
	}
	return count < capacity, nil
}

// OnDemandLicense resolves the license backing an on-demand start. A
// byol instance runs on its owner's own license and credentials; a
// pooled instance borrows a seat from the best available pool and
// rides the pool owner's credentials. Pools whose owner credentials
// have vanished are deactivated on the spot.
func (s *Scheduler) OnDemandLicense(ctx context.Context, userID string) (ownerID *string, cred []byte, err error) {
	inst, err := s.store.GetInstance(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if inst.LicenseType == model.LicenseBYOL {
		return nil, nil, nil
	}

	now := s.now().UTC()
	avail, err := s.checkPools(ctx, AvailabilityRequest{
		LicenseType:      model.LicensePooled,
		StartTime:        now,
		EndTime:          now.Add(s.opts.OnDemandWindow),
		RequestingUserID: userID,
	})
	if err != nil {
		return nil, nil, err
	}
	for _, licenseID := range avail.CandidateLicenses {
		owner := model.LicenseOwner(licenseID)
		if owner == userID {
			return nil, nil, nil
		}
		cred, err := s.secrets.Get(ctx, owner)
		if errors.Is(err, fault.ErrNotFound) {
			if _, derr := s.store.DeactivateLicensePool(ctx, licenseID); derr != nil {
				log.WithError(derr).WithField("license_id", licenseID).Error("deactivating credential-less pool failed")
			} else {
				log.WithField("license_id", licenseID).Warn("license pool deactivated: owner credentials missing")
			}
			continue
		}
		if err != nil {
			return nil, nil, fault.Upstream("read license owner credentials", err)
		}
		return &owner, cred, nil
	}
	return nil, nil, fault.Unavailablef("no pooled license free for an on-demand start")
}

// CancelSession cancels a future or active session together with its
// reservations; an active session's backing instance is stopped.
func (s *Scheduler) CancelSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error) {
	prev, err := s.store.CancelSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if prev.Status == model.SessionActive && prev.InstanceID != nil {
		if err := s.instances.Stop(ctx, *prev.InstanceID); err != nil {
			log.WithError(err).WithField("session_id", sessionID).Warn("stop of cancelled session's instance failed")
		}
	}
	log.WithFields(log.Fields{"session_id": sessionID, "was": prev.Status}).Info("session cancelled")
	return s.store.GetSession(ctx, sessionID)
}

func (s *Scheduler) ListSessions(ctx context.Context, userID string) ([]model.ScheduledSession, error) {
	return s.store.ListSessionsByUser(ctx, userID)
}

// SetLicenseSharing flips an owner's instance between sharing and
// exclusive use, keeping the license pool row in step.
func (s *Scheduler) SetLicenseSharing(ctx context.Context, userID string, allow bool, maxConcurrent int) (*model.Instance, error) {
	if allow && maxConcurrent < 1 {
		return nil, fault.Validationf("maxConcurrentUsers must be at least 1")
	}
	if !allow {
		maxConcurrent = 1
	}
	if err := s.store.SetLicenseSharing(ctx, userID, allow, maxConcurrent); err != nil {
		return nil, err
	}
	inst, err := s.store.GetInstance(ctx, userID)
	if err != nil {
		return nil, err
	}
	licenseID := model.LicenseIDFor(userID)
	if allow {
		err = s.store.UpsertLicensePool(ctx, &model.LicensePool{
			LicenseID:          licenseID,
			OwnerID:            userID,
			OwnerUsername:      inst.Username,
			MaxConcurrentUsers: maxConcurrent,
			IsActive:           true,
		})
	} else {
		_, err = s.store.DeactivateLicensePool(ctx, licenseID)
	}
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"user_id": userID, "sharing": allow, "seats": maxConcurrent}).Info("license sharing updated")
	return inst, nil
}
