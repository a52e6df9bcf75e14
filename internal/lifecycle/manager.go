// Package lifecycle drives the create/start/stop/destroy state machine
// for a single user's instance. The row in the store is the decision
// record; the compute layer is the authority on what is physically
// running, so reads reconcile against it before anyone schedules on
// top of them.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/cloud"
	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/metrics"
	"github.com/atelierhq/atelier-control-plane/internal/model"
	"github.com/atelierhq/atelier-control-plane/internal/store"
)

type Store interface {
	CreateInstance(ctx context.Context, in *model.Instance) error
	GetInstance(ctx context.Context, userID string) (*model.Instance, error)
	ListInstances(ctx context.Context) ([]model.Instance, error)
	ListRunningInstances(ctx context.Context) ([]model.Instance, error)
	MarkInstanceRunning(ctx context.Context, userID string, b store.RunningBinding) error
	MarkInstanceStopped(ctx context.Context, userID string) (bool, error)
	SetInstanceAutoShutdown(ctx context.Context, userID string, at time.Time, sessionID *string) error
	UpdateInstanceImageTag(ctx context.Context, userID, tag string) error
	DeleteInstance(ctx context.Context, userID string) error
	ListNonTerminalSessionsByUser(ctx context.Context, userID string) ([]model.ScheduledSession, error)
	CancelSession(ctx context.Context, sessionID string) (*model.ScheduledSession, error)
	GetPoolByOwner(ctx context.Context, ownerID string) (*model.LicensePool, error)
	DeactivateLicensePool(ctx context.Context, licenseID string) (bool, error)
}

type Ledger interface {
	RecordStart(ctx context.Context, userID string, ts time.Time) error
	RecordStop(ctx context.Context, userID string, ts time.Time) error
}

// StartPolicy gates on-demand starts; the scheduler implements it so a
// pending reservation on the user's license blocks a clobbering start.
type StartPolicy interface {
	CanStartOnDemand(ctx context.Context, userID string) (bool, error)
}

type Options struct {
	BaseDomain   string
	LBEndpoint   string
	DefaultImage string
	IdleShutdown time.Duration
	SessionGrace time.Duration
}

type Manager struct {
	store  Store
	clouds cloud.Clients
	ledger Ledger
	policy StartPolicy
	opts   Options
	now    func() time.Time
}

func NewManager(st Store, clouds cloud.Clients, ledger Ledger, opts Options) *Manager {
	return &Manager{store: st, clouds: clouds, ledger: ledger, opts: opts, now: time.Now}
}

// SetStartPolicy breaks the construction cycle with the scheduler,
// which needs the manager for preemption.
func (m *Manager) SetStartPolicy(p StartPolicy) {
	m.policy = p
}

type CreateRequest struct {
	UserID              string
	Username            string
	LicenseType         model.LicenseType
	AllowLicenseSharing bool
	MaxConcurrentUsers  int
	ImageTag            string
}

type secretPayload struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
}

// Create provisions the per-user cloud resources and writes the
// instance row. Recreation after a destroy that kept the credential
// record is idempotent from the user's perspective: the prior
// credential is reused instead of minting a new one.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if req.LicenseType != model.LicenseBYOL && req.LicenseType != model.LicensePooled {
		return "", fault.Validationf("unknown license type %q", req.LicenseType)
	}
	if req.LicenseType == model.LicensePooled && req.AllowLicenseSharing {
		return "", fault.Validationf("a pooled instance cannot share a license")
	}
	if _, err := m.store.GetInstance(ctx, req.UserID); err == nil {
		return "", fault.Conflictf("instance already exists for user %s", req.UserID)
	} else if !errors.Is(err, fault.ErrNotFound) {
		return "", err
	}

	hostname := SanitizeHostLabel(req.Username) + "." + m.opts.BaseDomain
	imageTag := req.ImageTag
	if imageTag == "" {
		imageTag = m.opts.DefaultImage
	}
	maxConcurrent := req.MaxConcurrentUsers
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	apID, err := m.clouds.Storage.CreateAccessPoint(ctx, req.UserID)
	if err != nil {
		return "", fault.Upstream("create access point", err)
	}
	bucket, err := m.clouds.Buckets.CreateBucket(ctx, req.UserID)
	if err != nil {
		m.compensateCreate(ctx, req.UserID, apID, "", "")
		return "", fault.Upstream("create bucket", err)
	}

	secretRef, err := m.ensureCredentialSecret(ctx, req.UserID, bucket)
	if err != nil {
		m.compensateCreate(ctx, req.UserID, apID, bucket, "")
		return "", err
	}

	tgArn, err := m.clouds.Routing.CreateTarget(ctx, "atelier-"+SanitizeHostLabel(req.Username))
	if err != nil {
		m.compensateCreate(ctx, req.UserID, apID, bucket, "")
		return "", fault.Upstream("create routing target", err)
	}
	if err := m.clouds.DNS.Upsert(ctx, hostname, m.opts.LBEndpoint); err != nil {
		m.compensateCreate(ctx, req.UserID, apID, bucket, tgArn)
		return "", fault.Upstream("upsert dns record", err)
	}

	inst := &model.Instance{
		UserID:              req.UserID,
		Username:            req.Username,
		LicenseType:         req.LicenseType,
		AllowLicenseSharing: req.AllowLicenseSharing,
		MaxConcurrentUsers:  maxConcurrent,
		ImageTag:            imageTag,
		TargetGroupArn:      tgArn,
		AccessPointID:       apID,
		BucketName:          bucket,
		Hostname:            hostname,
		SecretRef:           secretRef,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		m.compensateCreate(ctx, req.UserID, apID, bucket, tgArn)
		return "", err
	}
	metrics.LifecycleOps.WithLabelValues("create", "ok").Inc()
	log.WithFields(log.Fields{"user_id": req.UserID, "hostname": hostname}).Info("instance created")
	return "https://" + hostname, nil
}

// ensureCredentialSecret reuses a prior credential record when one
// survives from an earlier incarnation of the instance.
func (m *Manager) ensureCredentialSecret(ctx context.Context, userID, bucket string) (string, error) {
	if payload, err := m.clouds.Secrets.Get(ctx, userID); err == nil {
		ref, putErr := m.clouds.Secrets.Put(ctx, userID, payload)
		if putErr != nil {
			return "", fault.Upstream("store credential secret", putErr)
		}
		return ref, nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return "", fault.Upstream("read credential secret", err)
	}

	cred, err := m.clouds.Identity.CreateScopedCredential(ctx, userID, bucket)
	if err != nil {
		return "", fault.Upstream("create scoped credential", err)
	}
	payload, err := json.Marshal(secretPayload{AccessKey: cred.AccessKey, SecretKey: cred.SecretKey, Bucket: bucket})
	if err != nil {
		return "", err
	}
	ref, err := m.clouds.Secrets.Put(ctx, userID, payload)
	if err != nil {
		return "", fault.Upstream("store credential secret", err)
	}
	return ref, nil
}

func (m *Manager) compensateCreate(ctx context.Context, userID, apID, bucket, tgArn string) {
	if apID != "" {
		if err := m.clouds.Storage.PurgeAndDelete(ctx, apID, userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("create compensation: access point cleanup failed")
		}
	}
	if bucket != "" {
		if err := m.clouds.Buckets.DeleteBucket(ctx, bucket); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("create compensation: bucket cleanup failed")
		}
	}
	if tgArn != "" {
		if err := m.clouds.Routing.DeleteTarget(ctx, tgArn); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("create compensation: target group cleanup failed")
		}
	}
	metrics.LifecycleOps.WithLabelValues("create", "error").Inc()
}

// StartOptions carry the session binding and, when the license is not
// self-owned, the license owner's credentials resolved by the caller.
type StartOptions struct {
	LicenseOwnerID *string
	Credential     []byte
	SessionID      *string
	SessionEnd     *time.Time
}

// Start launches the compute task, waits for it to report ready, binds
// it into the routing layer, and opens a usage interval. On-demand
// starts (no session) are gated by the scheduler's policy.
func (m *Manager) Start(ctx context.Context, userID string, opts StartOptions) (*model.Instance, error) {
	inst, err := m.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if inst.Status == model.InstanceRunning || inst.Status == model.InstanceStarting {
		return nil, fault.Conflictf("instance for user %s is already %s", userID, inst.Status)
	}
	if opts.SessionID == nil && m.policy != nil {
		ok, err := m.policy.CanStartOnDemand(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.PolicyViolationf("a scheduled session reserves this license; on-demand start is blocked")
		}
	}

	cred := opts.Credential
	if cred == nil {
		cred, err = m.clouds.Secrets.Get(ctx, userID)
		if err != nil {
			return nil, fault.Upstream("read credential secret", err)
		}
	}
	env, err := taskEnv(inst, cred)
	if err != nil {
		return nil, err
	}

	templateArn, err := m.clouds.Compute.RegisterTaskTemplate(ctx, cloud.TaskProfile{
		UserID:        userID,
		Username:      inst.Username,
		ImageTag:      inst.ImageTag,
		AccessPointID: inst.AccessPointID,
		Env:           env,
	})
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("start", "error").Inc()
		return nil, fault.Upstream("register task template", err)
	}
	taskArn, err := m.clouds.Compute.Run(ctx, templateArn)
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("start", "error").Inc()
		return nil, fault.Upstream("run task", err)
	}
	if err := m.clouds.Compute.WaitUntilRunning(ctx, taskArn); err != nil {
		m.compensateStart(ctx, userID, taskArn, "", "")
		return nil, fault.Upstream("wait task running", err)
	}
	address, err := m.clouds.Compute.PrivateAddress(ctx, taskArn)
	if err != nil {
		m.compensateStart(ctx, userID, taskArn, "", "")
		return nil, fault.Upstream("resolve task address", err)
	}
	if err := m.clouds.Routing.Bind(ctx, inst.TargetGroupArn, address); err != nil {
		m.compensateStart(ctx, userID, taskArn, "", "")
		return nil, fault.Upstream("bind routing target", err)
	}
	ruleArn, err := m.clouds.Routing.CreateRule(ctx, inst.Hostname, inst.TargetGroupArn, rulePriority(userID))
	if err != nil {
		m.compensateStart(ctx, userID, taskArn, inst.TargetGroupArn, address)
		return nil, fault.Upstream("create routing rule", err)
	}

	startedAt := m.now().UTC()
	binding := store.RunningBinding{
		TaskArn:         taskArn,
		PrivateIP:       address,
		RuleArn:         ruleArn,
		LicenseOwnerID:  opts.LicenseOwnerID,
		LinkedSessionID: opts.SessionID,
		StartedAt:       startedAt,
	}
	shutdownAt := m.autoShutdownAt(startedAt, opts.SessionEnd)
	binding.AutoShutdownAt = &shutdownAt

	if err := m.store.MarkInstanceRunning(ctx, userID, binding); err != nil {
		// Lost a concurrent start race; tear down this launch so the
		// winner's task is the only one left running.
		m.compensateStart(ctx, userID, taskArn, inst.TargetGroupArn, address)
		if ruleErr := m.clouds.Routing.DeleteRule(ctx, ruleArn); ruleErr != nil {
			log.WithError(ruleErr).WithField("user_id", userID).Warn("start compensation: rule cleanup failed")
		}
		return nil, err
	}
	if err := m.ledger.RecordStart(ctx, userID, startedAt); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("usage start event failed")
	}
	metrics.LifecycleOps.WithLabelValues("start", "ok").Inc()
	log.WithFields(log.Fields{
		"user_id":          userID,
		"task_arn":         taskArn,
		"auto_shutdown_at": shutdownAt,
	}).Info("instance started")
	return m.store.GetInstance(ctx, userID)
}

func (m *Manager) compensateStart(ctx context.Context, userID, taskArn, tgArn, address string) {
	if tgArn != "" && address != "" {
		if err := m.clouds.Routing.Unbind(ctx, tgArn, address); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("start compensation: unbind failed")
		}
	}
	if err := m.clouds.Compute.Stop(ctx, taskArn); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("start compensation: task stop failed")
	}
	metrics.LifecycleOps.WithLabelValues("start", "error").Inc()
}

func (m *Manager) autoShutdownAt(startedAt time.Time, sessionEnd *time.Time) time.Time {
	if sessionEnd != nil {
		return sessionEnd.Add(m.opts.SessionGrace)
	}
	return startedAt.Add(m.opts.IdleShutdown)
}

// Stop is safe to call on an already-stopped instance: the compute
// side is a no-op and the usage ledger is untouched.
func (m *Manager) Stop(ctx context.Context, userID string) error {
	inst, err := m.store.GetInstance(ctx, userID)
	if err != nil {
		return err
	}
	if inst.TaskArn != nil {
		if err := m.unbindRouting(ctx, inst); err != nil {
			return err
		}
		if err := m.clouds.Compute.Stop(ctx, *inst.TaskArn); err != nil {
			return fault.Upstream("stop task", err)
		}
	}
	changed, err := m.store.MarkInstanceStopped(ctx, userID)
	if err != nil {
		return err
	}
	if changed {
		if err := m.ledger.RecordStop(ctx, userID, m.now().UTC()); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("usage stop event failed")
		}
		metrics.LifecycleOps.WithLabelValues("stop", "ok").Inc()
		log.WithField("user_id", userID).Info("instance stopped")
	}
	return nil
}

func (m *Manager) unbindRouting(ctx context.Context, inst *model.Instance) error {
	if inst.PrivateIP != nil {
		if err := m.clouds.Routing.Unbind(ctx, inst.TargetGroupArn, *inst.PrivateIP); err != nil {
			return fault.Upstream("unbind routing target", err)
		}
	}
	if inst.RuleArn != nil {
		if err := m.clouds.Routing.DeleteRule(ctx, *inst.RuleArn); err != nil {
			return fault.Upstream("delete routing rule", err)
		}
	}
	return nil
}

// Reconcile reads the instance row and trues it up against the compute
// layer's authoritative task state before anyone makes a scheduling
// decision on it.
func (m *Manager) Reconcile(ctx context.Context, userID string) (*model.Instance, error) {
	inst, err := m.store.GetInstance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if inst.TaskArn == nil {
		return inst, nil
	}
	status, err := m.clouds.Compute.Status(ctx, *inst.TaskArn)
	if err != nil {
		return nil, fault.Upstream("read task status", err)
	}
	switch status {
	case cloud.TaskStarting:
		inst.Status = model.InstanceStarting
	case cloud.TaskStopping:
		inst.Status = model.InstanceStopping
	case cloud.TaskStopped:
		// The task died underneath us; fold the row back to stopped and
		// close the usage interval so the leak is bounded.
		if changed, markErr := m.store.MarkInstanceStopped(ctx, userID); markErr == nil && changed {
			if err := m.ledger.RecordStop(ctx, userID, m.now().UTC()); err != nil {
				log.WithError(err).WithField("user_id", userID).Error("usage stop event failed")
			}
			log.WithField("user_id", userID).Warn("reconciled dead task to stopped")
		}
		return m.store.GetInstance(ctx, userID)
	}
	return inst, nil
}

func (m *Manager) Get(ctx context.Context, userID string) (*model.Instance, error) {
	return m.Reconcile(ctx, userID)
}

func (m *Manager) ListAll(ctx context.Context) ([]model.Instance, error) {
	return m.store.ListInstances(ctx)
}

// Adopt binds an already-running on-demand instance to a session that
// is starting now, extending its shutdown deadline to the session's.
func (m *Manager) Adopt(ctx context.Context, userID, sessionID string, shutdownAt time.Time) error {
	if err := m.store.SetInstanceAutoShutdown(ctx, userID, shutdownAt, &sessionID); err != nil {
		return err
	}
	log.WithFields(log.Fields{"user_id": userID, "session_id": sessionID}).Info("running instance adopted by session")
	return nil
}

func (m *Manager) UpdateVersion(ctx context.Context, userID, imageTag string) error {
	if imageTag == "" {
		return fault.Validationf("image tag is required")
	}
	return m.store.UpdateInstanceImageTag(ctx, userID, imageTag)
}

func taskEnv(inst *model.Instance, cred []byte) (map[string]string, error) {
	var payload secretPayload
	if err := json.Unmarshal(cred, &payload); err != nil {
		return nil, fmt.Errorf("decode credential secret: %w", err)
	}
	return map[string]string{
		"ATELIER_USER":          inst.Username,
		"ATELIER_S3_BUCKET":     inst.BucketName,
		"ATELIER_S3_ACCESS_KEY": payload.AccessKey,
		"ATELIER_S3_SECRET_KEY": payload.SecretKey,
	}, nil
}
