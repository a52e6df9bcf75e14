package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/lifecycle"
	"github.com/atelierhq/atelier-control-plane/internal/model"
	"github.com/atelierhq/atelier-control-plane/internal/scheduler"
)

type mockStore struct {
	listDueSessions    func(now time.Time, lookahead time.Duration) ([]model.ScheduledSession, error)
	markSessionActive  func(sessionID, licenseID, instanceID string) (bool, error)
	markSessionRetry   func(sessionID string) error
	cancelPastWindow   func(now time.Time) (int, error)
	completeSession    func(sessionID string) (bool, error)
	completePastEnd    func(now time.Time) (int, error)
	getSession         func(sessionID string) (*model.ScheduledSession, error)
	listRunning        func() ([]model.Instance, error)
	deactivatePool     func(licenseID string) (bool, error)
}

func (m *mockStore) ListDueSessions(_ context.Context, now time.Time, lookahead time.Duration) ([]model.ScheduledSession, error) {
	if m.listDueSessions != nil {
		return m.listDueSessions(now, lookahead)
	}
	return nil, nil
}

func (m *mockStore) MarkSessionActive(_ context.Context, sessionID, licenseID, instanceID string) (bool, error) {
	if m.markSessionActive != nil {
		return m.markSessionActive(sessionID, licenseID, instanceID)
	}
	return true, nil
}

func (m *mockStore) MarkSessionRetry(_ context.Context, sessionID string) error {
	if m.markSessionRetry != nil {
		return m.markSessionRetry(sessionID)
	}
	return nil
}

func (m *mockStore) CancelSessionsPastWindow(_ context.Context, now time.Time) (int, error) {
	if m.cancelPastWindow != nil {
		return m.cancelPastWindow(now)
	}
	return 0, nil
}

func (m *mockStore) CompleteSession(_ context.Context, sessionID string) (bool, error) {
	if m.completeSession != nil {
		return m.completeSession(sessionID)
	}
	return true, nil
}

func (m *mockStore) CompleteSessionsPastEnd(_ context.Context, now time.Time) (int, error) {
	if m.completePastEnd != nil {
		return m.completePastEnd(now)
	}
	return 0, nil
}

func (m *mockStore) GetSession(_ context.Context, sessionID string) (*model.ScheduledSession, error) {
	if m.getSession != nil {
		return m.getSession(sessionID)
	}
	return nil, fault.NotFoundf("session %s", sessionID)
}

func (m *mockStore) ListRunningInstances(context.Context) ([]model.Instance, error) {
	if m.listRunning != nil {
		return m.listRunning()
	}
	return nil, nil
}

func (m *mockStore) DeactivateLicensePool(_ context.Context, licenseID string) (bool, error) {
	if m.deactivatePool != nil {
		return m.deactivatePool(licenseID)
	}
	return true, nil
}

type mockLifecycle struct {
	start func(userID string, opts lifecycle.StartOptions) (*model.Instance, error)
	stop  func(userID string) error
	adopt func(userID, sessionID string, shutdownAt time.Time) error

	startCalls []string
	stopCalls  []string
	adoptCalls []string
}

func (m *mockLifecycle) Start(_ context.Context, userID string, opts lifecycle.StartOptions) (*model.Instance, error) {
	m.startCalls = append(m.startCalls, userID)
	if m.start != nil {
		return m.start(userID, opts)
	}
	return &model.Instance{UserID: userID, Status: model.InstanceRunning}, nil
}

func (m *mockLifecycle) Stop(_ context.Context, userID string) error {
	m.stopCalls = append(m.stopCalls, userID)
	if m.stop != nil {
		return m.stop(userID)
	}
	return nil
}

func (m *mockLifecycle) Adopt(_ context.Context, userID, sessionID string, shutdownAt time.Time) error {
	m.adoptCalls = append(m.adoptCalls, sessionID)
	if m.adopt != nil {
		return m.adopt(userID, sessionID, shutdownAt)
	}
	return nil
}

type mockResolver struct {
	check func(req scheduler.AvailabilityRequest) (*scheduler.Availability, error)
}

func (m *mockResolver) CheckAvailability(_ context.Context, req scheduler.AvailabilityRequest) (*scheduler.Availability, error) {
	if m.check != nil {
		return m.check(req)
	}
	return &scheduler.Availability{Available: true, CandidateLicenses: []string{"byol-" + req.RequestingUserID}}, nil
}

type mockSecrets map[string][]byte

func (m mockSecrets) Get(_ context.Context, userID string) ([]byte, error) {
	if payload, ok := m[userID]; ok {
		return payload, nil
	}
	return nil, fault.NotFoundf("secret for user %s", userID)
}

func testSweeper(st *mockStore, lc *mockLifecycle, secrets mockSecrets) *Sweeper {
	s := New(st, lc, &mockResolver{}, secrets, Options{
		PrepLookahead: 5 * time.Minute,
		SessionGrace:  10 * time.Minute,
		IdleShutdown:  4 * time.Hour,
	})
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func dueSession(id, userID string) model.ScheduledSession {
	lic := "byol-" + userID
	return model.ScheduledSession{
		ID: id, UserID: userID, Username: userID,
		StartTime:   time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		LicenseType: model.LicenseBYOL,
		LicenseID:   &lic,
		Status:      model.SessionScheduled,
	}
}

func TestPrepareSessions_ClaimsBeforeStart(t *testing.T) {
	var order []string
	st := &mockStore{
		listDueSessions: func(time.Time, time.Duration) ([]model.ScheduledSession, error) {
			return []model.ScheduledSession{dueSession("ses_1", "usr_a")}, nil
		},
		markSessionActive: func(sessionID, licenseID, instanceID string) (bool, error) {
			order = append(order, "claim")
			if licenseID != "byol-usr_a" || instanceID != "usr_a" {
				t.Fatalf("claim args wrong: %s %s", licenseID, instanceID)
			}
			return true, nil
		},
	}
	lc := &mockLifecycle{
		start: func(userID string, opts lifecycle.StartOptions) (*model.Instance, error) {
			order = append(order, "start")
			if opts.SessionID == nil || *opts.SessionID != "ses_1" {
				t.Fatalf("start not linked to session: %v", opts.SessionID)
			}
			if opts.LicenseOwnerID != nil {
				t.Fatalf("own license must not carry an owner id")
			}
			return &model.Instance{UserID: userID}, nil
		},
	}
	report, err := testSweeper(st, lc, mockSecrets{}).PrepareSessions(context.Background())
	if err != nil {
		t.Fatalf("PrepareSessions returned err: %v", err)
	}
	if report.Prepared != 1 || report.Skipped != 0 || report.Retried != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(order) != 2 || order[0] != "claim" || order[1] != "start" {
		t.Fatalf("claim must precede start, got %v", order)
	}
}

func TestPrepareSessions_AlreadyClaimed_Skipped(t *testing.T) {
	st := &mockStore{
		listDueSessions: func(time.Time, time.Duration) ([]model.ScheduledSession, error) {
			return []model.ScheduledSession{dueSession("ses_1", "usr_a")}, nil
		},
		markSessionActive: func(string, string, string) (bool, error) { return false, nil },
	}
	lc := &mockLifecycle{}
	report, err := testSweeper(st, lc, mockSecrets{}).PrepareSessions(context.Background())
	if err != nil {
		t.Fatalf("PrepareSessions returned err: %v", err)
	}
	if report.Skipped != 1 || report.Prepared != 0 {
		t.Fatalf("concurrent claim should be a benign skip: %+v", report)
	}
	if len(lc.startCalls) != 0 {
		t.Fatalf("a lost claim must not start an instance")
	}
}

func TestPrepareSessions_StartFailure_ParksForRetry(t *testing.T) {
	var parked []string
	st := &mockStore{
		listDueSessions: func(time.Time, time.Duration) ([]model.ScheduledSession, error) {
			return []model.ScheduledSession{dueSession("ses_1", "usr_a")}, nil
		},
		markSessionRetry: func(sessionID string) error {
			parked = append(parked, sessionID)
			return nil
		},
	}
	lc := &mockLifecycle{
		start: func(string, lifecycle.StartOptions) (*model.Instance, error) {
			return nil, fault.Upstream("run task", errors.New("capacity exhausted"))
		},
	}
	report, err := testSweeper(st, lc, mockSecrets{}).PrepareSessions(context.Background())
	if err != nil {
		t.Fatalf("PrepareSessions returned err: %v", err)
	}
	if report.Retried != 1 || len(report.Errors) != 1 {
		t.Fatalf("failed start should be reported as retried: %+v", report)
	}
	if len(parked) != 1 || parked[0] != "ses_1" {
		t.Fatalf("failed session not parked for retry: %v", parked)
	}
}

func TestPrepareSessions_BorrowedLicense_CarriesOwnerCredentials(t *testing.T) {
	lic := "byol-usr_owner"
	sess := dueSession("ses_1", "usr_b")
	sess.LicenseType = model.LicensePooled
	sess.LicenseID = &lic
	st := &mockStore{
		listDueSessions: func(time.Time, time.Duration) ([]model.ScheduledSession, error) {
			return []model.ScheduledSession{sess}, nil
		},
	}
	lc := &mockLifecycle{
		start: func(_ string, opts lifecycle.StartOptions) (*model.Instance, error) {
			if opts.LicenseOwnerID == nil || *opts.LicenseOwnerID != "usr_owner" {
				t.Fatalf("borrowed start must name the license owner, got %v", opts.LicenseOwnerID)
			}
			if string(opts.Credential) != `{"access_key":"ak"}` {
				t.Fatalf("owner credentials not carried: %q", opts.Credential)
			}
			return &model.Instance{UserID: "usr_b"}, nil
		},
	}
	secrets := mockSecrets{"usr_owner": []byte(`{"access_key":"ak"}`)}
	report, err := testSweeper(st, lc, secrets).PrepareSessions(context.Background())
	if err != nil {
		t.Fatalf("PrepareSessions returned err: %v", err)
	}
	if report.Prepared != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestPrepareSessions_MissingOwnerCredentials_DeactivatesPool(t *testing.T) {
	lic := "byol-usr_gone"
	sess := dueSession("ses_1", "usr_b")
	sess.LicenseType = model.LicensePooled
	sess.LicenseID = &lic
	var deactivated []string
	st := &mockStore{
		listDueSessions: func(time.Time, time.Duration) ([]model.ScheduledSession, error) {
			return []model.ScheduledSession{sess}, nil
		},
		deactivatePool: func(licenseID string) (bool, error) {
			deactivated = append(deactivated, licenseID)
			return true, nil
		},
	}
	lc := &mockLifecycle{}
	report, err := testSweeper(st, lc, mockSecrets{}).PrepareSessions(context.Background())
	if err != nil {
		t.Fatalf("PrepareSessions returned err: %v", err)
	}
	if report.Retried != 1 {
		t.Fatalf("session should park for retry: %+v", report)
	}
	if len(deactivated) != 1 || deactivated[0] != "byol-usr_gone" {
		t.Fatalf("orphaned pool not deactivated: %v", deactivated)
	}
	if len(lc.startCalls) != 0 {
		t.Fatalf("no start should happen without credentials")
	}
}

func TestPrepareSessions_RunningInstance_AdoptedBySession(t *testing.T) {
	st := &mockStore{
		listDueSessions: func(time.Time, time.Duration) ([]model.ScheduledSession, error) {
			return []model.ScheduledSession{dueSession("ses_1", "usr_a")}, nil
		},
	}
	lc := &mockLifecycle{
		start: func(string, lifecycle.StartOptions) (*model.Instance, error) {
			return nil, fault.Conflictf("instance already running")
		},
		adopt: func(_ string, _ string, shutdownAt time.Time) error {
			want := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
			if !shutdownAt.Equal(want) {
				t.Fatalf("adopted shutdown should be session end plus grace, got %s", shutdownAt)
			}
			return nil
		},
	}
	report, err := testSweeper(st, lc, mockSecrets{}).PrepareSessions(context.Background())
	if err != nil {
		t.Fatalf("PrepareSessions returned err: %v", err)
	}
	if report.Prepared != 1 {
		t.Fatalf("adoption counts as prepared: %+v", report)
	}
	if len(lc.adoptCalls) != 1 || lc.adoptCalls[0] != "ses_1" {
		t.Fatalf("running instance not adopted: %v", lc.adoptCalls)
	}
}

func TestPrepareSessions_ExpiredSessionsCancelled(t *testing.T) {
	st := &mockStore{
		cancelPastWindow: func(time.Time) (int, error) { return 2, nil },
	}
	report, err := testSweeper(st, &mockLifecycle{}, mockSecrets{}).PrepareSessions(context.Background())
	if err != nil {
		t.Fatalf("PrepareSessions returned err: %v", err)
	}
	if report.Cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %d", report.Cancelled)
	}
}

func TestPrepareSessionByID_TerminalSession_Conflict(t *testing.T) {
	st := &mockStore{
		getSession: func(sessionID string) (*model.ScheduledSession, error) {
			sess := dueSession(sessionID, "usr_a")
			sess.Status = model.SessionCompleted
			return &sess, nil
		},
	}
	_, err := testSweeper(st, &mockLifecycle{}, mockSecrets{}).PrepareSessionByID(context.Background(), "ses_1")
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestEndSession_StopsInstanceAndCompletes(t *testing.T) {
	instanceID := "usr_a"
	var completed []string
	st := &mockStore{
		getSession: func(sessionID string) (*model.ScheduledSession, error) {
			sess := dueSession(sessionID, "usr_a")
			sess.Status = model.SessionActive
			sess.InstanceID = &instanceID
			return &sess, nil
		},
		completeSession: func(sessionID string) (bool, error) {
			completed = append(completed, sessionID)
			return true, nil
		},
	}
	lc := &mockLifecycle{}
	out, err := testSweeper(st, lc, mockSecrets{}).EndSession(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("EndSession returned err: %v", err)
	}
	if out == nil {
		t.Fatalf("expected session back")
	}
	if len(lc.stopCalls) != 1 || lc.stopCalls[0] != "usr_a" {
		t.Fatalf("instance not stopped: %v", lc.stopCalls)
	}
	if len(completed) != 1 {
		t.Fatalf("session not completed: %v", completed)
	}
}

func TestEndSession_NotActive_Conflict(t *testing.T) {
	st := &mockStore{
		getSession: func(sessionID string) (*model.ScheduledSession, error) {
			sess := dueSession(sessionID, "usr_a")
			return &sess, nil
		},
		completeSession: func(string) (bool, error) { return false, nil },
	}
	_, err := testSweeper(st, &mockLifecycle{}, mockSecrets{}).EndSession(context.Background(), "ses_1")
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestEndSession_CompletedSessionLeavesInstanceAlone(t *testing.T) {
	// Completed sessions keep their instance_id for history. The same
	// user may have started a fresh on-demand instance since; ending
	// the old session again must not touch it.
	instanceID := "usr_a"
	st := &mockStore{
		getSession: func(sessionID string) (*model.ScheduledSession, error) {
			sess := dueSession(sessionID, "usr_a")
			sess.Status = model.SessionCompleted
			sess.InstanceID = &instanceID
			return &sess, nil
		},
	}
	lc := &mockLifecycle{}
	_, err := testSweeper(st, lc, mockSecrets{}).EndSession(context.Background(), "ses_1")
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if len(lc.stopCalls) != 0 {
		t.Fatalf("completed session must not stop an instance, got %v", lc.stopCalls)
	}
}
