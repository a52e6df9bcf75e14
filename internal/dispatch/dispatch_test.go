package dispatch

import (
	"context"
	"net/http"
	"testing"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/lifecycle"
	"github.com/atelierhq/atelier-control-plane/internal/model"
	"github.com/atelierhq/atelier-control-plane/internal/scheduler"
	"github.com/atelierhq/atelier-control-plane/internal/sweep"
)

type mockLifecycle struct {
	create        func(req lifecycle.CreateRequest) (string, error)
	start         func(userID string, opts lifecycle.StartOptions) (*model.Instance, error)
	stop          func(userID string) error
	destroy       func(userID string, keepLicense bool) (*lifecycle.DestroyReport, error)
	get           func(userID string) (*model.Instance, error)
	listAll       func() ([]model.Instance, error)
	updateVersion func(userID, imageTag string) error
}

func (m *mockLifecycle) Create(_ context.Context, req lifecycle.CreateRequest) (string, error) {
	if m.create != nil {
		return m.create(req)
	}
	return "https://" + req.Username + ".example.com", nil
}

func (m *mockLifecycle) Start(_ context.Context, userID string, opts lifecycle.StartOptions) (*model.Instance, error) {
	if m.start != nil {
		return m.start(userID, opts)
	}
	return &model.Instance{UserID: userID, Status: model.InstanceRunning}, nil
}

func (m *mockLifecycle) Stop(_ context.Context, userID string) error {
	if m.stop != nil {
		return m.stop(userID)
	}
	return nil
}

func (m *mockLifecycle) Destroy(_ context.Context, userID string, keepLicense bool) (*lifecycle.DestroyReport, error) {
	if m.destroy != nil {
		return m.destroy(userID, keepLicense)
	}
	return &lifecycle.DestroyReport{InstanceFound: true}, nil
}

func (m *mockLifecycle) Get(_ context.Context, userID string) (*model.Instance, error) {
	if m.get != nil {
		return m.get(userID)
	}
	return &model.Instance{UserID: userID}, nil
}

func (m *mockLifecycle) ListAll(context.Context) ([]model.Instance, error) {
	if m.listAll != nil {
		return m.listAll()
	}
	return nil, nil
}

func (m *mockLifecycle) UpdateVersion(_ context.Context, userID, imageTag string) error {
	if m.updateVersion != nil {
		return m.updateVersion(userID, imageTag)
	}
	return nil
}

type mockScheduler struct {
	checkAvailability func(req scheduler.AvailabilityRequest) (*scheduler.Availability, error)
	scheduleSession   func(req scheduler.ScheduleRequest) (*scheduler.ScheduleResult, error)
	cancelSession     func(sessionID string) (*model.ScheduledSession, error)
	listSessions      func(userID string) ([]model.ScheduledSession, error)
	setSharing        func(userID string, allow bool, maxConcurrent int) (*model.Instance, error)
	onDemandLicense   func(userID string) (*string, []byte, error)
}

func (m *mockScheduler) CheckAvailability(_ context.Context, req scheduler.AvailabilityRequest) (*scheduler.Availability, error) {
	if m.checkAvailability != nil {
		return m.checkAvailability(req)
	}
	return &scheduler.Availability{Available: true}, nil
}

func (m *mockScheduler) ScheduleSession(_ context.Context, req scheduler.ScheduleRequest) (*scheduler.ScheduleResult, error) {
	if m.scheduleSession != nil {
		return m.scheduleSession(req)
	}
	return &scheduler.ScheduleResult{Session: &model.ScheduledSession{ID: "ses_new", UserID: req.UserID}}, nil
}

func (m *mockScheduler) CancelSession(_ context.Context, sessionID string) (*model.ScheduledSession, error) {
	if m.cancelSession != nil {
		return m.cancelSession(sessionID)
	}
	return &model.ScheduledSession{ID: sessionID, Status: model.SessionCancelled}, nil
}

func (m *mockScheduler) ListSessions(_ context.Context, userID string) ([]model.ScheduledSession, error) {
	if m.listSessions != nil {
		return m.listSessions(userID)
	}
	return nil, nil
}

func (m *mockScheduler) SetLicenseSharing(_ context.Context, userID string, allow bool, maxConcurrent int) (*model.Instance, error) {
	if m.setSharing != nil {
		return m.setSharing(userID, allow, maxConcurrent)
	}
	return &model.Instance{UserID: userID, AllowLicenseSharing: allow}, nil
}

func (m *mockScheduler) OnDemandLicense(_ context.Context, userID string) (*string, []byte, error) {
	if m.onDemandLicense != nil {
		return m.onDemandLicense(userID)
	}
	return nil, nil, nil
}

type mockSweeps struct {
	prepareByID func(sessionID string) (*model.ScheduledSession, error)
	endSession  func(sessionID string) (*model.ScheduledSession, error)
}

func (m *mockSweeps) PrepareSessions(context.Context) (*sweep.PrepareReport, error) {
	return &sweep.PrepareReport{}, nil
}

func (m *mockSweeps) AutoShutdownCheck(context.Context) (*sweep.ShutdownReport, error) {
	return &sweep.ShutdownReport{}, nil
}

func (m *mockSweeps) PrepareSessionByID(_ context.Context, sessionID string) (*model.ScheduledSession, error) {
	if m.prepareByID != nil {
		return m.prepareByID(sessionID)
	}
	return &model.ScheduledSession{ID: sessionID, Status: model.SessionActive}, nil
}

func (m *mockSweeps) EndSession(_ context.Context, sessionID string) (*model.ScheduledSession, error) {
	if m.endSession != nil {
		return m.endSession(sessionID)
	}
	return &model.ScheduledSession{ID: sessionID, Status: model.SessionCompleted}, nil
}

type mockLedger struct{}

func (mockLedger) GetUserMonthlyCosts(_ context.Context, userID string) (model.MonthlyCost, error) {
	return model.MonthlyCost{UserID: userID}, nil
}

func (mockLedger) GetAllUsersCosts(context.Context) ([]model.MonthlyCost, error) {
	return nil, nil
}

type mockDispatchStore struct {
	maintenance bool
	maintSets   []bool
	getSession  func(sessionID string) (*model.ScheduledSession, error)
	running     []model.Instance
	sessions    []model.ScheduledSession
}

func (m *mockDispatchStore) MaintenanceMode(context.Context) (bool, error) {
	return m.maintenance, nil
}

func (m *mockDispatchStore) SetMaintenanceMode(_ context.Context, on bool) error {
	m.maintenance = on
	m.maintSets = append(m.maintSets, on)
	return nil
}

func (m *mockDispatchStore) GetSession(_ context.Context, sessionID string) (*model.ScheduledSession, error) {
	if m.getSession != nil {
		return m.getSession(sessionID)
	}
	return nil, fault.NotFoundf("session %s", sessionID)
}

func (m *mockDispatchStore) ListRunningInstances(context.Context) ([]model.Instance, error) {
	return m.running, nil
}

func (m *mockDispatchStore) ListNonTerminalSessions(context.Context) ([]model.ScheduledSession, error) {
	return m.sessions, nil
}

func (m *mockDispatchStore) ListActivePools(context.Context) ([]model.LicensePool, error) {
	return nil, nil
}

func testDispatcher(lc *mockLifecycle, sch *mockScheduler, st *mockDispatchStore) *Dispatcher {
	if lc == nil {
		lc = &mockLifecycle{}
	}
	if sch == nil {
		sch = &mockScheduler{}
	}
	if st == nil {
		st = &mockDispatchStore{}
	}
	return New(lc, sch, &mockSweeps{}, mockLedger{}, st)
}

func TestDo_AdminAction_RejectedForNonAdmin(t *testing.T) {
	d := testDispatcher(nil, nil, nil)
	res := d.Do(context.Background(), Caller{UserID: "usr_a"}, Request{Action: "list-all"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}
}

func TestDo_NonAdminActsOnSelfOnly(t *testing.T) {
	var stopped string
	lc := &mockLifecycle{stop: func(userID string) error {
		stopped = userID
		return nil
	}}
	d := testDispatcher(lc, nil, nil)
	res := d.Do(context.Background(), Caller{UserID: "usr_a"}, Request{Action: "stop", UserID: "usr_victim"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if stopped != "usr_a" {
		t.Fatalf("non-admin must be pinned to own user id, stopped %q", stopped)
	}
}

func TestDo_MaintenanceBlocksMutations(t *testing.T) {
	st := &mockDispatchStore{maintenance: true}
	d := testDispatcher(nil, nil, st)

	res := d.Do(context.Background(), Caller{UserID: "usr_a"}, Request{Action: "start"})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("mutating action during maintenance should 503, got %d", res.StatusCode)
	}

	// Reads stay open.
	res = d.Do(context.Background(), Caller{UserID: "usr_a"}, Request{Action: "status"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read during maintenance should pass, got %d", res.StatusCode)
	}

	// Admins ride through.
	res = d.Do(context.Background(), Caller{UserID: "usr_adm", Admin: true}, Request{Action: "start", UserID: "usr_a"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin mutation during maintenance should pass, got %d", res.StatusCode)
	}
}

func TestDo_FaultKindsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fault.NotFoundf("x"), http.StatusNotFound},
		{fault.Conflictf("x"), http.StatusConflict},
		{fault.Unavailablef("x"), http.StatusServiceUnavailable},
		{fault.PolicyViolationf("x"), http.StatusForbidden},
		{fault.Validationf("x"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		lc := &mockLifecycle{get: func(string) (*model.Instance, error) { return nil, tc.err }}
		d := testDispatcher(lc, nil, nil)
		res := d.Do(context.Background(), Caller{UserID: "usr_a"}, Request{Action: "status"})
		if res.StatusCode != tc.want {
			t.Fatalf("%v should map to %d, got %d", tc.err, tc.want, res.StatusCode)
		}
	}
}

func TestDo_StartUsesResolvedPoolLicense(t *testing.T) {
	owner := "usr_owner"
	sch := &mockScheduler{onDemandLicense: func(string) (*string, []byte, error) {
		return &owner, []byte(`{"access_key":"ak"}`), nil
	}}
	var gotOpts lifecycle.StartOptions
	lc := &mockLifecycle{start: func(_ string, opts lifecycle.StartOptions) (*model.Instance, error) {
		gotOpts = opts
		return &model.Instance{}, nil
	}}
	d := testDispatcher(lc, sch, nil)
	res := d.Do(context.Background(), Caller{UserID: "usr_p"}, Request{Action: "start"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if gotOpts.LicenseOwnerID == nil || *gotOpts.LicenseOwnerID != "usr_owner" {
		t.Fatalf("resolved license owner not passed to start: %v", gotOpts.LicenseOwnerID)
	}
	if len(gotOpts.Credential) == 0 {
		t.Fatalf("owner credentials not passed to start")
	}
}

func TestDo_CancelSession_OwnershipEnforced(t *testing.T) {
	st := &mockDispatchStore{getSession: func(sessionID string) (*model.ScheduledSession, error) {
		return &model.ScheduledSession{ID: sessionID, UserID: "usr_other"}, nil
	}}
	d := testDispatcher(nil, nil, st)
	res := d.Do(context.Background(), Caller{UserID: "usr_a"}, Request{Action: "cancel-session", SessionID: "ses_1"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign session cancel should 403, got %d", res.StatusCode)
	}
}

func TestDo_SystemMaintenance_StopsEverythingAndSetsFlag(t *testing.T) {
	st := &mockDispatchStore{
		running:  []model.Instance{{UserID: "usr_a"}, {UserID: "usr_b"}},
		sessions: []model.ScheduledSession{{ID: "ses_1", UserID: "usr_c"}},
	}
	var stopped []string
	lc := &mockLifecycle{stop: func(userID string) error {
		stopped = append(stopped, userID)
		return nil
	}}
	var cancelled []string
	sch := &mockScheduler{cancelSession: func(sessionID string) (*model.ScheduledSession, error) {
		cancelled = append(cancelled, sessionID)
		return &model.ScheduledSession{ID: sessionID, Status: model.SessionCancelled}, nil
	}}
	d := testDispatcher(lc, sch, st)
	res := d.Do(context.Background(), Caller{UserID: "usr_adm", Admin: true}, Request{Action: "admin-system-maintenance"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if !st.maintenance {
		t.Fatalf("maintenance flag not set")
	}
	if len(stopped) != 2 {
		t.Fatalf("all running instances should be stopped, got %v", stopped)
	}
	if len(cancelled) != 1 || cancelled[0] != "ses_1" {
		t.Fatalf("pending sessions should be cancelled, got %v", cancelled)
	}
	body, okCast := res.Body.(map[string]any)
	if !okCast {
		t.Fatalf("unexpected report body: %+v", res.Body)
	}
	if report := body["instancesStopped"].(bulkReport); report.Succeeded != 2 || report.Total != 2 {
		t.Fatalf("unexpected stop report: %+v", report)
	}
	if report := body["sessionsCancelled"].(bulkReport); report.Succeeded != 1 || report.Total != 1 {
		t.Fatalf("unexpected cancel report: %+v", report)
	}
}

func TestDo_UnknownAction_BadRequest(t *testing.T) {
	d := testDispatcher(nil, nil, nil)
	res := d.Do(context.Background(), Caller{UserID: "usr_a"}, Request{Action: "frobnicate"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
}
