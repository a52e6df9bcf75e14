package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/atelierhq/atelier-control-plane/internal/fault"
	"github.com/atelierhq/atelier-control-plane/internal/model"
)

func sessionRows(id, userID, status string, start, end time.Time) *pgxmock.Rows {
	now := time.Now().UTC()
	licenseID := "byol-" + userID
	return pgxmock.NewRows([]string{
		"id", "user_id", "username", "start_time", "end_time", "license_type", "license_id",
		"title", "description", "status", "instance_id", "created_at", "updated_at",
	}).AddRow(
		id, userID, "ada", start, end, "byol", &licenseID,
		"", "", status, nil, now, now,
	)
}

func TestCreateSessionWithReservation_SingleTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	start := time.Now().UTC().Add(time.Hour)
	end := start.Add(2 * time.Hour)
	licenseID := "byol-usr_a"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock")).
		WithArgs("byol-usr_a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("from license_reservations")).
		WithArgs("byol-usr_a", start, end).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("insert into scheduled_sessions")).
		WithArgs("ses_1", "usr_b", "bob", start, end, model.LicensePooled, &licenseID, "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into license_reservations")).
		WithArgs("rsv_1", "byol-usr_a", "ses_1", start, end).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := New(mock)
	err = s.CreateSessionWithReservation(context.Background(),
		&model.ScheduledSession{
			ID: "ses_1", UserID: "usr_b", Username: "bob",
			StartTime: start, EndTime: end,
			LicenseType: model.LicensePooled, LicenseID: &licenseID,
		},
		&model.LicenseReservation{
			ID: "rsv_1", LicenseID: "byol-usr_a", SessionID: "ses_1",
			StartTime: start, EndTime: end,
		}, 1)
	if err != nil {
		t.Fatalf("CreateSessionWithReservation returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSessionWithReservation_ReservationFails_RollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	start := time.Now().UTC().Add(time.Hour)
	end := start.Add(time.Hour)
	licenseID := "byol-usr_a"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock")).
		WithArgs("byol-usr_a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("from license_reservations")).
		WithArgs("byol-usr_a", start, end).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("insert into scheduled_sessions")).
		WithArgs("ses_2", "usr_b", "bob", start, end, model.LicensePooled, &licenseID, "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into license_reservations")).
		WithArgs("rsv_2", "byol-usr_a", "ses_2", start, end).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	s := New(mock)
	err = s.CreateSessionWithReservation(context.Background(),
		&model.ScheduledSession{
			ID: "ses_2", UserID: "usr_b", Username: "bob",
			StartTime: start, EndTime: end,
			LicenseType: model.LicensePooled, LicenseID: &licenseID,
		},
		&model.LicenseReservation{
			ID: "rsv_2", LicenseID: "byol-usr_a", SessionID: "ses_2",
			StartTime: start, EndTime: end,
		}, 1)
	if err == nil {
		t.Fatalf("expected error when reservation insert fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSessionWithReservation_FullyBooked_Unavailable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	start := time.Now().UTC().Add(time.Hour)
	end := start.Add(time.Hour)
	licenseID := "byol-usr_a"

	// A racing admission may have taken the last seat after the
	// scheduler's own availability check. The recount under the
	// advisory lock catches it; nothing is inserted.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock")).
		WithArgs("byol-usr_a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("from license_reservations")).
		WithArgs("byol-usr_a", start, end).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	s := New(mock)
	err = s.CreateSessionWithReservation(context.Background(),
		&model.ScheduledSession{
			ID: "ses_3", UserID: "usr_b", Username: "bob",
			StartTime: start, EndTime: end,
			LicenseType: model.LicensePooled, LicenseID: &licenseID,
		},
		&model.LicenseReservation{
			ID: "rsv_3", LicenseID: "byol-usr_a", SessionID: "ses_3",
			StartTime: start, EndTime: end,
		}, 2)
	if !errors.Is(err, fault.ErrUnavailable) {
		t.Fatalf("expected Unavailable when license is fully booked, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompleteSessionsPastEnd_ClosesOrphanedSessions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update scheduled_sessions")).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(regexp.QuoteMeta("update license_reservations")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	s := New(mock)
	n, err := s.CompleteSessionsPastEnd(context.Background(), now)
	if err != nil {
		t.Fatalf("CompleteSessionsPastEnd returned err: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions completed, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkSessionActive_AlreadyPromoted_Skipped(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update scheduled_sessions")).
		WithArgs("ses_1", "byol-usr_a", "usr_b").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := New(mock)
	promoted, err := s.MarkSessionActive(context.Background(), "ses_1", "byol-usr_a", "usr_b")
	if err != nil {
		t.Fatalf("MarkSessionActive returned err: %v", err)
	}
	if promoted {
		t.Fatalf("expected promoted=false for already-active session")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelSession_Terminal_Conflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	start := time.Now().UTC().Add(-3 * time.Hour)
	end := start.Add(2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from scheduled_sessions where id = $1")).
		WithArgs("ses_done").
		WillReturnRows(sessionRows("ses_done", "usr_a", "completed", start, end))
	mock.ExpectExec(regexp.QuoteMeta("update scheduled_sessions")).
		WithArgs("ses_done").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	s := New(mock)
	_, err = s.CancelSession(context.Background(), "ses_done")
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected Conflict for terminal session, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelSession_Active_ReturnsPreCancelRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	start := time.Now().UTC().Add(-time.Hour)
	end := start.Add(3 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from scheduled_sessions where id = $1")).
		WithArgs("ses_live").
		WillReturnRows(sessionRows("ses_live", "usr_a", "active", start, end))
	mock.ExpectExec(regexp.QuoteMeta("update scheduled_sessions")).
		WithArgs("ses_live").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("update license_reservations")).
		WithArgs("ses_live").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s := New(mock)
	prev, err := s.CancelSession(context.Background(), "ses_live")
	if err != nil {
		t.Fatalf("CancelSession returned err: %v", err)
	}
	if prev.Status != model.SessionActive {
		t.Fatalf("expected pre-cancel status active, got %s", prev.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCountOverlappingReservations_HalfOpenWindow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("start_time < $3 and end_time > $2")).
		WithArgs("byol-usr_a", start, end).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	s := New(mock)
	n, err := s.CountOverlappingReservations(context.Background(), "byol-usr_a", start, end)
	if err != nil {
		t.Fatalf("CountOverlappingReservations returned err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 overlap, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
