package quota

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"docent/pkg/logging"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewService(db, logging.NewLogger()), mock, func() { db.Close() }
}

func expectUsageRow(mock sqlmock.Sqlmock, used, limit, credits int) {
	mock.ExpectQuery(`SELECT ai_messages_used, message_limit, credit_balance`).
		WithArgs("tenant-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"ai_messages_used", "message_limit", "credit_balance"}).
			AddRow(used, limit, credits))
}

func TestCheckMessageQuotaAllowed(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectUsageRow(mock, 10, 500, 0)

	decision, err := svc.CheckMessageQuota(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed, got %+v", decision)
	}
}

func TestCheckMessageQuotaLimitReached(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectUsageRow(mock, 500, 500, 0)

	decision, err := svc.CheckMessageQuota(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial at the plan limit")
	}
	if decision.Reason != reasonLimitReached {
		t.Fatalf("unexpected reason %q", decision.Reason)
	}
}

func TestCheckMessageQuotaCreditMetered(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	// No plan limit: the tenant runs on credits alone.
	expectUsageRow(mock, 42, 0, 3)

	decision, err := svc.CheckMessageQuota(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed with credits remaining, got %+v", decision)
	}
}

func TestCheckMessageQuotaNoCredits(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectUsageRow(mock, 42, 0, 0)

	decision, err := svc.CheckMessageQuota(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial with no credits")
	}
	if decision.Reason != reasonNoCredits {
		t.Fatalf("unexpected reason %q", decision.Reason)
	}
}

func TestCheckMessageQuotaNoPlan(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT ai_messages_used, message_limit, credit_balance`).
		WithArgs("tenant-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"ai_messages_used", "message_limit", "credit_balance"}))

	decision, err := svc.CheckMessageQuota(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("missing usage row must not be an error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial without a usage row")
	}
	if decision.Reason != reasonNoPlan {
		t.Fatalf("unexpected reason %q", decision.Reason)
	}
}

func TestRecordMessageUsage(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE docent\.tenant_usage`).
		WithArgs("tenant-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.RecordMessageUsage(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordMessageUsageMissingRow(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE docent\.tenant_usage`).
		WithArgs("tenant-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := svc.RecordMessageUsage(context.Background(), "tenant-1"); err == nil {
		t.Fatal("expected error when no usage row exists")
	}
}

func TestRecordTrainingRun(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE docent\.tenant_usage`).
		WithArgs("tenant-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.RecordTrainingRun(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordTrainingRunMissingRow(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE docent\.tenant_usage`).
		WithArgs("tenant-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := svc.RecordTrainingRun(context.Background(), "tenant-1"); err == nil {
		t.Fatal("expected error when no usage row exists")
	}
}
