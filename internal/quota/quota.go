package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docent/pkg/logging"
)

// Decision is the outcome of a pre-generation quota check. Reason carries a
// human-readable explanation when Allowed is false and is surfaced verbatim
// to the caller.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Denial reasons.
const (
	reasonNoPlan       = "no active plan for this account"
	reasonLimitReached = "monthly message limit reached"
	reasonNoCredits    = "message credits exhausted"
)

// Service gates AI response generation on the tenant's plan limits and
// credit balance, and records consumption after a response has been
// persisted.
type Service struct {
	db     *sql.DB
	logger logging.Logger
}

func NewService(db *sql.DB, logger logging.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// CheckMessageQuota reports whether the tenant may generate another AI
// response in the current billing period. A tenant without a usage row has
// no active plan and is denied.
func (s *Service) CheckMessageQuota(ctx context.Context, tenantID string) (Decision, error) {
	if tenantID == "" {
		return Decision{}, fmt.Errorf("tenant ID is required")
	}

	var used, limit, credits int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT ai_messages_used, message_limit, credit_balance
		 FROM docent.tenant_usage
		 WHERE tenant_id = $1 AND period = $2`,
		tenantID,
		currentPeriod(),
	).Scan(&used, &limit, &credits)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{Allowed: false, Reason: reasonNoPlan}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("check message quota: %w", err)
	}

	if limit > 0 && used >= limit {
		return Decision{Allowed: false, Reason: reasonLimitReached}, nil
	}
	if limit == 0 && credits <= 0 {
		return Decision{Allowed: false, Reason: reasonNoCredits}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordMessageUsage counts one generated AI response against the tenant's
// current period. Credit-metered tenants (no plan limit) also burn one
// credit.
func (s *Service) RecordMessageUsage(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE docent.tenant_usage
		 SET ai_messages_used = ai_messages_used + 1,
		     credit_balance = CASE WHEN message_limit = 0 THEN credit_balance - 1 ELSE credit_balance END
		 WHERE tenant_id = $1 AND period = $2`,
		tenantID,
		currentPeriod(),
	)
	if err != nil {
		return fmt.Errorf("record message usage: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("record message usage: no usage row for tenant %s", tenantID)
	}
	return nil
}

// RecordTrainingRun counts one completed knowledge-base training run
// against the tenant's current period.
func (s *Service) RecordTrainingRun(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE docent.tenant_usage
		 SET training_runs = training_runs + 1
		 WHERE tenant_id = $1 AND period = $2`,
		tenantID,
		currentPeriod(),
	)
	if err != nil {
		return fmt.Errorf("record training run: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("record training run: no usage row for tenant %s", tenantID)
	}
	return nil
}

// currentPeriod is the billing period key, one per calendar month.
func currentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}
