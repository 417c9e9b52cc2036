package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelforge/backend/internal/authz"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/models"
)

// InsufficientFundsError is a business-rule result, not a system fault. It
// carries what the caller needs to render a pricing prompt.
type InsufficientFundsError struct {
	CurrentBalance int64
	Required       int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: have %d, need %d", e.CurrentBalance, e.Required)
}

// InvalidArgumentError rejects malformed deduct/grant requests before any mutation.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string { return e.Reason }

// LedgerStore is the repository surface the service needs.
type LedgerStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error)
	Append(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error)
}

type Service interface {
	GetBalance(ctx context.Context, caller authz.Caller, target uuid.UUID) (int64, error)
	Deduct(ctx context.Context, caller authz.Caller, amount int64, service string, metadata json.RawMessage) (int64, error)
	Grant(ctx context.Context, caller authz.Caller, target uuid.UUID, amount int64, reason string) (int64, error)
	Transactions(ctx context.Context, caller authz.Caller) ([]*models.CreditTransaction, error)

	// DeductInTx charges a metered action inside the caller's transaction,
	// so the charge commits or rolls back with the rest of the work.
	DeductInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, service string, metadata json.RawMessage) error
	// RefundInTx returns credits previously charged (failed render, etc.)
	// inside the caller's transaction, so the refund commits or rolls back
	// with the state change that earned it.
	RefundInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string, metadata json.RawMessage) error
	// SignupBonus records the starting credits for a new account.
	SignupBonus(ctx context.Context, userID uuid.UUID) error
}

type service struct {
	repo            LedgerStore
	startingCredits int64
}

// NewService creates the billing service. startingCredits is the signup bonus amount.
func NewService(repo LedgerStore, startingCredits int64) Service {
	return &service{repo: repo, startingCredits: startingCredits}
}

var _ Service = (*service)(nil)

func (s *service) GetBalance(ctx context.Context, caller authz.Caller, target uuid.UUID) (int64, error) {
	if err := authz.Authorize(caller, authz.ActionReadBalance, target); err != nil {
		return 0, err
	}
	return s.repo.Balance(ctx, target)
}

func (s *service) Deduct(ctx context.Context, caller authz.Caller, amount int64, svcName string, metadata json.RawMessage) (int64, error) {
	if amount <= 0 {
		return 0, &InvalidArgumentError{Reason: "amount must be > 0"}
	}
	if svcName == "" {
		return 0, &InvalidArgumentError{Reason: "service is required"}
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin deduct tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.deduct(ctx, tx, caller.ID, amount, svcName, metadata); err != nil {
		return 0, err
	}
	// Read the trigger-updated balance inside the transaction: this is the
	// balance this deduction produced, regardless of concurrent deductions
	// landing around the commit.
	newBalance, err := s.repo.BalanceForUpdate(ctx, tx, caller.ID)
	if err != nil {
		return 0, fmt.Errorf("read balance after deduct: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit deduct tx: %w", err)
	}
	metrics.CreditDeductions.Inc()
	return newBalance, nil
}

func (s *service) DeductInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, svcName string, metadata json.RawMessage) error {
	if amount <= 0 {
		return &InvalidArgumentError{Reason: "amount must be > 0"}
	}
	if svcName == "" {
		return &InvalidArgumentError{Reason: "service is required"}
	}
	if err := s.deduct(ctx, tx, userID, amount, svcName, metadata); err != nil {
		return err
	}
	metrics.CreditDeductions.Inc()
	return nil
}

// deduct locks the derived balance row, checks cover, and appends the
// negative ledger row. The balance itself is updated by the trigger.
func (s *service) deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, svcName string, metadata json.RawMessage) error {
	balance, err := s.repo.BalanceForUpdate(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("lock balance: %w", err)
	}
	if balance < amount {
		metrics.InsufficientFunds.Inc()
		return &InsufficientFundsError{CurrentBalance: balance, Required: amount}
	}
	return s.repo.Append(ctx, tx, &models.CreditTransaction{
		UserID:          userID,
		Amount:          -amount,
		TransactionType: models.CreditTxDeduction,
		Description:     svcName,
		Metadata:        metadata,
	})
}

func (s *service) Grant(ctx context.Context, caller authz.Caller, target uuid.UUID, amount int64, reason string) (int64, error) {
	if err := authz.Authorize(caller, authz.ActionGrantCredits, target); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, &InvalidArgumentError{Reason: "amount must be > 0"}
	}
	if err := s.append(ctx, target, amount, models.CreditTxGrant, reason, nil); err != nil {
		return 0, err
	}
	return s.repo.Balance(ctx, target)
}

func (s *service) RefundInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string, metadata json.RawMessage) error {
	if amount <= 0 {
		return nil
	}
	return s.repo.Append(ctx, tx, &models.CreditTransaction{
		UserID:          userID,
		Amount:          amount,
		TransactionType: models.CreditTxRefund,
		Description:     description,
		Metadata:        metadata,
	})
}

func (s *service) SignupBonus(ctx context.Context, userID uuid.UUID) error {
	if s.startingCredits <= 0 {
		return nil
	}
	return s.append(ctx, userID, s.startingCredits, models.CreditTxSignupBonus, "starting credits", nil)
}

func (s *service) Transactions(ctx context.Context, caller authz.Caller) ([]*models.CreditTransaction, error) {
	return s.repo.ListByUser(ctx, caller.ID)
}

// append inserts a positive ledger row in its own transaction.
func (s *service) append(ctx context.Context, userID uuid.UUID, amount int64, txType, description string, metadata json.RawMessage) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.repo.Append(ctx, tx, &models.CreditTransaction{
		UserID:          userID,
		Amount:          amount,
		TransactionType: txType,
		Description:     description,
		Metadata:        metadata,
	}); err != nil {
		return fmt.Errorf("append %s: %w", txType, err)
	}
	return tx.Commit(ctx)
}
