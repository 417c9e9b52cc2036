package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelforge/backend/internal/models"
)

// Repository reads the trigger-derived balance row and appends ledger rows.
// It never writes the balance column: credit_balances is maintained solely by
// the apply_credit_transaction trigger folding the append-only log.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Balance returns the derived balance, or 0 when no row exists yet.
func (r *Repository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var b int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM credit_balances WHERE user_id = $1
	`, userID).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b, nil
}

// BalanceForUpdate locks the balance row so concurrent deductions for the
// same user serialize. A missing row means a zero balance; since zero can
// never cover a positive deduction there is nothing to lock in that case.
func (r *Repository) BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	var b int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM credit_balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b, nil
}

// Append inserts a ledger row inside the given transaction. The insert fires
// the balance trigger in the same transaction.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, amount, transaction_type, description, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, t.UserID, t.Amount, t.TransactionType, t.Description, t.Metadata).Scan(&t.ID, &t.CreatedAt)
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, transaction_type, description, metadata, created_at
		FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.TransactionType, &t.Description, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
