package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const subscriptionColumns = `
	id, user_id, plan_id, status, credits_balance, credits_total,
	trial_started_at, trial_ends_at, current_period_start, current_period_end,
	canceled_at, created_at, updated_at`

// LedgerStore is the Postgres ledger.Store.
type LedgerStore struct {
	db *DB
}

func (db *DB) LedgerStore() *LedgerStore {
	return &LedgerStore{db: db}
}

var _ ledger.Store = (*LedgerStore)(nil)

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CreditsBalance,
		&sub.CreditsTotal, &sub.TrialStartedAt, &sub.TrialEndsAt,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CanceledAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// WithinTx runs fn in one database transaction, rolling back on any error.
func (s *LedgerStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&ledgerTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if err != nil && !errors.Is(err, ledger.ErrNoSubscription) {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, err
}

func (s *LedgerStore) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.CreditTransaction, error) {
	query := `
		SELECT id, subscription_id, user_id, type, amount, balance_after,
		       COALESCE(operation_type, ''), description, job_id, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(
			&t.ID, &t.SubscriptionID, &t.UserID, &t.Type, &t.Amount,
			&t.BalanceAfter, &t.Operation, &t.Description, &t.JobID, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txns, nil
}

type ledgerTx struct {
	tx *sql.Tx
}

// LockSubscription holds the row lock until the surrounding transaction ends.
func (t *ledgerTx) LockSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 FOR UPDATE`
	sub, err := scanSubscription(t.tx.QueryRowContext(ctx, query, userID))
	if err != nil && !errors.Is(err, ledger.ErrNoSubscription) {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return sub, err
}

func (t *ledgerTx) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := t.tx.ExecContext(ctx, query,
		sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.CreditsBalance,
		sub.CreditsTotal, sub.TrialStartedAt, sub.TrialEndsAt,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CanceledAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ledger.ErrSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (t *ledgerTx) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan_id = $2, status = $3, credits_balance = $4, credits_total = $5,
		    trial_started_at = $6, trial_ends_at = $7, current_period_start = $8,
		    current_period_end = $9, canceled_at = $10, updated_at = $11
		WHERE id = $1
	`
	res, err := t.tx.ExecContext(ctx, query,
		sub.ID, sub.PlanID, sub.Status, sub.CreditsBalance, sub.CreditsTotal,
		sub.TrialStartedAt, sub.TrialEndsAt, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.CanceledAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNoSubscription
	}
	return nil
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	query := `
		INSERT INTO credit_transactions (
			id, subscription_id, user_id, type, amount, balance_after,
			operation_type, description, job_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`
	_, err := t.tx.ExecContext(ctx, query,
		txn.ID, txn.SubscriptionID, txn.UserID, txn.Type, txn.Amount,
		txn.BalanceAfter, txn.Operation, txn.Description, txn.JobID, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *ledgerTx) HasRefund(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE job_id = $1 AND type = 'refund')`,
		jobID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check refund: %w", err)
	}
	return exists, nil
}
