// Package ledger keeps subscription credit balances. Every balance change is
// written together with a CreditTransaction whose balance_after equals the
// new balance, so the transaction log alone can reconstruct any balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSubscriptionExists  = errors.New("subscription already exists")
)

// InsufficientCreditsError reports a failed pre-flight charge.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

type Ledger struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   logger.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

// Deduct charges amount credits for operation. The subscription row stays
// locked only for the read-compare-decrement-insert span.
func (l *Ledger) Deduct(ctx context.Context, userID uuid.UUID, amount int, operation string, jobID *uuid.UUID) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduction amount must be positive, got %d", amount)
	}

	var txn *models.CreditTransaction
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if errors.Is(err, ErrNoSubscription) {
			return &InsufficientCreditsError{Required: amount, Available: 0}
		}
		if err != nil {
			return err
		}
		if !sub.CanSpend(l.now()) {
			return &InsufficientCreditsError{Required: amount, Available: 0}
		}
		if sub.CreditsBalance < amount {
			return &InsufficientCreditsError{Required: amount, Available: sub.CreditsBalance}
		}

		txn, err = l.apply(ctx, tx, sub, models.TransactionDeduction, -amount, operation,
			fmt.Sprintf("Used %d credits for %s", amount, operation), jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("user_id", userID.String()).
		Int("amount", amount).
		Int("balance_after", txn.BalanceAfter).
		Str("operation", operation).
		Msg("credits deducted")
	return txn, nil
}

// Refund credits amount back for a failed job. It is best effort: a missing
// or no longer eligible subscription is logged and yields (nil, nil), and a
// job that already has a refund is not refunded again.
func (l *Ledger) Refund(ctx context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, operation string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, nil
	}

	var txn *models.CreditTransaction
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if errors.Is(err, ErrNoSubscription) {
			l.log.Warn().Str("user_id", userID.String()).Str("job_id", jobID.String()).
				Msg("no subscription found during refund, skipping")
			return nil
		}
		if err != nil {
			return err
		}
		if !sub.CanSpend(l.now()) {
			l.log.Warn().Str("user_id", userID.String()).Str("status", string(sub.Status)).
				Str("job_id", jobID.String()).Msg("subscription not eligible for refund, skipping")
			return nil
		}

		done, err := tx.HasRefund(ctx, jobID)
		if err != nil {
			return err
		}
		if done {
			l.log.Info().Str("job_id", jobID.String()).Msg("job already refunded")
			return nil
		}

		txn, err = l.apply(ctx, tx, sub, models.TransactionRefund, amount, operation,
			fmt.Sprintf("Refund %d credits for failed %s", amount, operation), &jobID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refund credits: %w", err)
	}

	if txn != nil {
		l.log.Info().Str("user_id", userID.String()).Str("job_id", jobID.String()).
			Int("amount", amount).Int("balance_after", txn.BalanceAfter).Msg("credits refunded")
	}
	return txn, nil
}

// Reverse returns a charge whose job was never created. The refund row
// carries no job id, so it cannot collide with the refund of another job that
// shares the requested id.
func (l *Ledger) Reverse(ctx context.Context, userID uuid.UUID, amount int, operation string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, nil
	}

	var txn *models.CreditTransaction
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if errors.Is(err, ErrNoSubscription) {
			l.log.Warn().Str("user_id", userID.String()).Msg("no subscription found during reversal, skipping")
			return nil
		}
		if err != nil {
			return err
		}
		txn, err = l.apply(ctx, tx, sub, models.TransactionRefund, amount, operation,
			fmt.Sprintf("Reverse %d credits for unsubmitted %s", amount, operation), nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reverse charge: %w", err)
	}

	if txn != nil {
		l.log.Info().Str("user_id", userID.String()).Int("amount", amount).
			Int("balance_after", txn.BalanceAfter).Msg("charge reversed")
	}
	return txn, nil
}

// Reward grants bonus credits. It never fails the caller; users without an
// active or trialing subscription are skipped.
func (l *Ledger) Reward(ctx context.Context, userID uuid.UUID, amount int, reason string) {
	if amount <= 0 {
		return
	}

	err := l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if errors.Is(err, ErrNoSubscription) {
			return nil
		}
		if err != nil {
			return err
		}
		if sub.Status != models.SubscriptionStatusActive && sub.Status != models.SubscriptionStatusTrialing {
			l.log.Info().Str("user_id", userID.String()).Msg("skipping reward: no active subscription")
			return nil
		}
		_, err = l.apply(ctx, tx, sub, models.TransactionAdjustment, amount, "reward", reason, nil)
		return err
	})
	if err != nil {
		l.log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to grant reward")
	}
}

// Renew starts a new billing period. Any unused balance is expired by its own
// transaction before the fresh allocation, so the log explains the reset.
// A user without a subscription gets an active one.
func (l *Ledger) Renew(ctx context.Context, userID uuid.UUID, credits int, periodStart, periodEnd time.Time) (*models.CreditTransaction, error) {
	if credits < 0 {
		return nil, fmt.Errorf("allocation must not be negative, got %d", credits)
	}

	var alloc *models.CreditTransaction
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if errors.Is(err, ErrNoSubscription) {
			sub = l.newSubscription(userID, models.SubscriptionStatusActive)
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if sub.CreditsBalance > 0 {
			if _, err := l.apply(ctx, tx, sub, models.TransactionExpiration, -sub.CreditsBalance, "renewal",
				fmt.Sprintf("Expired %d unused credits at period end", sub.CreditsBalance), nil); err != nil {
				return err
			}
		}

		sub.Status = models.SubscriptionStatusActive
		sub.CreditsTotal = credits
		sub.CurrentPeriodStart = &periodStart
		sub.CurrentPeriodEnd = &periodEnd
		sub.CanceledAt = nil

		alloc, err = l.apply(ctx, tx, sub, models.TransactionAllocation, credits, "renewal",
			fmt.Sprintf("Allocated %d credits for period ending %s", credits, periodEnd.Format("2006-01-02")), nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("user_id", userID.String()).Int("credits", credits).Msg("subscription renewed")
	return alloc, nil
}

// StartTrial creates a trialing subscription with its trial allocation.
func (l *Ledger) StartTrial(ctx context.Context, userID uuid.UUID, planID string, credits int, trialEnd time.Time) (*models.CreditTransaction, error) {
	var txn *models.CreditTransaction
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSubscription(ctx, userID); err == nil {
			return ErrSubscriptionExists
		} else if !errors.Is(err, ErrNoSubscription) {
			return err
		}

		now := l.now()
		sub := l.newSubscription(userID, models.SubscriptionStatusTrialing)
		sub.PlanID = planID
		sub.CreditsTotal = credits
		sub.TrialStartedAt = &now
		sub.TrialEndsAt = &trialEnd
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &trialEnd
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}

		var err error
		txn, err = l.apply(ctx, tx, sub, models.TransactionTrialAllocation, credits, "trial",
			fmt.Sprintf("Trial allocation of %d credits", credits), nil)
		return err
	})
	return txn, err
}

// Adjust applies an operator correction. The balance may not go negative.
func (l *Ledger) Adjust(ctx context.Context, userID uuid.UUID, delta int, description string) (*models.CreditTransaction, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjustment must be non-zero")
	}

	var txn *models.CreditTransaction
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if sub.CreditsBalance+delta < 0 {
			return &InsufficientCreditsError{Required: -delta, Available: sub.CreditsBalance}
		}
		txn, err = l.apply(ctx, tx, sub, models.TransactionAdjustment, delta, "adjustment", description, nil)
		return err
	})
	return txn, err
}

// Cancel stops renewal. The remaining balance stays spendable until the
// current period ends.
func (l *Ledger) Cancel(ctx context.Context, userID uuid.UUID) error {
	return l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if err != nil {
			return err
		}
		now := l.now()
		sub.Status = models.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.UpdatedAt = now
		return tx.UpdateSubscription(ctx, sub)
	})
}

// Close ends a subscription as expired or revoked, expiring whatever balance
// is left.
func (l *Ledger) Close(ctx context.Context, userID uuid.UUID, status models.SubscriptionStatus) error {
	if status != models.SubscriptionStatusExpired && status != models.SubscriptionStatusRevoked {
		return fmt.Errorf("cannot close subscription with status %q", status)
	}

	return l.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if sub.CreditsBalance > 0 {
			if _, err := l.apply(ctx, tx, sub, models.TransactionExpiration, -sub.CreditsBalance, string(status),
				fmt.Sprintf("Expired %d credits: subscription %s", sub.CreditsBalance, status), nil); err != nil {
				return err
			}
		}
		sub.Status = status
		sub.UpdatedAt = l.now()
		return tx.UpdateSubscription(ctx, sub)
	})
}

func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return l.store.GetSubscription(ctx, userID)
}

func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.ListTransactions(ctx, userID, limit)
}

// apply moves the balance by amount and records the matching transaction in
// the same unit of work.
func (l *Ledger) apply(ctx context.Context, tx Tx, sub *models.Subscription, typ models.TransactionType, amount int, operation, description string, jobID *uuid.UUID) (*models.CreditTransaction, error) {
	balance := sub.CreditsBalance + amount
	if balance < 0 {
		return nil, fmt.Errorf("balance would become negative (%d)", balance)
	}

	now := l.now()
	sub.CreditsBalance = balance
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	txn := &models.CreditTransaction{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Type:           typ,
		Amount:         amount,
		BalanceAfter:   balance,
		Operation:      operation,
		Description:    description,
		JobID:          jobID,
		CreatedAt:      now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to record %s transaction: %w", typ, err)
	}
	return txn, nil
}

func (l *Ledger) newSubscription(userID uuid.UUID, status models.SubscriptionStatus) *models.Subscription {
	now := l.now()
	return &models.Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		PlanID:    "pro",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
