package ledger

import (
	"context"
	"errors"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
)

var ErrNoSubscription = errors.New("subscription not found")

// Store persists subscriptions and their transaction log.
//
// WithinTx runs fn as one durable unit of work: either every write fn makes
// is committed or none is. LockSubscription inside fn must hold an exclusive
// row lock until the unit of work ends, so two concurrent units of work for
// the same user serialize on it.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.CreditTransaction, error)
}

// Tx is the set of writes available inside a unit of work.
type Tx interface {
	LockSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error
	HasRefund(ctx context.Context, jobID uuid.UUID) (bool, error)
}
