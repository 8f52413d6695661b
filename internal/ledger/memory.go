package ledger

import (
	"context"
	"sync"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Units of work are serialized by a single
// mutex and staged on copies, so a failed unit of work leaves no trace.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[uuid.UUID]models.Subscription // keyed by user
	txns []models.CreditTransaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]models.Subscription)}
}

// Put seeds a subscription without writing a transaction.
func (m *MemoryStore) Put(sub models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.UserID] = sub
}

// Transactions returns every transaction for userID, oldest first.
func (m *MemoryStore) Transactions(userID uuid.UUID) []models.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreditTransaction
	for _, t := range m.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged := &memoryTx{
		store: m,
		subs:  make(map[uuid.UUID]models.Subscription, len(m.subs)),
	}
	for k, v := range m.subs {
		staged.subs[k] = v
	}

	if err := fn(staged); err != nil {
		return err
	}

	m.subs = staged.subs
	m.txns = append(m.txns, staged.txns...)
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, ErrNoSubscription
	}
	return &sub, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CreditTransaction
	for _, t := range m.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryTx struct {
	store *MemoryStore
	subs  map[uuid.UUID]models.Subscription
	txns  []models.CreditTransaction
}

func (t *memoryTx) LockSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	sub, ok := t.subs[userID]
	if !ok {
		return nil, ErrNoSubscription
	}
	return &sub, nil
}

func (t *memoryTx) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if _, ok := t.subs[sub.UserID]; ok {
		return ErrSubscriptionExists
	}
	t.subs[sub.UserID] = *sub
	return nil
}

func (t *memoryTx) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	if _, ok := t.subs[sub.UserID]; !ok {
		return ErrNoSubscription
	}
	t.subs[sub.UserID] = *sub
	return nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	t.txns = append(t.txns, *txn)
	return nil
}

func (t *memoryTx) HasRefund(ctx context.Context, jobID uuid.UUID) (bool, error) {
	for _, list := range [][]models.CreditTransaction{t.store.txns, t.txns} {
		for _, txn := range list {
			if txn.Type == models.TransactionRefund && txn.JobID != nil && *txn.JobID == jobID {
				return true, nil
			}
		}
	}
	return false, nil
}
