package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestLedger(t *testing.T, status models.SubscriptionStatus, balance int) (*Ledger, *MemoryStore, uuid.UUID) {
	t.Helper()
	store := NewMemoryStore()
	userID := uuid.New()
	end := time.Now().Add(30 * 24 * time.Hour)
	store.Put(models.Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		PlanID:           "pro",
		Status:           status,
		CreditsBalance:   balance,
		CreditsTotal:     balance,
		CurrentPeriodEnd: &end,
	})
	return New(store, zerolog.Nop()), store, userID
}

// assertLedgerConsistent checks that the live balance equals the latest
// transaction's balance_after and that every transaction chains from the last.
func assertLedgerConsistent(t *testing.T, store *MemoryStore, userID uuid.UUID, opening int) {
	t.Helper()
	sub, err := store.GetSubscription(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	txns := store.Transactions(userID)
	running := opening
	for i, txn := range txns {
		running += txn.Amount
		if txn.BalanceAfter != running {
			t.Fatalf("transaction %d (%s): balance_after %d, want %d", i, txn.Type, txn.BalanceAfter, running)
		}
	}
	if len(txns) > 0 && txns[len(txns)-1].BalanceAfter != sub.CreditsBalance {
		t.Fatalf("live balance %d != latest balance_after %d", sub.CreditsBalance, txns[len(txns)-1].BalanceAfter)
	}
	if sub.CreditsBalance < 0 {
		t.Fatalf("negative balance %d", sub.CreditsBalance)
	}
}

func TestDeductRecordsBalanceAfter(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 100)
	ctx := context.Background()
	jobID := uuid.New()

	for _, amount := range []int{25, 10, 5} {
		before, _ := store.GetSubscription(ctx, userID)
		txn, err := l.Deduct(ctx, userID, amount, OpVideoGenerationStandard, &jobID)
		if err != nil {
			t.Fatalf("Deduct(%d): %v", amount, err)
		}
		if txn.BalanceAfter != before.CreditsBalance-amount {
			t.Errorf("balance_after %d, want %d", txn.BalanceAfter, before.CreditsBalance-amount)
		}
		if txn.Amount != -amount || txn.Type != models.TransactionDeduction {
			t.Errorf("unexpected transaction %+v", txn)
		}
		if txn.JobID == nil || *txn.JobID != jobID {
			t.Errorf("expected job correlation on deduction")
		}
	}

	assertLedgerConsistent(t, store, userID, 100)
}

func TestDeductInsufficient(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 9)

	_, err := l.Deduct(context.Background(), userID, 10, OpVideoGenerationFast, nil)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) || ice.Required != 10 || ice.Available != 9 {
		t.Fatalf("unexpected error detail: %v", err)
	}
	if err.Error() != "insufficient credits: need 10, have 9" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if len(store.Transactions(userID)) != 0 {
		t.Error("failed deduction must not write a transaction")
	}
}

func TestDeductEligibility(t *testing.T) {
	cases := []struct {
		status models.SubscriptionStatus
		ok     bool
	}{
		{models.SubscriptionStatusActive, true},
		{models.SubscriptionStatusTrialing, true},
		{models.SubscriptionStatusCanceled, true}, // period end is in the future
		{models.SubscriptionStatusExpired, false},
		{models.SubscriptionStatusRevoked, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			l, _, userID := newTestLedger(t, tc.status, 50)
			_, err := l.Deduct(context.Background(), userID, 5, OpFaceAnalysis, nil)
			if tc.ok && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInsufficientCredits) {
				t.Fatalf("expected ErrInsufficientCredits, got %v", err)
			}
		})
	}

	l := New(NewMemoryStore(), zerolog.Nop())
	if _, err := l.Deduct(context.Background(), uuid.New(), 5, OpFaceAnalysis, nil); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits without subscription, got %v", err)
	}
}

func TestConcurrentDeductExactlyOneSucceeds(t *testing.T) {
	const cost = 10
	const workers = 32
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, cost)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
		start        = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Deduct(context.Background(), userID, cost, OpVideoGenerationFast, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || insufficient != workers-1 {
		t.Fatalf("got %d successes and %d insufficient, want 1 and %d", successes, insufficient, workers-1)
	}
	sub, _ := store.GetSubscription(context.Background(), userID)
	if sub.CreditsBalance != 0 {
		t.Errorf("expected balance 0, got %d", sub.CreditsBalance)
	}
	assertLedgerConsistent(t, store, userID, cost)
}

func TestRefundIsIdempotentPerJob(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 25)
	ctx := context.Background()
	jobID := uuid.New()

	if _, err := l.Deduct(ctx, userID, 25, OpVideoGenerationStandard, &jobID); err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	first, err := l.Refund(ctx, userID, 25, jobID, OpVideoGenerationStandard)
	if err != nil || first == nil {
		t.Fatalf("first refund: %v %v", first, err)
	}
	if first.Amount != 25 || first.BalanceAfter != 25 || first.Type != models.TransactionRefund {
		t.Errorf("unexpected refund %+v", first)
	}

	second, err := l.Refund(ctx, userID, 25, jobID, OpVideoGenerationStandard)
	if err != nil || second != nil {
		t.Fatalf("second refund should be a no-op, got %v %v", second, err)
	}

	refunds := 0
	for _, txn := range store.Transactions(userID) {
		if txn.Type == models.TransactionRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("expected exactly one refund, got %d", refunds)
	}
	assertLedgerConsistent(t, store, userID, 25)
}

func TestReverseDoesNotBlockJobRefund(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 50)
	ctx := context.Background()
	jobID := uuid.New()

	for range 2 {
		if _, err := l.Deduct(ctx, userID, 25, OpVideoGenerationStandard, &jobID); err != nil {
			t.Fatalf("Deduct: %v", err)
		}
	}

	rev, err := l.Reverse(ctx, userID, 25, OpVideoGenerationStandard)
	if err != nil || rev == nil {
		t.Fatalf("Reverse: %v %v", rev, err)
	}
	if rev.JobID != nil || rev.BalanceAfter != 25 {
		t.Errorf("reversal must not name a job, got %+v", rev)
	}

	refund, err := l.Refund(ctx, userID, 25, jobID, OpVideoGenerationStandard)
	if err != nil || refund == nil {
		t.Fatalf("job refund after reversal should be written, got %v %v", refund, err)
	}
	if refund.BalanceAfter != 50 {
		t.Errorf("expected balance 50, got %d", refund.BalanceAfter)
	}
	assertLedgerConsistent(t, store, userID, 50)
}

func TestRefundWithoutSubscriptionIsBestEffort(t *testing.T) {
	l := New(NewMemoryStore(), zerolog.Nop())
	txn, err := l.Refund(context.Background(), uuid.New(), 25, uuid.New(), OpVideoGenerationStandard)
	if err != nil || txn != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", txn, err)
	}
}

func TestRewardSkipsInactive(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusExpired, 0)
	l.Reward(context.Background(), userID, 50, "template remix")
	if len(store.Transactions(userID)) != 0 {
		t.Error("expected reward to be skipped")
	}

	l, store, userID = newTestLedger(t, models.SubscriptionStatusTrialing, 10)
	l.Reward(context.Background(), userID, 50, "template remix")
	txns := store.Transactions(userID)
	if len(txns) != 1 || txns[0].Type != models.TransactionAdjustment || txns[0].BalanceAfter != 60 {
		t.Fatalf("unexpected reward transactions %+v", txns)
	}
}

func TestRenewExpiresThenAllocates(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 40)
	ctx := context.Background()
	start := time.Now()
	end := start.Add(30 * 24 * time.Hour)

	alloc, err := l.Renew(ctx, userID, 500, start, end)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if alloc.Type != models.TransactionAllocation || alloc.BalanceAfter != 500 {
		t.Errorf("unexpected allocation %+v", alloc)
	}

	txns := store.Transactions(userID)
	if len(txns) != 2 {
		t.Fatalf("expected expiration + allocation, got %d transactions", len(txns))
	}
	if txns[0].Type != models.TransactionExpiration || txns[0].Amount != -40 || txns[0].BalanceAfter != 0 {
		t.Errorf("unexpected expiration %+v", txns[0])
	}
	assertLedgerConsistent(t, store, userID, 40)

	sub, _ := store.GetSubscription(ctx, userID)
	if sub.Status != models.SubscriptionStatusActive || sub.CreditsTotal != 500 {
		t.Errorf("unexpected subscription after renew %+v", sub)
	}
}

func TestRenewWithZeroBalanceSkipsExpiration(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 0)
	if _, err := l.Renew(context.Background(), userID, 100, time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	txns := store.Transactions(userID)
	if len(txns) != 1 || txns[0].Type != models.TransactionAllocation {
		t.Fatalf("expected a single allocation, got %+v", txns)
	}
}

func TestStartTrialAndCloseRevoked(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, zerolog.Nop())
	ctx := context.Background()
	userID := uuid.New()

	txn, err := l.StartTrial(ctx, userID, "pro", 50, time.Now().Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if txn.Type != models.TransactionTrialAllocation || txn.BalanceAfter != 50 {
		t.Errorf("unexpected trial allocation %+v", txn)
	}
	if _, err := l.StartTrial(ctx, userID, "pro", 50, time.Now()); !errors.Is(err, ErrSubscriptionExists) {
		t.Errorf("expected ErrSubscriptionExists, got %v", err)
	}

	if err := l.Close(ctx, userID, models.SubscriptionStatusRevoked); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sub, _ := l.Balance(ctx, userID)
	if sub.Status != models.SubscriptionStatusRevoked || sub.CreditsBalance != 0 {
		t.Errorf("unexpected subscription %+v", sub)
	}
	assertLedgerConsistent(t, store, userID, 0)

	if _, err := l.Deduct(ctx, userID, 1, OpFaceAnalysis, nil); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("revoked subscription must not be charged, got %v", err)
	}
}

func TestAdjustCannotGoNegative(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 5)
	if _, err := l.Adjust(context.Background(), userID, -6, "chargeback"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := l.Adjust(context.Background(), userID, -5, "chargeback"); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	assertLedgerConsistent(t, store, userID, 5)
}

func TestHistoryNewestFirst(t *testing.T) {
	l, _, userID := newTestLedger(t, models.SubscriptionStatusActive, 100)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Deduct(ctx, userID, 1, OpFaceAnalysis, nil); err != nil {
			t.Fatal(err)
		}
	}
	txns, err := l.History(ctx, userID, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(txns) != 2 || txns[0].BalanceAfter != 97 || txns[1].BalanceAfter != 98 {
		t.Fatalf("unexpected history %+v", txns)
	}
}

func TestCancelKeepsBalanceUntilPeriodEnd(t *testing.T) {
	l, store, userID := newTestLedger(t, models.SubscriptionStatusActive, 30)
	ctx := context.Background()
	if err := l.Cancel(ctx, userID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := l.Deduct(ctx, userID, 10, OpVideoGenerationFast, nil); err != nil {
		t.Fatalf("canceled subscription inside its period should be chargeable: %v", err)
	}

	l.now = func() time.Time { return time.Now().Add(60 * 24 * time.Hour) }
	if _, err := l.Deduct(ctx, userID, 10, OpVideoGenerationFast, nil); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits after period end, got %v", err)
	}
	assertLedgerConsistent(t, store, userID, 30)
}

func TestOperationFor(t *testing.T) {
	gen := &models.Task{Type: models.JobTypeVideoGeneration, VideoGeneration: &models.VideoGenerationParams{}}
	if op := OperationFor(gen); op != OpVideoGenerationStandard || Cost(op) != 25 {
		t.Errorf("standard generation: %s costs %d", op, Cost(op))
	}
	gen.VideoGeneration.UseFastModel = true
	if op := OperationFor(gen); op != OpVideoGenerationFast || Cost(op) != 10 {
		t.Errorf("fast generation: %s costs %d", op, Cost(op))
	}
	stitch := &models.Task{Type: models.JobTypeVideoStitch}
	if Cost(OperationFor(stitch)) != 0 {
		t.Error("stitch must be free")
	}
	if Cost(OpFaceAnalysis) != 5 {
		t.Error("face analysis costs 5")
	}
}
