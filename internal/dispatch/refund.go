package dispatch

import (
	"context"
	"fmt"

	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/rs/zerolog"
)

// RefundCoordinator returns the credits of a failed job. It is only called by
// the path that won the FAILED transition, and the ledger refuses a second
// refund for the same job, so a job is refunded at most once.
type RefundCoordinator struct {
	billing Billing
	log     zerolog.Logger
}

func NewRefundCoordinator(billing Billing, logger zerolog.Logger) *RefundCoordinator {
	return &RefundCoordinator{
		billing: billing,
		log:     logger.With().Str("component", "refunds").Logger(),
	}
}

// Compensate refunds job.CreditCost to the job's owner. task may be nil when
// the payload could not be decoded; the job type then names the operation.
func (c *RefundCoordinator) Compensate(ctx context.Context, job *models.Job, task *models.Task) error {
	if job.CreditCost <= 0 {
		return nil
	}

	op := string(job.Type)
	if task != nil {
		op = ledger.OperationFor(task)
	}

	txn, err := c.billing.Refund(ctx, job.UserID, job.CreditCost, job.ID, op)
	if err != nil {
		c.log.Error().Err(err).
			Str("job_id", job.ID.String()).
			Str("user_id", job.UserID.String()).
			Int("amount", job.CreditCost).
			Msg("refund failed")
		return fmt.Errorf("failed to refund job %s: %w", job.ID, err)
	}
	if txn == nil {
		c.log.Debug().Str("job_id", job.ID.String()).Msg("no refund written")
	}
	return nil
}

// Reverse returns the charge of a submit whose job row was never created.
func (c *RefundCoordinator) Reverse(job *models.Job, task *models.Task) {
	if job.CreditCost <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if _, err := c.billing.Reverse(ctx, job.UserID, job.CreditCost, ledger.OperationFor(task)); err != nil {
		c.log.Error().Err(err).
			Str("job_id", job.ID.String()).
			Str("user_id", job.UserID.String()).
			Int("amount", job.CreditCost).
			Msg("charge reversal failed")
	}
}
