// Package dispatch owns the job lifecycle: it charges and enqueues on
// submit, and on each delivery it claims the job, runs the work function and
// settles the outcome, retrying or failing and refunding per the policy.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/reelforge/internal/events"
	"github.com/bobarin/reelforge/internal/failure"
	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/bobarin/reelforge/internal/poller"
	"github.com/bobarin/reelforge/internal/queue"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrInvalidRequest = errors.New("invalid job request")
)

// settleTimeout bounds the writes that finish a job. They run detached from
// the delivery context, which may already be past its deadline.
const settleTimeout = 30 * time.Second

const (
	reconcileBatch = 100
	staleJobError  = "Job stopped responding and was cancelled"
)

// JobStore is the persistence the dispatcher needs. Transitions are guarded
// by status and owner; the bool results report whether this call moved the
// job.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID, owner string) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, owner string, progress int, stage, message string) error
	SetJobOperation(ctx context.Context, id uuid.UUID, owner, operationID string) error
	CompleteJob(ctx context.Context, id uuid.UUID, owner string, result models.JSONB) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, owner, message string) (bool, error)
	ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]models.Job, error)
	FailStaleJob(ctx context.Context, id uuid.UUID, before time.Time, message string) (bool, error)
	UpdateNodeStatus(ctx context.Context, nodeID uuid.UUID, status models.NodeStatus, data models.JSONB, errMsg *string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task *models.Task) error
	Depth(ctx context.Context, queue string) (int, error)
}

// Billing is the part of the ledger the dispatcher charges and refunds through.
type Billing interface {
	Deduct(ctx context.Context, userID uuid.UUID, amount int, operation string, jobID *uuid.UUID) (*models.CreditTransaction, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, operation string) (*models.CreditTransaction, error)
	Reverse(ctx context.Context, userID uuid.UUID, amount int, operation string) (*models.CreditTransaction, error)
}

// WorkFunc performs one job. The returned result is stored on the job and
// merged into the node's data.
type WorkFunc func(ctx context.Context, run *Run, task *models.Task) (models.JSONB, error)

type Config struct {
	// Owner identifies this process on claimed jobs.
	Owner string
	// MaxQueueDepth rejects submissions once a queue holds this many tasks.
	// Zero disables the check.
	MaxQueueDepth int
	// MaxRetry is the queue-level retry ceiling, used when a delivery does
	// not carry asynq's own retry metadata.
	MaxRetry int
	Policy   Policy
}

type Dispatcher struct {
	jobs     JobStore
	queue    Enqueuer
	billing  Billing
	events   events.Publisher
	refunds  *RefundCoordinator
	policy   Policy
	owner    string
	maxDepth int
	maxRetry int
	log      zerolog.Logger
}

func New(jobs JobStore, q Enqueuer, billing Billing, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Dispatcher{
		jobs:     jobs,
		queue:    q,
		billing:  billing,
		events:   publisher,
		refunds:  NewRefundCoordinator(billing, logger),
		policy:   cfg.Policy,
		owner:    cfg.Owner,
		maxDepth: cfg.MaxQueueDepth,
		maxRetry: cfg.MaxRetry,
		log:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) Owner() string { return d.owner }

type SubmitRequest struct {
	JobID     uuid.UUID       `json:"job_id"`
	NodeID    uuid.UUID       `json:"node_id"`
	ProjectID uuid.UUID       `json:"project_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      models.JobType  `json:"type"`
	Params    json.RawMessage `json:"params"`
	// CreditCost overrides the price table when set.
	CreditCost *int `json:"credit_cost,omitempty"`
}

// Submit validates, charges, persists and enqueues a job. A paid job exists
// only after its deduction; if persisting or enqueueing fails afterwards the
// charge is refunded. A caller-chosen job id that is already taken fails with
// models.ErrJobExists before any charge.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.JobID == uuid.Nil {
		req.JobID = uuid.New()
	} else {
		_, err := d.jobs.GetJob(ctx, req.JobID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("job %s: %w", req.JobID, models.ErrJobExists)
		case !errors.Is(err, models.ErrJobNotFound):
			return nil, fmt.Errorf("failed to look up job %s: %w", req.JobID, err)
		}
	}

	task := &models.Task{
		JobID:     req.JobID,
		NodeID:    req.NodeID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Type:      req.Type,
	}
	if err := task.SetParams(req.Params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	op := ledger.OperationFor(task)
	cost := ledger.Cost(op)
	if req.CreditCost != nil {
		cost = *req.CreditCost
	}
	task.CreditCost = cost
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if d.maxDepth > 0 {
		name := queue.QueueFor(task.Type)
		depth, err := d.queue.Depth(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to check queue depth: %w", err)
		}
		if depth >= d.maxDepth {
			d.log.Warn().Str("queue", name).Int("depth", depth).Msg("rejecting job, queue full")
			return nil, ErrQueueFull
		}
	}

	if cost > 0 {
		if _, err := d.billing.Deduct(ctx, task.UserID, cost, op, &task.JobID); err != nil {
			return nil, err
		}
	}

	job := &models.Job{
		ID:         task.JobID,
		NodeID:     task.NodeID,
		ProjectID:  task.ProjectID,
		UserID:     task.UserID,
		Type:       task.Type,
		Status:     models.JobStatusPending,
		CreditCost: cost,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		// The id may belong to a job another submit created, so the charge is
		// reversed without touching that job's refund.
		d.refunds.Reverse(job, task)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.refundUnqueued(job, task)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	d.log.Info().
		Str("job_id", job.ID.String()).
		Str("type", string(job.Type)).
		Int("credit_cost", cost).
		Msg("job submitted")
	return job, nil
}

// refundUnqueued fails and refunds a job this submit created but could not
// enqueue.
func (d *Dispatcher) refundUnqueued(job *models.Job, task *models.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	ok, err := d.jobs.FailJob(ctx, job.ID, "", "failed to enqueue job")
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to mark unqueued job failed")
	}
	if !ok && err == nil {
		return
	}
	_ = d.refunds.Compensate(ctx, job, task)
}

// Handler adapts work to an asynq handler that runs the full delivery
// lifecycle.
func (d *Dispatcher) Handler(work WorkFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		return d.process(ctx, t.Payload(), work)
	}
}

func (d *Dispatcher) process(ctx context.Context, payload []byte, work WorkFunc) error {
	task, decodeErr := models.DecodeTask(payload)
	if task == nil || task.JobID == uuid.Nil {
		d.log.Error().Err(decodeErr).Msg("dropping task without a job id")
		return fmt.Errorf("undecodable task: %w", asynq.SkipRetry)
	}

	log := d.log.With().Str("job_id", task.JobID.String()).Str("type", string(task.Type)).Logger()

	job, err := d.jobs.ClaimJob(ctx, task.JobID, d.owner)
	switch {
	case errors.Is(err, models.ErrJobTerminal):
		log.Info().Msg("job already finished, acknowledging duplicate delivery")
		return nil
	case errors.Is(err, models.ErrJobNotFound):
		log.Error().Msg("no job row for task")
		return fmt.Errorf("job %s not found: %w", task.JobID, asynq.SkipRetry)
	case err != nil:
		return fmt.Errorf("failed to claim job %s: %w", task.JobID, err)
	}

	if decodeErr != nil {
		return d.fail(ctx, job, nil, failure.Invalid(decodeErr, "invalid job payload"))
	}

	if err := d.jobs.UpdateNodeStatus(ctx, job.NodeID, models.NodeStatusProcessing, nil, nil); err != nil {
		log.Warn().Err(err).Msg("failed to mark node processing")
	}
	d.publish(ctx, events.JobStarted, job, nil, "")

	retried, maxRetry := d.retryState(ctx)
	log.Info().Int("retried", retried).Int("attempts", job.Attempts).Msg("job started")

	run := &Run{d: d, job: job, last: job.Progress, log: log}
	result, err := work(ctx, run, task)
	if err == nil {
		return d.complete(ctx, job, result)
	}

	kind := failure.KindOf(err)
	if !d.policy.Final(kind, retried, maxRetry) {
		log.Warn().Err(err).Str("kind", string(kind)).Int("retried", retried).Msg("job attempt failed, will retry")
		msg := fmt.Sprintf("retrying after %s error", kind)
		if uerr := d.jobs.UpdateJobProgress(ctx, job.ID, d.owner, run.Progress(), "retrying", msg); uerr != nil {
			log.Warn().Err(uerr).Msg("failed to record retry")
		}
		return err
	}
	return d.fail(ctx, job, task, err)
}

func (d *Dispatcher) complete(ctx context.Context, job *models.Job, result models.JSONB) error {
	sctx, cancel := settleContext(ctx)
	defer cancel()

	ok, err := d.jobs.CompleteJob(sctx, job.ID, d.owner, result)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	if !ok {
		d.log.Warn().Str("job_id", job.ID.String()).Msg("job no longer owned, result discarded")
		return nil
	}

	if err := d.jobs.UpdateNodeStatus(sctx, job.NodeID, models.NodeStatusCompleted, result, nil); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to update node after completion")
	}
	job.Status = models.JobStatusCompleted
	job.Progress = 100
	d.publish(sctx, events.JobCompleted, job, result, "")

	d.log.Info().Str("job_id", job.ID.String()).Str("type", string(job.Type)).Msg("job completed")
	return nil
}

// fail settles a job whose error will not be retried. Only the call that
// moves the job to FAILED updates the node and refunds.
func (d *Dispatcher) fail(ctx context.Context, job *models.Job, task *models.Task, cause error) error {
	sctx, cancel := settleContext(ctx)
	defer cancel()

	msg := failure.UserMessage(cause)
	ok, err := d.jobs.FailJob(sctx, job.ID, d.owner, msg)
	if err != nil {
		// Left retryable. If asynq archives the task the job stays processing
		// until Reconcile settles it.
		return fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}

	log := d.log.With().Str("job_id", job.ID.String()).Str("kind", string(failure.KindOf(cause))).Logger()
	if !ok {
		log.Info().Msg("job already settled elsewhere")
		return fmt.Errorf("%s: %w", msg, asynq.SkipRetry)
	}

	log.Error().Err(cause).Msg("job failed")
	if err := d.jobs.UpdateNodeStatus(sctx, job.NodeID, models.NodeStatusFailed, nil, &msg); err != nil {
		log.Error().Err(err).Msg("failed to mark node failed")
	}
	if job.CreditCost > 0 {
		_ = d.refunds.Compensate(sctx, job, task)
	}
	job.Status = models.JobStatusFailed
	d.publish(sctx, events.JobFailed, job, nil, msg)

	return fmt.Errorf("%s: %w", msg, asynq.SkipRetry)
}

// Reconcile fails and refunds jobs that have been processing without any
// update for staleAfter, such as a job whose final settlement write failed
// after asynq stopped retrying it. It returns the number of jobs settled.
func (d *Dispatcher) Reconcile(ctx context.Context, staleAfter time.Duration) (int, error) {
	before := time.Now().UTC().Add(-staleAfter)
	stale, err := d.jobs.ListStaleJobs(ctx, before, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	settled := 0
	for i := range stale {
		job := &stale[i]
		log := d.log.With().Str("job_id", job.ID.String()).Time("updated_at", job.UpdatedAt).Logger()

		ok, err := d.jobs.FailStaleJob(ctx, job.ID, before, staleJobError)
		if err != nil {
			log.Error().Err(err).Msg("failed to settle stale job")
			continue
		}
		if !ok {
			continue
		}
		settled++

		msg := staleJobError
		if err := d.jobs.UpdateNodeStatus(ctx, job.NodeID, models.NodeStatusFailed, nil, &msg); err != nil {
			log.Error().Err(err).Msg("failed to mark node failed")
		}
		_ = d.refunds.Compensate(ctx, job, nil)
		job.Status = models.JobStatusFailed
		d.publish(ctx, events.JobFailed, job, nil, msg)
		log.Warn().Msg("stale job failed and refunded")
	}
	return settled, nil
}

func (d *Dispatcher) publish(ctx context.Context, typ events.EventType, job *models.Job, result models.JSONB, errMsg string) {
	d.events.Publish(ctx, events.Event{
		Type:      typ,
		JobID:     job.ID,
		NodeID:    job.NodeID,
		ProjectID: job.ProjectID,
		JobType:   job.Type,
		Status:    job.Status,
		Progress:  job.Progress,
		Result:    result,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

type retryStateKey struct{}

type retryInfo struct{ retried, maxRetry int }

// WithRetryState marks ctx as a delivery that has already been retried the
// given number of times. Handlers invoked outside an asynq server use it in
// place of asynq's task metadata.
func WithRetryState(ctx context.Context, retried, maxRetry int) context.Context {
	return context.WithValue(ctx, retryStateKey{}, retryInfo{retried, maxRetry})
}

func (d *Dispatcher) retryState(ctx context.Context) (int, int) {
	if n, ok := asynq.GetRetryCount(ctx); ok {
		m, _ := asynq.GetMaxRetry(ctx)
		return n, m
	}
	if s, ok := ctx.Value(retryStateKey{}).(retryInfo); ok {
		return s.retried, s.maxRetry
	}
	return 0, d.maxRetry
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// Run is the work function's handle on its job.
type Run struct {
	d    *Dispatcher
	job  *models.Job
	log  zerolog.Logger
	mu   sync.Mutex
	last int
}

func (r *Run) Job() *models.Job { return r.job }

func (r *Run) Logger() zerolog.Logger { return r.log }

// Progress returns the highest progress reported so far.
func (r *Run) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Report records progress. Values below the last report are ignored and the
// value is clamped to 0..100.
func (r *Run) Report(ctx context.Context, pct int, stage, message string) {
	pct = max(0, min(pct, 100))

	r.mu.Lock()
	if pct < r.last {
		r.mu.Unlock()
		return
	}
	r.last = pct
	r.mu.Unlock()

	if err := r.d.jobs.UpdateJobProgress(ctx, r.job.ID, r.d.owner, pct, stage, message); err != nil {
		r.log.Warn().Err(err).Int("progress", pct).Msg("failed to update progress")
		return
	}
	r.job.Progress = pct
	r.d.events.Publish(ctx, events.Event{
		Type:      events.JobProgress,
		JobID:     r.job.ID,
		NodeID:    r.job.NodeID,
		ProjectID: r.job.ProjectID,
		JobType:   r.job.Type,
		Status:    models.JobStatusProcessing,
		Progress:  pct,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// SetOperation records the provider operation id on the job.
func (r *Run) SetOperation(ctx context.Context, operationID string) {
	if err := r.d.jobs.SetJobOperation(ctx, r.job.ID, r.d.owner, operationID); err != nil {
		r.log.Warn().Err(err).Str("operation_id", operationID).Msg("failed to record operation id")
		return
	}
	r.job.ExternalOperationID = &operationID
}

// PollHooks wires a poller to this run.
func (r *Run) PollHooks(ctx context.Context, stage string) poller.Hooks {
	return poller.Hooks{
		OnStart: func(id string) { r.SetOperation(ctx, id) },
		OnProgress: func(pct int, msg string) {
			r.Report(ctx, pct, stage, msg)
		},
	}
}
