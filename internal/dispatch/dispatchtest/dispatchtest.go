// Package dispatchtest provides in-memory stand-ins for the dispatcher's
// store and queue, and a driver that replays asynq's delivery rules.
package dispatchtest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bobarin/reelforge/internal/dispatch"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/bobarin/reelforge/internal/queue"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// JobStore mirrors the guarded transitions of the Postgres store.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*models.Job
	nodes map[uuid.UUID]*Node
}

type Node struct {
	Status models.NodeStatus
	Data   models.JSONB
	Error  *string
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[uuid.UUID]*models.Job),
		nodes: make(map[uuid.UUID]*Node),
	}
}

var _ dispatch.JobStore = (*JobStore)(nil)

func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrJobExists)
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *JobStore) ClaimJob(ctx context.Context, id uuid.UUID, owner string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil, models.ErrJobTerminal
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusProcessing
	j.Owner = &owner
	j.Attempts++
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

// ListNodeJobs returns the node's jobs, newest first.
func (s *JobStore) ListNodeJobs(ctx context.Context, nodeID uuid.UUID) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.NodeID == nodeID {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b models.Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// owned reports whether owner may move j. Caller holds mu.
func owned(j *models.Job, owner string) bool {
	return j.Owner == nil || *j.Owner == owner
}

func (s *JobStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, owner string, progress int, stage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing || !owned(j, owner) {
		return nil
	}
	j.Progress = max(j.Progress, progress)
	j.UpdatedAt = time.Now().UTC()
	if stage != "" {
		j.Stage = &stage
	}
	if message != "" {
		j.ProgressMessage = &message
	}
	return nil
}

func (s *JobStore) SetJobOperation(ctx context.Context, id uuid.UUID, owner, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && owned(j, owner) {
		j.ExternalOperationID = &operationID
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *JobStore) CompleteJob(ctx context.Context, id uuid.UUID, owner string, result models.JSONB) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing || !owned(j, owner) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusCompleted
	j.Progress = 100
	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (s *JobStore) FailJob(ctx context.Context, id uuid.UUID, owner, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() || !owned(j, owner) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusFailed
	j.Error = &message
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// ListStaleJobs returns processing jobs not updated since before, oldest
// first.
func (s *JobStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(before) {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b models.Job) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) FailStaleJob(ctx context.Context, id uuid.UUID, before time.Time, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing || !j.UpdatedAt.Before(before) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusFailed
	j.Error = &message
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// Backdate sets the job's last update to at, as if its worker went quiet.
func (s *JobStore) Backdate(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.UpdatedAt = at
	}
}

func (s *JobStore) UpdateNodeStatus(ctx context.Context, nodeID uuid.UUID, status models.NodeStatus, data models.JSONB, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		n = &Node{}
		s.nodes[nodeID] = n
	}
	n.Status = status
	if data != nil {
		if n.Data == nil {
			n.Data = models.JSONB{}
		}
		maps.Copy(n.Data, data)
	}
	n.Error = errMsg
	return nil
}

// Job returns a copy of the stored job, or nil.
func (s *JobStore) Job(id uuid.UUID) *models.Job {
	j, err := s.GetJob(context.Background(), id)
	if err != nil {
		return nil
	}
	return j
}

// Node returns a copy of the stored node, or nil.
func (s *JobStore) Node(id uuid.UUID) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}

// Queue records enqueued tasks.
type Queue struct {
	mu sync.Mutex

	Tasks      []*models.Task
	Depths     map[string]int // missing queues are empty
	EnqueueErr error
}

var _ dispatch.Enqueuer = (*Queue)(nil)

func (q *Queue) Enqueue(ctx context.Context, task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.EnqueueErr != nil {
		return q.EnqueueErr
	}
	q.Tasks = append(q.Tasks, task)
	return nil
}

func (q *Queue) Depth(ctx context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Depths[name], nil
}

// Deliver builds the asynq task a worker would receive for task.
func Deliver(task *models.Task) (*asynq.Task, error) {
	payload, err := task.Encode()
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(queue.TaskType(task.Type), payload), nil
}

// Drive runs h against t the way an asynq server would: an error is retried
// until maxRetry retries are spent, and an error wrapping asynq.SkipRetry
// stops at once. It returns the number of attempts and the last error.
func Drive(ctx context.Context, h asynq.Handler, t *asynq.Task, maxRetry int) (int, error) {
	var err error
	for retried := 0; ; retried++ {
		err = h.ProcessTask(dispatch.WithRetryState(ctx, retried, maxRetry), t)
		if err == nil || errors.Is(err, asynq.SkipRetry) || retried >= maxRetry {
			return retried + 1, err
		}
	}
}
