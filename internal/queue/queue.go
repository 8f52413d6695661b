// Package queue routes typed job payloads onto asynq queues in Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Queues partition work by the resource it waits on.
const (
	QueueVideo   = "video"
	QueueFace    = "face"
	QueueDefault = "default"
)

var AllQueues = []string{QueueVideo, QueueFace, QueueDefault}

// Completed task metadata is kept this long for inspection.
const retention = 24 * time.Hour

// QueueFor returns the queue a job type runs on.
func QueueFor(t models.JobType) string {
	switch t {
	case models.JobTypeVideoGeneration, models.JobTypeVideoExtension:
		return QueueVideo
	case models.JobTypeFaceAnalysis:
		return QueueFace
	default:
		return QueueDefault
	}
}

// TaskType is the asynq task type name for a job type.
func TaskType(t models.JobType) string {
	return "job:" + string(t)
}

// taskTimeout bounds a single delivery. Provider jobs poll for up to six
// minutes and then download and upload the result.
func taskTimeout(t models.JobType) time.Duration {
	switch QueueFor(t) {
	case QueueVideo:
		return 20 * time.Minute
	case QueueFace:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Queue shares the caller's Redis client, which the caller closes.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
}

func New(rdb redis.UniversalClient, maxRetry int) *Queue {
	return &Queue{
		client:    asynq.NewClientFromRedisClient(rdb),
		inspector: asynq.NewInspectorFromRedisClient(rdb),
		maxRetry:  maxRetry,
	}
}

// Enqueue schedules task on its type's queue. The job id doubles as the
// asynq task id, so enqueuing the same job twice is a no-op.
func (q *Queue) Enqueue(ctx context.Context, task *models.Task) error {
	payload, err := task.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	t := asynq.NewTask(TaskType(task.Type), payload)
	_, err = q.client.EnqueueContext(ctx, t,
		asynq.TaskID(task.JobID.String()),
		asynq.Queue(QueueFor(task.Type)),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(taskTimeout(task.Type)),
		asynq.Retention(retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Stats is a snapshot of one queue.
type Stats struct {
	Queue     string        `json:"queue"`
	Pending   int           `json:"pending"`
	Active    int           `json:"active"`
	Scheduled int           `json:"scheduled"`
	Retry     int           `json:"retry"`
	Archived  int           `json:"archived"`
	Completed int           `json:"completed"`
	Latency   time.Duration `json:"latency_ns"`
}

// Depth counts work that still has to run: pending, running, scheduled and
// awaiting retry.
func (s Stats) Depth() int {
	return s.Pending + s.Active + s.Scheduled + s.Retry
}

// Inspect returns stats for name. A queue that has never held a task is
// reported empty.
func (q *Queue) Inspect(ctx context.Context, name string) (Stats, error) {
	known, err := q.inspector.Queues()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list queues: %w", err)
	}
	if !slices.Contains(known, name) {
		return Stats{Queue: name}, nil
	}

	info, err := q.inspector.GetQueueInfo(name)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return Stats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
		Latency:   info.Latency,
	}, nil
}

func (q *Queue) Depth(ctx context.Context, name string) (int, error) {
	s, err := q.Inspect(ctx, name)
	if err != nil {
		return 0, err
	}
	return s.Depth(), nil
}

func (q *Queue) AllStats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, 0, len(AllQueues))
	for _, name := range AllQueues {
		s, err := q.Inspect(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
