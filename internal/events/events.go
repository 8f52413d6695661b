// Package events announces job state changes on Redis pub/sub so the
// realtime layer can push them to connected clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type EventType string

const (
	JobStarted   EventType = "job.started"
	JobProgress  EventType = "job.progress"
	JobCompleted EventType = "job.completed"
	JobFailed    EventType = "job.failed"
)

type Event struct {
	Type      EventType        `json:"type"`
	JobID     uuid.UUID        `json:"job_id"`
	NodeID    uuid.UUID        `json:"node_id"`
	ProjectID uuid.UUID        `json:"project_id"`
	JobType   models.JobType   `json:"job_type"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message,omitempty"`
	Result    models.JSONB     `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Publisher delivers events. Delivery is best effort and never fails a job.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Channel is the pub/sub channel for a project's job events.
func Channel(projectID uuid.UUID) string {
	return fmt.Sprintf("reelforge:project:%s:jobs", projectID)
}

// redisPublisher is the subset of the go-redis client used here.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RedisPublisher struct {
	rdb redisPublisher
	log zerolog.Logger
}

func NewRedisPublisher(rdb redis.UniversalClient, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb: rdb,
		log: logger.With().Str("component", "events").Logger(),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", e.JobID.String()).Msg("failed to encode event")
		return
	}
	if err := p.rdb.Publish(ctx, Channel(e.ProjectID), data).Err(); err != nil {
		p.log.Warn().Err(err).Str("job_id", e.JobID.String()).Str("type", string(e.Type)).
			Msg("failed to publish event")
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
