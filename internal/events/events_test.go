package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type captured struct {
	channel string
	message []byte
}

type fakeRedis struct {
	sent []captured
	err  error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.sent = append(f.sent, captured{channel: channel, message: message.([]byte)})
	return redis.NewIntResult(1, f.err)
}

func TestPublishWritesProjectChannel(t *testing.T) {
	fake := &fakeRedis{}
	p := &RedisPublisher{rdb: fake, log: zerolog.Nop()}

	project := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	job := uuid.New()
	p.Publish(context.Background(), Event{
		Type:      JobCompleted,
		JobID:     job,
		ProjectID: project,
		JobType:   models.JobTypeVideoStitch,
		Status:    models.JobStatusCompleted,
		Progress:  100,
		Result:    models.JSONB{"video_url": "https://cdn.example.com/out.mp4"},
	})

	if len(fake.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(fake.sent))
	}
	if want := "reelforge:project:aaaaaaaa-0000-0000-0000-000000000001:jobs"; fake.sent[0].channel != want {
		t.Errorf("channel = %q, want %q", fake.sent[0].channel, want)
	}

	var got Event
	if err := json.Unmarshal(fake.sent[0].message, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != job || got.Type != JobCompleted || got.Progress != 100 {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestPublishSwallowsRedisErrors(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	p := &RedisPublisher{rdb: fake, log: zerolog.Nop()}

	// Must not panic or block.
	p.Publish(context.Background(), Event{Type: JobFailed, JobID: uuid.New()})
	if len(fake.sent) != 1 {
		t.Errorf("expected one publish attempt, got %d", len(fake.sent))
	}
}
