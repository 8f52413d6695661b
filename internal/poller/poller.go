// Package poller drives long-running provider operations to completion:
// start once, poll on a fixed interval, give up after a bounded wait.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/reelforge/internal/failure"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultMaxWait  = 360 * time.Second

	// Consecutive poll transport errors tolerated before giving up.
	maxPollErrors = 3

	startProgress = 10
	doneProgress  = 80
)

type Config struct {
	Interval time.Duration
	MaxWait  time.Duration
	Logger   zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

// Outcome is one poll observation. Err is an error the provider reported
// for a finished operation, as opposed to a failure to poll.
type Outcome[T any] struct {
	Done   bool
	Result T
	Err    error
}

// Operation is a provider job. Start is not idempotent.
type Operation[T any] interface {
	Start(ctx context.Context) (string, error)
	Poll(ctx context.Context, id string) (Outcome[T], error)
}

type Hooks struct {
	OnStart    func(operationID string)
	OnProgress func(percent int, message string)
}

func (h Hooks) started(id string) {
	if h.OnStart != nil {
		h.OnStart(id)
	}
}

func (h Hooks) progress(pct int, msg string) {
	if h.OnProgress != nil {
		h.OnProgress(pct, msg)
	}
}

// Run starts op and polls it until it finishes, fails, or exceeds
// cfg.MaxWait. Progress moves from 10 at start to at most 80 when done.
func Run[T any](ctx context.Context, cfg Config, op Operation[T], hooks Hooks) (T, error) {
	var zero T
	cfg = cfg.withDefaults()
	log := cfg.Logger

	id, err := op.Start(ctx)
	if err != nil {
		return zero, failure.FromProvider(err, "failed to start operation")
	}
	hooks.started(id)
	hooks.progress(startProgress, "operation started")
	log.Info().Str("operation_id", id).Msg("operation started")

	expected := int(cfg.MaxWait / cfg.Interval)
	if expected < 1 {
		expected = 1
	}

	deadline := time.Now().Add(cfg.MaxWait)
	timer := time.NewTimer(cfg.Interval)
	defer timer.Stop()

	pollErrors := 0
	for k := 1; ; k++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("polling operation %s interrupted: %w", id, ctx.Err())
		case <-timer.C:
		}

		if time.Now().After(deadline) {
			return zero, failure.Newf(failure.KindTimeout,
				"operation %s did not finish within %s (%d polls)", id, cfg.MaxWait, k-1)
		}

		out, err := op.Poll(ctx, id)
		if err != nil {
			pollErrors++
			kind := failure.KindOf(err)
			if pollErrors > maxPollErrors || kind == failure.KindTerminal || kind == failure.KindInvalid {
				return zero, failure.FromProvider(err, fmt.Sprintf("failed to poll operation %s", id))
			}
			log.Warn().Err(err).Str("operation_id", id).Int("poll", k).Msg("poll failed, will retry")
			timer.Reset(cfg.Interval)
			continue
		}
		pollErrors = 0

		if out.Done {
			if out.Err != nil {
				return zero, failure.FromProvider(out.Err, "operation failed")
			}
			hooks.progress(doneProgress, "operation complete")
			log.Info().Str("operation_id", id).Int("polls", k).Msg("operation complete")
			return out.Result, nil
		}

		hooks.progress(min(startProgress+k*(doneProgress-startProgress)/expected, doneProgress),
			fmt.Sprintf("waiting for operation (poll %d)", k))
		log.Debug().Str("operation_id", id).Int("poll", k).Msg("operation still running")
		timer.Reset(cfg.Interval)
	}
}
