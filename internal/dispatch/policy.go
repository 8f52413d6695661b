package dispatch

import (
	"math/rand/v2"
	"time"

	"github.com/bobarin/reelforge/internal/failure"
	"github.com/hibiken/asynq"
)

const maxRetryDelay = 15 * time.Minute

// Rule says whether a failure kind is retried, how often, and how long the
// first backoff is.
type Rule struct {
	Retry      bool
	MaxRetries int
	BaseDelay  time.Duration
}

// Policy maps failure kinds to rules. Kinds missing from the table are
// treated as transient.
type Policy map[failure.Kind]Rule

var DefaultPolicy = Policy{
	failure.KindTransient:   {Retry: true, MaxRetries: 3, BaseDelay: 30 * time.Second},
	failure.KindRateLimited: {Retry: true, MaxRetries: 3, BaseDelay: 90 * time.Second},
	failure.KindTimeout:     {Retry: true, MaxRetries: 1, BaseDelay: 30 * time.Second},
	failure.KindTerminal:    {Retry: false},
	failure.KindMedia:       {Retry: false},
	failure.KindInvalid:     {Retry: false},
}

func (p Policy) For(kind failure.Kind) Rule {
	if r, ok := p[kind]; ok {
		return r
	}
	return p[failure.KindTransient]
}

// Final reports whether an error of kind, after retried earlier retries,
// must not be retried again. maxRetry is the queue-level ceiling.
func (p Policy) Final(kind failure.Kind, retried, maxRetry int) bool {
	r := p.For(kind)
	if !r.Retry {
		return true
	}
	return retried >= r.MaxRetries || retried >= maxRetry
}

// Delay is base·2ⁿ capped at 15 minutes, plus up to 25% jitter.
func (p Policy) Delay(n int, kind failure.Kind) time.Duration {
	base := p.For(kind).BaseDelay
	if base <= 0 {
		base = 30 * time.Second
	}
	d := base
	for i := 0; i < n && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d + time.Duration(rand.Int64N(int64(d)/4+1))
}

// RetryDelay is the asynq RetryDelayFunc for every queue, on the same policy
// that decided to retry. n is the number of retries already made.
func (d *Dispatcher) RetryDelay(n int, err error, _ *asynq.Task) time.Duration {
	return d.policy.Delay(n, failure.KindOf(err))
}
