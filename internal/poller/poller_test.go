package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/reelforge/internal/failure"
)

// scriptedOp replays a fixed sequence of poll responses. Once the script
// runs out it reports "still running" forever.
type scriptedOp struct {
	startErr error
	polls    []pollStep

	mu     sync.Mutex
	starts int
	calls  int
}

type pollStep struct {
	out Outcome[string]
	err error
}

func (o *scriptedOp) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	if o.startErr != nil {
		return "", o.startErr
	}
	return "operations/op-1", nil
}

func (o *scriptedOp) Poll(ctx context.Context, id string) (Outcome[string], error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.calls <= len(o.polls) {
		step := o.polls[o.calls-1]
		return step.out, step.err
	}
	return Outcome[string]{}, nil
}

func fastConfig() Config {
	return Config{Interval: 2 * time.Millisecond, MaxWait: 200 * time.Millisecond}
}

func TestRunCompletes(t *testing.T) {
	op := &scriptedOp{polls: []pollStep{
		{},
		{},
		{out: Outcome[string]{Done: true, Result: "video-uri"}},
	}}

	var startedID string
	var progress []int
	hooks := Hooks{
		OnStart:    func(id string) { startedID = id },
		OnProgress: func(pct int, _ string) { progress = append(progress, pct) },
	}

	got, err := Run[string](context.Background(), fastConfig(), op, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "video-uri" {
		t.Errorf("result = %q, want video-uri", got)
	}
	if startedID != "operations/op-1" {
		t.Errorf("OnStart id = %q", startedID)
	}
	if op.starts != 1 {
		t.Errorf("Start called %d times, want 1", op.starts)
	}

	if len(progress) == 0 || progress[0] != 10 {
		t.Fatalf("first progress = %v, want 10", progress)
	}
	if last := progress[len(progress)-1]; last != 80 {
		t.Errorf("final progress = %d, want 80", last)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
		if progress[i] > 80 {
			t.Errorf("poller reported %d, above its 80 ceiling", progress[i])
		}
	}
}

func TestRunTimesOut(t *testing.T) {
	op := &scriptedOp{}
	cfg := Config{Interval: 2 * time.Millisecond, MaxWait: 15 * time.Millisecond}

	_, err := Run[string](context.Background(), cfg, op, Hooks{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := failure.KindOf(err); kind != failure.KindTimeout {
		t.Errorf("kind = %s, want timeout (err: %v)", kind, err)
	}
}

func TestRunProviderSafetyErrorIsTerminal(t *testing.T) {
	op := &scriptedOp{polls: []pollStep{
		{out: Outcome[string]{Done: true, Err: errors.New("video blocked by safety filters")}},
	}}

	_, err := Run[string](context.Background(), fastConfig(), op, Hooks{})
	if kind := failure.KindOf(err); kind != failure.KindTerminal {
		t.Errorf("kind = %s, want terminal (err: %v)", kind, err)
	}
	if op.calls != 1 {
		t.Errorf("polled %d times after terminal outcome, want 1", op.calls)
	}
}

func TestRunToleratesTransientPollErrors(t *testing.T) {
	flaky := errors.New("connection reset by peer")
	op := &scriptedOp{polls: []pollStep{
		{err: flaky},
		{err: flaky},
		{err: flaky},
		{out: Outcome[string]{Done: true, Result: "ok"}},
	}}

	got, err := Run[string](context.Background(), fastConfig(), op, Hooks{})
	if err != nil {
		t.Fatalf("three consecutive poll errors should be tolerated: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q", got)
	}
}

func TestRunGivesUpAfterRepeatedPollErrors(t *testing.T) {
	flaky := errors.New("503 service unavailable")
	op := &scriptedOp{polls: []pollStep{
		{err: flaky}, {err: flaky}, {err: flaky}, {err: flaky},
	}}

	_, err := Run[string](context.Background(), fastConfig(), op, Hooks{})
	if err == nil {
		t.Fatal("expected error after four consecutive poll failures")
	}
	if kind := failure.KindOf(err); kind != failure.KindTransient {
		t.Errorf("kind = %s, want transient", kind)
	}
	if op.calls != 4 {
		t.Errorf("polled %d times, want 4", op.calls)
	}
}

func TestRunStartErrorClassified(t *testing.T) {
	op := &scriptedOp{startErr: errors.New("RESOURCE_EXHAUSTED: quota exceeded")}

	_, err := Run[string](context.Background(), fastConfig(), op, Hooks{})
	if kind := failure.KindOf(err); kind != failure.KindRateLimited {
		t.Errorf("kind = %s, want rate_limited", kind)
	}
	if op.calls != 0 {
		t.Errorf("polled %d times after failed start", op.calls)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	op := &scriptedOp{}
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Interval: time.Hour, MaxWait: 2 * time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Run[string](ctx, cfg, op, Hooks{})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
