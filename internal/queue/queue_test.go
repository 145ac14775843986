package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testQueue(workers int) *Queue {
	return New(workers, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestEnqueue_RunsHandler(t *testing.T) {
	q := testQueue(2)
	var ran atomic.Int64
	q.RegisterHandler("noop", func(ctx context.Context, args Args) error {
		if args["key"] != "value" {
			t.Errorf("args = %v", args)
		}
		ran.Add(1)
		return nil
	}, Policy{MaxAttempts: 1})
	q.Start()
	defer q.Stop()

	if err := q.Enqueue("noop", Args{"key": "value"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })
}

func TestEnqueue_UnknownTask(t *testing.T) {
	q := testQueue(1)
	q.Start()
	defer q.Stop()
	if err := q.Enqueue("missing", nil, 0); err == nil {
		t.Error("expected error for unregistered task")
	}
}

func TestRetry_BackoffThenSuccess(t *testing.T) {
	q := testQueue(1)
	var attempts atomic.Int64
	q.RegisterHandler("flaky", func(ctx context.Context, args Args) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond})
	q.Start()
	defer q.Stop()

	q.Enqueue("flaky", nil, 0)
	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == 3 })

	// No further attempts after success.
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d after success, want 3", n)
	}
}

func TestRetry_ExhaustionCallsOnExhausted(t *testing.T) {
	q := testQueue(1)
	var attempts atomic.Int64
	var exhausted atomic.Int64
	q.RegisterHandler("doomed", func(ctx context.Context, args Args) error {
		attempts.Add(1)
		return errors.New("always fails")
	}, Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnExhausted: func(ctx context.Context, args Args, err error) {
			exhausted.Add(1)
		},
	})
	q.Start()
	defer q.Stop()

	q.Enqueue("doomed", nil, 0)
	waitFor(t, 2*time.Second, func() bool { return exhausted.Load() == 1 })
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestPermanent_SkipsRetries(t *testing.T) {
	q := testQueue(1)
	var attempts atomic.Int64
	var exhausted atomic.Int64
	q.RegisterHandler("rejected", func(ctx context.Context, args Args) error {
		attempts.Add(1)
		return Permanent(errors.New("provider said no"))
	}, Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		OnExhausted: func(ctx context.Context, args Args, err error) {
			exhausted.Add(1)
		},
	})
	q.Start()
	defer q.Stop()

	q.Enqueue("rejected", nil, 0)
	waitFor(t, time.Second, func() bool { return exhausted.Load() == 1 })
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1 for a permanent error", n)
	}
}

func TestEnqueue_Delay(t *testing.T) {
	q := testQueue(1)
	var ran atomic.Int64
	q.RegisterHandler("later", func(ctx context.Context, args Args) error {
		ran.Add(1)
		return nil
	}, Policy{MaxAttempts: 1})
	q.Start()
	defer q.Stop()

	start := time.Now()
	q.Enqueue("later", nil, 30*time.Millisecond)
	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("task ran after %v, want >= 30ms", elapsed)
	}
}

func TestStop_WaitsForInflight(t *testing.T) {
	q := testQueue(2)
	var done atomic.Int64
	q.RegisterHandler("slow", func(ctx context.Context, args Args) error {
		time.Sleep(20 * time.Millisecond)
		done.Add(1)
		return nil
	}, Policy{MaxAttempts: 1})
	q.Start()

	q.Enqueue("slow", nil, 0)
	time.Sleep(5 * time.Millisecond) // let a worker pick it up
	q.Stop()

	if done.Load() != 1 {
		t.Error("Stop returned before the in-flight task finished")
	}
}
