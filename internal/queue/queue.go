// Package queue provides the in-process background task queue used for
// payout dispatch and other deferrable work.
//
// Delivery is at-least-once: a handler may run again after a failure, so
// every handler must be idempotent. Durable state lives in PostgreSQL — a
// process restart loses in-flight tasks, and the periodic sweeps re-derive
// them from transaction status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Args carries the parameters of a queued task. Values are plain strings so
// a task description is trivially loggable.
type Args map[string]string

// HandlerFunc processes one task attempt. Returning an error triggers a
// retry unless the error is wrapped with Permanent.
type HandlerFunc func(ctx context.Context, args Args) error

// Policy controls retry behaviour for one task type.
type Policy struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles on every
	// further attempt.
	BaseDelay time.Duration
	// OnExhausted runs once after the final attempt fails. Used to record a
	// terminal failure in the ledger.
	OnExhausted func(ctx context.Context, args Args, err error)
}

type registration struct {
	fn     HandlerFunc
	policy Policy
}

type task struct {
	name    string
	args    Args
	attempt int
}

// ──────────────────────────────────────────────────────────────────────────────
// Permanent errors
// ──────────────────────────────────────────────────────────────────────────────

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err to tell the queue that retrying is pointless; the task
// goes straight to OnExhausted.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ──────────────────────────────────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────────────────────────────────

// Queue is a bounded worker pool with per-task-type retry policies.
type Queue struct {
	logger  *slog.Logger
	tasks   chan task
	workers int

	mu       sync.RWMutex
	handlers map[string]registration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue with the given number of workers. Call Start to begin
// processing.
func New(workers int, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:   logger.With("component", "queue"),
		tasks:    make(chan task, 256),
		workers:  workers,
		handlers: make(map[string]registration),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler binds a task name to a handler and retry policy.
// Must be called before Start.
func (q *Queue) RegisterHandler(name string, fn HandlerFunc, policy Policy) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	q.mu.Lock()
	q.handlers[name] = registration{fn: fn, policy: policy}
	q.mu.Unlock()
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Info("task queue started", "workers", q.workers)
}

// Stop shuts the queue down and waits for in-flight tasks to finish.
// Delayed retries that have not fired yet are dropped; the sweeps recover
// their work from the database.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

// Enqueue schedules a task for execution after delay (0 = as soon as a
// worker is free). Unknown task names fail fast.
func (q *Queue) Enqueue(name string, args Args, delay time.Duration) error {
	q.mu.RLock()
	_, ok := q.handlers[name]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("queue: no handler registered for task %q", name)
	}
	q.submit(task{name: name, args: args, attempt: 1}, delay)
	return nil
}

func (q *Queue) submit(t task, delay time.Duration) {
	if delay <= 0 {
		select {
		case q.tasks <- t:
		case <-q.ctx.Done():
		}
		return
	}
	timer := time.AfterFunc(delay, func() {
		select {
		case q.tasks <- t:
		case <-q.ctx.Done():
		}
	})
	// Tie the timer's lifetime to the queue so Stop does not leave it firing
	// into a closed channel select.
	go func() {
		<-q.ctx.Done()
		timer.Stop()
	}()
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case t := <-q.tasks:
			q.run(t)
		}
	}
}

func (q *Queue) run(t task) {
	q.mu.RLock()
	reg, ok := q.handlers[t.name]
	q.mu.RUnlock()
	if !ok {
		q.logger.Error("task with no handler dropped", "task", t.name)
		return
	}

	err := reg.fn(q.ctx, t.args)
	if err == nil {
		return
	}

	if isPermanent(err) || t.attempt >= reg.policy.MaxAttempts {
		q.logger.Error("task exhausted",
			"task", t.name, "attempt", t.attempt, "error", err)
		if reg.policy.OnExhausted != nil {
			reg.policy.OnExhausted(q.ctx, t.args, err)
		}
		return
	}

	// Exponential backoff: base, 2*base, 4*base, ...
	delay := reg.policy.BaseDelay << (t.attempt - 1)
	q.logger.Warn("task failed, retrying",
		"task", t.name, "attempt", t.attempt, "retry_in", delay, "error", err)
	q.submit(task{name: t.name, args: t.args, attempt: t.attempt + 1}, delay)
}
