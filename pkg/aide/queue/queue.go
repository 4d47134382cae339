// Package queue implements fair-share admission control for LLM work.
// Chat, crons and workflows all funnel through one Queue: a global
// concurrency cap, a per-submitter cap on waiting and in-flight work,
// FIFO order within a submitter, and round-robin selection across
// submitters with waiters.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBacklogFull is returned when a submitter already has the maximum
	// number of queued entries.
	ErrBacklogFull = errors.New("queue backlog full for submitter")

	// ErrDraining is returned for submissions after Drain has started.
	ErrDraining = errors.New("queue is draining")
)

// Task is a unit of work executed under a queue slot.
type Task func(ctx context.Context) error

// Config bounds the queue. MaxQueuePerUser caps both a submitter's
// waiting backlog and its share of in-flight slots, so one chatty key
// cannot monopolise the global cap.
type Config struct {
	MaxConcurrent   int `yaml:"max_concurrent"`
	MaxQueuePerUser int `yaml:"max_queue_per_user"`
}

// DefaultConfig returns the stock limits: two concurrent LLM calls,
// three waiters per submitter.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 2, MaxQueuePerUser: 3}
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	InFlight  int            `json:"in_flight"`
	Waiting   int            `json:"waiting"`
	PerKey    map[string]int `json:"per_key"`
	Completed int64          `json:"completed"`
	Rejected  int64          `json:"rejected"`
}

// waiter is one queued submission.
type waiter struct {
	key    string
	task   Task
	ctx    context.Context
	done   chan error
	queued time.Time
}

// Queue is the fair-share work queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	waiters     map[string][]*waiter // per-key FIFO
	keyOrder    []string             // round-robin rotation of keys with waiters
	inFlight    int
	perKeyRun   map[string]int
	slotWaiters []chan struct{} // AcquireSlot callers parked for a free slot
	draining    bool
	completed   int64
	rejected    int64
	idle        chan struct{} // closed when in-flight and waiting both hit zero while draining
}

// New creates a queue with the given limits.
func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxQueuePerUser <= 0 {
		cfg.MaxQueuePerUser = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:       cfg,
		logger:    logger.With("component", "queue"),
		waiters:   make(map[string][]*waiter),
		perKeyRun: make(map[string]int),
	}
}

// Submit enqueues task under the submitter key and returns a channel that
// receives the task's result exactly once. Enqueueing past the per-key cap
// fails fast with ErrBacklogFull.
func (q *Queue) Submit(ctx context.Context, key string, task Task) (<-chan error, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, ErrDraining
	}
	if len(q.waiters[key]) >= q.cfg.MaxQueuePerUser {
		q.rejected++
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBacklogFull, key)
	}

	w := &waiter{key: key, task: task, ctx: ctx, done: make(chan error, 1), queued: time.Now()}
	if len(q.waiters[key]) == 0 {
		q.keyOrder = append(q.keyOrder, key)
	}
	q.waiters[key] = append(q.waiters[key], w)
	q.mu.Unlock()

	q.dispatch()
	return w.done, nil
}

// Wait submits and blocks until the task settles or ctx is cancelled.
func (q *Queue) Wait(ctx context.Context, key string, task Task) error {
	done, err := q.Submit(ctx, key, task)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch starts as many eligible waiters as free slots allow.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.inFlight < q.cfg.MaxConcurrent {
		w := q.nextWaiterLocked()
		if w == nil {
			return
		}
		q.inFlight++
		q.perKeyRun[w.key]++
		go q.run(w)
	}
}

// nextWaiterLocked pops the head of the next key in round-robin order.
// Keys already at their in-flight cap stay queued; cancelled waiters are
// settled and skipped.
func (q *Queue) nextWaiterLocked() *waiter {
	skipped := 0
	for len(q.keyOrder) > skipped {
		key := q.keyOrder[0]
		q.keyOrder = q.keyOrder[1:]

		fifo := q.waiters[key]
		if len(fifo) == 0 {
			delete(q.waiters, key)
			continue
		}
		if q.perKeyRun[key] >= q.cfg.MaxQueuePerUser {
			q.keyOrder = append(q.keyOrder, key)
			skipped++
			continue
		}
		w := fifo[0]
		if len(fifo) == 1 {
			delete(q.waiters, key)
		} else {
			q.waiters[key] = fifo[1:]
			q.keyOrder = append(q.keyOrder, key)
		}

		if w.ctx != nil && w.ctx.Err() != nil {
			w.done <- w.ctx.Err()
			continue
		}
		return w
	}
	return nil
}

func (q *Queue) run(w *waiter) {
	started := time.Now()
	err := w.task(w.ctx)
	w.done <- err

	q.mu.Lock()
	q.inFlight--
	q.perKeyRun[w.key]--
	if q.perKeyRun[w.key] == 0 {
		delete(q.perKeyRun, w.key)
	}
	q.wakeSlotWaiterLocked()
	q.completed++
	idle := q.draining && q.inFlight == 0 && len(q.waiters) == 0
	ch := q.idle
	q.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("queued task failed",
			"key", w.key,
			"wait_ms", started.Sub(w.queued).Milliseconds(),
			"run_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
	}
	if idle && ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	q.dispatch()
}

// AcquireSlot blocks until a global slot is free and claims it without a
// task. The cron scheduler uses this so heavy jobs share the same cap as
// interactive chat. Callers park on a channel signalled when a slot
// frees; no polling. Release with ReleaseSlot.
func (q *Queue) AcquireSlot(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.draining {
			q.mu.Unlock()
			return ErrDraining
		}
		if q.inFlight < q.cfg.MaxConcurrent {
			q.inFlight++
			q.mu.Unlock()
			return nil
		}
		ready := make(chan struct{})
		q.slotWaiters = append(q.slotWaiters, ready)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.mu.Lock()
			for i, ch := range q.slotWaiters {
				if ch == ready {
					q.slotWaiters = append(q.slotWaiters[:i], q.slotWaiters[i+1:]...)
					break
				}
			}
			q.mu.Unlock()
			return ctx.Err()
		case <-ready:
			// A slot freed; loop to race for it against dispatch.
		}
	}
}

// wakeSlotWaiterLocked unblocks the oldest parked AcquireSlot caller.
func (q *Queue) wakeSlotWaiterLocked() {
	if len(q.slotWaiters) > 0 {
		close(q.slotWaiters[0])
		q.slotWaiters = q.slotWaiters[1:]
	}
}

// ReleaseSlot frees a slot claimed with AcquireSlot.
func (q *Queue) ReleaseSlot() {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.wakeSlotWaiterLocked()
	idle := q.draining && q.inFlight == 0 && len(q.waiters) == 0
	ch := q.idle
	q.mu.Unlock()

	if idle && ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	q.dispatch()
}

// Stats returns a snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	perKey := make(map[string]int, len(q.waiters))
	waiting := 0
	for k, fifo := range q.waiters {
		perKey[k] = len(fifo)
		waiting += len(fifo)
	}
	return Stats{
		InFlight:  q.inFlight,
		Waiting:   waiting,
		PerKey:    perKey,
		Completed: q.completed,
		Rejected:  q.rejected,
	}
}

// Drain stops admission, rejects all waiters, and waits up to timeout for
// in-flight tasks to settle. Returns the number of tasks that were still
// in flight when draining began.
func (q *Queue) Drain(timeout time.Duration) int {
	q.mu.Lock()
	q.draining = true
	inFlight := q.inFlight

	// Reject everything still waiting.
	for _, fifo := range q.waiters {
		for _, w := range fifo {
			w.done <- ErrDraining
		}
	}
	q.waiters = make(map[string][]*waiter)
	q.keyOrder = nil

	// Parked AcquireSlot callers re-check and observe draining.
	for _, ch := range q.slotWaiters {
		close(ch)
	}
	q.slotWaiters = nil

	if inFlight == 0 {
		q.mu.Unlock()
		return 0
	}
	q.idle = make(chan struct{})
	ch := q.idle
	q.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
		q.logger.Warn("drain timeout with tasks still in flight", "in_flight", inFlight)
	}
	return inFlight
}

// PurgeKey drops all waiters for one submitter key (used when a workflow
// is cancelled). In-flight work is unaffected.
func (q *Queue) PurgeKey(key string) int {
	q.mu.Lock()
	fifo := q.waiters[key]
	delete(q.waiters, key)
	q.mu.Unlock()

	for _, w := range fifo {
		w.done <- context.Canceled
	}
	return len(fifo)
}
