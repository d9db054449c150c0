// Package scheduler runs keyed, cancellable delayed tasks on an injectable
// clock. It backs the dialer tick loop and the post-call sync retries.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Task is the unit of delayed work. ctx is cancelled when the queue closes.
type Task func(ctx context.Context)

// Scheduled describes a pending task.
type Scheduled struct {
	Key string    `json:"key"`
	Due time.Time `json:"due"`
}

// Queue is a delayed-task queue. Keys are unique: scheduling an existing key
// replaces the earlier task.
type Queue struct {
	clock Clock
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*entry
	gen    uint64
	closed bool
	ran    uint64
}

type entry struct {
	due   time.Time
	gen   uint64
	timer Timer
}

func NewQueue(clock Clock, log *slog.Logger) *Queue {
	if clock == nil {
		clock = RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		clock:  clock,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*entry{},
	}
}

// Clock exposes the queue's time source so callers stamp rows consistently.
func (q *Queue) Clock() Clock { return q.clock }

// Schedule runs fn after delay under key. It reports false once the queue is closed.
func (q *Queue) Schedule(key string, delay time.Duration, fn Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if prev, ok := q.tasks[key]; ok {
		prev.timer.Stop()
	}
	q.gen++
	e := &entry{due: q.clock.Now().Add(delay), gen: q.gen}
	q.tasks[key] = e
	gen := q.gen
	// Register the timer while holding the lock so a zero delay on a manual
	// clock cannot fire before the entry exists.
	e.timer = q.clock.AfterFunc(delay, func() { q.fire(key, gen, fn) })
	q.mu.Unlock()
	return true
}

func (q *Queue) fire(key string, gen uint64, fn Task) {
	q.mu.Lock()
	e, ok := q.tasks[key]
	if !ok || e.gen != gen || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.tasks, key)
	q.ran++
	q.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			q.log.Error("scheduled task panicked", "key", key, "panic", p)
		}
	}()
	fn(q.ctx)
}

// Cancel drops a pending task. It reports whether one was pending.
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(q.tasks, key)
	return true
}

// CancelPrefix drops every pending task whose key starts with prefix.
func (q *Queue) CancelPrefix(prefix string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for k, e := range q.tasks {
		if strings.HasPrefix(k, prefix) {
			e.timer.Stop()
			delete(q.tasks, k)
			n++
		}
	}
	return n
}

func (q *Queue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[key]
	return ok
}

// Pending lists waiting tasks ordered by due time.
func (q *Queue) Pending(prefix string) []Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Scheduled, 0, len(q.tasks))
	for k, e := range q.tasks {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Scheduled{Key: k, Due: e.due})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Due.Equal(out[j].Due) {
			return out[i].Key < out[j].Key
		}
		return out[i].Due.Before(out[j].Due)
	})
	return out
}

// Ran is the number of tasks executed so far.
func (q *Queue) Ran() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ran
}

// Close cancels all pending tasks and the context handed to running ones.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for k, e := range q.tasks {
		e.timer.Stop()
		delete(q.tasks, k)
	}
	q.cancel()
}
