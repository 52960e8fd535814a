// Package longpoll implements C8: a process-wide registry of per-task-ID
// one-shot completion signals. Entries are created lazily on first
// subscribe and removed on last unsubscribe, mirroring the
// create-on-first-use/discard-on-last-release lifecycle spec.md §4.8
// describes. The broadcast primitive is a closed channel — closing wakes
// every current waiter at once, which is the "atomically closes and
// releases all waiters" primitive spec.md's open question asks for.
package longpoll

import (
	"context"
	"sync"
	"time"

	"github.com/pinchwork/pinchwork/internal/metrics"
	"github.com/pinchwork/pinchwork/internal/task"
)

// entry is a single task's completion signal. once guards against a
// double close if Fire is called more than once before the last waiter
// unsubscribes (e.g. deliver immediately followed by an auto-approve).
type entry struct {
	ch   chan struct{}
	once sync.Once
	refs int
}

func (e *entry) fire() { e.once.Do(func() { close(e.ch) }) }

// Registry is the process-wide map from task_id to its entry. It
// implements task.Signaler.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

var _ task.Signaler = (*Registry)(nil)

// Fire implements task.Signaler: called by task.Service after deliver,
// approve, and cancel. A no-op if nobody is currently waiting on taskID —
// there is nothing to create an entry for.
func (r *Registry) Fire(taskID string) {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.fire()
}

// Wait blocks until taskID's signal fires or timeout elapses, whichever
// comes first, or ctx is cancelled. It never inspects task state itself —
// per spec.md §4.8 the caller always re-reads state after Wait returns,
// so a missed signal degrades to polling rather than to an incorrect
// result. Wait returns nothing; which of the three ended it is recorded
// only as a metrics/observability label.
func (r *Registry) Wait(ctx context.Context, taskID string, timeout time.Duration) {
	e := r.subscribe(taskID)
	defer r.unsubscribe(taskID, e)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-e.ch:
		metrics.LongPollWaitsTotal.WithLabelValues("signalled").Inc()
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			metrics.LongPollWaitsTotal.WithLabelValues("cancelled").Inc()
		} else {
			metrics.LongPollWaitsTotal.WithLabelValues("timeout").Inc()
		}
	}
}

func (r *Registry) subscribe(taskID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		e = &entry{ch: make(chan struct{})}
		r.entries[taskID] = e
	}
	e.refs++
	return e
}

func (r *Registry) unsubscribe(taskID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		if cur, ok := r.entries[taskID]; ok && cur == e {
			delete(r.entries, taskID)
		}
	}
}
