// Package events implements the fire-and-forget event sink spec.md §6
// describes: TaskCreated, TaskMatched, TaskClaimed, TaskDelivered,
// TaskApproved, TaskRejected, TaskExpired, TaskCancelled. The webhook
// deliverer and SSE fan-out spec.md names as this sink's consumers are
// both out of scope (external collaborators) — this package only needs
// to emit the event durably enough for such a collaborator to be wired
// in later, which it does two ways: structured logging (so every event
// is observable today) and an optional in-process fan-out channel (so a
// future collaborator can subscribe without this package knowing about
// webhooks or SSE at all).
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pinchwork/pinchwork/internal/task"
)

// View is the compact task projection carried on every event, per
// spec.md §6 ("payload contains task_id, the recipient-interest set
// ..., and a compact task view").
type View struct {
	TaskID   string `json:"task_id"`
	PosterID string `json:"poster_id"`
	WorkerID string `json:"worker_id,omitempty"`
	Status   string `json:"status"`
	IsSystem bool   `json:"is_system"`
}

// Event is one fire-and-forget notification.
type Event struct {
	Type string `json:"type"`
	View View   `json:"task"`
}

// recipients returns the poster/worker interest set an event's payload
// is addressed to, per spec.md §6.
func recipients(t *task.Task) []string {
	r := []string{t.PosterID}
	if t.WorkerID != nil {
		r = append(r, *t.WorkerID)
	}
	return r
}

func viewOf(t *task.Task) View {
	v := View{TaskID: t.ID, PosterID: t.PosterID, Status: string(t.Status), IsSystem: t.IsSystem}
	if t.WorkerID != nil {
		v.WorkerID = *t.WorkerID
	}
	return v
}

// Publisher implements task.EventPublisher. subscriberBufferSize bounds
// how much a slow/absent subscriber can lag before events are dropped
// for it — this is fire-and-forget, so a full channel never blocks the
// caller (task.Service mid-transition).
const subscriberBufferSize = 64

type Publisher struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers []chan Event
}

func New(logger *slog.Logger) *Publisher {
	return &Publisher{logger: logger}
}

var _ task.EventPublisher = (*Publisher)(nil)

// Publish implements task.EventPublisher. Called by task.Service after
// every state transition it names in spec.md §6 (create, claim, deliver,
// approve, reject, expire, cancel); matching/verification system-task
// transitions don't separately publish — they ride the same Deliver path.
func (p *Publisher) Publish(ctx context.Context, eventType string, t *task.Task) {
	ev := Event{Type: eventType, View: viewOf(t)}

	p.logger.InfoContext(ctx, "task event",
		slog.String("event_type", eventType),
		slog.String("task_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.Any("recipients", recipients(t)),
	)

	p.mu.Lock()
	subs := p.subscribers
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber — drop rather than block the caller.
		}
	}
}

// Subscribe registers a channel to receive every future event. It exists
// for an in-process collaborator (a webhook deliverer, an SSE fan-out
// hub) to attach to without this package depending on either; none is
// wired in today since both are out of scope per spec.md §6.
func (p *Publisher) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBufferSize)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}
