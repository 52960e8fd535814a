// Package reclaim implements C9: the background loop that runs
// internal/task's six sweeps on a fixed interval. The sweeps themselves
// (expiry, auto-approve, claim timeout) live in internal/task since they
// need the same store/ledger/registry wiring task.Service already holds;
// this package only owns the ticking and the per-sweep error isolation.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweeper is the subset of task.Service this package calls. Declared here
// rather than imported from internal/task so reclaim never needs to know
// about tasks, agents, or credits — only that it drives some ordered list
// of named, independently-failing sweep functions.
type sweeper interface {
	SweepExpirePosted(ctx context.Context) (int, error)
	SweepAutoApproveDelivered(ctx context.Context) (int, error)
	SweepExpireMatch(ctx context.Context) (int, error)
	SweepExpireClaimTimeout(ctx context.Context) (int, error)
	SweepExpireVerification(ctx context.Context) (int, error)
	SweepAutoApproveSystem(ctx context.Context) (int, error)
}

// Timer periodically runs every sweep in order. Grounded on the
// teacher's recurring Timer shape (internal/escrow, internal/reconciliation,
// internal/credit, internal/contracts, internal/negotiation, internal/streams
// all use the same ticker/stop-channel/running-flag loop for their own
// periodic reconciliation work).
type Timer struct {
	svc      sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new reclaim loop. Default interval matches spec.md
// §4.9's "runs on a fixed interval (suggested: 60s)".
func NewTimer(svc sweeper, logger *slog.Logger) *Timer {
	return &Timer{
		svc:      svc,
		interval: 60 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine; it returns when ctx
// is cancelled or Stop is called, never otherwise.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.runAll(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// namedSweep pairs a sweep's label (used for logging) with the sweep
// itself, run in the order spec.md §4.9 lists them.
type namedSweep struct {
	name string
	run  func(ctx context.Context) (int, error)
}

func (t *Timer) sweeps() []namedSweep {
	return []namedSweep{
		{"expire_posted", t.svc.SweepExpirePosted},
		{"auto_approve_delivered", t.svc.SweepAutoApproveDelivered},
		{"expire_match", t.svc.SweepExpireMatch},
		{"expire_claim_timeout", t.svc.SweepExpireClaimTimeout},
		{"expire_verification", t.svc.SweepExpireVerification},
		{"auto_approve_system", t.svc.SweepAutoApproveSystem},
	}
}

// runAll runs every sweep regardless of whether an earlier one errored —
// spec.md §4.9 requires "errors in one sweep MUST NOT block subsequent
// sweeps" — and recovers from a panic in any single sweep so one bad
// tick never takes the whole loop down, matching the teacher's own
// safeReleaseExpired/safeRun wrapper in internal/escrow and
// internal/reconciliation.
func (t *Timer) runAll(ctx context.Context) {
	for _, s := range t.sweeps() {
		t.runOne(ctx, s)
	}
}

func (t *Timer) runOne(ctx context.Context, s namedSweep) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reclaim sweep", "sweep", s.name, "panic", fmt.Sprint(r))
		}
	}()

	n, err := s.run(ctx)
	if err != nil {
		t.logger.Warn("reclaim sweep failed", "sweep", s.name, "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("reclaim sweep completed", "sweep", s.name, "rows", n)
	} else {
		t.logger.Debug("reclaim sweep completed", "sweep", s.name, "rows", n)
	}
}
