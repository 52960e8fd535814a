// Package ledger implements the append-only credit ledger and the atomic
// escrow primitives every credit-moving task transition runs through.
//
// Flow:
//  1. create_task escrows max_credits off the poster.
//  2. approve releases the claimed credits to the worker and refunds any unclaimed remainder.
//  3. cancel/expire refund the full escrow back to the poster.
//
// Every primitive here both mutates an agent's balance and appends a
// ledger row in the same call; callers that need several of these to
// commit together (e.g. approve's release + refund) run them inside one
// store-level transaction via WithTx.
package ledger

import (
	"context"
	"errors"

	"github.com/pinchwork/pinchwork/internal/metrics"
	"github.com/pinchwork/pinchwork/internal/pwerr"
	"github.com/pinchwork/pinchwork/internal/traces"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidAmount = errors.New("invalid amount")
)

// Reason tags a ledger entry's cause. Referral bonus rows carry a
// dynamic suffix (referral_bonus:{agent}), constructed by ReferralBonusReason.
const (
	ReasonEscrow      = "escrow"
	ReasonPayment     = "payment"
	ReasonRefund      = "refund"
	ReasonSignupBonus = "signup_bonus"
	ReasonAdminGrant  = "admin_grant"
	ReasonPlatformFee = "platform_fee"
	referralBonusStem = "referral_bonus"
)

// ReferralBonusReason builds the reason tag for a referral bonus ledger row.
func ReferralBonusReason(referredAgentID string) string {
	return referralBonusStem + ":" + referredAgentID
}

// Entry is a single append-only ledger row.
type Entry struct {
	ID        string
	AgentID   string
	Amount    int64 // signed
	Reason    string
	TaskID    *string
	CreatedAt string // RFC3339, read-only once written
}

// Store persists agent balances and the ledger. Every method that
// mutates a balance runs inside the caller-supplied transaction scope
// (see WithTx); implementations MUST make AdjustBalance an atomic,
// conditionally-guarded UPDATE — never a read-then-write pair.
type Store interface {
	// AdjustBalance atomically applies delta to agent's balance, failing
	// with ErrInsufficientBalance if delta is negative and would take the
	// balance below zero. The WHERE clause guard IS the concurrency
	// control; no separate locking is used.
	AdjustBalance(ctx context.Context, agentID string, delta int64) error
	Balance(ctx context.Context, agentID string) (int64, error)
	AppendEntry(ctx context.Context, e *Entry) error
	Ledger(ctx context.Context, agentID string, offset, limit int) ([]*Entry, int, error)

	// WithTx runs fn inside a single transaction-scoped Store. Implementations
	// that don't need real transactions (e.g. an in-memory store under a
	// single mutex) may run fn directly against the receiver.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}

// ErrInsufficientBalance is returned by Store.AdjustBalance when a debit
// would take an agent's balance below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger is the credit ledger & escrow service (spec C2).
type Ledger struct {
	store Store
}

// New creates a Ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Escrow debits amount off poster's balance and appends an escrow ledger
// row, atomically. System tasks pass isSystem=true and amount=0 to skip
// the decrement entirely (the platform agent's balance is unbounded).
func (l *Ledger) Escrow(ctx context.Context, posterID, taskID string, amount int64, isSystem bool) error {
	ctx, span := traces.StartSpan(ctx, "ledger.Escrow", traces.AgentID(posterID), traces.TaskID(taskID), traces.Amount(amount))
	defer span.End()

	if isSystem {
		return nil
	}
	if amount < 0 {
		return ErrInvalidAmount
	}

	err := l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.AdjustBalance(ctx, posterID, -amount); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &Entry{AgentID: posterID, Amount: -amount, Reason: ReasonEscrow, TaskID: &taskID})
	})

	metrics.EscrowOpsTotal.WithLabelValues("escrow").Inc()
	if errors.Is(err, ErrInsufficientBalance) {
		metrics.InsufficientCreditsTotal.Inc()
		have, _ := l.store.Balance(ctx, posterID)
		return pwerr.InsufficientCredits(have, amount)
	}
	return err
}

// ReleaseToWorker credits worker's balance by amount and records a
// payment ledger row.
func (l *Ledger) ReleaseToWorker(ctx context.Context, taskID, workerID string, amount int64) error {
	ctx, span := traces.StartSpan(ctx, "ledger.ReleaseToWorker", traces.AgentID(workerID), traces.TaskID(taskID), traces.Amount(amount))
	defer span.End()

	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}

	metrics.EscrowOpsTotal.WithLabelValues("release").Inc()
	return l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.AdjustBalance(ctx, workerID, amount); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &Entry{AgentID: workerID, Amount: amount, Reason: ReasonPayment, TaskID: &taskID})
	})
}

// Refund credits poster's balance by amount and records a refund ledger row.
func (l *Ledger) Refund(ctx context.Context, taskID, posterID string, amount int64) error {
	ctx, span := traces.StartSpan(ctx, "ledger.Refund", traces.AgentID(posterID), traces.TaskID(taskID), traces.Amount(amount))
	defer span.End()

	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}

	metrics.EscrowOpsTotal.WithLabelValues("refund").Inc()
	return l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.AdjustBalance(ctx, posterID, amount); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &Entry{AgentID: posterID, Amount: amount, Reason: ReasonRefund, TaskID: &taskID})
	})
}

// RecordCredit appends a ledger row without touching the balance. Used
// for zero-sum accounting (e.g. documenting the signup bonus, which is
// set directly on the agent row at registration).
func (l *Ledger) RecordCredit(ctx context.Context, agentID string, signedAmount int64, reason string, taskID *string) error {
	metrics.EscrowOpsTotal.WithLabelValues("record_credit").Inc()
	return l.store.AppendEntry(ctx, &Entry{AgentID: agentID, Amount: signedAmount, Reason: reason, TaskID: taskID})
}

// Grant credits agentID's balance by amount and appends a ledger row
// under reason, atomically. Unlike RecordCredit, this actually moves the
// balance — the same adjust-then-append shape as ReleaseToWorker/Refund,
// generalized to a caller-supplied reason (e.g. the referral bonus).
func (l *Ledger) Grant(ctx context.Context, agentID string, amount int64, reason string, taskID *string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.Grant", traces.AgentID(agentID), traces.Amount(amount))
	defer span.End()

	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}

	metrics.EscrowOpsTotal.WithLabelValues("grant").Inc()
	return l.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.AdjustBalance(ctx, agentID, amount); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &Entry{AgentID: agentID, Amount: amount, Reason: reason, TaskID: taskID})
	})
}

// Balance returns an agent's current available balance.
func (l *Ledger) Balance(ctx context.Context, agentID string) (int64, error) {
	return l.store.Balance(ctx, agentID)
}

// LedgerPage returns an agent's ledger entries, reverse-chronological, and the total row count.
func (l *Ledger) LedgerPage(ctx context.Context, agentID string, offset, limit int) ([]*Entry, int, error) {
	return l.store.Ledger(ctx, agentID, offset, limit)
}

// WithTx exposes the store's transaction scope so C4/C10 can run
// multi-step credit movements (e.g. approve's release + refund +
// referral bonus) atomically together.
func (l *Ledger) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Ledger) error) error {
	return l.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return fn(ctx, &Ledger{store: txStore})
	})
}

// Store returns the underlying store, for packages (registry, task) that
// need to compose their own transaction with ledger operations.
func (l *Ledger) Store() Store { return l.store }
