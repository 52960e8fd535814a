package task

import (
	"context"
	"time"

	"github.com/pinchwork/pinchwork/internal/clock"
	"github.com/pinchwork/pinchwork/internal/credential"
	"github.com/pinchwork/pinchwork/internal/ledger"
	"github.com/pinchwork/pinchwork/internal/metrics"
	"github.com/pinchwork/pinchwork/internal/pwerr"
	"github.com/pinchwork/pinchwork/internal/registry"
	"github.com/pinchwork/pinchwork/internal/traces"
	"github.com/pinchwork/pinchwork/internal/validation"
)

// Matcher is C5, invoked by the task state machine at the points the
// spec assigns to the matching subsystem. Implemented by
// internal/matching, which holds its own reference back into this
// package's Service to create/update tasks — task never imports
// matching, so there's no cycle.
type Matcher interface {
	// OnTaskCreated decides whether to spawn a match_agents system task
	// for t or broadcast immediately, and sets t's match_status accordingly.
	OnTaskCreated(ctx context.Context, t *Task) error
	// AbsorbMatchResult is invoked when a match_agents system task is delivered.
	AbsorbMatchResult(ctx context.Context, systemTask *Task) error
	// AbsorbCapabilityResult is invoked when a capability_extraction system task is delivered.
	AbsorbCapabilityResult(ctx context.Context, systemTask *Task) error
}

// Verifier is C6, the verification-subsystem counterpart to Matcher.
type Verifier interface {
	// OnTaskDelivered decides whether to spawn a verify_completion system
	// task for a just-delivered regular task t.
	OnTaskDelivered(ctx context.Context, t *Task) error
	// AbsorbVerification is invoked when a verify_completion system task is delivered.
	AbsorbVerification(ctx context.Context, systemTask *Task) error
}

// ReferralPayer is C10, invoked at the end of a successful approve.
type ReferralPayer interface {
	MaybePayReferralBonus(ctx context.Context, workerID string) error
}

// Signaler is C8: fires the per-task completion signal. Implemented by
// internal/longpoll.
type Signaler interface {
	Fire(taskID string)
}

// EventPublisher is the fire-and-forget event sink described in §6.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, t *Task)
}

// Params carries the marketplace-economics knobs C4/C7/C9 need from config.
type Params struct {
	TaskExpireHours              int64
	DefaultReviewTimeoutMinutes  int64
	DefaultClaimTimeoutMinutes   int64
	MatchTimeoutSeconds          int64
	VerificationTimeoutSeconds   int64
	SystemTaskAutoApproveSeconds int64
	MaxRejections                int64
	RejectionGraceMinutes        int64
	PlatformAgentID              string
	MatchCredits                 int64
	VerifyCredits                int64
	MaxAbandonsBeforeCooldown    int64
	AbandonCooldownMinutes       int64
}

// Service is the task state machine (C4) and pickup scheduler (C7).
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	registry *registry.Service
	clock    clock.Clock
	params   Params

	matcher     Matcher
	verifier    Verifier
	referral    ReferralPayer
	signal      Signaler
	events      EventPublisher
	matchRanker MatchRanker
}

// New creates a Service. The optional collaborators (matcher, verifier,
// referral, signal, events) are wired in later via their setters once
// internal/engine has constructed the whole graph.
func New(store Store, ldgr *ledger.Ledger, reg *registry.Service, clk clock.Clock, params Params) *Service {
	return &Service{store: store, ledger: ldgr, registry: reg, clock: clk, params: params}
}

func (s *Service) SetMatcher(m Matcher)             { s.matcher = m }
func (s *Service) SetVerifier(v Verifier)           { s.verifier = v }
func (s *Service) SetReferralPayer(r ReferralPayer) { s.referral = r }
func (s *Service) SetSignaler(sig Signaler)         { s.signal = sig }
func (s *Service) SetEvents(e EventPublisher)       { s.events = e }

func (s *Service) now() time.Time { return s.clock.Now() }

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

// CreateTask implements C4.create_task.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	ctx, span := traces.StartSpan(ctx, "task.CreateTask", traces.AgentID(p.PosterID))
	defer span.End()

	if errs := validation.Validate(
		validation.Required("need", p.Need),
		validation.MaxLength("need", p.Need, validation.MaxStringLength),
		validation.MaxLength("context", p.Context, validation.MaxStringLength),
		validation.PositiveInt64("max_credits", p.MaxCredits),
		validation.ValidTags("tags", p.Tags),
	); len(errs) > 0 {
		return nil, pwerr.InvalidInput(errs[0].Field, errs[0].Message)
	}

	now := s.now()
	t := &Task{
		ID:                   credential.NewTaskID(),
		PosterID:             p.PosterID,
		Need:                 validation.SanitizeString(p.Need, validation.MaxStringLength),
		Context:              validation.SanitizeString(p.Context, validation.MaxStringLength),
		Status:               StatusPosted,
		MaxCredits:           p.MaxCredits,
		Tags:                 p.Tags,
		ReviewTimeoutMinutes: p.ReviewTimeoutMinutes,
		ClaimTimeoutMinutes:  p.ClaimTimeoutMinutes,
		CreatedAt:            formatTime(now),
		ExpiresAt:            formatTime(now.Add(time.Duration(s.params.TaskExpireHours) * time.Hour)),
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.CreateTask(ctx, t); err != nil {
			return err
		}
		if err := s.ledger.Escrow(ctx, p.PosterID, t.ID, p.MaxCredits, false); err != nil {
			return err
		}
		return s.registry.IncrementTaskCounts(ctx, p.PosterID, 1, 0)
	})
	if err != nil {
		return nil, err
	}

	if s.matcher != nil {
		_ = s.matcher.OnTaskCreated(ctx, t)
		// Best-effort: OnTaskCreated mutates t's match fields via its own
		// callback into this Service, so re-read to return the current view.
		if refreshed, err := s.store.GetTask(ctx, t.ID); err == nil {
			t = refreshed
		}
	}
	matchStatusLabel := "none"
	if t.MatchStatus != nil {
		matchStatusLabel = string(*t.MatchStatus)
	}
	metrics.TasksCreatedTotal.WithLabelValues(matchStatusLabel).Inc()

	s.publish(ctx, "TaskCreated", t)
	return t, nil
}

// CreateSystemTask is the C5/C6 entry point for spawning a platform task.
// System tasks skip escrow (the platform's balance is unbounded) and carry
// no poster-side counters. For SystemTaskCapability, parentOrAgentID holds
// the target agent's ID rather than a parent task ID (see DESIGN.md).
func (s *Service) CreateSystemTask(ctx context.Context, sysType SystemTaskType, need, parentOrAgentID string, maxCredits int64) (*Task, error) {
	now := s.now()
	t := &Task{
		ID:             credential.NewTaskID(),
		PosterID:       s.params.PlatformAgentID,
		Need:           need,
		Status:         StatusPosted,
		MaxCredits:     maxCredits,
		IsSystem:       true,
		SystemTaskType: &sysType,
		ParentTaskID:   &parentOrAgentID,
		CreatedAt:      formatTime(now),
		ExpiresAt:      formatTime(now.Add(time.Duration(s.params.TaskExpireHours) * time.Hour)),
	}
	if err := s.ledger.Escrow(ctx, t.PosterID, t.ID, 0, true); err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetMatchStatus is exported for internal/matching to update a parent
// task's match fields without taking on its own Task-mutation authority.
func (s *Service) SetMatchStatus(ctx context.Context, taskID string, status MatchStatus, deadline *time.Time) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.MatchStatus = &status
	if deadline != nil {
		d := formatTime(*deadline)
		t.MatchDeadline = &d
	}
	return s.store.UpdateTask(ctx, t)
}

// SetVerificationStatus is exported for internal/verification.
func (s *Service) SetVerificationStatus(ctx context.Context, taskID string, status VerificationStatus, deadline *time.Time) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.VerificationStatus = &status
	if deadline != nil {
		d := formatTime(*deadline)
		t.VerificationDeadline = &d
	}
	return s.store.UpdateTask(ctx, t)
}

// SetVerificationResult stores the raw verdict blob on the parent task.
func (s *Service) SetVerificationResult(ctx context.Context, taskID, resultJSON string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.VerificationResult = resultJSON
	return s.store.UpdateTask(ctx, t)
}

// GetTask returns a task; viewer visibility beyond existence is a
// handler-edge concern (out of scope for the core per §1).
func (s *Service) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListMine implements C4/§6's list_mine, paginated by opaque cursor.
func (s *Service) ListMine(ctx context.Context, agentID string, asPoster bool, cursor string, limit int) ([]*Task, string, bool, error) {
	return s.store.ListByAgent(ctx, agentID, asPoster, cursor, limit)
}

// Deliver implements C4.deliver.
func (s *Service) Deliver(ctx context.Context, taskID, workerID, result string, creditsClaimed *int64) (*Task, error) {
	ctx, span := traces.StartSpan(ctx, "task.Deliver", traces.TaskID(taskID), traces.AgentID(workerID))
	defer span.End()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.WorkerID == nil || *t.WorkerID != workerID {
		return nil, pwerr.Forbidden("caller is not this task's worker")
	}
	if t.Status != StatusClaimed {
		return nil, pwerr.BadState("task must be claimed to deliver", string(t.Status))
	}

	claimed := t.MaxCredits
	if creditsClaimed != nil {
		claimed = *creditsClaimed
	}
	if claimed < 1 {
		claimed = 1
	}
	if claimed > t.MaxCredits {
		claimed = t.MaxCredits
	}

	now := s.now()
	t.Result = result
	t.CreditsCharged = claimed
	t.Status = StatusDelivered
	d := formatTime(now)
	t.DeliveredAt = &d
	t.ClaimDeadline = nil

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(StatusDelivered)).Inc()

	if t.IsSystem {
		// Absorption failures don't block delivery; the system task stays
		// delivered and the parent stays in its prior state.
		_ = s.absorbSystemTaskDelivery(ctx, t)
	} else if s.verifier != nil {
		_ = s.verifier.OnTaskDelivered(ctx, t)
	}

	s.signalFire(taskID)
	s.publish(ctx, "TaskDelivered", t)

	return s.store.GetTask(ctx, taskID)
}

func (s *Service) absorbSystemTaskDelivery(ctx context.Context, systemTask *Task) error {
	if systemTask.SystemTaskType == nil {
		return nil
	}
	switch *systemTask.SystemTaskType {
	case SystemTaskMatch:
		if s.matcher != nil {
			if err := s.matcher.AbsorbMatchResult(ctx, systemTask); err != nil {
				return err
			}
		}
	case SystemTaskCapability:
		if s.matcher != nil {
			if err := s.matcher.AbsorbCapabilityResult(ctx, systemTask); err != nil {
				return err
			}
		}
	case SystemTaskVerify:
		if s.verifier != nil {
			if err := s.verifier.AbsorbVerification(ctx, systemTask); err != nil {
				return err
			}
		}
	}
	// The system task itself is auto-approved regardless of absorption
	// outcome — the infra worker is paid for doing the work, not for the
	// quality of the parent's outcome.
	return s.autoApproveSystemTask(ctx, systemTask.ID)
}

func (s *Service) autoApproveSystemTask(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusDelivered || t.WorkerID == nil {
		return nil
	}
	return s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := s.ledger.ReleaseToWorker(ctx, t.ID, *t.WorkerID, t.CreditsCharged); err != nil {
			return err
		}
		t.Status = StatusApproved
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		return s.registry.IncrementTaskCounts(ctx, *t.WorkerID, 0, 1)
	})
}

// Approve implements C4.approve.
func (s *Service) Approve(ctx context.Context, taskID, posterID string) (*Task, error) {
	return s.approve(ctx, taskID, posterID, false)
}

// AutoApproveInternal approves a task on behalf of the platform (e.g.
// after a verification pass), bypassing the poster-identity check.
func (s *Service) AutoApproveInternal(ctx context.Context, taskID string) (*Task, error) {
	return s.approve(ctx, taskID, "", true)
}

func (s *Service) approve(ctx context.Context, taskID, posterID string, internal bool) (*Task, error) {
	ctx, span := traces.StartSpan(ctx, "task.Approve", traces.TaskID(taskID))
	defer span.End()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !internal && t.PosterID != posterID {
		return nil, pwerr.Forbidden("caller is not this task's poster")
	}
	if t.Status != StatusDelivered {
		return nil, pwerr.BadState("task must be delivered to approve", string(t.Status))
	}
	if t.WorkerID == nil {
		return nil, pwerr.BadState("delivered task has no worker on record", string(t.Status))
	}
	worker := *t.WorkerID

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := s.ledger.ReleaseToWorker(ctx, t.ID, worker, t.CreditsCharged); err != nil {
			return err
		}
		if err := s.ledger.Refund(ctx, t.ID, t.PosterID, t.MaxCredits-t.CreditsCharged); err != nil {
			return err
		}
		t.Status = StatusApproved
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		return s.registry.IncrementTaskCounts(ctx, worker, 0, 1)
	})
	if err != nil {
		return nil, err
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(StatusApproved)).Inc()

	if s.referral != nil {
		_ = s.referral.MaybePayReferralBonus(ctx, worker)
	}

	s.signalFire(taskID)
	s.publish(ctx, "TaskApproved", t)
	return t, nil
}

// Reject implements C4.reject.
func (s *Service) Reject(ctx context.Context, taskID, posterID, reason string) (*Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != posterID {
		return nil, pwerr.Forbidden("caller is not this task's poster")
	}
	if t.Status != StatusDelivered {
		return nil, pwerr.BadState("task must be delivered to reject", string(t.Status))
	}

	t.RejectionCount++
	t.RejectionReason = reason

	if t.RejectionCount >= s.params.MaxRejections {
		t.WorkerID = nil
		t.ClaimDeadline = nil
		t.DeliveredAt = nil
		t.ClaimedAt = nil
		broadcast := MatchStatusBroadcast
		t.MatchStatus = &broadcast
		t.ExpiresAt = formatTime(s.now().Add(time.Duration(s.params.TaskExpireHours) * time.Hour))
		t.Status = StatusPosted
	} else {
		t.Result = ""
		t.Status = StatusClaimed
		grace := formatTime(s.now().Add(time.Duration(s.params.RejectionGraceMinutes) * time.Minute))
		t.RejectionGraceDeadline = &grace
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publish(ctx, "TaskRejected", t)
	return t, nil
}

// Cancel implements C4.cancel.
func (s *Service) Cancel(ctx context.Context, taskID, posterID string) (*Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != posterID {
		return nil, pwerr.Forbidden("caller is not this task's poster")
	}
	if t.Status != StatusPosted {
		return nil, pwerr.BadState("task must be posted to cancel", string(t.Status))
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := s.ledger.Refund(ctx, t.ID, t.PosterID, t.MaxCredits); err != nil {
			return err
		}
		t.Status = StatusCancelled
		return tx.UpdateTask(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	s.signalFire(taskID)
	s.publish(ctx, "TaskCancelled", t)
	return t, nil
}

// Abandon implements C4.abandon.
func (s *Service) Abandon(ctx context.Context, taskID, workerID string) (*Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.WorkerID == nil || *t.WorkerID != workerID {
		return nil, pwerr.Forbidden("caller is not this task's worker")
	}
	if t.Status != StatusClaimed {
		return nil, pwerr.BadState("task must be claimed to abandon", string(t.Status))
	}

	t.WorkerID = nil
	t.ClaimDeadline = nil
	t.Status = StatusPosted
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	_ = s.registry.RecordAbandon(ctx, workerID, formatTime(s.now()))
	return t, nil
}

func (s *Service) publish(ctx context.Context, eventType string, t *Task) {
	if s.events != nil {
		s.events.Publish(ctx, eventType, t)
	}
}

func (s *Service) signalFire(taskID string) {
	if s.signal != nil {
		s.signal.Fire(taskID)
	}
}
