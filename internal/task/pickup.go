package task

import (
	"context"
	"time"

	"github.com/pinchwork/pinchwork/internal/metrics"
	"github.com/pinchwork/pinchwork/internal/pwerr"
	"github.com/pinchwork/pinchwork/internal/registry"
	"github.com/pinchwork/pinchwork/internal/retry"
	"github.com/pinchwork/pinchwork/internal/traces"
)

// MatchRanker is the subset of C5 the pickup scheduler needs: the
// rank-ordered list of task IDs currently matched to an agent. Separate
// from Matcher because pickup only ever reads match assignments, never
// creates them.
type MatchRanker interface {
	RankedTaskIDsForAgent(ctx context.Context, agentID string) ([]string, error)
}

// SetMatchRanker wires C5's matched-queue lookup into the pickup walk.
func (s *Service) SetMatchRanker(r MatchRanker) { s.matchRanker = r }

// Pickup implements C7: targeted pickup when taskID is given, otherwise
// the four-phase blind-pickup priority walk. Returns (nil, nil) — not an
// error — when nothing matches, per §6 ("pickup view | empty").
func (s *Service) Pickup(ctx context.Context, workerID, taskID string, tags []string) (*PickupView, error) {
	ctx, span := traces.StartSpan(ctx, "task.Pickup", traces.AgentID(workerID))
	defer span.End()

	worker, err := s.registry.GetAgent(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if s.inAbandonCooldown(worker) {
		metrics.PickupsTotal.WithLabelValues("cooldown").Inc()
		return nil, pwerr.Forbidden("too many abandoned claims recently; pickup is temporarily suspended")
	}

	if taskID != "" {
		return s.targetedPickup(ctx, worker, taskID)
	}
	return s.blindPickup(ctx, worker, tags)
}

// inAbandonCooldown reports whether worker has abandoned enough claims
// recently to be locked out of pickup for AbandonCooldownMinutes, counted
// from the last abandon. A worker under the threshold, or one whose
// cooldown window has already elapsed, is never blocked.
func (s *Service) inAbandonCooldown(worker *registry.Agent) bool {
	if s.params.MaxAbandonsBeforeCooldown <= 0 || worker.AbandonCount < s.params.MaxAbandonsBeforeCooldown {
		return false
	}
	if worker.LastAbandonAt == nil {
		return false
	}
	lastAbandon, err := time.Parse(time.RFC3339Nano, *worker.LastAbandonAt)
	if err != nil {
		return false
	}
	cooldownEnds := lastAbandon.Add(time.Duration(s.params.AbandonCooldownMinutes) * time.Minute)
	return s.now().Before(cooldownEnds)
}

func (s *Service) targetedPickup(ctx context.Context, worker *registry.Agent, taskID string) (*PickupView, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		metrics.PickupsTotal.WithLabelValues("not_found").Inc()
		return nil, pwerr.NotFound("task", taskID)
	}
	if t.PosterID == worker.ID {
		metrics.PickupsTotal.WithLabelValues("forbidden").Inc()
		return nil, pwerr.Forbidden("poster cannot pick up their own task")
	}
	conflicts, err := s.store.ConflictTaskIDsForWorker(ctx, worker.ID)
	if err != nil {
		return nil, err
	}
	if contains(conflicts, taskID) {
		metrics.PickupsTotal.WithLabelValues("conflict").Inc()
		return nil, pwerr.Conflict("worker already handled a system task for this parent")
	}
	if t.Status != StatusPosted || t.WorkerID != nil {
		metrics.PickupsTotal.WithLabelValues("conflict").Inc()
		return nil, pwerr.Conflict("task is no longer postable")
	}

	view, err := s.commitClaim(ctx, t, worker.ID, conflicts)
	if err != nil {
		return nil, err
	}
	if view == nil {
		metrics.PickupsTotal.WithLabelValues("conflict").Inc()
		return nil, pwerr.Conflict("lost the race for this task")
	}
	metrics.PickupsTotal.WithLabelValues("claimed").Inc()
	return view, nil
}

func (s *Service) blindPickup(ctx context.Context, worker *registry.Agent, tags []string) (*PickupView, error) {
	conflicts, err := s.store.ConflictTaskIDsForWorker(ctx, worker.ID)
	if err != nil {
		return nil, err
	}

	// Phase 1: infra-only system tasks, tag filter ignored.
	if worker.AcceptsSystemTasks {
		candidates, err := s.store.ListPostedSystemTasks(ctx, 50)
		if err != nil {
			return nil, err
		}
		if view, err := s.tryClaimAny(ctx, candidates, worker.ID, conflicts); view != nil || err != nil {
			return view, err
		}
	}

	// Phase 2: matched queue, rank order.
	if s.matchRanker != nil {
		rankedIDs, err := s.matchRanker.RankedTaskIDsForAgent(ctx, worker.ID)
		if err != nil {
			return nil, err
		}
		if len(rankedIDs) > 0 {
			candidates, err := s.store.ListPostedByIDsInOrder(ctx, rankedIDs, tags, conflicts)
			if err != nil {
				return nil, err
			}
			if view, err := s.tryClaimInOrder(ctx, candidates, worker.ID, conflicts); view != nil || err != nil {
				return view, err
			}
		}
	}

	// Phase 3: broadcast queue.
	candidates, err := s.store.ListPostedBroadcastOrPending(ctx, tags, conflicts, 50)
	if err != nil {
		return nil, err
	}
	if view, err := s.tryClaimAny(ctx, candidates, worker.ID, conflicts); view != nil || err != nil {
		return view, err
	}

	// Phase 4: unattached queue.
	candidates, err = s.store.ListPostedUnattached(ctx, tags, conflicts, 50)
	if err != nil {
		return nil, err
	}
	if view, err := s.tryClaimAny(ctx, candidates, worker.ID, conflicts); view != nil || err != nil {
		return view, err
	}

	metrics.PickupsTotal.WithLabelValues("empty").Inc()
	return nil, nil
}

func (s *Service) tryClaimAny(ctx context.Context, candidates []*Task, workerID string, conflicts []string) (*PickupView, error) {
	return s.tryClaimInOrder(ctx, candidates, workerID, conflicts)
}

// tryClaimInOrder attempts the conditional claim against each candidate in
// order, stopping at the first success; a lost race falls through to the
// next candidate rather than failing outright.
func (s *Service) tryClaimInOrder(ctx context.Context, candidates []*Task, workerID string, conflicts []string) (*PickupView, error) {
	for _, t := range candidates {
		view, err := s.commitClaim(ctx, t, workerID, conflicts)
		if err != nil {
			return nil, err
		}
		if view != nil {
			metrics.PickupsTotal.WithLabelValues("claimed").Inc()
			return view, nil
		}
	}
	return nil, nil
}

func (s *Service) commitClaim(ctx context.Context, t *Task, workerID string, conflicts []string) (*PickupView, error) {
	now := s.now()
	claimMinutes := s.params.DefaultClaimTimeoutMinutes
	if t.ClaimTimeoutMinutes != nil {
		claimMinutes = *t.ClaimTimeoutMinutes
	}
	deadline := now.Add(time.Duration(claimMinutes) * time.Minute)

	// Retried because a lost race (ok=false, err=nil) is not itself an
	// error — only a transient connectivity error on the conditional
	// UPDATE is worth retrying here.
	var ok bool
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		var claimErr error
		ok, claimErr = s.store.ClaimTask(ctx, t.ID, workerID, formatTime(now), formatTime(deadline), conflicts)
		return claimErr
	})
	if err != nil || !ok {
		return nil, err
	}

	reviewMinutes := s.params.DefaultReviewTimeoutMinutes
	if t.ReviewTimeoutMinutes != nil {
		reviewMinutes = *t.ReviewTimeoutMinutes
	}

	s.publish(ctx, "TaskClaimed", t)
	return &PickupView{
		TaskID:               t.ID,
		PosterID:             t.PosterID,
		Need:                 t.Need,
		Context:              t.Context,
		MaxCredits:           t.MaxCredits,
		ClaimDeadline:        formatTime(deadline),
		ReviewTimeoutMinutes: reviewMinutes,
		ClaimTimeoutMinutes:  claimMinutes,
	}, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
