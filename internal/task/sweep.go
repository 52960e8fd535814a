package task

import (
	"context"

	"github.com/pinchwork/pinchwork/internal/metrics"
)

// The six C9 sweeps. Each is independently committed and returns the
// number of rows it affected; callers (internal/reclaim) log and move on
// regardless of per-row errors — nothing here blocks a later sweep.

// SweepExpirePosted expires posted tasks past their expires_at and
// refunds the full escrow to the poster.
func (s *Service) SweepExpirePosted(ctx context.Context) (int, error) {
	tasks, err := s.store.ListExpiredPosted(ctx, formatTime(s.now()), 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			if err := s.ledger.Refund(ctx, t.ID, t.PosterID, t.MaxCredits); err != nil {
				return err
			}
			t.Status = StatusExpired
			return tx.UpdateTask(ctx, t)
		})
		if err != nil {
			metrics.ReclaimerErrorsTotal.WithLabelValues("expire_posted").Inc()
			continue
		}
		s.publish(ctx, "TaskExpired", t)
		n++
	}
	s.recordSweep("expire_posted", n)
	return n, nil
}

// SweepAutoApproveDelivered approves delivered regular tasks whose review
// timeout has elapsed.
func (s *Service) SweepAutoApproveDelivered(ctx context.Context) (int, error) {
	tasks, err := s.store.ListDeliveredPastReview(ctx, formatTime(s.now()), s.params.DefaultReviewTimeoutMinutes, 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if _, err := s.AutoApproveInternal(ctx, t.ID); err != nil {
			metrics.ReclaimerErrorsTotal.WithLabelValues("auto_approve_delivered").Inc()
			continue
		}
		n++
	}
	s.recordSweep("auto_approve_delivered", n)
	return n, nil
}

// SweepExpireMatch broadcasts tasks whose match_deadline elapsed while
// still pending, and cancels any still-posted match_agents system task.
func (s *Service) SweepExpireMatch(ctx context.Context) (int, error) {
	tasks, err := s.store.ListPendingMatchPastDeadline(ctx, formatTime(s.now()), 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		broadcast := MatchStatusBroadcast
		t.MatchStatus = &broadcast
		if err := s.store.UpdateTask(ctx, t); err != nil {
			metrics.ReclaimerErrorsTotal.WithLabelValues("expire_match").Inc()
			continue
		}
		s.cancelSystemTaskIfPosted(ctx, t.ID, SystemTaskMatch)
		n++
	}
	s.recordSweep("expire_match", n)
	return n, nil
}

// SweepExpireClaimTimeout resets claimed regular tasks whose claim
// deadline has passed and whose rejection grace (if any) has too, back
// to posted. Escrow stays put; system tasks are exempt (§9 open question).
func (s *Service) SweepExpireClaimTimeout(ctx context.Context) (int, error) {
	tasks, err := s.store.ListClaimedPastDeadline(ctx, formatTime(s.now()), 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		t.WorkerID = nil
		t.ClaimDeadline = nil
		t.Status = StatusPosted
		if err := s.store.UpdateTask(ctx, t); err != nil {
			metrics.ReclaimerErrorsTotal.WithLabelValues("expire_claim_timeout").Inc()
			continue
		}
		n++
	}
	s.recordSweep("expire_claim_timeout", n)
	return n, nil
}

// SweepExpireVerification clears a pending verification whose deadline
// elapsed and cancels the verify_completion system task if still posted.
// The parent stays delivered; the review timeout still governs it.
func (s *Service) SweepExpireVerification(ctx context.Context) (int, error) {
	tasks, err := s.store.ListPendingVerificationPastDeadline(ctx, formatTime(s.now()), 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		t.VerificationStatus = nil
		t.VerificationDeadline = nil
		if err := s.store.UpdateTask(ctx, t); err != nil {
			metrics.ReclaimerErrorsTotal.WithLabelValues("expire_verification").Inc()
			continue
		}
		s.cancelSystemTaskIfPosted(ctx, t.ID, SystemTaskVerify)
		n++
	}
	s.recordSweep("expire_verification", n)
	return n, nil
}

// SweepAutoApproveSystem approves delivered system tasks whose
// auto-approve window has elapsed, paying the infra worker.
func (s *Service) SweepAutoApproveSystem(ctx context.Context) (int, error) {
	tasks, err := s.store.ListDeliveredSystemPastAutoApprove(ctx, formatTime(s.now()), s.params.SystemTaskAutoApproveSeconds, 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if err := s.autoApproveSystemTask(ctx, t.ID); err != nil {
			metrics.ReclaimerErrorsTotal.WithLabelValues("auto_approve_system").Inc()
			continue
		}
		n++
	}
	s.recordSweep("auto_approve_system", n)
	return n, nil
}

func (s *Service) cancelSystemTaskIfPosted(ctx context.Context, parentID string, sysType SystemTaskType) {
	sysTask, err := s.store.GetSystemTaskByParent(ctx, parentID, sysType)
	if err != nil || sysTask.Status != StatusPosted {
		return
	}
	sysTask.Status = StatusCancelled
	_ = s.store.UpdateTask(ctx, sysTask)
}

func (s *Service) recordSweep(name string, rows int) {
	metrics.ReclaimerSweepsTotal.WithLabelValues(name).Inc()
	metrics.ReclaimerRowsTotal.WithLabelValues(name).Add(float64(rows))
}
