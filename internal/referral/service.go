// Package referral implements C10: the one-shot bonus paid to an agent's
// referrer the first time that agent gets a task approved.
package referral

import (
	"context"

	"github.com/pinchwork/pinchwork/internal/ledger"
	"github.com/pinchwork/pinchwork/internal/registry"
	"github.com/pinchwork/pinchwork/internal/task"
)

// Params carries the C10 knobs from config.
type Params struct {
	ReferralBonus              int64
	MaxReferralBonusesPerAgent int64
}

// Service implements task.ReferralPayer, the only interface C10 is
// invoked through — wired in once in internal/engine via
// tasks.SetReferralPayer(svc) after task.New.
type Service struct {
	registry *registry.Service
	ledger   *ledger.Ledger
	params   Params
}

func New(reg *registry.Service, ldgr *ledger.Ledger, params Params) *Service {
	return &Service{registry: reg, ledger: ldgr, params: params}
}

var _ task.ReferralPayer = (*Service)(nil)

// MaybePayReferralBonus implements spec.md §4.10. It's invoked at the end
// of every successful approve (poster-approve and auto-approve alike)
// with the worker just paid. A miss at any guard is a quiet no-op —
// approve itself never fails because of anything in here.
func (s *Service) MaybePayReferralBonus(ctx context.Context, workerID string) error {
	worker, err := s.registry.GetAgent(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.ReferredBy == "" || worker.ReferralBonusPaid {
		return nil
	}

	referrer, err := s.registry.GetAgentByReferralCode(ctx, worker.ReferredBy)
	if err != nil {
		return nil
	}
	if referrer.ID == worker.ID {
		return nil
	}

	paid, err := s.registry.CountReferralBonusesPaid(ctx, referrer.ReferralCode)
	if err != nil {
		return err
	}
	if paid >= s.params.MaxReferralBonusesPerAgent {
		return nil
	}

	won, err := s.registry.ClaimReferralBonus(ctx, worker.ID)
	if err != nil || !won {
		return err
	}

	return s.ledger.Grant(ctx, referrer.ID, s.params.ReferralBonus, ledger.ReferralBonusReason(worker.ID), nil)
}
