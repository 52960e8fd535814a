package referral

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchwork/pinchwork/internal/clock"
	"github.com/pinchwork/pinchwork/internal/ledger"
	"github.com/pinchwork/pinchwork/internal/registry"
)

func newTestService(t *testing.T) (*Service, *registry.Service, *ledger.Ledger) {
	t.Helper()
	frozen := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	now := func() time.Time { return frozen.Now() }

	ldgrStore := ledger.NewMemoryStore(frozen)
	ldgr := ledger.New(ldgrStore)

	regStore := registry.NewMemoryStore(now)
	reg := registry.New(regStore, ldgr, 1000)

	svc := New(reg, ldgr, Params{ReferralBonus: 10, MaxReferralBonusesPerAgent: 2})
	return svc, reg, ldgr
}

func TestMaybePayReferralBonus_PaysReferrerOnFirstApproval(t *testing.T) {
	svc, reg, ldgr := newTestService(t)
	ctx := context.Background()

	referrer, err := reg.Register(ctx, "Referrer", "", false, "", "", "")
	require.NoError(t, err)
	worker, err := reg.Register(ctx, "Worker", "", false, "", "", referrer.ReferralCode)
	require.NoError(t, err)

	before, err := ldgr.Balance(ctx, referrer.AgentID)
	require.NoError(t, err)

	require.NoError(t, svc.MaybePayReferralBonus(ctx, worker.AgentID))

	after, err := ldgr.Balance(ctx, referrer.AgentID)
	require.NoError(t, err)
	assert.Equal(t, before+10, after)

	agent, err := reg.GetAgent(ctx, worker.AgentID)
	require.NoError(t, err)
	assert.True(t, agent.ReferralBonusPaid)
}

func TestMaybePayReferralBonus_SecondCallIsNoop(t *testing.T) {
	svc, reg, ldgr := newTestService(t)
	ctx := context.Background()

	referrer, err := reg.Register(ctx, "Referrer", "", false, "", "", "")
	require.NoError(t, err)
	worker, err := reg.Register(ctx, "Worker", "", false, "", "", referrer.ReferralCode)
	require.NoError(t, err)

	require.NoError(t, svc.MaybePayReferralBonus(ctx, worker.AgentID))
	afterFirst, err := ldgr.Balance(ctx, referrer.AgentID)
	require.NoError(t, err)

	require.NoError(t, svc.MaybePayReferralBonus(ctx, worker.AgentID))
	afterSecond, err := ldgr.Balance(ctx, referrer.AgentID)
	require.NoError(t, err)

	assert.Equal(t, afterFirst, afterSecond, "bonus_paid flag blocks a repeat payout")
}

func TestMaybePayReferralBonus_NoReferrerIsNoop(t *testing.T) {
	svc, reg, _ := newTestService(t)
	ctx := context.Background()

	worker, err := reg.Register(ctx, "Worker", "", false, "", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.MaybePayReferralBonus(ctx, worker.AgentID))

	agent, err := reg.GetAgent(ctx, worker.AgentID)
	require.NoError(t, err)
	assert.False(t, agent.ReferralBonusPaid)
}

func TestMaybePayReferralBonus_CapStopsFurtherPayouts(t *testing.T) {
	svc, reg, ldgr := newTestService(t)
	ctx := context.Background()

	referrer, err := reg.Register(ctx, "Referrer", "", false, "", "", "")
	require.NoError(t, err)

	var workers []string
	for i := 0; i < 3; i++ {
		w, err := reg.Register(ctx, "Worker", "", false, "", "", referrer.ReferralCode)
		require.NoError(t, err)
		workers = append(workers, w.AgentID)
	}

	for _, w := range workers {
		require.NoError(t, svc.MaybePayReferralBonus(ctx, w))
	}

	paid, err := reg.CountReferralBonusesPaid(ctx, referrer.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(2), paid, "cap of 2 stops the third payout")

	after, err := ldgr.Balance(ctx, referrer.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000+20), after)
}
