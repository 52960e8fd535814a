package task

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

const testPlatformAgentID = "ag_platform"

// claimDirect bypasses the C7 scheduler to put a task straight into
// claimed state for tests that only care about what happens after.
func (m *MemoryStore) claimDirect(taskID, workerID string) error {
	t, err := m.GetTask(context.Background(), taskID)
	if err != nil {
		return err
	}
	t.WorkerID = &workerID
	t.Status = StatusClaimed
	claimedAt := "2026-01-01T00:00:00Z"
	t.ClaimedAt = &claimedAt
	return m.UpdateTask(context.Background(), t)
}

func newTestService(t *testing.T) (*Service, *clock.Frozen, *ledger.MemoryStore, string) {
	t.Helper()
	frozen := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	now := func() time.Time { return frozen.Now() }

	ldgrStore := ledger.NewMemoryStore(frozen)
	ldgr := ledger.New(ldgrStore)
	ldgrStore.SeedBalance(testPlatformAgentID, 1000)

	regStore := registry.NewMemoryStore(now)
	reg := registry.New(regStore, ldgr, 1000)

	store := NewMemoryStore()
	params := Params{
		TaskExpireHours:              24,
		DefaultReviewTimeoutMinutes:  60,
		DefaultClaimTimeoutMinutes:   30,
		MatchTimeoutSeconds:          60,
		VerificationTimeoutSeconds:   60,
		SystemTaskAutoApproveSeconds: 300,
		MaxRejections:                2,
		RejectionGraceMinutes:        10,
		PlatformAgentID:              testPlatformAgentID,
		MatchCredits:                 1,
		VerifyCredits:                1,
		MaxAbandonsBeforeCooldown:    3,
		AbandonCooldownMinutes:       30,
	}
	svc := New(store, ldgr, reg, frozen, params)

	poster, err := reg.Register(context.Background(), "Poster", "", false, "", "", "")
	require.NoError(t, err)

	return svc, frozen, ldgrStore, poster.AgentID
}

func registerAgent(t *testing.T, svc *Service, name string, acceptsSystemTasks bool) string {
	t.Helper()
	result, err := svc.registry.Register(context.Background(), name, "", acceptsSystemTasks, "", "", "")
	require.NoError(t, err)
	return result.AgentID
}

func TestCreateTask_EscrowsAndValidates(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "", MaxCredits: 10})
	assert.Error(t, err, "need is required")

	_, err = svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 0})
	assert.Error(t, err, "max_credits must be positive")

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, tk.Status)
}

func TestCreateTask_RejectsMalformedTags(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskParams{
		PosterID: posterID, Need: "translate", MaxCredits: 10, Tags: []string{"Not-A-Slug!"},
	})
	assert.Error(t, err)
}

func TestCreateTask_InsufficientCredits_LeavesNoOrphanTask(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 5000})
	require.Error(t, err, "poster only has 1000 credits")

	tasks, _, hasMore, err := svc.ListMine(ctx, posterID, true, "", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "failed escrow must not leave a posted task behind")
	assert.False(t, hasMore)
}

func TestListMine_PaginatesByCursor(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
		require.NoError(t, err)
	}

	first, next, hasMore, err := svc.ListMine(ctx, posterID, true, "", 2)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, first, 2)

	second, _, hasMore, err := svc.ListMine(ctx, posterID, true, next, 2)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Len(t, second, 1)
}

func TestDeliverApprove_HappyPath(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	worker := registerAgent(t, svc, "Worker", false)
	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, worker))

	claimed := int64(7)
	delivered, err := svc.Deliver(ctx, tk.ID, worker, "done", &claimed)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, delivered.Status)
	assert.Equal(t, int64(7), delivered.CreditsCharged)

	approved, err := svc.Approve(ctx, tk.ID, posterID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
}

func TestDeliver_RejectsWrongWorker(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)
	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, "ag_worker"))

	_, err = svc.Deliver(ctx, tk.ID, "ag_someone_else", "done", nil)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestApprove_RejectsWrongPosterAndWrongState(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, tk.ID, posterID)
	assert.ErrorIs(t, err, ErrBadState, "still posted, not delivered")

	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, "ag_worker"))
	_, err = svc.Deliver(ctx, tk.ID, "ag_worker", "done", nil)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, tk.ID, "ag_not_poster")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestReject_BelowMaxKeepsWorkerInGrace(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)
	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, "ag_worker"))
	_, err = svc.Deliver(ctx, tk.ID, "ag_worker", "done", nil)
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, tk.ID, posterID, "not good enough")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, rejected.Status, "worker keeps the claim within max_rejections")
	assert.Equal(t, int64(1), rejected.RejectionCount)
	require.NotNil(t, rejected.RejectionGraceDeadline)
	require.NotNil(t, rejected.WorkerID)
	assert.Equal(t, "ag_worker", *rejected.WorkerID)
}

func TestReject_AtMaxReleasesWorkerAndBroadcasts(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)
	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, "ag_worker"))
	_, err = svc.Deliver(ctx, tk.ID, "ag_worker", "done", nil)
	require.NoError(t, err)
	_, err = svc.Reject(ctx, tk.ID, posterID, "retry")
	require.NoError(t, err)

	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, "ag_worker"))
	_, err = svc.Deliver(ctx, tk.ID, "ag_worker", "done again", nil)
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, tk.ID, posterID, "still not good enough")
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, rejected.Status, "max rejections releases the worker")
	assert.Nil(t, rejected.WorkerID)
	require.NotNil(t, rejected.MatchStatus)
	assert.Equal(t, MatchStatusBroadcast, *rejected.MatchStatus)
}

func TestCancel_RefundsAndOnlyFromPosted(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, tk.ID, posterID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, tk.ID, posterID)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestAbandon_ReleasesWorkerBackToPosted(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)
	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, "ag_worker"))

	abandoned, err := svc.Abandon(ctx, tk.ID, "ag_worker")
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, abandoned.Status)
	assert.Nil(t, abandoned.WorkerID)
}

func TestPickup_PosterCannotClaimOwnTask(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	posterID := registerAgent(t, svc, "Poster", false)

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	_, err = svc.Pickup(ctx, posterID, tk.ID, nil)
	assert.Error(t, err)
}

func TestPickup_TargetedClaimSucceedsThenSecondFails(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()
	workerID := registerAgent(t, svc, "Worker", false)
	otherID := registerAgent(t, svc, "Other", false)

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	view, err := svc.Pickup(ctx, workerID, tk.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, tk.ID, view.TaskID)

	_, err = svc.Pickup(ctx, otherID, tk.ID, nil)
	assert.Error(t, err, "task already claimed")
}

func TestPickup_BlockedDuringAbandonCooldownThenAllowedAfter(t *testing.T) {
	svc, frozen, _, posterID := newTestService(t)
	ctx := context.Background()
	workerID := registerAgent(t, svc, "Worker", false)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.registry.RecordAbandon(ctx, workerID, formatTime(frozen.Now())))
	}

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	_, err = svc.Pickup(ctx, workerID, tk.ID, nil)
	assert.Error(t, err, "worker just hit the abandon threshold and should be cooling down")

	frozen.Advance(31 * time.Minute)

	view, err := svc.Pickup(ctx, workerID, tk.ID, nil)
	require.NoError(t, err, "cooldown window should have elapsed")
	require.NotNil(t, view)
}

func TestPickup_BlindWalkPrefersSystemTasksForInfraWorkers(t *testing.T) {
	svc, _, _, posterID := newTestService(t)
	ctx := context.Background()
	infraWorker := registerAgent(t, svc, "Infra", true)

	_, err := svc.CreateSystemTask(ctx, SystemTaskMatch, "rank agents", "tk_parent", 1)
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	view, err := svc.Pickup(ctx, infraWorker, "", nil)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "rank agents", view.Need)
}

func TestSweepExpirePosted_RefundsPoster(t *testing.T) {
	svc, frozen, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)

	frozen.Advance(48 * time.Hour)
	n, err := svc.SweepExpirePosted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestSweepAutoApproveDelivered_ApprovesPastReviewWindow(t *testing.T) {
	svc, frozen, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)
	worker := registerAgent(t, svc, "Worker", false)
	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, worker))
	_, err = svc.Deliver(ctx, tk.ID, worker, "done", nil)
	require.NoError(t, err)

	frozen.Advance(2 * time.Hour)
	n, err := svc.SweepAutoApproveDelivered(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestSweepExpireClaimTimeout_SkipsDuringRejectionGrace(t *testing.T) {
	svc, frozen, _, posterID := newTestService(t)
	ctx := context.Background()

	tk, err := svc.CreateTask(ctx, CreateTaskParams{PosterID: posterID, Need: "translate", MaxCredits: 10})
	require.NoError(t, err)
	require.NoError(t, svc.store.(*MemoryStore).claimDirect(tk.ID, "ag_worker"))
	_, err = svc.Deliver(ctx, tk.ID, "ag_worker", "done", nil)
	require.NoError(t, err)
	_, err = svc.Reject(ctx, tk.ID, posterID, "retry")
	require.NoError(t, err)

	deadline := formatTime(frozen.Now().Add(-time.Hour))
	got, err := svc.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	got.ClaimDeadline = &deadline
	require.NoError(t, svc.store.UpdateTask(ctx, got))

	frozen.Advance(5 * time.Minute)
	n, err := svc.SweepExpireClaimTimeout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rejection grace still in effect")

	frozen.Advance(time.Hour)
	n, err = svc.SweepExpireClaimTimeout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
