package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tk := &Task{ID: "tk_1", PosterID: "ag_poster", Need: "translate", Status: StatusPosted, MaxCredits: 20}
	require.NoError(t, store.CreateTask(ctx, tk))

	got, err := store.GetTask(ctx, "tk_1")
	require.NoError(t, err)
	assert.Equal(t, "translate", got.Need)

	_, err = store.GetTask(ctx, "tk_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ClaimTask_ConditionalAndExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", PosterID: "ag_poster", Status: StatusPosted}))

	ok, err := store.ClaimTask(ctx, "tk_1", "ag_worker", "2026-01-01T00:00:00Z", "2026-01-01T00:15:00Z", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim attempt loses the race.
	ok, err = store.ClaimTask(ctx, "tk_1", "ag_other", "2026-01-01T00:00:00Z", "2026-01-01T00:15:00Z", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ClaimTask_PosterCannotClaimOwnTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", PosterID: "ag_poster", Status: StatusPosted}))

	ok, err := store.ClaimTask(ctx, "tk_1", "ag_poster", "now", "deadline", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ClaimTask_RespectsExcludeSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", PosterID: "ag_poster", Status: StatusPosted}))

	ok, err := store.ClaimTask(ctx, "tk_1", "ag_worker", "now", "deadline", []string{"tk_1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ListPostedSystemTasks_OrderedOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	matchType := SystemTaskMatch
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_a", IsSystem: true, Status: StatusPosted, SystemTaskType: &matchType, CreatedAt: "2026-01-01T00:00:02Z"}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_b", IsSystem: true, Status: StatusPosted, SystemTaskType: &matchType, CreatedAt: "2026-01-01T00:00:01Z"}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_c", IsSystem: false, Status: StatusPosted}))

	results, err := store.ListPostedSystemTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "tk_b", results[0].ID)
	assert.Equal(t, "tk_a", results[1].ID)
}

func TestMemoryStore_ListPostedByIDsInOrder_PreservesOrderAndFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", Status: StatusPosted, Tags: []string{"go"}}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_2", Status: StatusClaimed, Tags: []string{"go"}}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_3", Status: StatusPosted, Tags: []string{"rust"}}))

	results, err := store.ListPostedByIDsInOrder(ctx, []string{"tk_3", "tk_2", "tk_1"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2, "tk_2 is claimed, not posted")
	assert.Equal(t, "tk_3", results[0].ID)
	assert.Equal(t, "tk_1", results[1].ID)
}

func TestMemoryStore_ConflictTaskIDsForWorker(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	matchType := SystemTaskMatch
	worker := "ag_infra"
	parent := "tk_parent"
	require.NoError(t, store.CreateTask(ctx, &Task{
		ID: "tk_sys", IsSystem: true, SystemTaskType: &matchType, ParentTaskID: &parent, WorkerID: &worker, Status: StatusDelivered,
	}))

	ids, err := store.ConflictTaskIDsForWorker(ctx, "ag_infra")
	require.NoError(t, err)
	assert.Equal(t, []string{"tk_parent"}, ids)
}

func TestMemoryStore_ListByAgent_FiltersRoleAndOrdersNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", PosterID: "ag_a", CreatedAt: "2026-01-01T00:00:01Z"}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_2", PosterID: "ag_a", CreatedAt: "2026-01-01T00:00:02Z"}))
	worker := "ag_a"
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_3", PosterID: "ag_b", WorkerID: &worker, CreatedAt: "2026-01-01T00:00:03Z"}))

	posted, next, hasMore, err := store.ListByAgent(ctx, "ag_a", true, "", 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, next)
	require.Len(t, posted, 2)
	assert.Equal(t, "tk_2", posted[0].ID, "newest first")

	worked, _, _, err := store.ListByAgent(ctx, "ag_a", false, "", 10)
	require.NoError(t, err)
	require.Len(t, worked, 1)
	assert.Equal(t, "tk_3", worked[0].ID)
}

func TestMemoryStore_ListByAgent_CursorAdvancesToNextPage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", PosterID: "ag_a", CreatedAt: "2026-01-01T00:00:01Z"}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_2", PosterID: "ag_a", CreatedAt: "2026-01-01T00:00:02Z"}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_3", PosterID: "ag_a", CreatedAt: "2026-01-01T00:00:03Z"}))

	first, next, hasMore, err := store.ListByAgent(ctx, "ag_a", true, "", 2)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.NotEmpty(t, next)
	require.Len(t, first, 2)
	assert.Equal(t, []string{"tk_3", "tk_2"}, []string{first[0].ID, first[1].ID})

	second, _, hasMore, err := store.ListByAgent(ctx, "ag_a", true, next, 2)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, second, 1)
	assert.Equal(t, "tk_1", second[0].ID)
}

func TestMemoryStore_ListExpiredPosted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", Status: StatusPosted, ExpiresAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_2", Status: StatusPosted, ExpiresAt: "2026-02-01T00:00:00Z"}))

	results, err := store.ListExpiredPosted(ctx, "2026-01-15T00:00:00Z", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tk_1", results[0].ID)
}

func TestMemoryStore_ListClaimedPastDeadline_SkipsGraceAndSystem(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deadline := "2026-01-01T00:00:00Z"
	grace := "2026-01-02T00:00:00Z"
	now := "2026-01-01T12:00:00Z"

	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_1", Status: StatusClaimed, ClaimDeadline: &deadline}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_2", Status: StatusClaimed, ClaimDeadline: &deadline, RejectionGraceDeadline: &grace}))
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_3", Status: StatusClaimed, ClaimDeadline: &deadline, IsSystem: true}))

	results, err := store.ListClaimedPastDeadline(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tk_1", results[0].ID)
}

func TestMemoryStore_GetSystemTaskByParent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	matchType := SystemTaskMatch
	parent := "tk_parent"
	require.NoError(t, store.CreateTask(ctx, &Task{ID: "tk_sys", IsSystem: true, SystemTaskType: &matchType, ParentTaskID: &parent, Status: StatusPosted}))

	got, err := store.GetSystemTaskByParent(ctx, "tk_parent", SystemTaskMatch)
	require.NoError(t, err)
	assert.Equal(t, "tk_sys", got.ID)

	_, err = store.GetSystemTaskByParent(ctx, "tk_parent", SystemTaskVerify)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_WithTx_RunsDirectly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.CreateTask(ctx, &Task{ID: "tk_1", Status: StatusPosted})
	})
	require.NoError(t, err)

	_, err = store.GetTask(ctx, "tk_1")
	require.NoError(t, err)
}

var _ = time.Second
