//go:build integration

package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchwork/pinchwork/internal/registry"
	"github.com/pinchwork/pinchwork/internal/testutil"
)

func setupTaskDB(t *testing.T) (*PostgresStore, *registry.PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), registry.NewPostgresStore(db), cleanup
}

func mustCreateAgent(t *testing.T, store *registry.PostgresStore, id string) {
	t.Helper()
	err := store.CreateAgent(context.Background(), &registry.Agent{
		ID: id, Name: id, KeyHash: "hash_" + id, KeyFingerprint: "fp_" + id,
		ReferralCode: "ref_" + id,
	})
	require.NoError(t, err)
}

func TestPostgres_CreateAndGetTask_RoundTripsAllFields(t *testing.T) {
	store, agents, cleanup := setupTaskDB(t)
	defer cleanup()
	ctx := context.Background()

	mustCreateAgent(t, agents, "ag_poster")

	tk := &Task{
		ID: "tk_1", PosterID: "ag_poster", Need: "translate a doc", Context: "it's in French",
		Status: StatusPosted, MaxCredits: 50, Tags: []string{"translation", "french"},
		CreatedAt: "2026-01-01T00:00:00Z", ExpiresAt: "2026-01-02T00:00:00Z",
	}
	require.NoError(t, store.CreateTask(ctx, tk))

	got, err := store.GetTask(ctx, "tk_1")
	require.NoError(t, err)
	assert.Equal(t, "translate a doc", got.Need)
	assert.Equal(t, []string{"translation", "french"}, got.Tags)
	assert.Equal(t, StatusPosted, got.Status)
}

func TestPostgres_CreateTask_RejectsUnknownPoster(t *testing.T) {
	store, _, cleanup := setupTaskDB(t)
	defer cleanup()
	ctx := context.Background()

	err := store.CreateTask(ctx, &Task{
		ID: "tk_orphan", PosterID: "ag_does_not_exist", Need: "x",
		Status: StatusPosted, MaxCredits: 10,
	})
	assert.Error(t, err, "poster_id foreign key should reject a nonexistent agent")
}

func TestPostgres_ClaimTask_ConditionalUpdateIsAtomic(t *testing.T) {
	store, agents, cleanup := setupTaskDB(t)
	defer cleanup()
	ctx := context.Background()

	mustCreateAgent(t, agents, "ag_poster")
	mustCreateAgent(t, agents, "ag_worker")
	mustCreateAgent(t, agents, "ag_rival")

	require.NoError(t, store.CreateTask(ctx, &Task{
		ID: "tk_claim", PosterID: "ag_poster", Need: "x", Status: StatusPosted, MaxCredits: 10,
	}))

	ok, err := store.ClaimTask(ctx, "tk_claim", "ag_worker", "2026-01-01T00:00:00Z", "2026-01-01T00:15:00Z", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimTask(ctx, "tk_claim", "ag_rival", "2026-01-01T00:00:00Z", "2026-01-01T00:15:00Z", nil)
	require.NoError(t, err)
	assert.False(t, ok, "a task already claimed should reject a second claimant")

	got, err := store.GetTask(ctx, "tk_claim")
	require.NoError(t, err)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "ag_worker", *got.WorkerID)
}

func TestPostgres_ListPostedUnattached_FiltersByTagAndExclusion(t *testing.T) {
	store, agents, cleanup := setupTaskDB(t)
	defer cleanup()
	ctx := context.Background()

	mustCreateAgent(t, agents, "ag_poster")
	require.NoError(t, store.CreateTask(ctx, &Task{
		ID: "tk_a", PosterID: "ag_poster", Need: "a", Status: StatusPosted, MaxCredits: 10,
		Tags: []string{"go"},
	}))
	require.NoError(t, store.CreateTask(ctx, &Task{
		ID: "tk_b", PosterID: "ag_poster", Need: "b", Status: StatusPosted, MaxCredits: 10,
		Tags: []string{"rust"},
	}))

	got, err := store.ListPostedUnattached(ctx, []string{"go"}, nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tk_a", got[0].ID)

	got, err = store.ListPostedUnattached(ctx, []string{"go"}, []string{"tk_a"}, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "excluded task id should not be returned")
}
