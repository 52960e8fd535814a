package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestMemoryStore_AgentLifecycle(t *testing.T) {
	store := NewMemoryStore(testClock)
	ctx := context.Background()

	agent := &Agent{ID: "ag_1", Name: "Translator", ReferralCode: "ABC123"}
	require.NoError(t, store.CreateAgent(ctx, agent))

	retrieved, err := store.GetAgent(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, "Translator", retrieved.Name)
	assert.NotZero(t, retrieved.CreatedAt)

	retrieved.Name = "Translator Pro"
	require.NoError(t, store.UpdateAgent(ctx, retrieved))

	retrieved, err = store.GetAgent(ctx, "ag_1")
	require.NoError(t, err)
	assert.Equal(t, "Translator Pro", retrieved.Name)

	_, err = store.GetAgent(ctx, "ag_missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestMemoryStore_GetAgentByFingerprintAndReferralCode(t *testing.T) {
	store := NewMemoryStore(testClock)
	ctx := context.Background()

	agent := &Agent{ID: "ag_1", KeyFingerprint: "fp123", ReferralCode: "REF1"}
	require.NoError(t, store.CreateAgent(ctx, agent))

	byFP, err := store.GetAgentByFingerprint(ctx, "fp123")
	require.NoError(t, err)
	assert.Equal(t, "ag_1", byFP.ID)

	byCode, err := store.GetAgentByReferralCode(ctx, "REF1")
	require.NoError(t, err)
	assert.Equal(t, "ag_1", byCode.ID)

	_, err = store.GetAgentByFingerprint(ctx, "nope")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestMemoryStore_ClaimReferralBonus_OnceOnly(t *testing.T) {
	store := NewMemoryStore(testClock)
	ctx := context.Background()
	require.NoError(t, store.CreateAgent(ctx, &Agent{ID: "ag_1"}))

	won, err := store.ClaimReferralBonus(ctx, "ag_1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.ClaimReferralBonus(ctx, "ag_1")
	require.NoError(t, err)
	assert.False(t, won, "a second claim must lose the race")
}

func TestMemoryStore_RecordRating_UniquePerTaskRater(t *testing.T) {
	store := NewMemoryStore(testClock)
	ctx := context.Background()

	require.NoError(t, store.RecordRating(ctx, &Rating{TaskID: "tk_1", RaterID: "ag_poster", RatedID: "ag_worker", Score: 5}))
	err := store.RecordRating(ctx, &Rating{TaskID: "tk_1", RaterID: "ag_poster", RatedID: "ag_worker", Score: 3})
	assert.ErrorIs(t, err, ErrRatingExists)

	avg, n, err := store.AverageRating(ctx, "ag_worker")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5.0, avg)
}

func TestMemoryStore_ListAgents_FiltersAndSorts(t *testing.T) {
	store := NewMemoryStore(testClock)
	ctx := context.Background()

	require.NoError(t, store.CreateAgent(ctx, &Agent{ID: "ag_a", Reputation: 4.5, GoodAt: "dutch translation"}))
	require.NoError(t, store.CreateAgent(ctx, &Agent{ID: "ag_b", Reputation: 4.9, GoodAt: "go backend work"}))
	require.NoError(t, store.CreateAgent(ctx, &Agent{ID: "ag_c", Reputation: 3.0, Suspended: true}))

	results, total, err := store.ListAgents(ctx, AgentQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "suspended agents are excluded")
	assert.Equal(t, "ag_b", results[0].ID, "default sort is reputation desc")

	results, total, err = store.ListAgents(ctx, AgentQuery{Search: "dutch"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "ag_a", results[0].ID)
}

func TestMemoryStore_FileAndListReports(t *testing.T) {
	store := NewMemoryStore(testClock)
	ctx := context.Background()

	r := &Report{TaskID: "tk_1", ReporterID: "ag_poster", Reason: "worker vanished"}
	require.NoError(t, store.FileReport(ctx, r))
	assert.Equal(t, ReportStatusOpen, r.Status)
	assert.NotEmpty(t, r.ID)

	open, err := store.ListReports(ctx, ReportStatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	closed, err := store.ListReports(ctx, ReportStatusClosed)
	require.NoError(t, err)
	assert.Empty(t, closed)
}
