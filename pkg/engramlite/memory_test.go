package engramlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramai/engramlite/pkg/memory"
	"github.com/engramai/engramlite/pkg/query"
	"github.com/engramai/engramlite/pkg/storage"
)

// TestAccessFlush_LandsOnClose drives the full access-recording loop:
// reads queue updates, Close flushes them, and the reopened store shows
// the accumulated counts.
func TestAccessFlush_LandsOnClose(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir, testConfig(), nil)
	require.NoError(t, err)
	e, err := db.AddEngram(ctx, "the capital of France is Paris", "atlas", 0.99)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := db.GetEngram(e.ID)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db, err = Open(dir, testConfig(), nil)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetEngram(e.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.AccessCount)
	assert.True(t, got.LastAccessed.After(got.Timestamp))
}

// TestAccessFlush_QueryCountsListDoesNot pins which read paths count as
// recall: filtered queries record, listing does not.
func TestAccessFlush_QueryCountsListDoesNot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir, testConfig(), nil)
	require.NoError(t, err)
	e, err := db.AddEngram(ctx, "octopuses have three hearts", "biology", 0.9)
	require.NoError(t, err)

	_, err = db.FilterBySource("biology")
	require.NoError(t, err)
	_, err = db.ListEngrams()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dir, testConfig(), nil)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetEngram(e.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.AccessCount)
}

// TestAccessFlush_SurvivesDeletedEngram checks an access recorded just
// before its engram was deleted cannot poison the flush.
func TestAccessFlush_SurvivesDeletedEngram(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir, testConfig(), nil)
	require.NoError(t, err)
	keep, err := db.AddEngram(ctx, "survivor", "test", 0.5)
	require.NoError(t, err)
	gone, err := db.AddEngram(ctx, "short lived", "test", 0.5)
	require.NoError(t, err)

	_, err = db.GetEngram(keep.ID)
	require.NoError(t, err)
	_, err = db.GetEngram(gone.ID)
	require.NoError(t, err)
	_, err = db.DeleteEngram(gone.ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dir, testConfig(), nil)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetEngram(keep.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.AccessCount)
	_, err = db.GetEngram(gone.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecalculateImportance_FavorsConnected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	hub, err := db.AddEngram(ctx, "the water cycle drives weather", "science", 0.9)
	require.NoError(t, err)
	leafA, err := db.AddEngram(ctx, "evaporation lifts moisture", "science", 0.85)
	require.NoError(t, err)
	leafB, err := db.AddEngram(ctx, "condensation forms clouds", "science", 0.85)
	require.NoError(t, err)
	_, err = db.AddConnection(hub.ID, leafA.ID, "includes", 0.7)
	require.NoError(t, err)
	_, err = db.AddConnection(hub.ID, leafB.ID, "includes", 0.7)
	require.NoError(t, err)

	updated, err := db.RecalculateImportance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, updated)

	gotHub, err := db.GetEngram(hub.ID)
	require.NoError(t, err)
	gotLeaf, err := db.GetEngram(leafA.ID)
	require.NoError(t, err)
	assert.Greater(t, gotHub.Importance, gotLeaf.Importance)
	assert.GreaterOrEqual(t, gotHub.Importance, 0.0)
	assert.LessOrEqual(t, gotHub.Importance, 1.0)

	// A second pass with nothing changed re-scores from the new explicit
	// component; scores move again but stay ordered.
	_, err = db.RecalculateImportance(ctx)
	require.NoError(t, err)
	gotHub2, err := db.GetEngram(hub.ID)
	require.NoError(t, err)
	gotLeaf2, err := db.GetEngram(leafA.ID)
	require.NoError(t, err)
	assert.Greater(t, gotHub2.Importance, gotLeaf2.Importance)
}

func TestRecalcLoop_RunsInBackground(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.RecalcIntervalMS = 25
	db, err := Open("", cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.AddEngram(context.Background(), "background scored", "test", 0.5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := db.Stats()
		return err == nil && stats.Memory.RecalcPasses > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSetImportance_Explicit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e, err := db.AddEngram(ctx, "pinned insight", "review", 0.8)
	require.NoError(t, err)

	assert.ErrorIs(t, db.SetImportance(e.ID, 1.5), storage.ErrInvalidInput)
	assert.ErrorIs(t, db.SetImportance(e.ID, -0.1), storage.ErrInvalidInput)
	assert.ErrorIs(t, db.SetImportance("no-such-engram", 0.5), storage.ErrNotFound)

	require.NoError(t, db.SetImportance(e.ID, 0.97))
	got, err := db.GetEngram(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.97, got.Importance)

	// The importance index answers threshold queries with the new score.
	results, err := db.QueryEngrams(query.EngramQuery{MinImportance: 0.9})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, e.ID, results[0].ID)
}

func TestForget_ImportanceThreshold(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	faint, err := db.AddEngram(ctx, "parking spot from last tuesday", "trivia", 0.3)
	require.NoError(t, err)
	mid, err := db.AddEngram(ctx, "colleague prefers async reviews", "observation", 0.7)
	require.NoError(t, err)
	vital, err := db.AddEngram(ctx, "production deploys freeze on fridays", "policy", 0.95)
	require.NoError(t, err)
	require.NoError(t, db.SetImportance(faint.ID, 0.05))
	require.NoError(t, db.SetImportance(mid.ID, 0.5))
	require.NoError(t, db.SetImportance(vital.ID, 0.9))

	policy := memory.ImportanceThreshold(0.1, 0)

	candidates, err := db.ForgettingCandidates(policy)
	require.NoError(t, err)
	assert.Equal(t, []string{faint.ID}, candidates)
	// The dry run removed nothing.
	_, err = db.GetEngram(faint.ID)
	require.NoError(t, err)

	removed, err := db.Forget(policy)
	require.NoError(t, err)
	assert.Equal(t, []string{faint.ID}, removed)

	_, err = db.GetEngram(faint.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = db.GetEngram(mid.ID)
	require.NoError(t, err)
	_, err = db.GetEngram(vital.ID)
	require.NoError(t, err)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Engrams)
	assert.Equal(t, 2, stats.ANNVectors)
}

func TestForget_RejectsBadPolicy(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Forget(memory.Policy{Kind: "unheard-of"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSetTTL_Roundtrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e, err := db.AddEngram(ctx, "temporary note", "scratch", 0.5)
	require.NoError(t, err)
	assert.ErrorIs(t, db.SetTTL("no-such-engram", nil), storage.ErrNotFound)

	ttl := uint64(3600)
	require.NoError(t, db.SetTTL(e.ID, &ttl))
	got, err := db.GetEngram(e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TTLSeconds)
	assert.Equal(t, uint64(3600), *got.TTLSeconds)

	require.NoError(t, db.SetTTL(e.ID, nil))
	got, err = db.GetEngram(e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TTLSeconds)

	expired, err := db.ExpiredEngramIDs()
	require.NoError(t, err)
	assert.Empty(t, expired)
}
