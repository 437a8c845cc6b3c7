package engramlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramai/engramlite/pkg/config"
	"github.com/engramai/engramlite/pkg/storage"
)

// testConfig keeps tests deterministic: a small offline model and a
// flush interval long enough that access updates only land when a test
// flushes them through Close.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Embedding.Model = "test-embedder"
	cfg.Embedding.Dimensions = 64
	cfg.Memory.FlushIntervalMS = 60000
	return cfg
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("", testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_Defaults(t *testing.T) {
	db, err := Open("", nil, nil)
	require.NoError(t, err)
	defer db.Close()

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Engrams)
	assert.Zero(t, stats.GraphNodes)
	assert.Zero(t, stats.ANNVectors)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ANN.M = -1
	_, err := Open("", cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open("", testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestDB_ClosedErrors(t *testing.T) {
	db, err := Open("", testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	_, err = db.AddEngram(ctx, "after close", "test", 0.5)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	_, err = db.GetEngram("missing")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	_, err = db.Stats()
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	assert.ErrorIs(t, db.Refresh(), storage.ErrStorageClosed)
	assert.ErrorIs(t, db.Compact(), storage.ErrStorageClosed)
	_, err = db.Snapshot()
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestOpen_PersistentReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir, testConfig(), nil)
	require.NoError(t, err)
	a, err := db.AddEngram(ctx, "glaciers carve U-shaped valleys", "geology", 0.9)
	require.NoError(t, err)
	b, err := db.AddEngram(ctx, "rivers carve V-shaped valleys", "geology", 0.9)
	require.NoError(t, err)
	conn, err := db.AddConnection(a.ID, b.ID, "contrasts", 0.6)
	require.NoError(t, err)
	col, err := db.CreateCollection("erosion", "how land wears down")
	require.NoError(t, err)
	require.NoError(t, db.AddToCollection(a.ID, col.ID))
	require.NoError(t, db.Close())

	db, err = Open(dir, testConfig(), nil)
	require.NoError(t, err)
	defer db.Close()

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Engrams)
	assert.Equal(t, int64(1), stats.Connections)
	assert.Equal(t, int64(1), stats.Collections)
	assert.Equal(t, 2, stats.ANNVectors)

	got, err := db.GetEngram(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "glaciers carve U-shaped valleys", got.Content)

	// The connection survived and the rebuilt graph resolves it.
	conns, err := db.ConnectionsOf(a.ID, "")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, conn.ID, conns[0].ID)

	reloaded, err := db.GetCollection(col.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Contains(a.ID))
}

func TestPutEngram_Validation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.PutEngram(ctx, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = db.AddEngram(ctx, "", "test", 0.5)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	// Out-of-range confidence clamps on the convenience path.
	e, err := db.AddEngram(ctx, "clamped", "test", 7.5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Confidence)
}

func TestPutEngram_UpdateKeepsCreation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e, err := db.AddEngram(ctx, "the moon has no atmosphere", "astronomy", 0.8)
	require.NoError(t, err)
	created := e.Timestamp

	e.Content = "the moon has almost no atmosphere"
	e.Confidence = 0.95
	updated, err := db.PutEngram(ctx, e)
	require.NoError(t, err)
	assert.True(t, updated.Timestamp.Equal(created))

	got, err := db.GetEngram(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "the moon has almost no atmosphere", got.Content)
	assert.Equal(t, 0.95, got.Confidence)

	// Still one record, one vector.
	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Engrams)
	assert.Equal(t, int64(1), stats.Embeddings)
	assert.Equal(t, 1, stats.ANNVectors)
}

func TestPutEngram_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e, err := db.AddEngram(ctx, "sound needs a medium", "physics", 0.9)
	require.NoError(t, err)

	before, err := db.Snapshot()
	require.NoError(t, err)

	_, err = db.PutEngram(ctx, e)
	require.NoError(t, err)

	after, err := db.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The unchanged vector was not rewritten either.
	rec1, err := db.store.GetEmbedding(e.ID)
	require.NoError(t, err)
	_, err = db.PutEngram(ctx, e)
	require.NoError(t, err)
	rec2, err := db.store.GetEmbedding(e.ID)
	require.NoError(t, err)
	assert.True(t, rec1.CreatedAt.Equal(rec2.CreatedAt))
}

func TestAddConnection_IntegrityChecks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a, err := db.AddEngram(ctx, "bees pollinate flowers", "biology", 0.9)
	require.NoError(t, err)

	_, err = db.AddConnection("no-such-engram", a.ID, "supports", 0.5)
	assert.ErrorIs(t, err, storage.ErrIntegrityViolation)
	_, err = db.AddConnection(a.ID, "no-such-engram", "supports", 0.5)
	assert.ErrorIs(t, err, storage.ErrIntegrityViolation)

	_, err = db.AddConnection(a.ID, a.ID, "", 0.5)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestDeleteEngram_Cascade(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a, err := db.AddEngram(ctx, "wolves hunt in packs", "zoology", 0.9)
	require.NoError(t, err)
	b, err := db.AddEngram(ctx, "pack hunting raises success rates", "zoology", 0.85)
	require.NoError(t, err)
	c, err := db.AddEngram(ctx, "lone wolves scavenge more", "zoology", 0.7)
	require.NoError(t, err)

	_, err = db.AddConnection(a.ID, b.ID, "causes", 0.8)
	require.NoError(t, err)
	_, err = db.AddConnection(c.ID, a.ID, "contrasts", 0.5)
	require.NoError(t, err)

	col, err := db.CreateCollection("wolves", "wolf facts")
	require.NoError(t, err)
	require.NoError(t, db.AddToCollection(a.ID, col.ID))
	wctx, err := db.CreateContext("field study", "2026 observations")
	require.NoError(t, err)
	require.NoError(t, db.AddToContext(a.ID, wctx.ID))

	res, err := db.DeleteEngram(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ConnectionsRemoved)
	assert.Equal(t, 1, res.CollectionsUpdated)
	assert.Equal(t, 1, res.ContextsUpdated)
	assert.True(t, res.EmbeddingRemoved)

	_, err = db.GetEngram(a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Neighbors survive, memberships forget the deleted engram.
	_, err = db.GetEngram(b.ID)
	require.NoError(t, err)
	gotCol, err := db.GetCollection(col.ID)
	require.NoError(t, err)
	assert.False(t, gotCol.Contains(a.ID))
	gotCtx, err := db.GetContext(wctx.ID)
	require.NoError(t, err)
	assert.NotContains(t, gotCtx.EngramIDs, a.ID)

	conns, err := db.ListConnections()
	require.NoError(t, err)
	assert.Empty(t, conns)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Engrams)
	assert.Equal(t, int64(0), stats.Connections)
	assert.Equal(t, int64(2), stats.Embeddings)
	assert.Equal(t, 2, stats.ANNVectors)
}

func TestDeleteEngram_Missing(t *testing.T) {
	db := newTestDB(t)
	_, err := db.DeleteEngram("no-such-engram")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCollections_GrantsRevokedOnDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e, err := db.AddEngram(ctx, "tides follow the moon", "oceanography", 0.9)
	require.NoError(t, err)
	col, err := db.CreateCollection("tides", "tidal knowledge")
	require.NoError(t, err)
	require.NoError(t, db.AddToCollection(e.ID, col.ID))

	agent, err := db.CreateAgent("navigator", "plans coastal routes", "planning")
	require.NoError(t, err)
	require.NoError(t, db.GrantAccess(agent.ID, col.ID))

	got, err := db.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.True(t, got.HasAccess(col.ID))

	require.NoError(t, db.DeleteCollection(col.ID))

	got, err = db.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAccess(col.ID))

	// The member engram survives the collection.
	_, err = db.GetEngram(e.ID)
	require.NoError(t, err)
}

func TestCollections_MembershipRules(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	col, err := db.CreateCollection("sparse", "")
	require.NoError(t, err)

	err = db.AddToCollection("no-such-engram", col.ID)
	assert.ErrorIs(t, err, storage.ErrIntegrityViolation)
	err = db.AddToCollection("anything", "no-such-collection")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	e, err := db.AddEngram(ctx, "basalt is volcanic", "geology", 0.9)
	require.NoError(t, err)
	require.NoError(t, db.AddToCollection(e.ID, col.ID))
	// Re-adding and removing twice are no-ops.
	require.NoError(t, db.AddToCollection(e.ID, col.ID))
	require.NoError(t, db.RemoveFromCollection(e.ID, col.ID))
	require.NoError(t, db.RemoveFromCollection(e.ID, col.ID))

	got, err := db.GetCollection(col.ID)
	require.NoError(t, err)
	assert.Empty(t, got.EngramIDs)
}

func TestAgents_AccessRules(t *testing.T) {
	db := newTestDB(t)

	agent, err := db.CreateAgent("archivist", "curates collections")
	require.NoError(t, err)

	err = db.GrantAccess(agent.ID, "no-such-collection")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = db.GrantAccess("no-such-agent", "whatever")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	col, err := db.CreateCollection("archive", "")
	require.NoError(t, err)
	require.NoError(t, db.GrantAccess(agent.ID, col.ID))
	require.NoError(t, db.GrantAccess(agent.ID, col.ID))
	require.NoError(t, db.RevokeAccess(agent.ID, col.ID))
	require.NoError(t, db.RevokeAccess(agent.ID, col.ID))

	got, err := db.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AccessibleCollections)
}

func TestContexts_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e, err := db.AddEngram(ctx, "user prefers metric units", "conversation", 0.8)
	require.NoError(t, err)
	agent, err := db.CreateAgent("assistant", "answers questions")
	require.NoError(t, err)
	wctx, err := db.CreateContext("support session", "ticket 4521")
	require.NoError(t, err)

	require.NoError(t, db.AddToContext(e.ID, wctx.ID))
	require.NoError(t, db.AddAgentToContext(agent.ID, wctx.ID))

	err = db.AddToContext("no-such-engram", wctx.ID)
	assert.ErrorIs(t, err, storage.ErrIntegrityViolation)
	err = db.AddAgentToContext("no-such-agent", wctx.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := db.GetContext(wctx.ID)
	require.NoError(t, err)
	assert.Contains(t, got.EngramIDs, e.ID)
	assert.Contains(t, got.AgentIDs, agent.ID)

	// Membership edges survive a reload.
	before, err := db.Stats()
	require.NoError(t, err)
	require.NoError(t, db.Refresh())
	after, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.GraphEdges, after.GraphEdges)

	// Deleting the agent withdraws it from the context.
	require.NoError(t, db.DeleteAgent(agent.ID))
	got, err = db.GetContext(wctx.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AgentIDs)

	require.NoError(t, db.DeleteContext(wctx.ID))
	_, err = db.GetContext(wctx.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	// Members survive their context.
	_, err = db.GetEngram(e.ID)
	require.NoError(t, err)
}

func TestRefresh_RebuildsDerivedState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a, err := db.AddEngram(ctx, "granite resists erosion", "geology", 0.9)
	require.NoError(t, err)
	b, err := db.AddEngram(ctx, "limestone dissolves in rain", "geology", 0.85)
	require.NoError(t, err)
	_, err = db.AddConnection(a.ID, b.ID, "contrasts", 0.7)
	require.NoError(t, err)

	before, err := db.Stats()
	require.NoError(t, err)

	require.NoError(t, db.Refresh())

	after, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.Engrams, after.Engrams)
	assert.Equal(t, before.GraphNodes, after.GraphNodes)
	assert.Equal(t, before.GraphEdges, after.GraphEdges)
	assert.Equal(t, before.ANNVectors, after.ANNVectors)

	results, err := db.FilterBySource("geology")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestCompact_DropsANNTombstones(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	keep, err := db.AddEngram(ctx, "kept fact", "test", 0.5)
	require.NoError(t, err)
	gone, err := db.AddEngram(ctx, "doomed fact", "test", 0.5)
	require.NoError(t, err)
	_, err = db.DeleteEngram(gone.ID)
	require.NoError(t, err)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ANNVectors)
	assert.Equal(t, 1, stats.ANNTombstones)

	require.NoError(t, db.Compact())

	stats, err = db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ANNVectors)
	assert.Zero(t, stats.ANNTombstones)

	// The surviving vector still answers.
	res, err := db.Search(ctx, searchFor("kept fact"))
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, keep.ID, res[0].ID)
}

func TestListEngrams_CapsAtRecentWindow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < listLimit+20; i++ {
		_, err := db.AddEngram(ctx, contentN(i), "bulk", 0.5)
		require.NoError(t, err)
	}
	engrams, err := db.ListEngrams()
	require.NoError(t, err)
	assert.Len(t, engrams, listLimit)
}

func TestEmbedMissing_FillsGaps(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e, err := db.AddEngram(ctx, "fills its own gap", "test", 0.5)
	require.NoError(t, err)

	// Strip the stored vector behind the facade's back, then refresh so
	// the ANN index forgets it too.
	require.NoError(t, db.store.DeleteEmbedding(e.ID))
	require.NoError(t, db.Refresh())
	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.ANNVectors)

	n, err := db.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ANNVectors)
	assert.Equal(t, int64(1), stats.Embeddings)

	// A second pass finds nothing to do.
	n, err = db.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
