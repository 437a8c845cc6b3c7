// Package storage tests
package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *BadgerEngine {
	t.Helper()
	eng, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// TestEngram_CRUD tests basic engram persistence.
func TestEngram_CRUD(t *testing.T) {
	eng := newTestEngine(t)

	e := NewEngram("the mitochondria is the powerhouse of the cell", "biology-notes", 0.9)
	require.NoError(t, eng.PutEngram(e))

	got, err := eng.GetEngram(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Content, got.Content)
	assert.Equal(t, e.Source, got.Source)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, e.Timestamp, got.Timestamp)

	// Update in place
	got.Confidence = 0.5
	require.NoError(t, eng.PutEngram(got))
	again, err := eng.GetEngram(e.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, again.Confidence, 1e-9)

	// Delete
	require.NoError(t, eng.DeleteEngram(e.ID))
	_, err = eng.GetEngram(e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestEngram_NotFound verifies missing keys map to ErrNotFound.
func TestEngram_NotFound(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.GetEngram(NewID())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = eng.GetConnection(NewID())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = eng.GetCollection(NewID())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = eng.GetAgent(NewID())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = eng.GetContext(NewID())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = eng.GetEmbedding(NewID())
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestConnection_RelationshipRows verifies the three index rows written
// alongside every connection record.
func TestConnection_RelationshipRows(t *testing.T) {
	eng := newTestEngine(t)

	a := NewEngram("alpha", "test", 0.8)
	b := NewEngram("beta", "test", 0.8)
	require.NoError(t, eng.PutEngram(a))
	require.NoError(t, eng.PutEngram(b))

	c1 := NewConnection(a.ID, b.ID, "supports", 0.7)
	c2 := NewConnection(a.ID, b.ID, "contradicts", 0.3)
	require.NoError(t, eng.PutConnection(c1))
	require.NoError(t, eng.PutConnection(c2))

	out, err := eng.OutgoingConnectionIDs(a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, out)

	in, err := eng.IncomingConnectionIDs(b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, in)

	byType, err := eng.ConnectionIDsByType("supports")
	require.NoError(t, err)
	assert.Equal(t, []string{c1.ID}, byType)

	// Deleting a connection removes its rows atomically.
	require.NoError(t, eng.DeleteConnection(c1))

	out, err = eng.OutgoingConnectionIDs(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c2.ID}, out)

	byType, err = eng.ConnectionIDsByType("supports")
	require.NoError(t, err)
	assert.Empty(t, byType)

	_, err = eng.GetConnection(c1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCollectionAgentContext_CRUD covers the remaining entity families.
func TestCollectionAgentContext_CRUD(t *testing.T) {
	eng := newTestEngine(t)

	col := NewCollection("facts", "verified facts")
	col.AddEngram(NewID())
	require.NoError(t, eng.PutCollection(col))

	gotCol, err := eng.GetCollection(col.ID)
	require.NoError(t, err)
	assert.Equal(t, col.Name, gotCol.Name)
	assert.Equal(t, col.EngramIDs, gotCol.EngramIDs)

	ag := NewAgent("researcher", "reads papers")
	ag.AddCapability("search")
	ag.GrantAccess(col.ID)
	require.NoError(t, eng.PutAgent(ag))

	gotAg, err := eng.GetAgent(ag.ID)
	require.NoError(t, err)
	assert.True(t, gotAg.HasAccess(col.ID))
	assert.Equal(t, []string{"search"}, gotAg.Capabilities)

	ctx := NewContext("session-1", "first research session")
	ctx.AddAgent(ag.ID)
	require.NoError(t, eng.PutContext(ctx))

	gotCtx, err := eng.GetContext(ctx.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ag.ID}, gotCtx.AgentIDs)

	require.NoError(t, eng.DeleteCollection(col.ID))
	require.NoError(t, eng.DeleteAgent(ag.ID))
	require.NoError(t, eng.DeleteContext(ctx.ID))

	_, err = eng.GetCollection(col.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestEmbedding_RoundTrip tests embedding record persistence.
func TestEmbedding_RoundTrip(t *testing.T) {
	eng := newTestEngine(t)

	id := NewID()
	rec := &EmbeddingRecord{
		ID:        id,
		Vector:    []float32{0.1, 0.2, 0.3},
		Model:     "test-model",
		Dims:      3,
		CreatedAt: Now(),
	}
	require.NoError(t, eng.PutEmbedding(rec))

	got, err := eng.GetEmbedding(id)
	require.NoError(t, err)
	assert.Equal(t, rec.Vector, got.Vector)
	assert.Equal(t, rec.Model, got.Model)
	assert.Equal(t, rec.Vector, got.IndexVector())

	// Reduced vector takes precedence for indexing.
	got.Reduced = []float32{0.5, 0.6}
	assert.Equal(t, []float32{0.5, 0.6}, got.IndexVector())

	require.NoError(t, eng.DeleteEmbedding(id))
	_, err = eng.GetEmbedding(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestListIDs verifies per-family ID scans.
func TestListIDs(t *testing.T) {
	eng := newTestEngine(t)

	e1 := NewEngram("one", "test", 0.9)
	e2 := NewEngram("two", "test", 0.9)
	require.NoError(t, eng.PutEngram(e1))
	require.NoError(t, eng.PutEngram(e2))

	col := NewCollection("c", "")
	require.NoError(t, eng.PutCollection(col))

	ids, err := eng.ListEngramIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{e1.ID, e2.ID}, ids)

	colIDs, err := eng.ListCollectionIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{col.ID}, colIDs)

	agentIDs, err := eng.ListAgentIDs()
	require.NoError(t, err)
	assert.Empty(t, agentIDs)
}

// TestBatch_Atomic verifies all staged writes land in one transaction.
func TestBatch_Atomic(t *testing.T) {
	eng := newTestEngine(t)

	a := NewEngram("alpha", "test", 0.9)
	b := NewEngram("beta", "test", 0.9)
	conn := NewConnection(a.ID, b.ID, "related_to", 0.5)

	batch := eng.NewBatch()
	require.NoError(t, batch.PutEngram(a))
	require.NoError(t, batch.PutEngram(b))
	require.NoError(t, batch.PutConnection(conn))
	assert.Equal(t, 3, batch.Len())

	require.NoError(t, batch.Commit())

	_, err := eng.GetEngram(a.ID)
	require.NoError(t, err)
	_, err = eng.GetConnection(conn.ID)
	require.NoError(t, err)

	out, err := eng.OutgoingConnectionIDs(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{conn.ID}, out)

	// A committed batch cannot be reused.
	err = batch.Commit()
	assert.Error(t, err)
}

// TestBatch_Discard verifies discarded batches write nothing.
func TestBatch_Discard(t *testing.T) {
	eng := newTestEngine(t)

	e := NewEngram("ghost", "test", 0.9)
	batch := eng.NewBatch()
	require.NoError(t, batch.PutEngram(e))
	batch.Discard()

	_, err := eng.GetEngram(e.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = batch.Commit()
	assert.Error(t, err)
}

// TestBatch_DeleteConnection verifies staged deletes remove index rows.
func TestBatch_DeleteConnection(t *testing.T) {
	eng := newTestEngine(t)

	a := NewEngram("alpha", "test", 0.9)
	b := NewEngram("beta", "test", 0.9)
	conn := NewConnection(a.ID, b.ID, "related_to", 0.5)
	require.NoError(t, eng.PutEngram(a))
	require.NoError(t, eng.PutEngram(b))
	require.NoError(t, eng.PutConnection(conn))

	batch := eng.NewBatch()
	batch.DeleteConnection(conn)
	batch.DeleteEngram(a.ID)
	require.NoError(t, batch.Commit())

	_, err := eng.GetConnection(conn.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = eng.GetEngram(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	out, err := eng.OutgoingConnectionIDs(a.ID)
	require.NoError(t, err)
	assert.Empty(t, out)
}

// TestMeta_RoundTrip tests the metadata family.
func TestMeta_RoundTrip(t *testing.T) {
	eng := newTestEngine(t)

	require.NoError(t, eng.PutMeta("snapshot_version", "1"))
	v, err := eng.GetMeta("snapshot_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = eng.GetMeta("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStats counts records per family.
func TestStats(t *testing.T) {
	eng := newTestEngine(t)

	a := NewEngram("alpha", "test", 0.9)
	b := NewEngram("beta", "test", 0.9)
	require.NoError(t, eng.PutEngram(a))
	require.NoError(t, eng.PutEngram(b))
	require.NoError(t, eng.PutConnection(NewConnection(a.ID, b.ID, "related_to", 0.5)))
	require.NoError(t, eng.PutCollection(NewCollection("c", "")))

	stats, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Count(FamilyEngrams))
	assert.Equal(t, int64(1), stats.Count(FamilyConnections))
	assert.Equal(t, int64(1), stats.Count(FamilyCollections))
	assert.Equal(t, int64(0), stats.Count(FamilyAgents))
	// One connection writes three relationship rows.
	assert.Equal(t, int64(3), stats.Count(FamilyRelationships))
}

// TestPersistence_Reopen verifies data survives close and reopen on disk.
func TestPersistence_Reopen(t *testing.T) {
	dir := t.TempDir()

	eng, err := NewBadgerEngine(BadgerOptions{DataDir: dir})
	require.NoError(t, err)

	e := NewEngram("durable", "test", 0.9)
	require.NoError(t, eng.PutEngram(e))
	require.NoError(t, eng.Close())

	// Closed engine rejects further operations.
	_, err = eng.GetEngram(e.ID)
	assert.ErrorIs(t, err, ErrStorageClosed)

	reopened, err := NewBadgerEngine(BadgerOptions{DataDir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetEngram(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Content)
}

// TestValidate covers entity validation rules.
func TestValidate(t *testing.T) {
	e := NewEngram("valid", "test", 0.5)
	require.NoError(t, e.Validate())

	empty := NewEngram("", "test", 0.5)
	assert.ErrorIs(t, empty.Validate(), ErrInvalidInput)

	badID := NewEngram("valid", "test", 0.5)
	badID.ID = "not-a-uuid"
	assert.ErrorIs(t, badID.Validate(), ErrInvalidInput)

	conn := NewConnection(NewID(), NewID(), "supports", 0.5)
	require.NoError(t, conn.Validate())

	selfLoop := NewConnection(conn.SourceID, conn.SourceID, "supports", 0.5)
	require.NoError(t, selfLoop.Validate())

	noType := NewConnection(NewID(), NewID(), "", 0.5)
	assert.ErrorIs(t, noType.Validate(), ErrInvalidInput)

	col := NewCollection("", "")
	assert.ErrorIs(t, col.Validate(), ErrInvalidInput)
}

// TestClamping verifies out-of-range scores are clamped at construction.
func TestClamping(t *testing.T) {
	e := NewEngram("c", "test", 1.7)
	assert.Equal(t, 1.0, e.Confidence)

	e = NewEngram("c", "test", -0.3)
	assert.Equal(t, 0.0, e.Confidence)

	c := NewConnection(NewID(), NewID(), "supports", 99)
	assert.Equal(t, 1.0, c.Weight)

	assert.Equal(t, 0.0, Clamp01(-5))
	assert.Equal(t, 1.0, Clamp01(5))
	assert.Equal(t, 0.25, Clamp01(0.25))
}

// TestEngramExpiry tests TTL evaluation against last access.
func TestEngramExpiry(t *testing.T) {
	e := NewEngram("ephemeral", "test", 0.9)
	now := Now()

	// No TTL never expires.
	assert.False(t, e.IsExpired(now.Add(100*365*24*time.Hour)))

	ttl := uint64(60)
	e.TTLSeconds = &ttl
	e.LastAccessed = now

	assert.False(t, e.IsExpired(now.Add(30*time.Second)))
	assert.True(t, e.IsExpired(now.Add(61*time.Second)))

	// Access resets the expiry window.
	e.RecordAccess(now.Add(50 * time.Second))
	assert.Equal(t, uint64(1), e.AccessCount)
	assert.False(t, e.IsExpired(now.Add(61*time.Second)))
}

// TestSetSemantics verifies membership lists stay sorted and deduplicated.
func TestSetSemantics(t *testing.T) {
	col := NewCollection("c", "")
	col.AddEngram("b")
	col.AddEngram("a")
	col.AddEngram("b")
	assert.Equal(t, []string{"a", "b"}, col.EngramIDs)
	assert.True(t, col.Contains("a"))

	col.RemoveEngram("a")
	assert.Equal(t, []string{"b"}, col.EngramIDs)
	assert.False(t, col.Contains("a"))

	// Removing a missing member is a no-op.
	col.RemoveEngram("zzz")
	assert.Equal(t, []string{"b"}, col.EngramIDs)

	ctx := NewContext("s", "")
	ctx.AddAgent("agent-2")
	ctx.AddAgent("agent-1")
	assert.Equal(t, []string{"agent-1", "agent-2"}, ctx.AgentIDs)
	ctx.RemoveAgent("agent-1")
	assert.Equal(t, []string{"agent-2"}, ctx.AgentIDs)
}

// TestInvalidJSON verifies corrupt records surface ErrInvalidData.
func TestInvalidJSON(t *testing.T) {
	eng := newTestEngine(t)

	id := NewID()
	require.NoError(t, eng.putRaw(FamilyEngrams, EngramKey(id), []byte("{not json")))

	_, err := eng.GetEngram(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidData), "got %v", err)
}
