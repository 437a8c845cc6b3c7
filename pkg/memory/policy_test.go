package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramai/engramlite/pkg/index"
	"github.com/engramai/engramlite/pkg/storage"
)

var policyNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

// seedEngram indexes a minimal engram with the given memory signals and
// returns the record for later removal.
func seedEngram(idx *index.Indexes, id string, created, lastAccessed time.Time, importance float64, accessCount uint64) *storage.Engram {
	e := storage.NewEngram("content "+id, "test", 0.9)
	e.ID = id
	e.Timestamp = created
	e.LastAccessed = lastAccessed
	e.Importance = importance
	e.AccessCount = accessCount
	idx.AddEngram(e)
	return e
}

func TestPolicy_AgeBased(t *testing.T) {
	idx := index.New()
	seedEngram(idx, "old1", policyNow.Add(-72*time.Hour), policyNow, 0.5, 0)
	seedEngram(idx, "old2", policyNow.Add(-48*time.Hour), policyNow, 0.5, 0)
	seedEngram(idx, "edge", policyNow.Add(-24*time.Hour), policyNow, 0.5, 0)
	seedEngram(idx, "fresh", policyNow.Add(-time.Hour), policyNow, 0.5, 0)

	// Oldest first; an engram exactly max-age old qualifies.
	got, err := AgeBased(24*time.Hour, 0).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "old2", "edge"}, got)

	got, err = AgeBased(24*time.Hour, 2).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "old2"}, got)

	// Zero max age selects everything.
	got, err = AgeBased(0, 0).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "old2", "edge", "fresh"}, got)
}

func TestPolicy_ImportanceThreshold(t *testing.T) {
	idx := index.New()
	seedEngram(idx, "faint", policyNow.Add(-2*time.Hour), policyNow.Add(-time.Hour), 0.1, 3)
	seedEngram(idx, "edge", policyNow.Add(-2*time.Hour), policyNow.Add(-time.Hour), 0.3, 50)
	seedEngram(idx, "vivid", policyNow.Add(-2*time.Hour), policyNow.Add(-time.Hour), 0.8, 0)

	// Threshold is inclusive; least important first. Access counts and
	// idle time play no part.
	got, err := ImportanceThreshold(0.3, 0).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"faint", "edge"}, got)

	got, err = ImportanceThreshold(0.3, 1).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"faint"}, got)

	got, err = ImportanceThreshold(0.05, 0).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPolicy_AccessFrequency(t *testing.T) {
	idx := index.New()
	seedEngram(idx, "rare-old", policyNow.Add(-4*time.Hour), policyNow.Add(-2*time.Hour), 0.4, 2)
	seedEngram(idx, "edge", policyNow.Add(-2*time.Hour), policyNow.Add(-time.Hour), 0.2, 5)
	seedEngram(idx, "busy", policyNow.Add(-5*time.Hour), policyNow.Add(-3*time.Hour), 0.1, 9)
	seedEngram(idx, "recent", policyNow.Add(-time.Hour), policyNow.Add(-10*time.Minute), 0.1, 0)

	// edge sits exactly on both bounds: five reads, idle exactly one
	// hour. busy is read too often, recent too recently.
	got, err := AccessFrequency(5, time.Hour, 0).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge", "rare-old"}, got)
}

func TestPolicy_Hybrid(t *testing.T) {
	idx := index.New()
	seedEngram(idx, "high-imp", policyNow.Add(-3*time.Hour), policyNow.Add(-2*time.Hour), 0.9, 1)
	seedEngram(idx, "busy", policyNow.Add(-3*time.Hour), policyNow.Add(-2*time.Hour), 0.2, 20)
	seedEngram(idx, "recent", policyNow.Add(-time.Hour), policyNow, 0.2, 1)
	gonerA := seedEngram(idx, "goner-a", policyNow.Add(-3*time.Hour), policyNow.Add(-2*time.Hour), 0.2, 1)
	gonerB := seedEngram(idx, "goner-b", policyNow.Add(-4*time.Hour), policyNow.Add(-3*time.Hour), 0.1, 0)

	// Intersection of all three criteria, ascending importance.
	p := Hybrid(0.5, 5, time.Hour, 0)
	got, err := p.Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"goner-b", "goner-a"}, got)

	got, err = Hybrid(0.5, 5, time.Hour, 1).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"goner-b"}, got)

	// Once candidates are forgotten a second pass selects nothing new.
	idx.RemoveEngram(gonerA)
	idx.RemoveEngram(gonerB)
	got, err = p.Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPolicy_TTLExpiration(t *testing.T) {
	idx := index.New()
	withTTL := func(id string, lastAccessed time.Time, ttlSeconds uint64) {
		e := storage.NewEngram("content "+id, "test", 0.9)
		e.ID = id
		e.Timestamp = policyNow.Add(-24 * time.Hour)
		e.LastAccessed = lastAccessed
		ttl := ttlSeconds
		e.TTLSeconds = &ttl
		idx.AddEngram(e)
	}

	withTTL("longest", policyNow.Add(-2*time.Hour), 3600)
	withTTL("mid", policyNow.Add(-120*time.Second), 60)
	withTTL("edge", policyNow.Add(-60*time.Second), 60)
	withTTL("alive", policyNow.Add(-30*time.Second), 60)
	seedEngram(idx, "immortal", policyNow.Add(-240*time.Hour), policyNow.Add(-240*time.Hour), 0.5, 0)

	// Expired engrams ordered by deadline: longest overdue first. An
	// engram whose deadline is exactly now counts as expired; engrams
	// without a TTL never do.
	got, err := TTLExpiration(0).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"longest", "mid", "edge"}, got)

	got, err = TTLExpiration(2).Candidates(idx, policyNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"longest", "mid"}, got)
}

func TestPolicy_Validate(t *testing.T) {
	idx := index.New()

	for name, p := range map[string]Policy{
		"unknown kind":       {Kind: "bogus"},
		"importance too big": ImportanceThreshold(1.5, 0),
		"importance neg":     ImportanceThreshold(-0.1, 0),
		"hybrid importance":  Hybrid(2, 5, time.Hour, 0),
		"negative idle":      AccessFrequency(5, -time.Second, 0),
		"negative age":       {Kind: PolicyAgeBased, MaxAge: -time.Hour},
		"negative max items": AgeBased(time.Hour, -1),
	} {
		assert.ErrorIs(t, p.Validate(), storage.ErrInvalidInput, name)
		_, err := p.Candidates(idx, policyNow)
		assert.ErrorIs(t, err, storage.ErrInvalidInput, name)
	}

	assert.NoError(t, AgeBased(0, 0).Validate())
	assert.NoError(t, ImportanceThreshold(1, 10).Validate())
	assert.NoError(t, AccessFrequency(0, 0, 0).Validate())
	assert.NoError(t, Hybrid(0.5, 3, time.Hour, 10).Validate())
	assert.NoError(t, TTLExpiration(0).Validate())
}
