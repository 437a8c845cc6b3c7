package index

import (
	"sort"
	"time"

	"github.com/engramai/engramlite/pkg/storage"
)

// ImportanceIndex tracks the memory-management signals per engram:
// importance score, access count, last access time, and optional TTL. It
// keeps importance buckets for range queries plus two sorted lists (by
// score and by access recency) for top-k queries, and answers the
// forgetting subsystem's candidate scans.
type ImportanceIndex struct {
	importance   map[string]float64
	accessCount  map[string]uint64
	lastAccessed map[string]time.Time
	ttlSeconds   map[string]uint64

	buckets      map[int]IDSet
	scoreSorted  []string
	accessSorted []string
}

// NewImportanceIndex creates an empty importance index.
func NewImportanceIndex() *ImportanceIndex {
	return &ImportanceIndex{
		importance:   make(map[string]float64),
		accessCount:  make(map[string]uint64),
		lastAccessed: make(map[string]time.Time),
		ttlSeconds:   make(map[string]uint64),
		buckets:      make(map[int]IDSet),
	}
}

// Add indexes an engram's memory signals from its record. Re-adding
// replaces the previous entry.
func (ii *ImportanceIndex) Add(e *storage.Engram) {
	ii.Remove(e.ID)

	ii.importance[e.ID] = e.Importance
	ii.accessCount[e.ID] = e.AccessCount
	ii.lastAccessed[e.ID] = e.LastAccessed
	if e.TTLSeconds != nil {
		ii.ttlSeconds[e.ID] = *e.TTLSeconds
	}

	addTo2(ii.buckets, scoreBucket(e.Importance), e.ID)
	ii.insertScoreSorted(e.ID)
	ii.insertAccessSorted(e.ID)
}

// Remove clears an engram's memory signals.
func (ii *ImportanceIndex) Remove(id string) {
	score, ok := ii.importance[id]
	if !ok {
		return
	}
	removeFrom2(ii.buckets, scoreBucket(score), id)
	ii.scoreSorted = removeID(ii.scoreSorted, id)
	ii.accessSorted = removeID(ii.accessSorted, id)

	delete(ii.importance, id)
	delete(ii.accessCount, id)
	delete(ii.lastAccessed, id)
	delete(ii.ttlSeconds, id)
}

// UpdateImportance moves an engram to a new score. Unknown ids are ignored.
func (ii *ImportanceIndex) UpdateImportance(id string, score float64) {
	old, ok := ii.importance[id]
	if !ok {
		return
	}
	removeFrom2(ii.buckets, scoreBucket(old), id)
	ii.scoreSorted = removeID(ii.scoreSorted, id)

	ii.importance[id] = score
	addTo2(ii.buckets, scoreBucket(score), id)
	ii.insertScoreSorted(id)
}

// RecordAccess bumps an engram's access count and refreshes its last access
// time. Unknown ids are ignored.
func (ii *ImportanceIndex) RecordAccess(id string, now time.Time) {
	if _, ok := ii.importance[id]; !ok {
		return
	}
	ii.accessCount[id]++
	ii.lastAccessed[id] = now
	ii.accessSorted = removeID(ii.accessSorted, id)
	ii.insertAccessSorted(id)
}

// SetTTL sets or clears an engram's TTL. Unknown ids are ignored.
func (ii *ImportanceIndex) SetTTL(id string, ttlSeconds *uint64) {
	if _, ok := ii.importance[id]; !ok {
		return
	}
	if ttlSeconds == nil {
		delete(ii.ttlSeconds, id)
		return
	}
	ii.ttlSeconds[id] = *ttlSeconds
}

// Importance returns an engram's indexed importance.
func (ii *ImportanceIndex) Importance(id string) (float64, bool) {
	score, ok := ii.importance[id]
	return score, ok
}

// AccessCount returns an engram's indexed access count.
func (ii *ImportanceIndex) AccessCount(id string) (uint64, bool) {
	n, ok := ii.accessCount[id]
	return n, ok
}

// LastAccessed returns an engram's indexed last access time.
func (ii *ImportanceIndex) LastAccessed(id string) (time.Time, bool) {
	t, ok := ii.lastAccessed[id]
	return t, ok
}

// TTL returns an engram's TTL in seconds. The second result is false for
// engrams without a TTL.
func (ii *ImportanceIndex) TTL(id string) (uint64, bool) {
	ttl, ok := ii.ttlSeconds[id]
	return ttl, ok
}

// FindMinImportance returns engrams with importance >= min. Buckets narrow
// the scan; exact comparison decides membership.
func (ii *ImportanceIndex) FindMinImportance(min float64) IDSet {
	out := make(IDSet)
	for b := scoreBucket(min); b <= 10; b++ {
		for id := range ii.buckets[b] {
			if ii.importance[id] >= min {
				out.Add(id)
			}
		}
	}
	return out
}

// FindMinAccessCount returns engrams accessed at least min times.
func (ii *ImportanceIndex) FindMinAccessCount(min uint64) IDSet {
	out := make(IDSet)
	for id, n := range ii.accessCount {
		if n >= min {
			out.Add(id)
		}
	}
	return out
}

// MostImportant returns up to count ids, highest importance first.
func (ii *ImportanceIndex) MostImportant(count int) []string {
	return topK(ii.scoreSorted, count)
}

// MostRecentlyAccessed returns up to count ids, latest access first.
func (ii *ImportanceIndex) MostRecentlyAccessed(count int) []string {
	return topK(ii.accessSorted, count)
}

// AccessedBefore returns engrams whose last access is strictly before t.
func (ii *ImportanceIndex) AccessedBefore(t time.Time) IDSet {
	out := make(IDSet)
	for id, last := range ii.lastAccessed {
		if last.Before(t) {
			out.Add(id)
		}
	}
	return out
}

// ExpiredIDs returns engrams whose TTL window has closed: engrams with a
// TTL where last_accessed + ttl_seconds <= now.
func (ii *ImportanceIndex) ExpiredIDs(now time.Time) IDSet {
	out := make(IDSet)
	for id, ttl := range ii.ttlSeconds {
		deadline := ii.lastAccessed[id].Add(time.Duration(ttl) * time.Second)
		if !deadline.After(now) {
			out.Add(id)
		}
	}
	return out
}

// ForgettingCandidates returns up to limit engrams with importance at most
// maxImportance, access count at most maxAccess, and last access at or
// before cutoff, least important first. All three bounds are inclusive, so
// a criterion is disabled by passing its maximum legal value.
func (ii *ImportanceIndex) ForgettingCandidates(maxImportance float64, maxAccess uint64, cutoff time.Time, limit int) []string {
	var candidates []string
	for id, score := range ii.importance {
		if score > maxImportance {
			continue
		}
		if ii.accessCount[id] > maxAccess {
			continue
		}
		if ii.lastAccessed[id].After(cutoff) {
			continue
		}
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := ii.importance[candidates[i]], ii.importance[candidates[j]]
		if si != sj {
			return si < sj
		}
		return candidates[i] < candidates[j]
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// insertScoreSorted places id into the score-ordered list (descending,
// ties by id).
func (ii *ImportanceIndex) insertScoreSorted(id string) {
	score := ii.importance[id]
	pos := sort.Search(len(ii.scoreSorted), func(i int) bool {
		other := ii.importance[ii.scoreSorted[i]]
		if other != score {
			return other < score
		}
		return ii.scoreSorted[i] >= id
	})
	ii.scoreSorted = insertAt(ii.scoreSorted, pos, id)
}

// insertAccessSorted places id into the access-recency list (descending,
// ties by id).
func (ii *ImportanceIndex) insertAccessSorted(id string) {
	last := ii.lastAccessed[id]
	pos := sort.Search(len(ii.accessSorted), func(i int) bool {
		other := ii.lastAccessed[ii.accessSorted[i]]
		if !other.Equal(last) {
			return other.Before(last)
		}
		return ii.accessSorted[i] >= id
	})
	ii.accessSorted = insertAt(ii.accessSorted, pos, id)
}

func insertAt(ids []string, pos int, id string) []string {
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	return ids
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func topK(ids []string, count int) []string {
	if count > len(ids) {
		count = len(ids)
	}
	if count <= 0 {
		return nil
	}
	out := make([]string, count)
	copy(out, ids[:count])
	return out
}
