// Package index provides the in-memory secondary indexes for EngramAI Lite.
//
// Every index answers one class of lookup without touching the persistent
// store: relationship adjacency, source attribution, confidence and
// importance buckets, metadata key/value membership, inverted text postings,
// and temporal projections. All indexes are rebuilt from the store on
// startup and updated in step with every committed mutation, so a lookup
// never returns an id whose backing record is gone.
//
// Adds are idempotent: adding the same record twice reproduces the same
// state. Removes are clean: no index retains a reference after delete. For
// indexes that derive entries from record content (text tokens, timestamps,
// buckets), add replaces any previous entries for the id, so re-adding an
// updated record is a full update.
//
// None of the indexes lock internally. The owning engine serializes access
// behind its single RW lock, the same way it guards the graph.
package index

import (
	"sort"

	"github.com/engramai/engramlite/pkg/storage"
)

// IDSet is a set of entity IDs. Query planning works on IDSets so filters
// compose by intersection and union without materializing records.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts an id.
func (s IDSet) Add(id string) { s[id] = struct{}{} }

// Remove deletes an id.
func (s IDSet) Remove(id string) { delete(s, id) }

// Has reports membership.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the set size.
func (s IDSet) Len() int { return len(s) }

// Clone returns an independent copy.
func (s IDSet) Clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Union adds every id in other to s and returns s.
func (s IDSet) Union(other IDSet) IDSet {
	for id := range other {
		s[id] = struct{}{}
	}
	return s
}

// Intersect returns a new set holding ids present in both s and other.
func (s IDSet) Intersect(other IDSet) IDSet {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(IDSet)
	for id := range small {
		if _, ok := large[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// ToSortedSlice returns the ids in lexical order. Sorting keeps results
// deterministic where no better ordering applies.
func (s IDSet) ToSortedSlice() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Indexes bundles every secondary index and keeps them consistent as one
// unit. The engine calls the registry methods; individual indexes stay
// reachable for direct lookups.
type Indexes struct {
	Relationships *RelationshipIndex
	Sources       *SourceIndex
	Confidence    *ConfidenceIndex
	Metadata      *MetadataIndex
	Text          *TextIndex
	Temporal      *TemporalIndex
	Importance    *ImportanceIndex
}

// New creates an empty index registry.
func New() *Indexes {
	return &Indexes{
		Relationships: NewRelationshipIndex(),
		Sources:       NewSourceIndex(),
		Confidence:    NewConfidenceIndex(),
		Metadata:      NewMetadataIndex(),
		Text:          NewTextIndex(),
		Temporal:      NewTemporalIndex(),
		Importance:    NewImportanceIndex(),
	}
}

// AddEngram indexes an engram across every engram-keyed index.
func (x *Indexes) AddEngram(e *storage.Engram) {
	x.Sources.Add(e.Source, e.ID)
	x.Confidence.Add(e.ID, e.Confidence)
	x.Metadata.Add(e)
	x.Text.Add(e.ID, e.Content)
	x.Temporal.Add(e.ID, e.Timestamp)
	x.Importance.Add(e)
}

// UpdateEngram reindexes a changed engram. The previous record is needed to
// clear entries derived from its old field values.
func (x *Indexes) UpdateEngram(old, updated *storage.Engram) {
	x.RemoveEngram(old)
	x.AddEngram(updated)
}

// RemoveEngram clears an engram from every engram-keyed index.
func (x *Indexes) RemoveEngram(e *storage.Engram) {
	x.Sources.Remove(e.Source, e.ID)
	x.Confidence.Remove(e.ID)
	x.Metadata.Remove(e)
	x.Text.Remove(e.ID)
	x.Temporal.Remove(e.ID)
	x.Importance.Remove(e.ID)
}

// AddConnection indexes a connection.
func (x *Indexes) AddConnection(c *storage.Connection) {
	x.Relationships.Add(c)
}

// RemoveConnection clears a connection from all relationship views.
func (x *Indexes) RemoveConnection(c *storage.Connection) {
	x.Relationships.Remove(c)
}

// Clear resets every index to empty. Used before a rebuild scan.
func (x *Indexes) Clear() {
	*x = *New()
}
