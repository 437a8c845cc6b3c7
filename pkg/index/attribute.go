package index

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/engramai/engramlite/pkg/storage"
)

// SourceIndex maps source strings to the engrams attributed to them.
type SourceIndex struct {
	bySource map[string]IDSet
}

// NewSourceIndex creates an empty source index.
func NewSourceIndex() *SourceIndex {
	return &SourceIndex{bySource: make(map[string]IDSet)}
}

// Add indexes an engram under its source.
func (si *SourceIndex) Add(source, id string) {
	addTo(si.bySource, source, id)
}

// Remove clears an engram from its source posting.
func (si *SourceIndex) Remove(source, id string) {
	removeFrom(si.bySource, source, id)
}

// Find returns the engrams attributed to a source.
func (si *SourceIndex) Find(source string) IDSet {
	return si.bySource[source].Clone()
}

// Sources lists every source with at least one engram.
func (si *SourceIndex) Sources() []string {
	out := make([]string, 0, len(si.bySource))
	for s := range si.bySource {
		out = append(out, s)
	}
	return out
}

// ConfidenceIndex buckets engrams by floor(confidence*10) and keeps the
// exact score per engram, so a minimum-confidence query unions the buckets
// strictly above the threshold and filters only the boundary bucket.
type ConfidenceIndex struct {
	buckets  map[int]IDSet
	byEngram map[string]float64
}

// NewConfidenceIndex creates an empty confidence index.
func NewConfidenceIndex() *ConfidenceIndex {
	return &ConfidenceIndex{
		buckets:  make(map[int]IDSet),
		byEngram: make(map[string]float64),
	}
}

// scoreBucket maps a unit-interval score to its bucket. Scores land in
// 0..10; 1.0 gets its own bucket.
func scoreBucket(score float64) int {
	b := int(math.Floor(storage.Clamp01(score) * 10))
	if b > 10 {
		b = 10
	}
	return b
}

// Add indexes an engram by confidence. Re-adding replaces the old score.
func (ci *ConfidenceIndex) Add(id string, confidence float64) {
	ci.Remove(id)
	score := storage.Clamp01(confidence)
	addTo2(ci.buckets, scoreBucket(score), id)
	ci.byEngram[id] = score
}

// Remove clears an engram from its bucket.
func (ci *ConfidenceIndex) Remove(id string) {
	score, ok := ci.byEngram[id]
	if !ok {
		return
	}
	delete(ci.byEngram, id)
	removeFrom2(ci.buckets, scoreBucket(score), id)
}

// FindMin returns all engrams with confidence >= min. Engrams in buckets
// above floor(min*10) qualify outright; the boundary bucket is checked
// against the stored scores.
func (ci *ConfidenceIndex) FindMin(min float64) IDSet {
	min = storage.Clamp01(min)
	lo := scoreBucket(min)
	out := make(IDSet)
	for id := range ci.buckets[lo] {
		if ci.byEngram[id] >= min {
			out.Add(id)
		}
	}
	for b := lo + 1; b <= 10; b++ {
		out.Union(ci.buckets[b])
	}
	return out
}

// Score reports the indexed confidence of an engram.
func (ci *ConfidenceIndex) Score(id string) (float64, bool) {
	score, ok := ci.byEngram[id]
	return score, ok
}

func addTo2(m map[int]IDSet, key int, id string) {
	s, ok := m[key]
	if !ok {
		s = make(IDSet)
		m[key] = s
	}
	s.Add(id)
}

func removeFrom2(m map[int]IDSet, key int, id string) {
	s, ok := m[key]
	if !ok {
		return
	}
	s.Remove(id)
	if len(s) == 0 {
		delete(m, key)
	}
}

// MetadataIndex maps metadata keys, and key-value pairs, to engram ids.
// Values are rendered to canonical JSON so any JSON-representable value can
// be matched exactly, not just strings.
type MetadataIndex struct {
	byKey      map[string]IDSet
	byKeyValue map[string]IDSet
}

// NewMetadataIndex creates an empty metadata index.
func NewMetadataIndex() *MetadataIndex {
	return &MetadataIndex{
		byKey:      make(map[string]IDSet),
		byKeyValue: make(map[string]IDSet),
	}
}

// CanonicalValue renders a metadata value to the string used for indexing.
// json.Marshal writes map keys in sorted order, which makes the rendering
// stable for equal values.
func CanonicalValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func keyValueEntry(key, canonical string) string {
	return key + "\x00" + canonical
}

// Add indexes every metadata pair of an engram.
func (mi *MetadataIndex) Add(e *storage.Engram) {
	for key, value := range e.Metadata {
		addTo(mi.byKey, key, e.ID)
		addTo(mi.byKeyValue, keyValueEntry(key, CanonicalValue(value)), e.ID)
	}
}

// Remove clears every metadata pair of an engram.
func (mi *MetadataIndex) Remove(e *storage.Engram) {
	for key, value := range e.Metadata {
		removeFrom(mi.byKey, key, e.ID)
		removeFrom(mi.byKeyValue, keyValueEntry(key, CanonicalValue(value)), e.ID)
	}
}

// FindByKey returns engrams carrying a metadata key, whatever the value.
func (mi *MetadataIndex) FindByKey(key string) IDSet {
	return mi.byKey[key].Clone()
}

// FindByKeyValue returns engrams whose metadata key holds exactly value.
func (mi *MetadataIndex) FindByKeyValue(key string, value any) IDSet {
	return mi.byKeyValue[keyValueEntry(key, CanonicalValue(value))].Clone()
}
