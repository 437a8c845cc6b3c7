// Package query executes structured queries over the in-memory indexes
// and the knowledge graph: engram selection by intersected constraints,
// connection selection by endpoint and type, and bounded depth-first
// traversal.
//
// Selection queries plan by candidate-set size. Every present constraint
// contributes one id set from its index, the smallest set drives the
// intersection, and records are loaded only for ids that survive every
// filter. Traversals walk connection edges in the graph mirror and touch
// the store only once the reachable set is known.
//
// Main Types:
//   - Engine: query executor over indexes + graph + record loader
//   - EngramQuery: constraint record for engram selection
//   - RelationshipQuery: constraint record for connection selection
//   - Traversal: bounded depth-first walk description
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/index"
	"github.com/engramai/engramlite/pkg/search"
	"github.com/engramai/engramlite/pkg/storage"
)

// RecentWindow caps an unconstrained query at the newest engrams.
const RecentWindow = 100

// Sort orders engram query results.
type Sort string

const (
	// SortRecency orders newest first.
	SortRecency Sort = "recency"
	// SortImportance orders highest importance first.
	SortImportance Sort = "importance"
	// SortRelevance orders by BM25 score against the text constraint.
	// Without a text constraint it falls back to recency.
	SortRelevance Sort = "relevance"
)

// ParseSort maps a string to a Sort. An empty string selects recency.
func ParseSort(s string) (Sort, error) {
	switch Sort(s) {
	case "", SortRecency:
		return SortRecency, nil
	case SortImportance:
		return SortImportance, nil
	case SortRelevance:
		return SortRelevance, nil
	}
	return "", fmt.Errorf("unknown sort order %q", s)
}

// EngramQuery selects engrams by the conjunction of its set fields.
// Zero-value fields are inactive; a query with no constraints returns the
// RecentWindow newest engrams.
type EngramQuery struct {
	// Text keeps only engrams matching the text index: with ExactText
	// every token must appear, otherwise any token or stem may.
	Text      string
	ExactText bool

	// Source keeps only engrams attributed to one source.
	Source string
	// MinConfidence keeps only engrams at or above the threshold when
	// positive.
	MinConfidence float64

	// MetadataKey keeps only engrams carrying the key. With
	// MetadataValue set the value must match exactly, or as a substring
	// when MetadataSubstring is set. Substring comparison uses the raw
	// string for string values and the canonical JSON rendering
	// otherwise.
	MetadataKey       string
	MetadataValue     any
	MetadataSubstring bool

	// Before and After bound the creation timestamp, both strict.
	Before time.Time
	After  time.Time
	// Year, Month, and Day select a calendar bucket: Year alone, Year
	// and Month, or all three. They apply only when Before and After
	// are unset.
	Year  int
	Month time.Month
	Day   int

	// MinImportance keeps only engrams at or above the threshold when
	// positive.
	MinImportance float64
	// MinAccessCount keeps only engrams accessed at least this many
	// times when positive.
	MinAccessCount uint64

	// Sort orders the results. Default recency.
	Sort Sort
	// Limit caps the results when positive.
	Limit int
}

// Loader resolves ids coming out of the indexes to stored records.
// Missing ids return storage.ErrNotFound.
type Loader interface {
	Engram(id string) (*storage.Engram, error)
	Connection(id string) (*storage.Connection, error)
}

// Engine executes queries over the shared indexes and graph. It holds no
// locks of its own; callers serialize writes to the underlying
// structures.
type Engine struct {
	indexes *index.Indexes
	graph   *graph.Graph
	load    Loader
	bm25    search.BM25Config
	log     *zap.Logger
}

// NewEngine creates a query engine. The zero BM25Config selects the
// default scoring parameters for relevance ordering.
func NewEngine(indexes *index.Indexes, g *graph.Graph, loader Loader, bm25 search.BM25Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		indexes: indexes,
		graph:   g,
		load:    loader,
		bm25:    bm25,
		log:     logger,
	}
}

// Engrams runs an engram selection query: intersect the candidate sets
// of every present constraint, load the survivors, sort, and cap.
func (eng *Engine) Engrams(q EngramQuery) ([]*storage.Engram, error) {
	sets := eng.candidateSets(q)

	var ids []string
	if len(sets) == 0 {
		ids = eng.indexes.Temporal.MostRecent(RecentWindow)
	} else {
		ids = intersect(sets).ToSortedSlice()
	}

	results, err := eng.hydrateEngrams(ids, q.metadataMatch)
	if err != nil {
		return nil, err
	}
	eng.sortEngrams(results, q)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	eng.log.Debug("engram query",
		zap.Int("constraints", len(sets)),
		zap.Int("candidates", len(ids)),
		zap.Int("results", len(results)))
	return results, nil
}

// candidateSets collects one id set per present constraint.
func (eng *Engine) candidateSets(q EngramQuery) []index.IDSet {
	var sets []index.IDSet
	if q.Source != "" {
		sets = append(sets, eng.indexes.Sources.Find(q.Source))
	}
	if q.MinConfidence > 0 {
		sets = append(sets, eng.indexes.Confidence.FindMin(q.MinConfidence))
	}
	if q.MetadataKey != "" {
		if q.MetadataValue == nil || q.MetadataSubstring {
			sets = append(sets, eng.indexes.Metadata.FindByKey(q.MetadataKey))
		} else {
			sets = append(sets, eng.indexes.Metadata.FindByKeyValue(q.MetadataKey, q.MetadataValue))
		}
	}
	if q.Text != "" {
		if q.ExactText {
			sets = append(sets, eng.indexes.Text.SearchExact(q.Text))
		} else {
			sets = append(sets, eng.indexes.Text.SearchFuzzy(q.Text))
		}
	}
	if !q.Before.IsZero() {
		sets = append(sets, eng.indexes.Temporal.Before(q.Before))
	}
	if !q.After.IsZero() {
		sets = append(sets, eng.indexes.Temporal.After(q.After))
	}
	if q.Before.IsZero() && q.After.IsZero() && q.Year != 0 {
		switch {
		case q.Month != 0 && q.Day != 0:
			sets = append(sets, eng.indexes.Temporal.ByDay(q.Year, q.Month, q.Day))
		case q.Month != 0:
			sets = append(sets, eng.indexes.Temporal.ByMonth(q.Year, q.Month))
		default:
			sets = append(sets, eng.indexes.Temporal.ByYear(q.Year))
		}
	}
	if q.MinImportance > 0 {
		sets = append(sets, eng.indexes.Importance.FindMinImportance(q.MinImportance))
	}
	if q.MinAccessCount > 0 {
		sets = append(sets, eng.indexes.Importance.FindMinAccessCount(q.MinAccessCount))
	}
	return sets
}

// metadataMatch applies the substring value comparison that the metadata
// index cannot answer from its exact postings.
func (q EngramQuery) metadataMatch(e *storage.Engram) bool {
	if q.MetadataKey == "" || q.MetadataValue == nil || !q.MetadataSubstring {
		return true
	}
	v, ok := e.Metadata[q.MetadataKey]
	if !ok {
		return false
	}
	needle, ok := q.MetadataValue.(string)
	if !ok {
		return index.CanonicalValue(v) == index.CanonicalValue(q.MetadataValue)
	}
	if s, ok := v.(string); ok {
		return strings.Contains(s, needle)
	}
	return strings.Contains(index.CanonicalValue(v), needle)
}

// sortEngrams orders results per the requested sort. Ties break by id so
// equal inputs give equal outputs.
func (eng *Engine) sortEngrams(results []*storage.Engram, q EngramQuery) {
	order := q.Sort
	if order == "" || (order == SortRelevance && q.Text == "") {
		order = SortRecency
	}
	switch order {
	case SortImportance:
		sort.Slice(results, func(i, j int) bool {
			if results[i].Importance != results[j].Importance {
				return results[i].Importance > results[j].Importance
			}
			return results[i].ID < results[j].ID
		})
	case SortRelevance:
		ids := make(index.IDSet, len(results))
		for _, e := range results {
			ids.Add(e.ID)
		}
		scores := search.BM25Scores(eng.indexes.Text, q.Text, ids, eng.bm25)
		sort.Slice(results, func(i, j int) bool {
			si, sj := scores[results[i].ID], scores[results[j].ID]
			if si != sj {
				return si > sj
			}
			return results[i].ID < results[j].ID
		})
	default:
		sort.Slice(results, func(i, j int) bool {
			if !results[i].Timestamp.Equal(results[j].Timestamp) {
				return results[i].Timestamp.After(results[j].Timestamp)
			}
			return results[i].ID < results[j].ID
		})
	}
}

// hydrateEngrams loads records in id order, keeping only those the keep
// predicate accepts. Ids the store no longer has are skipped with a
// warning; the indexes and store agree after every committed mutation,
// so a miss here means drift.
func (eng *Engine) hydrateEngrams(ids []string, keep func(*storage.Engram) bool) ([]*storage.Engram, error) {
	out := make([]*storage.Engram, 0, len(ids))
	for _, id := range ids {
		e, err := eng.load.Engram(id)
		if errors.Is(err, storage.ErrNotFound) {
			eng.log.Warn("index points at missing engram", zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// intersect combines candidate sets smallest first, so the cheapest
// constraint drives and the rest filter.
func intersect(sets []index.IDSet) index.IDSet {
	sort.Slice(sets, func(i, j int) bool { return sets[i].Len() < sets[j].Len() })
	acc := sets[0]
	for _, s := range sets[1:] {
		if acc.Len() == 0 {
			break
		}
		acc = acc.Intersect(s)
	}
	return acc
}
