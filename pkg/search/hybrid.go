// Package search provides the retrieval layer: an HNSW approximate
// nearest-neighbor index over embedding vectors, Okapi BM25 keyword
// scoring over the inverted text index, and a hybrid service that fuses
// both with filter-derived candidate sets.
//
// A hybrid query runs in three stages. Filters (source, confidence,
// metadata, caller-resolved id sets) intersect into one candidate set.
// Each requested component then scores within that set: BM25 for the
// text query, ANN similarity for the vector query, and a flat presence
// score for the filters themselves. Finally the per-component scores
// are normalized by their maximum and fused with the configured method.
//
// Main Types:
//   - HNSWIndex: the ANN graph (cosine or euclidean)
//   - Service: hybrid search over indexes + ANN + embeddings
//   - Query: one hybrid request; zero-value fields are inactive
//   - Result: a hit with its fused and per-component scores
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/embed"
	"github.com/engramai/engramlite/pkg/index"
)

const (
	// DefaultLimit caps results when a query names no limit.
	DefaultLimit = 10
	// DefaultOversample multiplies the limit into the ANN fetch size.
	DefaultOversample = 3
	// minVectorFetch floors the ANN fetch so small limits still rank
	// against a meaningful pool.
	minVectorFetch = 50
)

// Component names used in Result.Components and Weights.
const (
	ComponentKeyword  = "keyword"
	ComponentVector   = "vector"
	ComponentMetadata = "metadata"
)

// Method selects how component scores fuse into one ranking score.
type Method string

const (
	// MethodSum adds the normalized component scores.
	MethodSum Method = "sum"
	// MethodMax takes the best single component score.
	MethodMax Method = "max"
	// MethodWeighted averages components by their weights.
	MethodWeighted Method = "weighted"
)

// ParseMethod maps a string to a Method. An empty string selects
// weighted.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodWeighted:
		return MethodWeighted, nil
	case MethodSum:
		return MethodSum, nil
	case MethodMax:
		return MethodMax, nil
	}
	return "", fmt.Errorf("unknown combination method %q", s)
}

// Weights scales each scoring component under the weighted method. The
// zero value selects DefaultWeights.
type Weights struct {
	Keyword  float64 `json:"keyword"`
	Vector   float64 `json:"vector"`
	Metadata float64 `json:"metadata"`
}

// DefaultWeights weighs keyword and vector relevance equally and filter
// presence at half strength.
func DefaultWeights() Weights {
	return Weights{Keyword: 1.0, Vector: 1.0, Metadata: 0.5}
}

func (w Weights) of(component string) float64 {
	switch component {
	case ComponentKeyword:
		return w.Keyword
	case ComponentVector:
		return w.Vector
	case ComponentMetadata:
		return w.Metadata
	}
	return 0
}

// Query describes one hybrid search. Zero-value fields are inactive; a
// query with no text, no vector, and no filters returns nothing.
type Query struct {
	// Text scores candidates with BM25 when set.
	Text string
	// VectorText is embedded and searched against the ANN index.
	VectorText string
	// Vector searches the ANN index directly, bypassing embedding. It
	// takes precedence over VectorText.
	Vector []float32

	// Source restricts candidates to one source.
	Source string
	// MinConfidence restricts candidates to engrams at or above the
	// threshold when positive.
	MinConfidence float64
	// MetadataKey restricts candidates to engrams carrying the key;
	// with MetadataValue set, to engrams carrying exactly that value.
	MetadataKey   string
	MetadataValue any
	// RestrictTo, when non-nil, bounds candidates to a caller-resolved
	// id set, such as a collection's members.
	RestrictTo index.IDSet

	// Method selects the fusion rule. Default weighted.
	Method Method
	// Weights scales components under the weighted method.
	Weights Weights
	// Limit caps results. Default DefaultLimit.
	Limit int
}

// Result is one hybrid hit: the fused score plus the normalized
// per-component scores that produced it.
type Result struct {
	ID         string             `json:"id"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components,omitempty"`
}

// Config tunes the hybrid service.
type Config struct {
	// BM25 sets the keyword scoring parameters.
	BM25 BM25Config
	// Oversample multiplies the limit into the ANN fetch size.
	// Default DefaultOversample.
	Oversample int
}

// Service fuses keyword, vector, and filter relevance over the shared
// indexes. It holds no locks of its own; callers serialize writes to
// the underlying structures.
type Service struct {
	indexes *index.Indexes
	ann     *HNSWIndex
	embed   *embed.Service
	config  Config
	log     *zap.Logger
}

// NewService creates a hybrid search service. embedder may be nil when
// every vector query supplies a raw vector.
func NewService(indexes *index.Indexes, ann *HNSWIndex, embedder *embed.Service, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		indexes: indexes,
		ann:     ann,
		embed:   embedder,
		config:  config,
		log:     logger,
	}
}

// Search executes a hybrid query: resolve filters to candidates, score
// each requested component within them, normalize per component, fuse,
// and return the top results.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	candidates, filtered := s.resolveFilters(q)
	if filtered && len(candidates) == 0 {
		return nil, nil
	}

	// A requested component stays in the map even when it scored
	// nothing, so the weighted method's denominator reflects what the
	// query asked for.
	components := make(map[string]map[string]float64)

	if q.Text != "" {
		var restrict index.IDSet
		if filtered {
			restrict = candidates
		}
		components[ComponentKeyword] = BM25Scores(s.indexes.Text, q.Text, restrict, s.config.BM25)
	}

	queryVec := q.Vector
	if queryVec == nil && q.VectorText != "" {
		if s.embed == nil {
			return nil, errors.New("vector query needs an embedding service")
		}
		vec, err := s.embed.EmbedQuery(ctx, q.VectorText)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		queryVec = vec
	}
	if queryVec != nil {
		fetch := limit * s.oversample()
		if fetch < minVectorFetch {
			fetch = minVectorFetch
		}
		var hook func(string) bool
		if filtered {
			hook = candidates.Has
		}
		hits, err := s.ann.Search(ctx, queryVec, fetch, hook)
		if err != nil {
			return nil, err
		}
		scores := make(map[string]float64, len(hits))
		for _, hit := range hits {
			scores[hit.ID] = hit.Score
		}
		components[ComponentVector] = scores
	}

	if filtered {
		scores := make(map[string]float64, len(candidates))
		for id := range candidates {
			scores[id] = 1.0
		}
		components[ComponentMetadata] = scores
	}

	if len(components) == 0 {
		return nil, nil
	}

	results := fuse(components, q.Method, q.Weights)
	if len(results) > limit {
		results = results[:limit]
	}

	s.log.Debug("hybrid search",
		zap.Int("components", len(components)),
		zap.Int("candidates", len(candidates)),
		zap.Bool("filtered", filtered),
		zap.Int("results", len(results)))
	return results, nil
}

func (s *Service) oversample() int {
	if s.config.Oversample > 0 {
		return s.config.Oversample
	}
	return DefaultOversample
}

// resolveFilters intersects the active filter indexes into one
// candidate set. The bool reports whether any filter was present; with
// none, scoring passes run unrestricted.
func (s *Service) resolveFilters(q Query) (index.IDSet, bool) {
	var sets []index.IDSet
	if q.Source != "" {
		sets = append(sets, s.indexes.Sources.Find(q.Source))
	}
	if q.MinConfidence > 0 {
		sets = append(sets, s.indexes.Confidence.FindMin(q.MinConfidence))
	}
	if q.MetadataKey != "" {
		if q.MetadataValue != nil {
			sets = append(sets, s.indexes.Metadata.FindByKeyValue(q.MetadataKey, q.MetadataValue))
		} else {
			sets = append(sets, s.indexes.Metadata.FindByKey(q.MetadataKey))
		}
	}
	if q.RestrictTo != nil {
		sets = append(sets, q.RestrictTo)
	}
	if len(sets) == 0 {
		return nil, false
	}
	out := sets[0]
	for _, other := range sets[1:] {
		out = out.Intersect(other)
	}
	return out, true
}

// fuse normalizes each component by its maximum, merges per-id
// component scores, and ranks by the fused score.
func fuse(components map[string]map[string]float64, method Method, weights Weights) []Result {
	for _, scores := range components {
		var max float64
		for _, v := range scores {
			if v > max {
				max = v
			}
		}
		if max > 0 {
			for id, v := range scores {
				scores[id] = v / max
			}
		}
	}

	if method == "" {
		method = MethodWeighted
	}
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}

	merged := make(map[string]map[string]float64)
	for name, scores := range components {
		for id, v := range scores {
			m, ok := merged[id]
			if !ok {
				m = make(map[string]float64, len(components))
				merged[id] = m
			}
			m[name] = v
		}
	}

	// The weighted method divides by the weight mass of the requested
	// components, so weights behave as if renormalized to sum to one.
	var weightSum float64
	if method == MethodWeighted {
		for name := range components {
			weightSum += weights.of(name)
		}
		if weightSum == 0 {
			weightSum = 1
		}
	}

	results := make([]Result, 0, len(merged))
	for id, parts := range merged {
		r := Result{ID: id, Components: parts}
		switch method {
		case MethodSum:
			for _, v := range parts {
				r.Score += v
			}
		case MethodMax:
			for _, v := range parts {
				if v > r.Score {
					r.Score = v
				}
			}
		default:
			var sum float64
			for name, v := range parts {
				sum += weights.of(name) * v
			}
			r.Score = sum / weightSum
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results
}
