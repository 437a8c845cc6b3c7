package search

import (
	"math"

	"github.com/engramai/engramlite/pkg/index"
)

// BM25Config carries the Okapi BM25 tuning parameters. Zero values fall
// back to the standard k1=1.2, b=0.75.
type BM25Config struct {
	// K1 controls term-frequency saturation.
	K1 float64
	// B controls document-length normalization.
	B float64
}

// DefaultBM25Config returns the standard parameters.
func DefaultBM25Config() BM25Config {
	return BM25Config{K1: 1.2, B: 0.75}
}

func (c BM25Config) withDefaults() BM25Config {
	d := DefaultBM25Config()
	if c.K1 <= 0 {
		c.K1 = d.K1
	}
	if c.B <= 0 || c.B > 1 {
		c.B = d.B
	}
	return c
}

// BM25Scores ranks documents for a text query with Okapi BM25 over the
// text index's incremental statistics. candidates, when non-nil, bounds
// which documents may score; document frequencies still come from the
// whole corpus so restricted searches rank terms consistently. Matching
// follows the index's exact-plus-stemmed postings.
func BM25Scores(ti *index.TextIndex, query string, candidates index.IDSet, cfg BM25Config) map[string]float64 {
	cfg = cfg.withDefaults()
	scores := make(map[string]float64)

	n := ti.DocCount()
	avg := ti.AvgDocLength()
	if n == 0 || avg == 0 {
		return scores
	}

	seen := make(map[string]bool)
	for _, term := range index.Tokenize(query) {
		if seen[term] {
			continue
		}
		seen[term] = true

		matches := ti.Matches(term)
		df := len(matches)
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))

		for id := range matches {
			if candidates != nil && !candidates.Has(id) {
				continue
			}
			tf := float64(ti.MatchFrequency(id, term))
			if tf == 0 {
				continue
			}
			dl := float64(ti.DocLength(id))
			denom := tf + cfg.K1*(1-cfg.B+cfg.B*dl/avg)
			scores[id] += idf * tf * (cfg.K1 + 1) / denom
		}
	}
	return scores
}
