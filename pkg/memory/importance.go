// Package memory implements the retention machinery of the store:
// importance scoring, batched access recording, forgetting policies, and
// the background manager that drives periodic recomputation.
//
// Importance blends four normalized signals. Graph centrality rewards
// well-connected engrams, the access factor rewards frequently read ones,
// the recency factor decays with time since the last read, and the
// engram's current score carries explicit user intent forward. Forgetting
// inverts the same signals: policies select low-value candidates and hand
// their ids back to the engine, which deletes through the usual cascade.
//
// Main Types:
//   - Scorer: importance formula over degree, access stats and age
//   - Recorder: bounded-channel batcher for access-count updates
//   - Policy: forgetting candidate selection, five variants
//   - Manager: owns the recorder and the periodic recalculation loop
package memory

import (
	"math"
	"time"

	"github.com/engramai/engramlite/pkg/storage"
)

// DefaultHalfLife is the recency decay time scale: thirty days.
const DefaultHalfLife = 30 * 24 * time.Hour

// isolateCentrality is the centrality floor for engrams with no
// connections, so unlinked knowledge is not forgotten on degree alone.
const isolateCentrality = 0.2

// Weights blend the four importance signals. Each factor is normalized to
// [0, 1] before weighting, so weights that sum to one keep the score in
// range without hitting the final clamp.
type Weights struct {
	Centrality float64
	Access     float64
	Recency    float64
	Explicit   float64
}

// DefaultWeights favors connectivity, with the rest split between usage
// signals and the explicit score.
func DefaultWeights() Weights {
	return Weights{
		Centrality: 0.35,
		Access:     0.2,
		Recency:    0.2,
		Explicit:   0.25,
	}
}

// Scorer computes engram importance. The zero value is not usable; build
// one with NewScorer.
type Scorer struct {
	weights  Weights
	halfLife time.Duration
}

// NewScorer creates a scorer. A non-positive half-life falls back to
// DefaultHalfLife.
func NewScorer(weights Weights, halfLife time.Duration) *Scorer {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Scorer{weights: weights, halfLife: halfLife}
}

// Centrality maps total connection degree to [0, 1] on a logarithmic
// curve; around 150 connections saturate it. Isolated engrams get the
// fixed floor instead.
func (s *Scorer) Centrality(inDegree, outDegree int) float64 {
	degree := inDegree + outDegree
	if degree <= 0 {
		return isolateCentrality
	}
	return storage.Clamp01(math.Log(1+float64(degree)) / 5)
}

// AccessFactor maps the access count to [0, 1]; a thousand reads saturate
// it.
func (s *Scorer) AccessFactor(count uint64) float64 {
	return storage.Clamp01(math.Log10(1+float64(count)) / 3)
}

// RecencyFactor decays exponentially with the time since last access; the
// configured half-life sets the time scale.
func (s *Scorer) RecencyFactor(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-age.Seconds() / s.halfLife.Seconds())
}

// Score blends the four signals into a clamped importance value. The
// explicit argument is the engram's current importance, so repeated
// recomputation folds earlier scores in rather than discarding them.
func (s *Scorer) Score(inDegree, outDegree int, accessCount uint64, age time.Duration, explicit float64) float64 {
	blended := s.weights.Centrality*s.Centrality(inDegree, outDegree) +
		s.weights.Access*s.AccessFactor(accessCount) +
		s.weights.Recency*s.RecencyFactor(age) +
		s.weights.Explicit*storage.Clamp01(explicit)
	return storage.Clamp01(blended)
}

// ScoreEngram scores a stored record at the given instant, using the
// record's own access statistics and current importance.
func (s *Scorer) ScoreEngram(e *storage.Engram, inDegree, outDegree int, now time.Time) float64 {
	return s.Score(inDegree, outDegree, e.AccessCount, now.Sub(e.LastAccessed), e.Importance)
}
