package embed

import (
	"context"

	"github.com/engramai/engramlite/pkg/math/vector"
)

// DeterministicEmbedder generates stable pseudo-embeddings from a hash of
// the text. The same text always yields the same vector, so search stays
// functional when no provider is configured or the network is down. The
// vectors carry no semantic meaning; only exact-text matches score high.
//
// Thread-safe: stateless after construction.
type DeterministicEmbedder struct {
	model Model
}

// NewDeterministic creates an offline embedder for the given model's
// dimensions.
func NewDeterministic(model Model) *DeterministicEmbedder {
	return &DeterministicEmbedder{model: model}
}

// Embed generates a normalized deterministic vector for the text.
func (e *DeterministicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := DeterministicVector(text, e.model.Dimensions)
	vector.NormalizeInPlace(vec)
	return vec, nil
}

// EmbedBatch generates normalized deterministic vectors for each text.
func (e *DeterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec := DeterministicVector(text, e.model.Dimensions)
		vector.NormalizeInPlace(vec)
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the vector length.
func (e *DeterministicEmbedder) Dimensions() int {
	return e.model.Dimensions
}

// Model returns the model identifier.
func (e *DeterministicEmbedder) Model() string {
	return e.model.ID
}

// DeterministicVector derives an unnormalized vector from the text bytes.
// The byte sum seeds a multiplicative congruential generator; each step
// yields one component in [-1, 1). Stable across platforms and runs.
func DeterministicVector(text string, dimensions int) []float32 {
	var seed uint64
	for i := 0; i < len(text); i++ {
		seed += uint64(text[i])
	}

	vec := make([]float32, dimensions)
	value := seed
	for i := range vec {
		value = value*6364136223846793005 + 1
		vec[i] = float32(value%1000)/500.0 - 1.0
	}
	return vec
}
