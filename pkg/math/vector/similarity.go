// Package vector provides the vector math used throughout EngramAI Lite.
//
// All similarity and distance calculations live here so that the ANN index,
// hybrid search, and embedding pipeline agree on a single implementation.
//
// Main Functions:
//   - CosineSimilarity: Standard similarity for float32 vectors (most common)
//   - CosineDistance: 1 - cosine similarity, used for ANN ordering
//   - EuclideanDistance: L2 distance, the alternative ANN metric
//   - EuclideanSimilarity: Distance-based similarity in [0, 1]
//   - DotProduct: Dot product for float32 vectors
//   - Normalize: Returns normalized copy of vector
//   - NormalizeInPlace: Normalizes vector in-place (modifies input)
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns value in range [-1, 1] where 1 = identical, 0 = orthogonal, -1 = opposite.
//
// Uses float64 accumulation for precision, even with float32 inputs.
// Mismatched or empty vectors return 0.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := CosineSimilarity(a, b)  // Returns 0.9746318461970762
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance returns 1 - CosineSimilarity, so that smaller means closer.
// The ANN index orders candidates by this value. Range is [0, 2].
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// EuclideanDistance calculates the L2 distance between two float32 vectors.
// Mismatched or empty vectors return +Inf so they never rank as close.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// EuclideanSimilarity calculates similarity based on Euclidean distance.
// Returns value in range [0, 1] where 1 = identical, 0 = very different.
//
// Formula: 1 / (1 + distance)
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := EuclideanSimilarity(a, b)  // Returns ~0.161
func EuclideanSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return 1.0 / (1.0 + EuclideanDistance(a, b))
}

// DotProduct calculates the dot product of two float32 vectors.
// Returns float64 for precision.
//
// For normalized vectors, dot product equals cosine similarity.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i] * b[i])
	}
	return sum
}

// Normalize returns a normalized copy of the vector.
// The input vector is not modified. A zero vector normalizes to a zero
// vector of the same length.
//
// Example:
//
//	original := []float32{3.0, 4.0}
//	normalized := Normalize(original)  // Returns [0.6, 0.8]
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v * v)
	}

	if sumSquares == 0 {
		return make([]float32, len(vec))
	}

	norm := math.Sqrt(sumSquares)
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}

// NormalizeInPlace normalizes a vector in-place (modifies the input).
// After normalization the vector has unit length.
//
// WARNING: Modifies the input slice. Use Normalize() to preserve original.
func NormalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= norm
	}
}
