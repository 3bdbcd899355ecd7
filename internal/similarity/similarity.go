// Package similarity implements the relevance scoring used by the retrieval
// engine. It is the only numeric contract in the system: both storage backends
// rank results through this package so callers cannot tell them apart by
// score distribution.
package similarity

import (
	"errors"
	"math"
)

// Sentinel errors for vector scoring.
var (
	// ErrDimensionMismatch is returned when two vectors have different or
	// zero lengths.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrDegenerateVector is returned when a vector has zero magnitude and
	// cosine similarity is undefined.
	ErrDegenerateVector = errors.New("degenerate zero-magnitude vector")
)

// Cosine computes the cosine similarity between two equal-length vectors.
//
// Formula: cos(θ) = (A · B) / (||A|| * ||B||)
// Returns a value in [-1, 1] where 1 = identical direction, 0 = orthogonal,
// -1 = opposite. The result is not clamped further.
//
// Accumulation happens in float64 regardless of the float32 inputs so the
// result is bit-reproducible across backends and architectures.
func Cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, magA, magB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		magA += av * av
		magB += bv * bv
	}

	magA = math.Sqrt(magA)
	magB = math.Sqrt(magB)
	if magA == 0 || magB == 0 {
		return 0, ErrDegenerateVector
	}

	return dot / (magA * magB), nil
}

// RelevanceFromDistance converts a backend distance into the normalized
// relevance score exposed to callers: max(0, 1 - distance).
//
// This mapping is fixed. Both backends report distances through it, which is
// what keeps threshold semantics identical on the primary and fallback paths.
func RelevanceFromDistance(distance float64) float64 {
	score := 1 - distance
	if score < 0 {
		return 0
	}
	return score
}

// DistanceFromSimilarity converts a cosine similarity into the distance form
// stored on raw results (distance = 1 - similarity).
func DistanceFromSimilarity(sim float64) float64 {
	return 1 - sim
}
