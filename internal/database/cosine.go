package database

import "math"

// ZeroVectorDistance is the cosine distance reported when either vector has zero magnitude.
const ZeroVectorDistance = 1.0

// CosineDistance computes 1 - cosine similarity of two equal-length vectors.
// Callers check lengths. A zero vector on either side yields ZeroVectorDistance,
// so the result is always finite and lies in [0, 2].
func CosineDistance(a, b []float32) float64 {
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return ZeroVectorDistance
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	similarity = max(-1, min(1, similarity))

	return 1 - similarity
}

// probeDistance adapts CosineDistance to the HNSW graph.
func probeDistance(a, b []float32) float32 {
	return float32(CosineDistance(a, b))
}
