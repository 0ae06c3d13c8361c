package scoring

import "math"

// Cosine returns the cosine of the angle between a and b.
// Vectors of different length, empty vectors and zero-magnitude vectors score 0.
// The result is not clamped, so opposite vectors produce negative values.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
