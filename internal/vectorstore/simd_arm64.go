//go:build arm64

package vectorstore

// NEON is baseline on arm64, so there is nothing to probe.
func dotProduct(a, b []float32) float32 {
	switch n := len(a); {
	case n == 0:
		return 0
	case n >= 16:
		return dotProductF32x8(a, b)
	default:
		return dotProductF32x4(a, b)
	}
}

func capability() string {
	return "NEON (arm64, 8-wide unroll)"
}
