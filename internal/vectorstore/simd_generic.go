//go:build !amd64 && !arm64

package vectorstore

func dotProduct(a, b []float32) float32 {
	return dotProductF32x8(a, b)
}

func capability() string {
	return "portable (8-wide unroll)"
}
