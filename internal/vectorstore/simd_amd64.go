//go:build amd64

package vectorstore

import "golang.org/x/sys/cpu"

// Feature bits resolved once at startup. FMA gates the 8-wide path because
// that unroll leans on fused multiply-add throughput.
var (
	hasAVX2   = cpu.X86.HasAVX2 && cpu.X86.HasFMA
	hasAVX512 = cpu.X86.HasAVX512F
)

// dotProduct picks an unroll width matched to the widest vector unit the CPU
// reports. Wider unrolls only pay off once the vectors are long enough to
// amortize the extra accumulators.
func dotProduct(a, b []float32) float32 {
	switch n := len(a); {
	case n == 0:
		return 0
	case hasAVX512 && n >= 64:
		return dotProductF32x16(a, b)
	case hasAVX2 && n >= 32:
		return dotProductF32x8(a, b)
	default:
		return dotProductF32x4(a, b)
	}
}

func capability() string {
	if hasAVX512 {
		return "AVX-512 (amd64, 16-wide unroll)"
	}
	if hasAVX2 {
		return "AVX2+FMA (amd64, 8-wide unroll)"
	}
	return "SSE2 (amd64, 4-wide unroll)"
}
