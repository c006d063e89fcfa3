package tensor

import "golang.org/x/sys/cpu"

// hasFastFMA reports whether the CPU exposes a fused multiply-add path
// worth unrolling for (AVX2+FMA on amd64; it is false on every other
// architecture, arm64 included). The corpus's own AVX2 dot-product kernel was asm-backed with no
// accompanying .s file in the retrieval pack (see DESIGN.md); rather than
// author unverifiable hand-written assembly, the fast path below is a
// manually unrolled pure-Go loop gated on the same feature detection.
var hasFastFMA = cpu.X86.HasAVX2 && cpu.X86.HasFMA

// DotProduct returns the dot product of a and b. len(a) must equal len(b);
// the caller is responsible for this.
func DotProduct(a, b []float32) float32 {
	if hasFastFMA && len(a) >= 8 {
		return dotF32Unrolled(a, b)
	}

	return dotF32Generic(a, b)
}

func dotF32Generic(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

// dotF32Unrolled computes the same result as dotF32Generic but accumulates
// into four independent lanes so the compiler can pipeline the multiply-adds
// instead of serializing them through a single dependency chain.
func dotF32Unrolled(a, b []float32) float32 {
	n := len(a)
	n4 := n &^ 3

	var s0, s1, s2, s3 float32

	for i := 0; i < n4; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}

	sum := s0 + s1 + s2 + s3
	for i := n4; i < n; i++ {
		sum += a[i] * b[i]
	}

	return sum
}

// Axpy computes dst += alpha * src element-wise. If src and dst lengths
// differ, the shorter length is used.
func Axpy(dst []float32, alpha float32, src []float32) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}

	if n == 0 || alpha == 0 {
		return
	}

	dst, src = dst[:n], src[:n]

	if hasFastFMA && n >= 8 {
		n4 := n &^ 3
		for i := 0; i < n4; i += 4 {
			dst[i] += alpha * src[i]
			dst[i+1] += alpha * src[i+1]
			dst[i+2] += alpha * src[i+2]
			dst[i+3] += alpha * src[i+3]
		}

		for i := n4; i < n; i++ {
			dst[i] += alpha * src[i]
		}

		return
	}

	for i := range dst {
		dst[i] += alpha * src[i]
	}
}
