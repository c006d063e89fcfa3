package tensor

import "fmt"

// AddResidual adds delta into x following NumPy-style broadcasting, the
// transformer block's "x = x + sublayer(x)" skip connection. delta is
// usually the same (seq, dim) shape as x; a single conditioning row of
// shape (1, dim) broadcasts across every sequence position.
func AddResidual(x, delta *Tensor) (*Tensor, error) {
	return broadcastElementwise(x, delta, "residual add", func(a, b float32) float32 { return a + b })
}

// ScaleRows multiplies every row of x by rowScale, the ada-RMS-norm step
// that applies a single time-conditioning scale vector -- shape (1, dim)
// -- across all of a layer's sequence positions.
func ScaleRows(x, rowScale *Tensor) (*Tensor, error) {
	return broadcastElementwise(x, rowScale, "ada-norm scale", func(a, b float32) float32 { return a * b })
}

// FuseEmbeddings sums a token embedding row with the corresponding audio
// frame embedding, the additive text/audio fusion that forms the
// decoder's actual per-position input.
func FuseEmbeddings(tokenEmb, audioEmb *Tensor) (*Tensor, error) {
	return broadcastElementwise(tokenEmb, audioEmb, "embedding fuse", func(a, b float32) float32 { return a + b })
}

func broadcastElementwise(a, b *Tensor, what string, combine func(a, b float32) float32) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: %s requires non-nil inputs", what)
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: %s: %w", what, err)
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	aStrides := broadcastStrides(a.shape, outShape)
	bStrides := broadcastStrides(b.shape, outShape)
	coord := make([]int64, len(outShape))

	for i := range out.data {
		out.data[i] = combine(a.data[flatOffset(coord, aStrides)], b.data[flatOffset(coord, bStrides)])

		if i+1 < len(out.data) {
			stepCoord(coord, outShape)
		}
	}

	return out, nil
}

// broadcastStrides returns, for each axis of outRank, the stride an
// operand of shape would use if left-padded with size-1 axes up to
// outRank and then broadcast -- a size-1 axis (original or padded) always
// contributes stride 0, so walking outRank-shaped coordinates against it
// keeps reading the same element.
func broadcastStrides(shape, outShape []int64) []int64 {
	own := rowMajorStrides(shape)
	pad := len(outShape) - len(shape)

	strides := make([]int64, len(outShape))
	for d := range outShape {
		srcD := d - pad
		if srcD < 0 || shape[srcD] == 1 {
			continue
		}

		strides[d] = own[srcD]
	}

	return strides
}

// broadcastShape computes the NumPy-style broadcast result of two shapes:
// dimensions are compared from the trailing axis inward, and a 1 on
// either side stretches to match the other.
func broadcastShape(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)

	for i := range rank {
		da, db := int64(1), int64(1)

		if j := len(a) - rank + i; j >= 0 {
			da = a[j]
		}

		if j := len(b) - rank + i; j >= 0 {
			db = b[j]
		}

		switch {
		case da == db || da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// batchBroadcastOffset locates the flat offset into an operand of shape
// srcShape/srcStrides (the leading batch axes of a MatMul operand) that a
// given outRank-shaped batch coordinate maps to, stretching any size-1
// batch axis across the whole corresponding output axis.
func batchBroadcastOffset(outCoord, srcShape, srcStrides []int64) int64 {
	if len(srcShape) == 0 {
		return 0
	}

	pad := len(outCoord) - len(srcShape)

	var off int64

	for i := range srcShape {
		c := outCoord[pad+i]
		if srcShape[i] == 1 {
			c = 0
		}

		off += c * srcStrides[i]
	}

	return off
}
