package tensor

import "fmt"

// axis resolves a possibly-negative axis index against rank, NumPy-style:
// -1 means the last axis, -2 the second-to-last, and so on.
func axis(dim, rank int) (int, error) {
	if rank < 0 {
		return 0, fmt.Errorf("tensor: invalid rank %d", rank)
	}

	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("tensor: axis %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

// rowMajorStrides returns, for each axis of shape, how many flat elements
// to skip to advance one step along that axis in a row-major (last axis
// fastest-varying) layout -- the layout every tensor in this package uses.
func rowMajorStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))

	span := int64(1)
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = span
		span *= shape[d]
	}

	return strides
}

// resetCoord zeroes coord, the starting position for a stepCoord walk.
func resetCoord(coord []int64) {
	for i := range coord {
		coord[i] = 0
	}
}

// stepCoord advances coord to the next row-major position within shape --
// the last axis increments fastest, carrying into earlier axes the way an
// odometer's rightmost digit carries into the next. It reports whether the
// walk wrapped back to the origin, i.e. every position has now been
// visited once. Copy walks (Narrow, Gather, Transpose, broadcast) use this
// instead of converting a flat index to coordinates on every element; each
// walk then computes the source offset from the coordinate with flatOffset.
func stepCoord(coord, shape []int64) (wrapped bool) {
	for d := len(shape) - 1; d >= 0; d-- {
		coord[d]++
		if coord[d] < shape[d] {
			return false
		}

		coord[d] = 0
	}

	return true
}

// flatOffset returns the flat data offset of coord under strides.
func flatOffset(coord, strides []int64) int64 {
	var off int64
	for i, c := range coord {
		off += c * strides[i]
	}

	return off
}

// elemCount multiplies out shape's dimensions, guarding against overflow
// and negative sizes (a caller bug, not a normal runtime condition).
func elemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		total *= d
		if total > maxElemCount {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}
	}

	return int(total), nil
}

// maxElemCount bounds elemCount below both int32 and the platform int
// range, so the result always fits a slice length on 32- and 64-bit builds.
const maxElemCount = 1<<31 - 1
