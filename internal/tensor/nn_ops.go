package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax applies softmax along dim -- attention scores to attention
// weights, and the decoder's final logits to a token distribution when
// temperature sampling is enabled. It tracks the running max and the
// rescaled running sum in one pass over each softmax axis (the online
// softmax used by streaming attention kernels) rather than a separate max
// pass followed by a separate sum pass.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := axis(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axisLen := x.shape[dim]
	if axisLen <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axisLen)
	}

	inner := int64(1)
	for i := dim + 1; i < len(x.shape); i++ {
		inner *= x.shape[i]
	}

	outer := int64(1)
	for i := range dim {
		outer *= x.shape[i]
	}

	out := x.Clone()

	for o := range outer {
		for in := range inner {
			base := o*axisLen*inner + in

			runningMax := float32(math.Inf(-1))
			runningSum := float64(0)

			for k := range axisLen {
				v := out.data[base+k*inner]

				if v <= runningMax {
					runningSum += math.Exp(float64(v - runningMax))
					continue
				}

				// New max: rescale the sum accumulated so far into the new
				// reference frame before folding in this element.
				runningSum = runningSum*math.Exp(float64(runningMax-v)) + 1
				runningMax = v
			}

			if runningSum == 0 {
				return nil, errors.New("tensor: softmax encountered zero normalization sum")
			}

			inv := float32(1.0 / runningSum)
			for k := range axisLen {
				i := base + k*inner
				out.data[i] = float32(math.Exp(float64(out.data[i]-runningMax))) * inv
			}
		}
	}

	return out, nil
}

// MatMul performs batched matrix multiplication with NumPy-style
// broadcasting over leading batch dimensions -- per-head attention score
// and context matmuls, broadcast over the (heads,) batch axis.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	aShape, bShape := a.shape, b.shape
	aRank, bRank := len(aShape), len(bShape)

	m := aShape[aRank-2]
	k := aShape[aRank-1]
	k2 := bShape[bRank-2]
	n := bShape[bRank-1]

	if k != k2 {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", aShape, bShape, k, k2)
	}

	batchShape, err := broadcastShape(aShape[:aRank-2], bShape[:bRank-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch broadcast: %w", err)
	}

	outShape := make([]int64, 0, len(batchShape)+2)
	outShape = append(outShape, batchShape...)
	outShape = append(outShape, m, n)

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	aStrides := rowMajorStrides(aShape)
	bStrides := rowMajorStrides(bShape)
	outStrides := rowMajorStrides(outShape)

	batchCount, err := elemCount(batchShape)
	if err != nil {
		return nil, err
	}

	batchCoord := make([]int64, len(batchShape))
	workers := Workers()

	for batchIdx := range batchCount {
		aBatchOffset := batchBroadcastOffset(batchCoord, aShape[:aRank-2], aStrides[:aRank-2])
		bBatchOffset := batchBroadcastOffset(batchCoord, bShape[:bRank-2], bStrides[:bRank-2])
		outBatchOffset := flatOffset(batchCoord, outStrides[:len(batchShape)])

		aRowStride := aStrides[aRank-2]
		bColStride := bStrides[bRank-1]
		outRowStride := outStrides[len(outShape)-2]

		parallelFor(int(m), workers, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				aRow := a.data[aBatchOffset+int64(i)*aRowStride:]
				outRow := out.data[outBatchOffset+int64(i)*outRowStride:]

				for j := range n {
					var sum float32

					for kk := range k {
						sum += aRow[kk*aStrides[aRank-1]] * b.data[bBatchOffset+kk*bStrides[bRank-2]+j*bColStride]
					}

					outRow[j] = sum
				}
			}
		})

		if batchIdx+1 < batchCount {
			stepCoord(batchCoord, batchShape)
		}
	}

	return out, nil
}

// Linear applies y = x * W^T + b, where weight has shape [out, in] -- the
// shared form of every QKV/output/MLP/LM-head projection in the model.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]
	out := weight.shape[0]

	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil {
		if bias.Rank() != 1 || bias.shape[0] != out {
			return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
		}
	}

	batch := len(x.data) / int(in)
	inI, outI := int(in), int(out)
	outData := make([]float32, batch*outI)
	wData := weight.data

	parallelFor(batch, Workers(), func(lo, hi int) {
		for bIdx := lo; bIdx < hi; bIdx++ {
			xSlice := x.data[bIdx*inI : bIdx*inI+inI]
			yBase := bIdx * outI

			for o := range outI {
				sum := DotProduct(xSlice, wData[o*inI:(o+1)*inI])
				if bias != nil {
					sum += bias.data[o]
				}

				outData[yBase+o] = sum
			}
		}
	})

	outShape := make([]int64, x.Rank())
	copy(outShape, x.shape[:x.Rank()-1])
	outShape[x.Rank()-1] = out

	return newOwned(outData, outShape), nil
}
