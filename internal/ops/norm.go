package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// RMSNorm is plain root-mean-square normalization over the last dimension:
// x * weight / rms(x), no mean-subtraction and no bias. Used by the
// encoder's transformer blocks. Forward/ForwardInto follow a dual-mode
// calling convention: Forward allocates, ForwardInto writes into a
// caller-owned buffer for the hot decode path.
type RMSNorm struct {
	Weight *tensor.Tensor // [dim]
	Eps    float32
	dim    int64
}

// NewRMSNorm builds an RMSNorm from a loaded weight tensor.
func NewRMSNorm(weight *tensor.Tensor, eps float32) (*RMSNorm, error) {
	if weight == nil || weight.Rank() != 1 {
		return nil, fmt.Errorf("ops: rmsnorm weight must be rank-1, got %v", weight.Shape())
	}

	return &RMSNorm{Weight: weight, Eps: eps, dim: weight.Shape()[0]}, nil
}

func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if n == nil || n.Weight == nil {
		return nil, errors.New("ops: rmsnorm is not initialized")
	}

	out, err := tensor.Zeros(x.Shape())
	if err != nil {
		return nil, err
	}

	if err := n.ForwardInto(x, out); err != nil {
		return nil, err
	}

	return out, nil
}

func (n *RMSNorm) ForwardInto(x, out *tensor.Tensor) error {
	if n == nil || n.Weight == nil {
		return errors.New("ops: rmsnorm is not initialized")
	}

	if x == nil || out == nil {
		return errors.New("ops: rmsnorm requires non-nil x and out")
	}

	xData, outData, weightData := x.RawData(), out.RawData(), n.Weight.RawData()

	dd := int(n.dim)
	if dd <= 0 || len(xData)%dd != 0 || len(xData) != len(outData) {
		return fmt.Errorf("ops: rmsnorm data shape mismatch: x=%d out=%d dim=%d", len(xData), len(outData), dd)
	}

	outer := len(xData) / dd

	parallelFor(outer, tensor.Workers(), func(lo, hi int) {
		for o := lo; o < hi; o++ {
			start := o * dd
			src := xData[start : start+dd]
			dst := outData[start : start+dd]

			var sumSq float64
			for _, v := range src {
				sumSq += float64(v) * float64(v)
			}

			invRMS := float32(1.0 / math.Sqrt(sumSq/float64(dd)+float64(n.Eps)))
			for i := range dd {
				dst[i] = src[i] * invRMS * weightData[i]
			}
		}
	})

	return nil
}

// AdaRMSNorm is RMSNorm with a per-call scale derived from a time-condition
// vector instead of a single learned weight: out = rmsnorm(x) * (1 + scale),
// where scale is precomputed once per decode step upstream and broadcast
// across the sequence dimension.
type AdaRMSNorm struct {
	Eps float32
	dim int64
}

// NewAdaRMSNorm builds an AdaRMSNorm for vectors of the given width.
func NewAdaRMSNorm(dim int64, eps float32) *AdaRMSNorm {
	return &AdaRMSNorm{Eps: eps, dim: dim}
}

// Forward normalizes x and scales every row by (1 + scale), where scale has
// shape [dim] and is shared across all rows of x (the precomputed per-layer
// ada_scales[i] value).
func (n *AdaRMSNorm) Forward(x, scale *tensor.Tensor) (*tensor.Tensor, error) {
	if n == nil {
		return nil, errors.New("ops: ada_rms_norm is not initialized")
	}

	if x == nil || scale == nil {
		return nil, errors.New("ops: ada_rms_norm requires non-nil x and scale")
	}

	if scale.Rank() != 1 || scale.Shape()[0] != n.dim {
		return nil, fmt.Errorf("ops: ada_rms_norm scale shape %v does not match dim %d", scale.Shape(), n.dim)
	}

	xData := x.RawData()
	scaleData := scale.RawData()

	dd := int(n.dim)
	if dd <= 0 || len(xData)%dd != 0 {
		return nil, fmt.Errorf("ops: ada_rms_norm data shape mismatch: x=%d dim=%d", len(xData), dd)
	}

	out, err := tensor.Zeros(x.Shape())
	if err != nil {
		return nil, err
	}

	outData := out.RawData()
	outer := len(xData) / dd

	parallelFor(outer, tensor.Workers(), func(lo, hi int) {
		for o := lo; o < hi; o++ {
			start := o * dd
			src := xData[start : start+dd]
			dst := outData[start : start+dd]

			var sumSq float64
			for _, v := range src {
				sumSq += float64(v) * float64(v)
			}

			invRMS := float32(1.0 / math.Sqrt(sumSq/float64(dd)+float64(n.Eps)))
			for i := range dd {
				dst[i] = src[i] * invRMS * (1 + scaleData[i])
			}
		}
	})

	return out, nil
}
