package encoder

import (
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// padLeft prepends n zero-filled frames along the length axis (dim 2) of
// a (batch, channels, length) tensor. n <= 0 is a no-op clone.
func padLeft(x *tensor.Tensor, n int64) (*tensor.Tensor, error) {
	if n <= 0 {
		return x.Clone(), nil
	}

	shape := append([]int64(nil), x.Shape()...)
	shape[2] = n

	zeros, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	return tensor.Concat([]*tensor.Tensor{zeros, x}, 2)
}

// causalConv left-pads x by leftPad zero frames and runs a stride-s,
// dilation-1 convolution, giving strictly causal output: position t only
// depends on input positions <= t.
func causalConv(x, weight, bias *tensor.Tensor, stride, leftPad int64) (*tensor.Tensor, error) {
	padded, err := padLeft(x, leftPad)
	if err != nil {
		return nil, fmt.Errorf("causal pad: %w", err)
	}

	return ops.Conv1D(padded, weight, bias, stride, 0, 1)
}

// prependOrPad prepends a carried tail (if any) to x along the length
// axis, or zero-pads by padLen when no tail has been carried yet (the
// very first call of a stream).
func prependOrPad(tail, x *tensor.Tensor, padLen int64) (*tensor.Tensor, error) {
	if tail != nil {
		return tensor.Concat([]*tensor.Tensor{tail, x}, 2)
	}

	return padLeft(x, padLen)
}

// captureTail returns the trailing tailLen frames of x (shape (batch,
// channels, length)) along the length axis, or the whole of x if it is
// shorter than tailLen.
func captureTail(x *tensor.Tensor, tailLen int64) (*tensor.Tensor, error) {
	length := x.Shape()[2]
	if length <= tailLen {
		return x.Clone(), nil
	}

	return x.Narrow(2, length-tailLen, tailLen)
}

// convStack runs conv1+GELU then conv2+GELU on mel (1, n_mels, frames),
// returning (1, dim, frames'). conv1 is left-padded by 2 zero frames and
// conv2 by 1; the streaming path substitutes a carried tail for this
// padding instead — see EncodeStep.
func (e *Encoder) convStack(mel *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := causalConv(mel, e.Conv1W, e.Conv1B, 1, 2)
	if err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}

	ops.GELU(h)

	h, err = causalConv(h, e.Conv2W, e.Conv2B, 2, 1)
	if err != nil {
		return nil, fmt.Errorf("conv2: %w", err)
	}

	ops.GELU(h)

	return h, nil
}
