package encoder

import (
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/adapter"
	"github.com/voxtral/voxtral-stream/internal/kvcache"
	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// conv1TailLen and conv2TailLen are the causal padding widths of the two
// convolutions, and so also the number of trailing frames each stage must
// carry between Step calls to keep left-padding exact.
const (
	conv1TailLen = 2
	conv2TailLen = 1
)

// StreamState holds everything EncodeStep carries between calls: the two
// convolution tails, one rotating KV cache per transformer layer, and any
// post-transformer frames not yet forming a complete downsample group.
type StreamState struct {
	conv1Tail *tensor.Tensor
	conv2Tail *tensor.Tensor
	caches    []*kvcache.Cache
	buf       *tensor.Tensor // (r, dim), r < downsample_factor, or nil
}

// NewStreamState allocates a fresh stream state for e: empty tails, empty
// per-layer caches, no pending downsample remainder.
func (e *Encoder) NewStreamState() *StreamState {
	return &StreamState{caches: e.newCaches()}
}

// EncodeStep feeds one chunk of new mel frames (n_mels, T) through the
// streaming encoder pipeline, returning newly available audio embeddings
// (nil if no full downsample group is yet available).
func (e *Encoder) EncodeStep(mel *tensor.Tensor, st *StreamState, ad *adapter.Adapter) (*tensor.Tensor, error) {
	if mel == nil {
		return nil, fmt.Errorf("encoder: encode_step requires a non-nil mel tensor")
	}

	shape := mel.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("encoder: encode_step expects a rank-2 (n_mels, frames) mel tensor, got %v", shape)
	}

	nMels, frames := shape[0], shape[1]
	if frames == 0 {
		return nil, nil
	}

	batched, err := mel.Reshape([]int64{1, nMels, frames})
	if err != nil {
		return nil, fmt.Errorf("encoder: encode_step reshape: %w", err)
	}

	conv1In, err := prependOrPad(st.conv1Tail, batched, conv1TailLen)
	if err != nil {
		return nil, fmt.Errorf("encoder: conv1 tail: %w", err)
	}

	st.conv1Tail, err = captureTail(batched, conv1TailLen)
	if err != nil {
		return nil, fmt.Errorf("encoder: capture conv1 tail: %w", err)
	}

	h, err := ops.Conv1D(conv1In, e.Conv1W, e.Conv1B, 1, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("encoder: encode_step conv1: %w", err)
	}

	ops.GELU(h)

	conv2In, err := prependOrPad(st.conv2Tail, h, conv2TailLen)
	if err != nil {
		return nil, fmt.Errorf("encoder: conv2 tail: %w", err)
	}

	st.conv2Tail, err = captureTail(h, conv2TailLen)
	if err != nil {
		return nil, fmt.Errorf("encoder: capture conv2 tail: %w", err)
	}

	h, err = ops.Conv1D(conv2In, e.Conv2W, e.Conv2B, 2, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("encoder: encode_step conv2: %w", err)
	}

	ops.GELU(h)

	x, err := squeezeBatch(h)
	if err != nil {
		return nil, err
	}

	x, err = e.forwardChunk(x, st.caches)
	if err != nil {
		return nil, fmt.Errorf("encoder: encode_step transformer: %w", err)
	}

	x, err = e.FinalNorm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("encoder: encode_step final norm: %w", err)
	}

	if st.buf != nil {
		x, err = tensor.Concat([]*tensor.Tensor{st.buf, x}, 0)
		if err != nil {
			return nil, fmt.Errorf("encoder: prepend downsample buffer: %w", err)
		}
	}

	total := x.Shape()[0]
	k := e.DownsampleFactor
	full := (total / k) * k

	if full == 0 {
		st.buf = x
		return nil, nil
	}

	prefix, err := x.Narrow(0, 0, full)
	if err != nil {
		return nil, fmt.Errorf("encoder: downsample prefix: %w", err)
	}

	if full < total {
		st.buf, err = x.Narrow(0, full, total-full)
		if err != nil {
			return nil, fmt.Errorf("encoder: downsample leftover: %w", err)
		}
	} else {
		st.buf = nil
	}

	grouped, err := prefix.Reshape([]int64{full / k, k * e.Dim})
	if err != nil {
		return nil, fmt.Errorf("encoder: group for downsample: %w", err)
	}

	return ad.Forward(grouped)
}
