package encoder

import (
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/adapter"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// Encode runs the offline encoder pipeline: causal conv front-end over the
// complete mel spectrogram, chunked transformer with a fresh per-call KV
// cache, downsampling, and adapter projection. mel is (n_mels, frames);
// an odd leading frame is dropped, conv2's stride halves the rest, and the
// result is ((frames/2)/downsample_factor, dim), possibly zero rows for
// very short input.
func (e *Encoder) Encode(mel *tensor.Tensor, ad *adapter.Adapter) (*tensor.Tensor, error) {
	if mel == nil {
		return nil, fmt.Errorf("encoder: encode requires a non-nil mel tensor")
	}

	shape := mel.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("encoder: encode expects a rank-2 (n_mels, frames) mel tensor, got %v", shape)
	}

	nMels, frames := shape[0], shape[1]

	if frames%2 == 1 {
		var err error

		mel, err = mel.Narrow(1, 1, frames-1)
		if err != nil {
			return nil, fmt.Errorf("encoder: dropping leading odd frame: %w", err)
		}

		frames--
	}

	if frames == 0 {
		return tensor.Zeros([]int64{0, ad.WOut.Shape()[0]})
	}

	batched, err := mel.Reshape([]int64{1, nMels, frames})
	if err != nil {
		return nil, fmt.Errorf("encoder: reshape mel to batch form: %w", err)
	}

	convOut, err := e.convStack(batched)
	if err != nil {
		return nil, fmt.Errorf("encoder: conv front-end: %w", err)
	}

	x, err := squeezeBatch(convOut)
	if err != nil {
		return nil, err
	}

	chunkSize := e.SlidingWindow
	if chunkSize > 256 || chunkSize <= 0 {
		chunkSize = 256
	}

	length := x.Shape()[0]
	caches := e.newCaches()

	var chunks []*tensor.Tensor

	for start := int64(0); start < length; start += chunkSize {
		end := min(start+chunkSize, length)

		chunk, err := x.Narrow(0, start, end-start)
		if err != nil {
			return nil, fmt.Errorf("encoder: chunk narrow: %w", err)
		}

		out, err := e.forwardChunk(chunk, caches)
		if err != nil {
			return nil, fmt.Errorf("encoder: chunk %d transformer: %w", start, err)
		}

		chunks = append(chunks, out)
	}

	full, err := tensor.Concat(chunks, 0)
	if err != nil {
		return nil, fmt.Errorf("encoder: concatenating chunks: %w", err)
	}

	full, err = e.FinalNorm.Forward(full)
	if err != nil {
		return nil, fmt.Errorf("encoder: final norm: %w", err)
	}

	grouped, err := e.groupForDownsample(full)
	if err != nil {
		return nil, err
	}

	return ad.Forward(grouped)
}

// squeezeBatch drops the leading batch dimension of a (1, dim, length)
// tensor and transposes to (length, dim).
func squeezeBatch(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("encoder: expected a (1, dim, length) tensor, got %v", shape)
	}

	r, err := x.Reshape([]int64{shape[1], shape[2]})
	if err != nil {
		return nil, fmt.Errorf("encoder: squeeze batch: %w", err)
	}

	return r.Transpose(0, 1)
}

// groupForDownsample drops any leading remainder so the sequence length is
// a multiple of downsample_factor, then reshapes (L, dim) into
// (L/k, k*dim).
func (e *Encoder) groupForDownsample(x *tensor.Tensor) (*tensor.Tensor, error) {
	k := e.DownsampleFactor
	length := x.Shape()[0]
	rem := length % k

	if rem > 0 {
		var err error

		x, err = x.Narrow(0, rem, length-rem)
		if err != nil {
			return nil, fmt.Errorf("encoder: dropping downsample remainder: %w", err)
		}

		length -= rem
	}

	return x.Reshape([]int64{length / k, k * e.Dim})
}
