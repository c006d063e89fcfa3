// Package encoder implements the Whisper-derived audio encoder: two
// causal convolutions followed by a stack of RMSNorm/GQA-attention/SwiGLU
// transformer blocks, run either in one offline pass over a complete
// mel spectrogram or incrementally, chunk by chunk, carrying convolution
// tails and per-layer rotating KV caches between calls.
package encoder

import (
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/kvcache"
	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// ropeMaxSeq bounds the precomputed RoPE table; the encoder's sliding
// window never lets a single cache exceed this many absolute positions
// in practice, but the table is sized generously to avoid ever recomputing
// it mid-session.
const ropeMaxSeq = 1 << 16

// Layer is one encoder transformer block.
type Layer struct {
	AttnNorm *ops.RMSNorm
	QW, QB   *tensor.Tensor
	KW       *tensor.Tensor
	VW, VB   *tensor.Tensor
	OW, OB   *tensor.Tensor

	MLPNorm *ops.RMSNorm
	GateW   *tensor.Tensor
	UpW     *tensor.Tensor
	DownW   *tensor.Tensor
}

// Encoder is the full audio encoder stack: causal conv front-end,
// transformer stack, final norm.
type Encoder struct {
	Conv1W, Conv1B *tensor.Tensor // [dim, 3, n_mels], [dim]
	Conv2W, Conv2B *tensor.Tensor // [dim, 3, dim], [dim]

	Layers    []*Layer
	FinalNorm *ops.RMSNorm

	Dim              int64
	Heads            int64
	HeadDim          int64
	SlidingWindow    int64
	DownsampleFactor int64

	cos, sin *tensor.Tensor
}

// Load builds an Encoder from vb scoped to the model root, using cfg's
// encoder_args and downsample_args hyperparameters.
func Load(vb *model.VarBuilder, encArgs model.EncoderArgs, downsampleFactor int) (*Encoder, error) {
	eb := vb.Path("encoder")

	conv1W, err := eb.Tensor("conv1.weight")
	if err != nil {
		return nil, fmt.Errorf("encoder: conv1.weight: %w", err)
	}

	conv1B, err := eb.Tensor("conv1.bias")
	if err != nil {
		return nil, fmt.Errorf("encoder: conv1.bias: %w", err)
	}

	conv2W, err := eb.Tensor("conv2.weight")
	if err != nil {
		return nil, fmt.Errorf("encoder: conv2.weight: %w", err)
	}

	conv2B, err := eb.Tensor("conv2.bias")
	if err != nil {
		return nil, fmt.Errorf("encoder: conv2.bias: %w", err)
	}

	if encArgs.NLayers <= 0 {
		return nil, fmt.Errorf("encoder: n_layers must be positive, got %d", encArgs.NLayers)
	}

	layers := make([]*Layer, encArgs.NLayers)

	for i := range layers {
		lb := eb.Path("layers", fmt.Sprintf("%d", i))

		layer, err := loadLayer(lb)
		if err != nil {
			return nil, fmt.Errorf("encoder: layer %d: %w", i, err)
		}

		layers[i] = layer
	}

	normW, err := eb.Tensor("norm.weight")
	if err != nil {
		return nil, fmt.Errorf("encoder: norm.weight: %w", err)
	}

	finalNorm, err := ops.NewRMSNorm(normW, float32(1e-5))
	if err != nil {
		return nil, fmt.Errorf("encoder: final norm: %w", err)
	}

	return New(EncoderParams{
		Conv1W: conv1W, Conv1B: conv1B,
		Conv2W: conv2W, Conv2B: conv2B,
		Layers:           layers,
		FinalNorm:        finalNorm,
		Dim:              int64(encArgs.Dim),
		Heads:            int64(encArgs.NHeads),
		HeadDim:          int64(encArgs.HeadDim),
		SlidingWindow:    int64(encArgs.SlidingWindow),
		DownsampleFactor: int64(downsampleFactor),
		RopeTheta:        encArgs.RopeTheta,
	})
}

// EncoderParams holds every already-loaded weight and hyperparameter New
// needs; Load populates one from a checkpoint, tests build one by hand.
type EncoderParams struct {
	Conv1W, Conv1B *tensor.Tensor
	Conv2W, Conv2B *tensor.Tensor
	Layers         []*Layer
	FinalNorm      *ops.RMSNorm

	Dim              int64
	Heads            int64
	HeadDim          int64
	SlidingWindow    int64
	DownsampleFactor int64
	RopeTheta        float64
}

// New builds an Encoder from already-loaded weights, precomputing its
// RoPE tables from HeadDim/RopeTheta.
func New(p EncoderParams) (*Encoder, error) {
	cos, sin, err := ops.BuildRoPETables(ropeMaxSeq, p.HeadDim, p.RopeTheta)
	if err != nil {
		return nil, fmt.Errorf("encoder: rope tables: %w", err)
	}

	return &Encoder{
		Conv1W: p.Conv1W, Conv1B: p.Conv1B,
		Conv2W: p.Conv2W, Conv2B: p.Conv2B,
		Layers:           p.Layers,
		FinalNorm:        p.FinalNorm,
		Dim:              p.Dim,
		Heads:            p.Heads,
		HeadDim:          p.HeadDim,
		SlidingWindow:    p.SlidingWindow,
		DownsampleFactor: p.DownsampleFactor,
		cos:              cos,
		sin:              sin,
	}, nil
}

func loadLayer(lb *model.VarBuilder) (*Layer, error) {
	attnNormW, err := lb.Tensor("attn_norm.weight")
	if err != nil {
		return nil, fmt.Errorf("attn_norm.weight: %w", err)
	}

	attnNorm, err := ops.NewRMSNorm(attnNormW, float32(1e-5))
	if err != nil {
		return nil, err
	}

	qw, err := lb.Tensor("self_attn.q_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.q_proj.weight: %w", err)
	}

	qb, err := lb.Tensor("self_attn.q_proj.bias")
	if err != nil {
		return nil, fmt.Errorf("self_attn.q_proj.bias: %w", err)
	}

	kw, err := lb.Tensor("self_attn.k_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.k_proj.weight: %w", err)
	}

	vw, err := lb.Tensor("self_attn.v_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.v_proj.weight: %w", err)
	}

	vb2, err := lb.Tensor("self_attn.v_proj.bias")
	if err != nil {
		return nil, fmt.Errorf("self_attn.v_proj.bias: %w", err)
	}

	ow, err := lb.Tensor("self_attn.o_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.o_proj.weight: %w", err)
	}

	ob, err := lb.Tensor("self_attn.o_proj.bias")
	if err != nil {
		return nil, fmt.Errorf("self_attn.o_proj.bias: %w", err)
	}

	mlpNormW, err := lb.Tensor("mlp_norm.weight")
	if err != nil {
		return nil, fmt.Errorf("mlp_norm.weight: %w", err)
	}

	mlpNorm, err := ops.NewRMSNorm(mlpNormW, float32(1e-5))
	if err != nil {
		return nil, err
	}

	gateW, err := lb.Tensor("mlp.gate_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("mlp.gate_proj.weight: %w", err)
	}

	upW, err := lb.Tensor("mlp.up_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("mlp.up_proj.weight: %w", err)
	}

	downW, err := lb.Tensor("mlp.down_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("mlp.down_proj.weight: %w", err)
	}

	return &Layer{
		AttnNorm: attnNorm,
		QW:       qw, QB: qb,
		KW: kw,
		VW: vw, VB: vb2,
		OW: ow, OB: ob,
		MLPNorm: mlpNorm,
		GateW:   gateW, UpW: upW, DownW: downW,
	}, nil
}

// newCaches allocates one rotating KV cache per layer, bounded to the
// encoder's sliding window.
func (e *Encoder) newCaches() []*kvcache.Cache {
	caches := make([]*kvcache.Cache, len(e.Layers))
	for i := range caches {
		caches[i] = kvcache.New(e.SlidingWindow)
	}

	return caches
}

// forwardChunk runs x (seq, dim) through every transformer block using
// caches[i] for layer i's rotating attention history, returning (seq, dim).
func (e *Encoder) forwardChunk(x *tensor.Tensor, caches []*kvcache.Cache) (*tensor.Tensor, error) {
	for i, layer := range e.Layers {
		attnOut, err := e.selfAttention(layer, x, caches[i])
		if err != nil {
			return nil, fmt.Errorf("encoder: layer %d attention: %w", i, err)
		}

		x, err = tensor.AddResidual(x, attnOut)
		if err != nil {
			return nil, fmt.Errorf("encoder: layer %d residual: %w", i, err)
		}

		normed, err := layer.MLPNorm.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("encoder: layer %d mlp norm: %w", i, err)
		}

		mlpOut, err := ops.SwiGLUMLP(normed, layer.GateW, layer.UpW, layer.DownW)
		if err != nil {
			return nil, fmt.Errorf("encoder: layer %d mlp: %w", i, err)
		}

		x, err = tensor.AddResidual(x, mlpOut)
		if err != nil {
			return nil, fmt.Errorf("encoder: layer %d mlp residual: %w", i, err)
		}
	}

	return x, nil
}

func (e *Encoder) selfAttention(layer *Layer, x *tensor.Tensor, cache *kvcache.Cache) (*tensor.Tensor, error) {
	normed, err := layer.AttnNorm.Forward(x)
	if err != nil {
		return nil, err
	}

	seq := normed.Shape()[0]

	q, err := tensor.Linear(normed, layer.QW, layer.QB)
	if err != nil {
		return nil, fmt.Errorf("q_proj: %w", err)
	}

	k, err := tensor.Linear(normed, layer.KW, nil)
	if err != nil {
		return nil, fmt.Errorf("k_proj: %w", err)
	}

	v, err := tensor.Linear(normed, layer.VW, layer.VB)
	if err != nil {
		return nil, fmt.Errorf("v_proj: %w", err)
	}

	qh, err := toHeads(q, seq, e.Heads, e.HeadDim)
	if err != nil {
		return nil, err
	}

	kh, err := toHeads(k, seq, e.Heads, e.HeadDim)
	if err != nil {
		return nil, err
	}

	vh, err := toHeads(v, seq, e.Heads, e.HeadDim)
	if err != nil {
		return nil, err
	}

	pos := cache.Offset()

	qh, err = ops.RoPE(qh, e.cos, e.sin, pos)
	if err != nil {
		return nil, fmt.Errorf("rope q: %w", err)
	}

	kh, err = ops.RoPE(kh, e.cos, e.sin, pos)
	if err != nil {
		return nil, fmt.Errorf("rope k: %w", err)
	}

	kView, vView, err := cache.UpdateAndFetch(kh, vh)
	if err != nil {
		return nil, fmt.Errorf("kv cache: %w", err)
	}

	tk := kView.Shape()[1]

	attnOut, err := ops.Attention(qh, kView, vView, true, tk-seq)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}

	flat, err := fromHeads(attnOut, seq, e.Heads, e.HeadDim)
	if err != nil {
		return nil, err
	}

	out, err := tensor.Linear(flat, layer.OW, layer.OB)
	if err != nil {
		return nil, fmt.Errorf("o_proj: %w", err)
	}

	return out, nil
}

// toHeads reshapes (seq, heads*headDim) into (heads, seq, headDim).
func toHeads(x *tensor.Tensor, seq, heads, headDim int64) (*tensor.Tensor, error) {
	r, err := x.Reshape([]int64{seq, heads, headDim})
	if err != nil {
		return nil, fmt.Errorf("reshape to heads: %w", err)
	}

	return r.Transpose(0, 1)
}

// fromHeads reshapes (heads, seq, headDim) back into (seq, heads*headDim).
func fromHeads(x *tensor.Tensor, seq, heads, headDim int64) (*tensor.Tensor, error) {
	t, err := x.Transpose(0, 1)
	if err != nil {
		return nil, fmt.Errorf("transpose from heads: %w", err)
	}

	return t.Reshape([]int64{seq, heads * headDim})
}
