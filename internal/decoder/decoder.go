// Package decoder implements the causal text decoder language model: a
// tied-embedding GQA transformer whose per-layer MLP is additionally scaled
// by an ada-RMS-norm conditioning vector derived from a time embedding, and
// whose output projection reuses the input embedding transposed rather than
// loading a second copy of the same matrix.
package decoder

import (
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/kvcache"
	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// ropeMaxSeq bounds the precomputed RoPE table, sized generously above any
// realistic session length so it is never recomputed mid-session.
const ropeMaxSeq = 1 << 16

// AdaNorm is the per-layer conditioning network: Linear(dim -> cond_dim),
// GELU, Linear(cond_dim -> dim), no biases. Its raw output is combined as
// 1 + ada_norm(t_cond) to form the layer's ada_scales[i] -- see
// Decoder.PrecomputeAdaScales.
type AdaNorm struct {
	WIn, WOut *tensor.Tensor
}

func loadAdaNorm(lb *model.VarBuilder) (*AdaNorm, error) {
	ab := lb.Path("ada_norm")

	wIn, err := ab.Tensor("w_in.weight")
	if err != nil {
		return nil, fmt.Errorf("ada_norm.w_in.weight: %w", err)
	}

	wOut, err := ab.Tensor("w_out.weight")
	if err != nil {
		return nil, fmt.Errorf("ada_norm.w_out.weight: %w", err)
	}

	return &AdaNorm{WIn: wIn, WOut: wOut}, nil
}

// Forward computes the raw (pre "1+") scale vector for a time-conditioning
// vector tCond, shape [dim] -> [dim].
func (a *AdaNorm) Forward(tCond *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := tensor.Linear(tCond, a.WIn, nil)
	if err != nil {
		return nil, fmt.Errorf("ada_norm w_in: %w", err)
	}

	ops.GELU(h)

	out, err := tensor.Linear(h, a.WOut, nil)
	if err != nil {
		return nil, fmt.Errorf("ada_norm w_out: %w", err)
	}

	return out, nil
}

// Layer is one decoder transformer block. Attention and MLP projections
// carry no biases.
type Layer struct {
	AttnNorm *ops.RMSNorm
	QW, KW   *tensor.Tensor
	VW, OW   *tensor.Tensor

	MLPNorm *ops.RMSNorm
	GateW   *tensor.Tensor
	UpW     *tensor.Tensor
	DownW   *tensor.Tensor

	AdaNorm *AdaNorm
}

// Decoder is the tied-embedding causal GQA transformer.
type Decoder struct {
	EmbedTokens *tensor.Tensor // [vocab, dim], also the tied LM head
	Layers      []*Layer
	FinalNorm   *ops.RMSNorm

	Dim      int64
	Heads    int64
	NKVHeads int64
	HeadDim  int64
	CondDim  int64

	cos, sin *tensor.Tensor
}

// Load builds a Decoder from vb scoped to the model root using cfg's
// top-level (non-multimodal) hyperparameters.
func Load(vb *model.VarBuilder, cfg model.ModelConfig) (*Decoder, error) {
	db := vb.Path("decoder")

	embedTokens, err := db.Tensor("embed_tokens.weight")
	if err != nil {
		return nil, fmt.Errorf("decoder: embed_tokens.weight: %w", err)
	}

	if cfg.NLayers <= 0 {
		return nil, fmt.Errorf("decoder: n_layers must be positive, got %d", cfg.NLayers)
	}

	layers := make([]*Layer, cfg.NLayers)

	for i := range layers {
		lb := db.Path("layers", fmt.Sprintf("%d", i))

		layer, err := loadLayer(lb, float32(cfg.NormEps))
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d: %w", i, err)
		}

		layers[i] = layer
	}

	normW, err := db.Tensor("norm.weight")
	if err != nil {
		return nil, fmt.Errorf("decoder: norm.weight: %w", err)
	}

	finalNorm, err := ops.NewRMSNorm(normW, float32(cfg.NormEps))
	if err != nil {
		return nil, fmt.Errorf("decoder: final norm: %w", err)
	}

	return New(DecoderParams{
		EmbedTokens: embedTokens,
		Layers:      layers,
		FinalNorm:   finalNorm,
		Dim:         int64(cfg.Dim),
		Heads:       int64(cfg.NHeads),
		NKVHeads:    int64(cfg.NKVHeads),
		HeadDim:     int64(cfg.HeadDim),
		CondDim:     int64(cfg.AdaRMSNormTCondDim),
		RopeTheta:   cfg.RopeTheta,
	})
}

// DecoderParams holds every already-loaded weight and hyperparameter New
// needs; Load populates one from a checkpoint, tests build one by hand.
type DecoderParams struct {
	EmbedTokens *tensor.Tensor
	Layers      []*Layer
	FinalNorm   *ops.RMSNorm

	Dim       int64
	Heads     int64
	NKVHeads  int64
	HeadDim   int64
	CondDim   int64
	RopeTheta float64
}

// New builds a Decoder from already-loaded weights, precomputing its RoPE
// tables from HeadDim/RopeTheta.
func New(p DecoderParams) (*Decoder, error) {
	cos, sin, err := ops.BuildRoPETables(ropeMaxSeq, p.HeadDim, p.RopeTheta)
	if err != nil {
		return nil, fmt.Errorf("decoder: rope tables: %w", err)
	}

	return &Decoder{
		EmbedTokens: p.EmbedTokens,
		Layers:      p.Layers,
		FinalNorm:   p.FinalNorm,
		Dim:         p.Dim,
		Heads:       p.Heads,
		NKVHeads:    p.NKVHeads,
		HeadDim:     p.HeadDim,
		CondDim:     p.CondDim,
		cos:         cos,
		sin:         sin,
	}, nil
}

func loadLayer(lb *model.VarBuilder, eps float32) (*Layer, error) {
	attnNormW, err := lb.Tensor("attn_norm.weight")
	if err != nil {
		return nil, fmt.Errorf("attn_norm.weight: %w", err)
	}

	attnNorm, err := ops.NewRMSNorm(attnNormW, eps)
	if err != nil {
		return nil, err
	}

	qw, err := lb.Tensor("self_attn.q_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.q_proj.weight: %w", err)
	}

	kw, err := lb.Tensor("self_attn.k_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.k_proj.weight: %w", err)
	}

	vw, err := lb.Tensor("self_attn.v_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.v_proj.weight: %w", err)
	}

	ow, err := lb.Tensor("self_attn.o_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("self_attn.o_proj.weight: %w", err)
	}

	mlpNormW, err := lb.Tensor("mlp_norm.weight")
	if err != nil {
		return nil, fmt.Errorf("mlp_norm.weight: %w", err)
	}

	mlpNorm, err := ops.NewRMSNorm(mlpNormW, eps)
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

	adaNorm, err := loadAdaNorm(lb)
	if err != nil {
		return nil, err
	}

	return &Layer{
		AttnNorm: attnNorm,
		QW:       qw, KW: kw, VW: vw, OW: ow,
		MLPNorm: mlpNorm,
		GateW:   gateW, UpW: upW, DownW: downW,
		AdaNorm: adaNorm,
	}, nil
}

// EmbedIDs looks up the tied embedding table, returning (len(ids), dim).
func (d *Decoder) EmbedIDs(ids []int64) (*tensor.Tensor, error) {
	return d.EmbedTokens.Gather(0, ids)
}

// Logits projects hidden states through the tied output projection:
// embed_tokens has shape [vocab, dim], the exact [out, in] convention
// tensor.Linear expects, so the input embedding doubles as the LM head
// without transposing anything explicitly.
func (d *Decoder) Logits(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(hidden, d.EmbedTokens, nil)
}

// NewState allocates one rotating KV cache per layer, bounded to window
// positions (the session's configured decoder_window_tokens).
func (d *Decoder) NewState(window int64) *State {
	caches := make([]*kvcache.Cache, len(d.Layers))
	for i := range caches {
		caches[i] = kvcache.New(window)
	}

	return &State{caches: caches}
}

// State holds the decoder's per-layer rotating KV caches across calls to
// Forward, for one session or offline transcription run.
type State struct {
	caches []*kvcache.Cache
}

// Forward runs x (seq, dim) through every transformer block. scales holds
// one ada_scales[i] = 1 + ada_norm(t_cond) vector per layer -- typically
// precomputed once per session via PrecomputeAdaScales, since the
// time-conditioning input is constant for a session's lifetime. causal
// selects the prefill mask (true, multi-position input) versus the
// one-token decode mask (false, single query against full cached context).
func (d *Decoder) Forward(x *tensor.Tensor, st *State, scales []*tensor.Tensor, causal bool) (*tensor.Tensor, error) {
	if len(scales) != len(d.Layers) {
		return nil, fmt.Errorf("decoder: forward requires %d ada scale vectors, got %d", len(d.Layers), len(scales))
	}

	for i, layer := range d.Layers {
		attnOut, err := d.selfAttention(layer, x, st.caches[i], causal)
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d attention: %w", i, err)
		}

		x, err = tensor.AddResidual(x, attnOut)
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d residual: %w", i, err)
		}

		normed, err := layer.MLPNorm.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d mlp norm: %w", i, err)
		}

		scaled, err := tensor.ScaleRows(normed, scales[i])
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d ada scale: %w", i, err)
		}

		mlpOut, err := ops.SwiGLUMLP(scaled, layer.GateW, layer.UpW, layer.DownW)
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d mlp: %w", i, err)
		}

		x, err = tensor.AddResidual(x, mlpOut)
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d mlp residual: %w", i, err)
		}
	}

	return d.FinalNorm.Forward(x)
}

// PrecomputeAdaScales computes ada_scales[i] = 1 + ada_norm(t_cond) for
// every layer, for a given session's constant time-conditioning scalar
// (delay_tokens in the realtime session). The result is passed to every
// Forward call for the lifetime of the session.
func (d *Decoder) PrecomputeAdaScales(t float64) ([]*tensor.Tensor, error) {
	tCond, err := TimeEmbedding(t, d.Dim)
	if err != nil {
		return nil, fmt.Errorf("decoder: time embedding: %w", err)
	}

	scales := make([]*tensor.Tensor, len(d.Layers))

	for i, layer := range d.Layers {
		s, err := layer.AdaNorm.Forward(tCond)
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d ada_norm: %w", i, err)
		}

		scales[i] = addOne(s)
	}

	return scales, nil
}

// addOne returns a new tensor equal to x + 1, element-wise.
func addOne(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()

	data := out.RawData()
	for i := range data {
		data[i]++
	}

	return out
}

func (d *Decoder) selfAttention(layer *Layer, x *tensor.Tensor, cache *kvcache.Cache, causal bool) (*tensor.Tensor, error) {
	normed, err := layer.AttnNorm.Forward(x)
	if err != nil {
		return nil, err
	}

	seq := normed.Shape()[0]

	q, err := tensor.Linear(normed, layer.QW, nil)
	if err != nil {
		return nil, fmt.Errorf("q_proj: %w", err)
	}

	k, err := tensor.Linear(normed, layer.KW, nil)
	if err != nil {
		return nil, fmt.Errorf("k_proj: %w", err)
	}

	v, err := tensor.Linear(normed, layer.VW, nil)
	if err != nil {
		return nil, fmt.Errorf("v_proj: %w", err)
	}

	qh, err := toHeads(q, seq, d.Heads, d.HeadDim)
	if err != nil {
		return nil, err
	}

	kh, err := toHeads(k, seq, d.NKVHeads, d.HeadDim)
	if err != nil {
		return nil, err
	}

	vh, err := toHeads(v, seq, d.NKVHeads, d.HeadDim)
	if err != nil {
		return nil, err
	}

	pos := cache.Offset()

	qh, err = ops.RoPE(qh, d.cos, d.sin, pos)
	if err != nil {
		return nil, fmt.Errorf("rope q: %w", err)
	}

	kh, err = ops.RoPE(kh, d.cos, d.sin, pos)
	if err != nil {
		return nil, fmt.Errorf("rope k: %w", err)
	}

	kView, vView, err := cache.UpdateAndFetch(kh, vh)
	if err != nil {
		return nil, fmt.Errorf("kv cache: %w", err)
	}

	tk := kView.Shape()[1]

	attnOut, err := ops.Attention(qh, kView, vView, causal, tk-seq)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}

	flat, err := fromHeads(attnOut, seq, d.Heads, d.HeadDim)
	if err != nil {
		return nil, err
	}

	return tensor.Linear(flat, layer.OW, nil)
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
