package model

import (
	"regexp"
	"strings"

	"github.com/voxtral/voxtral-stream/internal/safetensors"
)

// stripPrefixes are removed from a raw checkpoint tensor name before any
// pattern rewrite is attempted.
var stripPrefixes = []string{
	"mm_streams_embeddings.embedding_module.",
	"mm_whisper_embeddings.",
}

type rewriteRule struct {
	pattern *regexp.Regexp
	replace string
}

// voxtralRewrites is this module's Table W: anchored regex patterns that
// rewrite an original-format checkpoint name (after prefix stripping) into
// this module's internal/encoder, internal/adapter, and internal/decoder
// naming convention.
var voxtralRewrites = []rewriteRule{
	// encoder convolutional front-end
	{regexp.MustCompile(`^conv1\.(weight|bias)$`), "encoder.conv1.$1"},
	{regexp.MustCompile(`^conv2\.(weight|bias)$`), "encoder.conv2.$1"},

	// encoder transformer layers
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention\.wq\.weight$`), "encoder.layers.$1.self_attn.q_proj.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention\.wq\.bias$`), "encoder.layers.$1.self_attn.q_proj.bias"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention\.wk\.weight$`), "encoder.layers.$1.self_attn.k_proj.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention\.wv\.weight$`), "encoder.layers.$1.self_attn.v_proj.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention\.wv\.bias$`), "encoder.layers.$1.self_attn.v_proj.bias"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention\.wo\.weight$`), "encoder.layers.$1.self_attn.o_proj.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention\.wo\.bias$`), "encoder.layers.$1.self_attn.o_proj.bias"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.feed_forward\.w1\.weight$`), "encoder.layers.$1.mlp.gate_proj.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.feed_forward\.w2\.weight$`), "encoder.layers.$1.mlp.down_proj.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.feed_forward\.w3\.weight$`), "encoder.layers.$1.mlp.up_proj.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.attention_norm\.weight$`), "encoder.layers.$1.attn_norm.weight"},
	{regexp.MustCompile(`^transformer\.layers\.(\d+)\.ffn_norm\.weight$`), "encoder.layers.$1.mlp_norm.weight"},
	{regexp.MustCompile(`^transformer\.norm\.weight$`), "encoder.norm.weight"},

	// downsample adapter: an nn.Sequential(Linear, GELU, Linear), indices 0
	// and 2 for the two linears (index 1 is the activation and carries no
	// weights).
	{regexp.MustCompile(`^downsample\.proj\.0\.(weight|bias)$`), "adapter.w_in.$1"},
	{regexp.MustCompile(`^downsample\.proj\.2\.(weight|bias)$`), "adapter.w_out.$1"},

	// decoder language model
	{regexp.MustCompile(`^tok_embeddings\.weight$`), "decoder.embed_tokens.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.attention\.wq\.weight$`), "decoder.layers.$1.self_attn.q_proj.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.attention\.wk\.weight$`), "decoder.layers.$1.self_attn.k_proj.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.attention\.wv\.weight$`), "decoder.layers.$1.self_attn.v_proj.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.attention\.wo\.weight$`), "decoder.layers.$1.self_attn.o_proj.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.feed_forward\.w1\.weight$`), "decoder.layers.$1.mlp.gate_proj.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.feed_forward\.w2\.weight$`), "decoder.layers.$1.mlp.down_proj.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.feed_forward\.w3\.weight$`), "decoder.layers.$1.mlp.up_proj.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.attention_norm\.weight$`), "decoder.layers.$1.attn_norm.weight"},
	{regexp.MustCompile(`^layers\.(\d+)\.ffn_norm\.weight$`), "decoder.layers.$1.mlp_norm.weight"},
	// ada_norm is itself an nn.Sequential(Linear, GELU, Linear), same
	// index convention as the downsample adapter above.
	{regexp.MustCompile(`^layers\.(\d+)\.ada_norm\.0\.(weight|bias)$`), "decoder.layers.$1.ada_norm.w_in.$2"},
	{regexp.MustCompile(`^layers\.(\d+)\.ada_norm\.2\.(weight|bias)$`), "decoder.layers.$1.ada_norm.w_out.$2"},
	{regexp.MustCompile(`^norm\.weight$`), "decoder.norm.weight"},
}

// VoxtralKeyMapper is the safetensors.KeyMapper for an original-format
// Voxtral checkpoint: it strips the multimodal embedding prefixes, rewrites
// every recognized name via voxtralRewrites, and discards output.weight (the
// decoder ties its output projection to the input embedding, so the
// checkpoint's separate copy is redundant).
func VoxtralKeyMapper(name string) (string, bool) {
	for _, prefix := range stripPrefixes {
		name = strings.TrimPrefix(name, prefix)
	}

	if name == "output.weight" {
		return name, false
	}

	for _, rule := range voxtralRewrites {
		if rule.pattern.MatchString(name) {
			return rule.pattern.ReplaceAllString(name, rule.replace), true
		}
	}

	return name, true
}

// ConvAxisTransposes returns the AxisTranspose rules that move this
// module's causal convolution kernels from the checkpoint's
// (out_channels, in_channels, kernel_size) layout to this package's
// canonical (out_channels, kernel_size, in_channels) layout (see
// internal/ops.Conv1D).
func ConvAxisTransposes() []safetensors.AxisTranspose {
	convWeight := regexp.MustCompile(`^encoder\.conv[12]\.weight$`)

	return []safetensors.AxisTranspose{
		{
			Match: func(name string) bool { return convWeight.MatchString(name) },
			Perm:  []int{0, 2, 1},
		},
	}
}
