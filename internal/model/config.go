package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AudioEncodingArgs describes how the Whisper-derived encoder's mel
// frontend turns raw samples into log-mel frames.
type AudioEncodingArgs struct {
	SamplingRate   int     `json:"sampling_rate"`
	FrameRate      float64 `json:"frame_rate"`
	NumMelBins     int     `json:"num_mel_bins"`
	HopLength      int     `json:"hop_length"`
	WindowSize     int     `json:"window_size"`
	GlobalLogMelMax float64 `json:"global_log_mel_max"`
}

// EncoderArgs holds the audio encoder's transformer hyperparameters,
// nested under multimodal.whisper_model_args in params.json.
type EncoderArgs struct {
	AudioEncodingArgs AudioEncodingArgs `json:"audio_encoding_args"`
	Dim               int               `json:"dim"`
	NLayers           int               `json:"n_layers"`
	HeadDim           int               `json:"head_dim"`
	HiddenDim         int               `json:"hidden_dim"`
	NHeads            int               `json:"n_heads"`
	RopeTheta         float64           `json:"rope_theta"`
	SlidingWindow     int               `json:"sliding_window"`
}

// DownsampleArgs holds the adapter's frame-grouping factor.
type DownsampleArgs struct {
	DownsampleFactor int `json:"downsample_factor"`
}

// WhisperModelArgs is the nested multimodal block of params.json/config.json.
type WhisperModelArgs struct {
	EncoderArgs    EncoderArgs    `json:"encoder_args"`
	DownsampleArgs DownsampleArgs `json:"downsample_args"`
}

// Multimodal wraps WhisperModelArgs under its params.json key.
type Multimodal struct {
	WhisperModelArgs WhisperModelArgs `json:"whisper_model_args"`
}

// ModelConfig captures every hyperparameter named in the model artifact's
// params.json (original format) or config.json (converted format),
// snake_case-tagged so it decodes directly via encoding/json. It describes
// the decoder LM; the nested Multimodal block describes the audio encoder
// and downsample adapter.
type ModelConfig struct {
	Dim                 int        `json:"dim"`
	NLayers             int        `json:"n_layers"`
	HeadDim             int        `json:"head_dim"`
	HiddenDim           int        `json:"hidden_dim"`
	NHeads              int        `json:"n_heads"`
	NKVHeads            int        `json:"n_kv_heads"`
	RopeTheta           float64    `json:"rope_theta"`
	NormEps             float64    `json:"norm_eps"`
	VocabSize           int        `json:"vocab_size"`
	SlidingWindow       int        `json:"sliding_window"`
	AdaRMSNormTCondDim  int        `json:"ada_rms_norm_t_cond_dim"`
	Multimodal          Multimodal `json:"multimodal"`

	// Quantization is only present in the converted (config.json) format.
	Quantization *QuantizationConfig `json:"quantization,omitempty"`
}

// QuantizationConfig describes a converted checkpoint's quantized layout.
type QuantizationConfig struct {
	GroupSize int `json:"group_size"`
	Bits      int `json:"bits"`
}

// Validate checks that every field required to construct the encoder,
// adapter, and decoder is present and positive.
func (c ModelConfig) Validate() error {
	required := []struct {
		name string
		val  int
	}{
		{"dim", c.Dim},
		{"n_layers", c.NLayers},
		{"head_dim", c.HeadDim},
		{"hidden_dim", c.HiddenDim},
		{"n_heads", c.NHeads},
		{"n_kv_heads", c.NKVHeads},
		{"vocab_size", c.VocabSize},
		{"sliding_window", c.SlidingWindow},
		{"multimodal.whisper_model_args.encoder_args.dim", c.Multimodal.WhisperModelArgs.EncoderArgs.Dim},
		{"multimodal.whisper_model_args.encoder_args.n_layers", c.Multimodal.WhisperModelArgs.EncoderArgs.NLayers},
		{"multimodal.whisper_model_args.downsample_args.downsample_factor", c.Multimodal.WhisperModelArgs.DownsampleArgs.DownsampleFactor},
		{"multimodal.whisper_model_args.encoder_args.audio_encoding_args.num_mel_bins",
			c.Multimodal.WhisperModelArgs.EncoderArgs.AudioEncodingArgs.NumMelBins},
	}

	for _, r := range required {
		if r.val <= 0 {
			return fmt.Errorf("model config: %s must be a positive integer, got %d", r.name, r.val)
		}
	}

	if c.NHeads%c.NKVHeads != 0 {
		return fmt.Errorf("model config: n_heads (%d) must be a multiple of n_kv_heads (%d)", c.NHeads, c.NKVHeads)
	}

	if c.NormEps <= 0 {
		return fmt.Errorf("model config: norm_eps must be positive, got %v", c.NormEps)
	}

	if c.RopeTheta <= 0 {
		return fmt.Errorf("model config: rope_theta must be positive, got %v", c.RopeTheta)
	}

	return nil
}

// LoadConfig reads and validates a model directory's hyperparameters,
// preferring the original params.json and falling back to the converted
// config.json.
func LoadConfig(dir string) (ModelConfig, error) {
	path := filepath.Join(dir, "params.json")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("model config: read %q: %w", path, err)
	}

	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("model config: parse %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, err
	}

	return cfg, nil
}
