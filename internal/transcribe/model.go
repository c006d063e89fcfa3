// Package transcribe implements the offline, one-shot transcription
// pipeline and the prefix/ada-scale construction shared with the
// realtime session: load a complete audio file, run it through the
// mel frontend, encoder, adapter, and decoder once, and return decoded
// text plus timing stats.
package transcribe

import (
	"fmt"
	"path/filepath"

	"github.com/voxtral/voxtral-stream/internal/adapter"
	"github.com/voxtral/voxtral-stream/internal/decoder"
	"github.com/voxtral/voxtral-stream/internal/encoder"
	"github.com/voxtral/voxtral-stream/internal/mel"
	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/safetensors"
	"github.com/voxtral/voxtral-stream/internal/tokenizer"
)

// Model bundles every loaded weight group a session or offline run needs:
// the mel frontend's configuration, the encoder/adapter/decoder stacks,
// the tokenizer, and the derived sample-rate constant that ties decoder
// positions to PCM sample counts.
type Model struct {
	Config    model.ModelConfig
	MelConfig mel.Config
	Encoder   *encoder.Encoder
	Adapter   *adapter.Adapter
	Decoder   *decoder.Decoder
	Tokenizer tokenizer.Tokenizer

	// SamplesPerToken is hop_length * conv2_stride(2) * downsample_factor,
	// the number of 16 kHz PCM samples one decoder position accounts for.
	SamplesPerToken int
}

// LoadModel opens a model directory (config, tokenizer, and weight file)
// and constructs every stack it names.
func LoadModel(dir string) (*Model, error) {
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	vb, err := model.OpenVarBuilder(filepath.Join(dir, "consolidated.safetensors"), safetensors.StoreOptions{
		KeyMapper:      model.VoxtralKeyMapper,
		AxisTransposes: model.ConvAxisTransposes(),
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: opening weights: %w", err)
	}

	encArgs := cfg.Multimodal.WhisperModelArgs.EncoderArgs
	downsampleFactor := cfg.Multimodal.WhisperModelArgs.DownsampleArgs.DownsampleFactor

	enc, err := encoder.Load(vb, encArgs, downsampleFactor)
	if err != nil {
		return nil, err
	}

	ad, err := adapter.Load(vb)
	if err != nil {
		return nil, err
	}

	dec, err := decoder.Load(vb, cfg)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.LoadTekken(filepath.Join(dir, "tekken.json"))
	if err != nil {
		return nil, err
	}

	melCfg := mel.Config{
		SampleRate:      encArgs.AudioEncodingArgs.SamplingRate,
		NFFT:            encArgs.AudioEncodingArgs.WindowSize,
		HopLength:       encArgs.AudioEncodingArgs.HopLength,
		NumMels:         encArgs.AudioEncodingArgs.NumMelBins,
		GlobalLogMelMax: encArgs.AudioEncodingArgs.GlobalLogMelMax,
	}

	const conv2Stride = 2

	return &Model{
		Config:          cfg,
		MelConfig:       melCfg,
		Encoder:         enc,
		Adapter:         ad,
		Decoder:         dec,
		Tokenizer:       tok,
		SamplesPerToken: melCfg.HopLength * conv2Stride * downsampleFactor,
	}, nil
}
