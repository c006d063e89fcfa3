package session

import (
	"math"
	"testing"

	"github.com/voxtral/voxtral-stream/internal/adapter"
	"github.com/voxtral/voxtral-stream/internal/decoder"
	"github.com/voxtral/voxtral-stream/internal/encoder"
	"github.com/voxtral/voxtral-stream/internal/mel"
	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
	"github.com/voxtral/voxtral-stream/internal/tokenizer"
	"github.com/voxtral/voxtral-stream/internal/transcribe"
)

func constTensor(shape []int64, v float32) *tensor.Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}

	t, _ := tensor.New(data, shape)
	return t
}

func scaledIdentity(rows, cols int64, scale float32) *tensor.Tensor {
	data := make([]float32, rows*cols)

	n := rows
	if cols < n {
		n = cols
	}

	for i := int64(0); i < n; i++ {
		data[i*cols+i] = scale
	}

	t, _ := tensor.New(data, []int64{rows, cols})
	return t
}

func zeros1(n int64) *tensor.Tensor {
	t, _ := tensor.Zeros([]int64{n})
	return t
}

// fakeTokenizer mirrors internal/transcribe's test fixture: id 1 is BOS,
// id 2 is [STREAMING_PAD], id 5 is EOS, and ids 0/3/4 decode to single
// ASCII bytes 'a'/'b'/'c'.
type fakeTokenizer struct{}

func (fakeTokenizer) SpecialTokenID(name string) (int32, bool) {
	switch name {
	case tokenizer.BOSTokenName:
		return 1, true
	case tokenizer.StreamingPadTokenName:
		return 2, true
	case tokenizer.EOSTokenName:
		return 5, true
	default:
		return 0, false
	}
}

func (fakeTokenizer) DecodedBytes(id int32, ignoreSpecialTokens bool) []byte {
	switch id {
	case 1, 2, 5:
		if ignoreSpecialTokens {
			return nil
		}

		return []byte("<special>")
	case 0:
		return []byte("a")
	case 3:
		return []byte("b")
	case 4:
		return []byte("c")
	default:
		return nil
	}
}

func (fakeTokenizer) AudioMetadata() tokenizer.AudioMetadata {
	return tokenizer.AudioMetadata{StreamingNLeftPadTokens: 1, TranscriptionDelayMS: 80}
}

// tinyModel wires the same 1-layer encoder/adapter/decoder stack as
// internal/transcribe's offline pipeline test, small enough to run a
// realtime session deterministically in a unit test.
func tinyModel(t *testing.T) *transcribe.Model {
	t.Helper()

	const dim, nMels, vocab, condDim = int64(4), int64(3), int64(6), int64(4)

	encAttnNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	encMLPNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	encLayer := &encoder.Layer{
		AttnNorm: encAttnNorm,
		QW:       scaledIdentity(dim, dim, 0.5), QB: zeros1(dim),
		KW: scaledIdentity(dim, dim, 0.5),
		VW: scaledIdentity(dim, dim, 0.5), VB: zeros1(dim),
		OW: scaledIdentity(dim, dim, 0.5), OB: zeros1(dim),
		MLPNorm: encMLPNorm,
		GateW:   scaledIdentity(dim, dim, 0.1),
		UpW:     scaledIdentity(dim, dim, 0.1),
		DownW:   scaledIdentity(dim, dim, 0.1),
	}

	encFinalNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	enc, err := encoder.New(encoder.EncoderParams{
		Conv1W:           constTensor([]int64{dim, 3, nMels}, 0.05),
		Conv1B:           zeros1(dim),
		Conv2W:           constTensor([]int64{dim, 3, dim}, 0.05),
		Conv2B:           zeros1(dim),
		Layers:           []*encoder.Layer{encLayer},
		FinalNorm:        encFinalNorm,
		Dim:              dim,
		Heads:            2,
		HeadDim:          2,
		SlidingWindow:    32,
		DownsampleFactor: 2,
		RopeTheta:        10000,
	})
	if err != nil {
		t.Fatal(err)
	}

	ad := &adapter.Adapter{
		WIn:  constTensor([]int64{dim, enc.DownsampleFactor * dim}, 0.1),
		WOut: scaledIdentity(dim, dim, 1),
	}

	decAttnNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	decMLPNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	decLayer := &decoder.Layer{
		AttnNorm: decAttnNorm,
		QW:       scaledIdentity(dim, dim, 0.5),
		KW:       scaledIdentity(dim/2, dim, 0.5),
		VW:       scaledIdentity(dim/2, dim, 0.5),
		OW:       scaledIdentity(dim, dim, 0.5),
		MLPNorm:  decMLPNorm,
		GateW:    scaledIdentity(dim, dim, 0.1),
		UpW:      scaledIdentity(dim, dim, 0.1),
		DownW:    scaledIdentity(dim, dim, 0.1),
		AdaNorm: &decoder.AdaNorm{
			WIn:  scaledIdentity(condDim, condDim, 0.1),
			WOut: scaledIdentity(dim, condDim, 1),
		},
	}

	decFinalNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := decoder.New(decoder.DecoderParams{
		EmbedTokens: scaledIdentity(vocab, dim, 1),
		Layers:      []*decoder.Layer{decLayer},
		FinalNorm:   decFinalNorm,
		Dim:         dim,
		Heads:       2,
		NKVHeads:    1,
		HeadDim:     2,
		CondDim:     condDim,
		RopeTheta:   10000,
	})
	if err != nil {
		t.Fatal(err)
	}

	melCfg := mel.Config{SampleRate: 16000, NFFT: 4, HopLength: 2, NumMels: int(nMels), GlobalLogMelMax: 1.5}

	const downsampleFactor = 2
	const conv2Stride = 2

	return &transcribe.Model{
		Config:          model.ModelConfig{SlidingWindow: 32},
		MelConfig:       melCfg,
		Encoder:         enc,
		Adapter:         ad,
		Decoder:         dec,
		Tokenizer:       fakeTokenizer{},
		SamplesPerToken: melCfg.HopLength * conv2Stride * downsampleFactor,
	}
}

func sineSamples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i) * 0.2))
	}

	return out
}

func TestAppendAudioSamplesDecodesAcrossChunks(t *testing.T) {
	m := tinyModel(t)

	s, err := New(m, Config{ChunkDurationMS: 80})
	if err != nil {
		t.Fatal(err)
	}

	var out string

	// Feed enough audio, in small pushes of arbitrary size, to cross the
	// prefill threshold and produce at least one decoded position.
	samples := sineSamples(4000)
	for i := 0; i < len(samples); i += 37 {
		end := i + 37
		if end > len(samples) {
			end = len(samples)
		}

		fragment, err := s.AppendAudioSamples(samples[i:end])
		if err != nil {
			t.Fatal(err)
		}

		out += fragment
	}

	if !s.prefilled || s.totalDecodedPositions == 0 {
		t.Fatal("expected prefill to have occurred before finishing the stream")
	}

	fragment, err := s.FinishStream()
	if err != nil {
		t.Fatal(err)
	}

	out += fragment

	_ = out // exact text depends on the tiny fixture's arithmetic, not asserted
}

func TestFinishStreamResetsSessionState(t *testing.T) {
	m := tinyModel(t)

	s, err := New(m, Config{ChunkDurationMS: 80})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AppendAudioSamples(sineSamples(4000)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.FinishStream(); err != nil {
		t.Fatal(err)
	}

	if s.prefilled {
		t.Fatal("expected FinishStream to reset prefilled back to false")
	}

	if !s.firstCycle {
		t.Fatal("expected FinishStream to reset firstCycle back to true")
	}

	if len(s.embedRows) != 0 || len(s.pendingPCM) != 0 {
		t.Fatal("expected FinishStream to clear all buffers")
	}

	if s.totalAudioSamplesFed != 0 || s.totalDecodedPositions != 0 {
		t.Fatal("expected FinishStream to zero every counter")
	}
}

func TestChunkDurationRoundsToNearestWholeToken(t *testing.T) {
	m := tinyModel(t)

	s, err := New(m, Config{ChunkDurationMS: 90})
	if err != nil {
		t.Fatal(err)
	}

	wantTokens := 1 // round(90/80)
	if s.chunkSamples != wantTokens*m.SamplesPerToken {
		t.Fatalf("chunkSamples = %d, want %d", s.chunkSamples, wantTokens*m.SamplesPerToken)
	}
}
