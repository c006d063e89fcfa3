package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http/httptest"
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

func TestParseLogLevel(t *testing.T) {
	cases := map[string]bool{
		"":      true,
		"info":  true,
		"debug": true,
		"warn":  true,
		"error": true,
		"bogus": false,
	}

	for level, wantOK := range cases {
		_, err := ParseLogLevel(level)
		if (err == nil) != wantOK {
			t.Errorf("ParseLogLevel(%q) err = %v, wantOK %v", level, err, wantOK)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	h := NewHandler(tinyModel(t))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}

	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want %q", body["status"], "ok")
	}
}

func float32sToBytes(samples []float32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}

	return buf
}

func TestHandleTranscribeStreamEmitsNDJSON(t *testing.T) {
	h := NewHandler(tinyModel(t))

	samples := make([]float32, 4000)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) * 0.2))
	}

	req := httptest.NewRequest("POST", "/v1/transcribe/stream", bytes.NewReader(float32sToBytes(samples)))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}

	// Every emitted line must be valid JSON.
	for _, line := range bytes.Split(bytes.TrimSpace(rec.Body.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		var msg fragmentMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("invalid ndjson line %q: %v", line, err)
		}
	}
}

func TestHandleTranscribeStreamRejectsGet(t *testing.T) {
	h := NewHandler(tinyModel(t))

	req := httptest.NewRequest("GET", "/v1/transcribe/stream", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != 405 {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestBytesToFloat32HoldsBackPartialSample(t *testing.T) {
	samples, leftover := bytesToFloat32(float32sToBytes([]float32{1, 2, 3})[:10])

	if len(samples) != 2 {
		t.Fatalf("decoded %d samples, want 2", len(samples))
	}

	if len(leftover) != 2 {
		t.Fatalf("leftover = %d bytes, want 2", len(leftover))
	}
}
