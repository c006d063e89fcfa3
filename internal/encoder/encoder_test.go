package encoder

import (
	"math"
	"testing"

	"github.com/voxtral/voxtral-stream/internal/adapter"
	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// constTensor builds a tensor of the given shape filled with a constant.
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

// scaledIdentity builds an (n, n) matrix equal to scale * I.
func scaledIdentity(n int64, scale float32) *tensor.Tensor {
	data := make([]float32, n*n)
	for i := int64(0); i < n; i++ {
		data[i*n+i] = scale
	}

	t, _ := tensor.New(data, []int64{n, n})
	return t
}

func zeros1(n int64) *tensor.Tensor {
	t, _ := tensor.Zeros([]int64{n})
	return t
}

// tinyEncoder builds a 1-layer encoder with small, deterministic weights:
// dim=4, heads=2, headDim=2, n_mels=3, sliding_window=8, downsample_factor=2.
func tinyEncoder(t *testing.T) (*Encoder, *adapter.Adapter) {
	t.Helper()

	const dim, nMels = int64(4), int64(3)

	attnNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	mlpNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	layer := &Layer{
		AttnNorm: attnNorm,
		QW:       scaledIdentity(dim, 0.5), QB: zeros1(dim),
		KW: scaledIdentity(dim, 0.5),
		VW: scaledIdentity(dim, 0.5), VB: zeros1(dim),
		OW: scaledIdentity(dim, 0.5), OB: zeros1(dim),
		MLPNorm: mlpNorm,
		GateW:   scaledIdentity(dim, 0.1),
		UpW:     scaledIdentity(dim, 0.1),
		DownW:   scaledIdentity(dim, 0.1),
	}

	finalNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	cos, sin, err := ops.BuildRoPETables(1024, 2, 10000)
	if err != nil {
		t.Fatal(err)
	}

	e := &Encoder{
		Conv1W: constTensor([]int64{dim, 3, nMels}, 0.05),
		Conv1B: zeros1(dim),
		Conv2W: constTensor([]int64{dim, 3, dim}, 0.05),
		Conv2B: zeros1(dim),
		Layers: []*Layer{layer},
		FinalNorm: finalNorm,
		Dim:              dim,
		Heads:            2,
		HeadDim:          2,
		SlidingWindow:    8,
		DownsampleFactor: 2,
		cos:              cos,
		sin:              sin,
	}

	ad := &adapter.Adapter{
		WIn:  constTensor([]int64{dim, e.DownsampleFactor * dim}, 0.1),
		WOut: scaledIdentity(dim, 1),
	}

	return e, ad
}

func sineMel(nMels, frames int64) *tensor.Tensor {
	data := make([]float32, nMels*frames)
	for m := int64(0); m < nMels; m++ {
		for f := int64(0); f < frames; f++ {
			data[m*frames+f] = float32(math.Sin(float64(m+1) * float64(f) * 0.1))
		}
	}

	out, _ := tensor.New(data, []int64{nMels, frames})
	return out
}

func TestEncodeOfflineShape(t *testing.T) {
	e, ad := tinyEncoder(t)

	mel := sineMel(3, 10)

	out, err := e.Encode(mel, ad)
	if err != nil {
		t.Fatal(err)
	}

	// 10 mel frames -> conv1 (stride 1) keeps length 10 -> conv2 (stride 2,
	// causal pad 1) halves to 5 -> downsample factor 2 drops the leading
	// remainder (1) and groups the remaining 4 into 2 rows.
	shape := out.Shape()
	if shape[0] != 2 || shape[1] != e.Dim {
		t.Fatalf("shape = %v, want [2 %d]", shape, e.Dim)
	}
}

func TestEncodeDropsOddLeadingFrame(t *testing.T) {
	e, ad := tinyEncoder(t)

	mel := sineMel(3, 11)

	out, err := e.Encode(mel, ad)
	if err != nil {
		t.Fatal(err)
	}

	// 11 frames -> drop 1 -> 10 frames -> conv2 stride 2 halves -> 5 -> /2 downsample -> 2 groups.
	if got := out.Shape()[0]; got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}
}

func TestEncodeStepMatchesOfflineAcrossArbitraryChunking(t *testing.T) {
	e, ad := tinyEncoder(t)

	mel := sineMel(3, 10)

	off, err := e.Encode(mel, ad)
	if err != nil {
		t.Fatal(err)
	}

	st := e.NewStreamState()

	var got []*tensor.Tensor

	remaining := mel
	offset := int64(0)

	for _, width := range []int64{3, 4, 3} {
		chunk, err := remaining.Narrow(1, offset, width)
		if err != nil {
			t.Fatal(err)
		}

		offset += width

		out, err := e.EncodeStep(chunk, st, ad)
		if err != nil {
			t.Fatal(err)
		}

		if out != nil {
			got = append(got, out)
		}
	}

	stepOut, err := tensor.Concat(got, 0)
	if err != nil {
		t.Fatal(err)
	}

	offData := off.Data()
	stepData := stepOut.Data()

	if len(offData) != len(stepData) {
		t.Fatalf("length mismatch: offline %d vs streaming %d", len(offData), len(stepData))
	}

	for i := range offData {
		if diff := math.Abs(float64(offData[i] - stepData[i])); diff > 1e-3 {
			t.Fatalf("mismatch at %d: offline=%v streaming=%v", i, offData[i], stepData[i])
		}
	}
}

func TestEncodeStepReturnsNilBeforeFirstGroupComplete(t *testing.T) {
	e, ad := tinyEncoder(t)

	st := e.NewStreamState()

	mel := sineMel(3, 1)

	out, err := e.EncodeStep(mel, st, ad)
	if err != nil {
		t.Fatal(err)
	}

	if out != nil {
		t.Fatalf("expected nil audio embeddings for a single incomplete downsample group, got shape %v", out.Shape())
	}
}
