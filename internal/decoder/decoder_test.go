package decoder

import (
	"math/rand"
	"testing"

	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
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

// tinyDecoder builds a 1-layer decoder: dim=4, heads=2, kv_heads=1,
// head_dim=2, cond_dim=4, vocab=6.
func tinyDecoder(t *testing.T) *Decoder {
	t.Helper()

	const dim, vocab, condDim = int64(4), int64(6), int64(4)

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
		QW:       scaledIdentity(dim, dim, 0.5), // heads*headDim == dim here
		KW:       scaledIdentity(dim/2, dim, 0.5), // kv_heads*headDim == dim/2
		VW:       scaledIdentity(dim/2, dim, 0.5),
		OW:       scaledIdentity(dim, dim, 0.5),
		MLPNorm:  mlpNorm,
		GateW:    scaledIdentity(dim, dim, 0.1),
		UpW:      scaledIdentity(dim, dim, 0.1),
		DownW:    scaledIdentity(dim, dim, 0.1),
		AdaNorm: &AdaNorm{
			WIn:  scaledIdentity(condDim, condDim, 0.1),
			WOut: scaledIdentity(dim, condDim, 1),
		},
	}

	finalNorm, err := ops.NewRMSNorm(constTensor([]int64{dim}, 1), 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	cos, sin, err := ops.BuildRoPETables(1024, 2, 10000)
	if err != nil {
		t.Fatal(err)
	}

	return &Decoder{
		EmbedTokens: scaledIdentity(vocab, dim, 1),
		Layers:      []*Layer{layer},
		FinalNorm:   finalNorm,
		Dim:         dim,
		Heads:       2,
		NKVHeads:    1,
		HeadDim:     2,
		CondDim:     condDim,
		cos:         cos,
		sin:         sin,
	}
}

func TestEmbedAndLogitsShape(t *testing.T) {
	d := tinyDecoder(t)

	emb, err := d.EmbedIDs([]int64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}

	if shape := emb.Shape(); shape[0] != 3 || shape[1] != d.Dim {
		t.Fatalf("embed shape = %v, want [3 %d]", shape, d.Dim)
	}

	logits, err := d.Logits(emb)
	if err != nil {
		t.Fatal(err)
	}

	if shape := logits.Shape(); shape[0] != 3 || shape[1] != int64(d.EmbedTokens.Shape()[0]) {
		t.Fatalf("logits shape = %v, want [3 %d]", shape, d.EmbedTokens.Shape()[0])
	}
}

func TestForwardPrefillThenDecodeStep(t *testing.T) {
	d := tinyDecoder(t)

	scales, err := d.PrecomputeAdaScales(480)
	if err != nil {
		t.Fatal(err)
	}

	if len(scales) != len(d.Layers) {
		t.Fatalf("got %d scale vectors, want %d", len(scales), len(d.Layers))
	}

	st := d.NewState(64)

	emb, err := d.EmbedIDs([]int64{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}

	prefillOut, err := d.Forward(emb, st, scales, true)
	if err != nil {
		t.Fatal(err)
	}

	if shape := prefillOut.Shape(); shape[0] != 4 || shape[1] != d.Dim {
		t.Fatalf("prefill output shape = %v, want [4 %d]", shape, d.Dim)
	}

	next, err := d.EmbedIDs([]int64{5})
	if err != nil {
		t.Fatal(err)
	}

	decodeOut, err := d.Forward(next, st, scales, false)
	if err != nil {
		t.Fatal(err)
	}

	if shape := decodeOut.Shape(); shape[0] != 1 || shape[1] != d.Dim {
		t.Fatalf("decode step output shape = %v, want [1 %d]", shape, d.Dim)
	}
}

func TestForwardRejectsWrongScaleCount(t *testing.T) {
	d := tinyDecoder(t)

	st := d.NewState(64)

	emb, err := d.EmbedIDs([]int64{1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.Forward(emb, st, nil, false); err == nil {
		t.Fatal("expected an error for a missing ada scale vector")
	}
}

func TestSampleGreedyIsDeterministic(t *testing.T) {
	logits := constTensor([]int64{5}, 0)
	data := logits.RawData()
	data[3] = 10

	id, err := Sample(logits, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	if id != 3 {
		t.Fatalf("argmax id = %d, want 3", id)
	}
}

func TestSampleCategoricalPicksValidID(t *testing.T) {
	logits := constTensor([]int64{4}, 0)

	rng := rand.New(rand.NewSource(1))

	id, err := Sample(logits, 1.0, rng)
	if err != nil {
		t.Fatal(err)
	}

	if id < 0 || id >= 4 {
		t.Fatalf("sampled id %d out of vocab range", id)
	}
}

func TestTimeEmbeddingShapeAndSymmetry(t *testing.T) {
	emb, err := TimeEmbedding(0, 8)
	if err != nil {
		t.Fatal(err)
	}

	data := emb.Data()
	if len(data) != 8 {
		t.Fatalf("time embedding length = %d, want 8", len(data))
	}

	// at t=0, cos(0)=1 for every frequency and sin(0)=0.
	for i := 0; i < 4; i++ {
		if data[i] != 1 {
			t.Fatalf("cos half[%d] = %v, want 1", i, data[i])
		}

		if data[4+i] != 0 {
			t.Fatalf("sin half[%d] = %v, want 0", i, data[4+i])
		}
	}
}
