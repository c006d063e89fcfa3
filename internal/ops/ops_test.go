package ops

import (
	"math"
	"testing"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

func TestCausalMask(t *testing.T) {
	scores, _ := tensor.Zeros([]int64{1, 3, 3})

	out, err := CausalMask(scores, 0)
	if err != nil {
		t.Fatal(err)
	}

	data := out.RawData()
	if !math.IsInf(float64(data[0*3+1]), -1) {
		t.Fatal("expected future key masked to -inf")
	}

	if math.IsInf(float64(data[2*3+0]), -1) {
		t.Fatal("past key should not be masked")
	}
}

func TestAttentionGQABroadcast(t *testing.T) {
	// 4 query heads, 2 kv heads: heads 0,1 -> kv 0; heads 2,3 -> kv 1.
	q, _ := tensor.New(make([]float32, 4*2*2), []int64{4, 2, 2})
	for i := range q.RawData() {
		q.RawData()[i] = float32(i%7) - 3
	}

	k, _ := tensor.New(make([]float32, 2*2*2), []int64{2, 2, 2})
	for i := range k.RawData() {
		k.RawData()[i] = float32(i%5) - 2
	}

	v, _ := tensor.New(make([]float32, 2*2*2), []int64{2, 2, 2})
	for i := range v.RawData() {
		v.RawData()[i] = float32(i)
	}

	out, err := Attention(q, k, v, true, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got := out.Shape(); got[0] != 4 || got[1] != 2 || got[2] != 2 {
		t.Fatalf("unexpected attention output shape %v", got)
	}
}

func TestAttentionRejectsBadHeadRatio(t *testing.T) {
	q, _ := tensor.Zeros([]int64{3, 2, 4})
	k, _ := tensor.Zeros([]int64{2, 2, 4})
	v, _ := tensor.Zeros([]int64{2, 2, 4})

	if _, err := Attention(q, k, v, false, 0); err == nil {
		t.Fatal("expected error for heads not a multiple of kv heads")
	}
}

func TestRoPEPreservesNorm(t *testing.T) {
	cos, sin, err := BuildRoPETables(8, 4, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x, _ := tensor.New([]float32{1, 0, 0, 1}, []int64{1, 4})

	out, err := RoPE(x, cos, sin, 3)
	if err != nil {
		t.Fatal(err)
	}

	var norm float64
	for _, v := range out.RawData() {
		norm += float64(v) * float64(v)
	}

	if math.Abs(norm-2) > 1e-4 {
		t.Fatalf("rope should preserve vector norm, got %v want 2", norm)
	}
}

func TestSwiGLUMLPShape(t *testing.T) {
	x, _ := tensor.New([]float32{1, 2}, []int64{1, 2})
	gate, _ := tensor.New([]float32{1, 0, 0, 1, 1, 1}, []int64{3, 2})
	up, _ := tensor.New([]float32{1, 0, 0, 1, 1, 1}, []int64{3, 2})
	down, _ := tensor.New([]float32{1, 1, 1}, []int64{1, 3})

	out, err := SwiGLUMLP(x, gate, up, down)
	if err != nil {
		t.Fatal(err)
	}

	if got := out.Shape(); got[0] != 1 || got[1] != 1 {
		t.Fatalf("unexpected swiglu output shape %v", got)
	}
}

func TestRMSNormUnitScale(t *testing.T) {
	weight, _ := tensor.New([]float32{1, 1, 1, 1}, []int64{4})

	n, err := NewRMSNorm(weight, 1e-5)
	if err != nil {
		t.Fatal(err)
	}

	x, _ := tensor.New([]float32{2, 2, 2, 2}, []int64{4})

	out, err := n.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range out.RawData() {
		if math.Abs(float64(v-1)) > 1e-4 {
			t.Fatalf("rmsnorm of a constant vector should normalize to 1, got %v", v)
		}
	}
}

func TestAdaRMSNormScaling(t *testing.T) {
	n := NewAdaRMSNorm(4, 1e-5)

	x, _ := tensor.New([]float32{2, 2, 2, 2}, []int64{4})
	scale, _ := tensor.New([]float32{1, 1, 1, 1}, []int64{4})

	out, err := n.Forward(x, scale)
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range out.RawData() {
		if math.Abs(float64(v-2)) > 1e-4 {
			t.Fatalf("ada_rms_norm with scale=1 should double the unit-normalized value, got %v", v)
		}
	}
}

func TestConv1DCausalShape(t *testing.T) {
	input, _ := tensor.New([]float32{1, 2, 3, 4, 5}, []int64{1, 1, 5})
	// kernel layout: (out_channels, kernel_size, in_channels)
	kernel, _ := tensor.New([]float32{1, 1, 1}, []int64{1, 3, 1})

	out, err := Conv1D(input, kernel, nil, 1, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	if got := out.Shape(); got[2] != 7 {
		t.Fatalf("left+right padding of kernelSize-1 should add kernelSize-1 output frames, got %v", got)
	}
}
