package tensor

import "testing"

func TestAddResidualBroadcastsConditioningRow(t *testing.T) {
	x, _ := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})
	delta, _ := New([]float32{10, 20, 30}, []int64{1, 3})

	out, err := AddResidual(x, delta)
	if err != nil {
		t.Fatalf("AddResidual: %v", err)
	}

	want := []float32{11, 22, 33, 14, 25, 36}
	for i, v := range want {
		if got := out.Data()[i]; got != v {
			t.Fatalf("AddResidual[%d] = %v, want %v", i, got, v)
		}
	}
}

func TestScaleRowsBroadcastsAdaNormVector(t *testing.T) {
	x, _ := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})
	scale, _ := New([]float32{10, 20, 30}, []int64{1, 3})

	out, err := ScaleRows(x, scale)
	if err != nil {
		t.Fatalf("ScaleRows: %v", err)
	}

	want := []float32{10, 40, 90, 40, 100, 180}
	for i, v := range want {
		if got := out.Data()[i]; got != v {
			t.Fatalf("ScaleRows[%d] = %v, want %v", i, got, v)
		}
	}
}

func TestFuseEmbeddingsAddsTokenAndAudioRows(t *testing.T) {
	tok, _ := New([]float32{1, 2, 3}, []int64{1, 3})
	audio, _ := New([]float32{0.5, 0.5, 0.5}, []int64{1, 3})

	out, err := FuseEmbeddings(tok, audio)
	if err != nil {
		t.Fatalf("FuseEmbeddings: %v", err)
	}

	want := []float32{1.5, 2.5, 3.5}
	for i, v := range want {
		if got := out.Data()[i]; got != v {
			t.Fatalf("FuseEmbeddings[%d] = %v, want %v", i, got, v)
		}
	}
}

func TestBroadcastShapeRejectsIncompatibleAxes(t *testing.T) {
	a, _ := New([]float32{1, 2, 3, 4}, []int64{2, 2})
	b, _ := New([]float32{1, 2, 3}, []int64{3})

	if _, err := AddResidual(a, b); err == nil {
		t.Fatal("expected error for incompatible broadcast shapes")
	}
}

func TestBroadcastRejectsNilOperands(t *testing.T) {
	x, _ := New([]float32{1}, []int64{1})

	if _, err := AddResidual(nil, x); err == nil {
		t.Fatal("expected error for nil operand")
	}

	if _, err := ScaleRows(x, nil); err == nil {
		t.Fatal("expected error for nil operand")
	}
}
