package adapter

import (
	"testing"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

func identityWeight(n int64) *tensor.Tensor {
	data := make([]float32, n*n)
	for i := int64(0); i < n; i++ {
		data[i*n+i] = 1
	}

	t, _ := tensor.New(data, []int64{n, n})
	return t
}

func TestForwardShape(t *testing.T) {
	a := &Adapter{WIn: identityWeight(4), WOut: identityWeight(4)}

	x, _ := tensor.New([]float32{1, 2, 3, 4, 5, 6, 7, 8}, []int64{2, 4})

	out, err := a.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	if got := out.Shape(); got[0] != 2 || got[1] != 4 {
		t.Fatalf("shape = %v, want [2 4]", got)
	}
}

func TestForwardRejectsUninitialized(t *testing.T) {
	var a *Adapter
	if _, err := a.Forward(nil); err == nil {
		t.Fatal("expected error for nil adapter")
	}
}
