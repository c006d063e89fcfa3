package ops

import (
	"fmt"
	"math"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// SwiGLUMLP computes down_proj(SiLU(gate_proj(x)) * up_proj(x)), the gated
// MLP used by the decoder's transformer blocks. Unlike a 2-linear
// silu(linear(x)) MLP, SwiGLU takes three weight matrices and no biases.
func SwiGLUMLP(x, gateWeight, upWeight, downWeight *tensor.Tensor) (*tensor.Tensor, error) {
	gate, err := tensor.Linear(x, gateWeight, nil)
	if err != nil {
		return nil, fmt.Errorf("ops: swiglu gate_proj: %w", err)
	}

	up, err := tensor.Linear(x, upWeight, nil)
	if err != nil {
		return nil, fmt.Errorf("ops: swiglu up_proj: %w", err)
	}

	gateData := gate.RawData()
	upData := up.RawData()

	if len(gateData) != len(upData) {
		return nil, fmt.Errorf("ops: swiglu gate/up element count mismatch %d vs %d", len(gateData), len(upData))
	}

	for i, g := range gateData {
		gateData[i] = silu(g) * upData[i]
	}

	out, err := tensor.Linear(gate, downWeight, nil)
	if err != nil {
		return nil, fmt.Errorf("ops: swiglu down_proj: %w", err)
	}

	return out, nil
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// GELU applies the exact (erf-based) Gaussian Error Linear Unit in place,
// the activation used after the encoder's causal convolutions and inside
// the downsample adapter's MLP.
func GELU(x *tensor.Tensor) {
	data := x.RawData()
	for i, v := range data {
		data[i] = float32(0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2)))
	}
}
