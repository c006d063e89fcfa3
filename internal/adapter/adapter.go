// Package adapter implements the downsample adapter that bridges the
// audio encoder's per-frame hidden states to the decoder's embedding
// space: two bias-free linear layers around a GELU, consuming
// downsample_factor grouped encoder frames per output row.
package adapter

import (
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/ops"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// Adapter is Linear(w_in) -> GELU -> Linear(w_out), no biases.
type Adapter struct {
	WIn  *tensor.Tensor // [dim, downsample_factor*enc_dim]
	WOut *tensor.Tensor // [dim, dim]
}

// Load reads the adapter's two projection weights from vb scoped to
// "adapter".
func Load(vb *model.VarBuilder) (*Adapter, error) {
	a := vb.Path("adapter")

	wIn, err := a.Tensor("w_in.weight")
	if err != nil {
		return nil, fmt.Errorf("adapter: w_in: %w", err)
	}

	wOut, err := a.Tensor("w_out.weight")
	if err != nil {
		return nil, fmt.Errorf("adapter: w_out: %w", err)
	}

	return &Adapter{WIn: wIn, WOut: wOut}, nil
}

// Forward projects x (rows, downsample_factor*enc_dim) to (rows, dim).
func (a *Adapter) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("adapter: not initialized")
	}

	h, err := tensor.Linear(x, a.WIn, nil)
	if err != nil {
		return nil, fmt.Errorf("adapter: w_in: %w", err)
	}

	ops.GELU(h)

	out, err := tensor.Linear(h, a.WOut, nil)
	if err != nil {
		return nil, fmt.Errorf("adapter: w_out: %w", err)
	}

	return out, nil
}
