package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/voxtral/voxtral-stream/internal/safetensors"
	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// VarBuilder provides hierarchical, dot-joined tensor lookup over a
// safetensors store: vb.Path("decoder", "layers", "3").Tensor("self_attn.q_proj.weight")
// resolves to "decoder.layers.3.self_attn.q_proj.weight".
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

// OpenVarBuilder opens a safetensors file and wraps it in a VarBuilder.
func OpenVarBuilder(path string, opts safetensors.StoreOptions) (*VarBuilder, error) {
	store, err := safetensors.OpenStore(path, opts)
	if err != nil {
		return nil, err
	}

	return &VarBuilder{store: store}, nil
}

// NewVarBuilder wraps an already-open store.
func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

// Path returns a VarBuilder scoped to a deeper dot-joined prefix.
func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{store: vb.store, prefix: prefix}
}

// Has reports whether the resolved tensor name exists in the store.
// TensorMaybe uses it to skip optional tensors; the encoder and decoder
// loaders take their layer counts from the model config instead.
func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.store == nil {
		return false
	}

	return vb.store.Has(vb.resolve(name))
}

// Tensor loads the resolved tensor, optionally validating its shape.
func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("model: varbuilder uninitialized store")
	}

	fullName := vb.resolve(name)

	st, err := vb.store.Tensor(fullName)
	if err != nil {
		return nil, err
	}

	if len(wantShape) > 0 && !equalShape(st.Shape, wantShape) {
		return nil, fmt.Errorf("model: varbuilder tensor %q shape %v does not match expected %v", fullName, st.Shape, wantShape)
	}

	t, err := tensor.New(st.Data, st.Shape)
	if err != nil {
		return nil, fmt.Errorf("model: varbuilder tensor %q: %w", fullName, err)
	}

	return t, nil
}

// TensorMaybe loads the resolved tensor if present, without erroring when
// it's absent — used for optional bias tensors.
func (vb *VarBuilder) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err := vb.Tensor(name, wantShape...)
	if err != nil {
		return nil, true, err
	}

	return t, true, nil
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb == nil || vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
