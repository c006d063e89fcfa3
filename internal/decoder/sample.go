package decoder

import (
	"fmt"
	"math/rand"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// Sample picks the next token id from the last-position logits of a
// (..., vocab) tensor (only the final row along the leading axis is used).
// temperature <= 0 selects greedy argmax; otherwise the id is drawn from
// categorical(softmax(logits / temperature)) using rng.
func Sample(logits *tensor.Tensor, temperature float32, rng *rand.Rand) (int32, error) {
	shape := logits.Shape()
	if len(shape) == 0 {
		return 0, fmt.Errorf("decoder: sample requires a non-scalar logits tensor")
	}

	vocab := shape[len(shape)-1]
	data := logits.RawData()

	if int64(len(data)) < vocab {
		return 0, fmt.Errorf("decoder: sample logits too short for vocab %d", vocab)
	}

	last := data[int64(len(data))-vocab:]

	if temperature <= 0 {
		return argmax(last), nil
	}

	return categorical(last, temperature, rng)
}

func argmax(logits []float32) int32 {
	best := 0
	bestV := logits[0]

	for i, v := range logits[1:] {
		if v > bestV {
			bestV = v
			best = i + 1
		}
	}

	return int32(best)
}

func categorical(logits []float32, temperature float32, rng *rand.Rand) (int32, error) {
	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = v / temperature
	}

	probs, err := softmax1D(scaled)
	if err != nil {
		return 0, err
	}

	r := rng.Float64()

	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if r < cum {
			return int32(i), nil
		}
	}

	return int32(len(probs) - 1), nil
}

func softmax1D(x []float32) ([]float32, error) {
	t, err := tensor.New(append([]float32(nil), x...), []int64{int64(len(x))})
	if err != nil {
		return nil, err
	}

	out, err := tensor.Softmax(t, 0)
	if err != nil {
		return nil, fmt.Errorf("decoder: softmax: %w", err)
	}

	return out.Data(), nil
}
