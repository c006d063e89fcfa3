package decoder

import (
	"fmt"
	"math"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// timeEmbeddingTheta is the fixed rotary-style base used to build the
// scalar time embedding fed to every layer's ada_norm, independent of the
// attention rope_theta.
const timeEmbeddingTheta = 10000.0

// TimeEmbedding computes the sinusoidal embedding of scalar t (the
// realtime session's delay_tokens) at the given width: half = dim/2,
// inv_freq[i] = exp(-log(theta) * i / half), result = concat(cos(t *
// inv_freq), sin(t * inv_freq)).
func TimeEmbedding(t float64, dim int64) (*tensor.Tensor, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("decoder: time embedding dim must be positive and even, got %d", dim)
	}

	half := dim / 2
	logTheta := math.Log(timeEmbeddingTheta)

	data := make([]float32, dim)
	for i := int64(0); i < half; i++ {
		invFreq := math.Exp(-logTheta * float64(i) / float64(half))
		angle := t * invFreq
		data[i] = float32(math.Cos(angle))
		data[half+i] = float32(math.Sin(angle))
	}

	return tensor.New(data, []int64{dim})
}
