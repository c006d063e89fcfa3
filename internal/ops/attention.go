package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// CausalMask sets positions where key index > query index + offset to -Inf.
// Expected input shape: [..., query, key].
func CausalMask(scores *tensor.Tensor, offset int64) (*tensor.Tensor, error) {
	if scores == nil {
		return nil, errors.New("ops: causal mask scores is nil")
	}

	shape := scores.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("ops: causal mask requires rank >= 2, got %d", len(shape))
	}

	q := int(shape[len(shape)-2])

	k := int(shape[len(shape)-1])
	if q <= 0 || k <= 0 {
		return nil, fmt.Errorf("ops: causal mask requires positive query/key dims, got %d and %d", q, k)
	}

	out := scores.Clone()
	data := out.RawData()
	blocks := len(data) / (q * k)
	negInf := float32(math.Inf(-1))

	for b := range blocks {
		base := b * q * k
		for qi := range q {
			maxKey := int64(qi) + offset

			row := base + qi*k
			for ki := range k {
				if int64(ki) > maxKey {
					data[row+ki] = negInf
				}
			}
		}
	}

	return out, nil
}

// Attention computes grouped-query scaled dot-product attention.
//
// q: [heads, tq, d]       k: [kvHeads, tk, d]       v: [kvHeads, tk, dv]
// output: [heads, tq, dv]
//
// heads must be a positive multiple of kvHeads; query head h reads from
// kv head h/(heads/kvHeads), matching the GQA broadcast every layer of the
// decoder uses. When heads == kvHeads this degenerates to ordinary
// multi-head attention.
func Attention(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape, kShape, vShape := q.Shape(), k.Shape(), v.Shape()
	if len(qShape) != 3 || len(kShape) != 3 || len(vShape) != 3 {
		return nil, fmt.Errorf("ops: attention requires rank-3 [heads, seq, dim] inputs, got %v, %v, %v", qShape, kShape, vShape)
	}

	heads, tq, d := qShape[0], qShape[1], qShape[2]
	kvHeads, tk, dk := kShape[0], kShape[1], kShape[2]
	_, tkv, dv := vShape[0], vShape[1], vShape[2]

	if d != dk {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, dk)
	}

	if tk != tkv {
		return nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", tk, tkv)
	}

	if kvHeads <= 0 || heads%kvHeads != 0 {
		return nil, fmt.Errorf("ops: attention heads %d must be a positive multiple of kv heads %d", heads, kvHeads)
	}

	group := heads / kvHeads

	out, err := tensor.Zeros([]int64{heads, tq, dv})
	if err != nil {
		return nil, err
	}

	scale := float32(1.0 / math.Sqrt(float64(d)))

	qData, kData, vData, outData := q.RawData(), k.RawData(), v.RawData(), out.RawData()

	parallelFor(int(heads), tensor.Workers(), func(lo, hi int) {
		scores := make([]float32, tq*tk)

		for h := lo; h < hi; h++ {
			kvH := int64(h) / group
			qHead := qData[int64(h)*tq*d : (int64(h)+1)*tq*d]
			kHead := kData[kvH*tk*d : (kvH+1)*tk*d]
			vHead := vData[kvH*tk*dv : (kvH+1)*tk*dv]

			for qi := range tq {
				qRow := qHead[qi*d : (qi+1)*d]
				scoreRow := scores[qi*tk : (qi+1)*tk]

				maxKey := qi + offset

				maxV := float32(math.Inf(-1))

				for ki := range tk {
					if causal && ki > maxKey {
						scoreRow[ki] = float32(math.Inf(-1))
						continue
					}

					s := tensor.DotProduct(qRow, kHead[ki*d:(ki+1)*d]) * scale
					scoreRow[ki] = s

					if s > maxV {
						maxV = s
					}
				}

				var sum float64
				for ki := range tk {
					e := math.Exp(float64(scoreRow[ki] - maxV))
					scoreRow[ki] = float32(e)
					sum += e
				}

				inv := float32(1.0 / sum)

				outRow := outData[(int64(h)*tq+qi)*dv : (int64(h)*tq+qi+1)*dv]
				for ki := range tk {
					p := scoreRow[ki] * inv
					if p == 0 {
						continue
					}

					tensor.Axpy(outRow, p, vHead[ki*dv:(ki+1)*dv])
				}
			}
		}
	})

	return out, nil
}
