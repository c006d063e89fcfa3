// Package kvcache implements the rotating key/value cache shared by the
// encoder's sliding-window self-attention and the decoder's causal
// attention: a bounded-length history that grows by concatenation during
// multi-position prefill and updates in place, circular-buffer style,
// during single-token decode.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// allocStep is the in-place path's amortized growth increment.
const allocStep = 256

// Cache is a rotating key/value cache for one attention layer. Keys and
// values are shaped (heads, length, headDim); the batch dimension of the
// original design is always 1 in this model and is dropped. The zero value
// is an empty cache ready to use.
type Cache struct {
	keys, values *tensor.Tensor
	offset       int64 // total positions ever appended
	idx          int64 // logical write head in the circular buffer
	maxSize      int64
}

// New creates an empty cache bounded to maxSize positions.
func New(maxSize int64) *Cache {
	return &Cache{maxSize: maxSize}
}

// MaxSize returns the configured sliding-window bound.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// Offset returns the total number of positions ever appended.
func (c *Cache) Offset() int64 { return c.offset }

// UpdateAndFetch appends newK/newV (shape (heads, T, headDim)) to the
// cache and returns a temporally-usable view of keys and values.
//
// T > 1 (prefill) takes the concat growth path: any existing content is
// rewritten into strict temporal order, trimmed to the newest maxSize
// rows, and the new positions are appended — the result is always in
// oldest-to-newest order, because prefill attention is causally masked
// over it and needs a correctly ordered context.
//
// T == 1 (decode) takes the in-place circular-buffer path and returns the
// raw buffer unordered: decode attention runs unmasked over the full
// cached context, and attention over a key/value axis is invariant to the
// axis's row order, so no rewrite is needed on the hot per-token path.
func (c *Cache) UpdateAndFetch(newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if newK == nil || newV == nil {
		return nil, nil, errors.New("kvcache: update requires non-nil key/value tensors")
	}

	kShape, vShape := newK.Shape(), newV.Shape()
	if len(kShape) != 3 || len(vShape) != 3 {
		return nil, nil, fmt.Errorf("kvcache: expected rank-3 (heads, seq, headDim) tensors, got %v, %v", kShape, vShape)
	}

	if kShape[1] != vShape[1] {
		return nil, nil, fmt.Errorf("kvcache: key/value sequence length mismatch %d vs %d", kShape[1], vShape[1])
	}

	t := kShape[1]
	if t <= 0 {
		return nil, nil, errors.New("kvcache: update sequence length must be positive")
	}

	if t > 1 {
		return c.updateConcat(newK, newV)
	}

	return c.updateInPlace(newK, newV)
}

func (c *Cache) updateConcat(newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	t := newK.Shape()[1]

	orderedK, orderedV, err := c.Ordered()
	if err != nil {
		return nil, nil, err
	}

	var catK, catV *tensor.Tensor

	if orderedK == nil {
		catK, catV = newK.Clone(), newV.Clone()
	} else {
		catK, err = tensor.Concat([]*tensor.Tensor{orderedK, newK}, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("kvcache: concat keys: %w", err)
		}

		catV, err = tensor.Concat([]*tensor.Tensor{orderedV, newV}, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("kvcache: concat values: %w", err)
		}
	}

	length := catK.Shape()[1]
	if length > c.maxSize {
		drop := length - c.maxSize

		catK, err = catK.Narrow(1, drop, c.maxSize)
		if err != nil {
			return nil, nil, err
		}

		catV, err = catV.Narrow(1, drop, c.maxSize)
		if err != nil {
			return nil, nil, err
		}

		length = c.maxSize
	}

	c.keys, c.values = catK, catV
	c.idx = length
	c.offset += t

	return c.keys, c.values, nil
}

func (c *Cache) updateInPlace(newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if c.keys == nil {
		initLen := allocStep
		if int64(initLen) > c.maxSize {
			initLen = int(c.maxSize)
		}

		headShape := newK.Shape()
		valShape := newV.Shape()

		var err error

		c.keys, err = tensor.Zeros([]int64{headShape[0], int64(initLen), headShape[2]})
		if err != nil {
			return nil, nil, err
		}

		c.values, err = tensor.Zeros([]int64{valShape[0], int64(initLen), valShape[2]})
		if err != nil {
			return nil, nil, err
		}

		c.idx = 0
	}

	allocated := c.keys.Shape()[1]

	if allocated < c.maxSize && c.idx == allocated {
		grow := int64(allocStep)
		if remaining := c.maxSize - c.offset; remaining < grow {
			grow = remaining
		}

		if grow > 0 {
			var err error

			c.keys, err = growRows(c.keys, grow)
			if err != nil {
				return nil, nil, err
			}

			c.values, err = growRows(c.values, grow)
			if err != nil {
				return nil, nil, err
			}

			allocated = c.keys.Shape()[1]
		}
	}

	if allocated > c.maxSize {
		drop := allocated - c.maxSize

		var err error

		c.keys, err = c.keys.Narrow(1, drop, c.maxSize)
		if err != nil {
			return nil, nil, err
		}

		c.values, err = c.values.Narrow(1, drop, c.maxSize)
		if err != nil {
			return nil, nil, err
		}

		c.idx = c.maxSize
	}

	if c.idx == c.maxSize {
		c.idx = 0
	}

	if err := writeRow(c.keys, c.idx, newK); err != nil {
		return nil, nil, err
	}

	if err := writeRow(c.values, c.idx, newV); err != nil {
		return nil, nil, err
	}

	c.offset++
	c.idx++

	if c.offset >= c.maxSize {
		return c.keys, c.values, nil
	}

	view, err := c.keys.Narrow(1, 0, c.idx)
	if err != nil {
		return nil, nil, err
	}

	vview, err := c.values.Narrow(1, 0, c.idx)
	if err != nil {
		return nil, nil, err
	}

	return view, vview, nil
}

// Ordered returns the cache's current contents rewritten into strict
// oldest-to-newest temporal order, or (nil, nil, nil) for an empty cache.
// UpdateAndFetch's in-place decode path skips this rewrite on every call
// for performance; call Ordered directly when an explicitly ordered view
// is needed regardless of which path last wrote to the cache (e.g. to
// inspect or export cache contents outside the hot decode loop).
func (c *Cache) Ordered() (*tensor.Tensor, *tensor.Tensor, error) {
	if c.keys == nil {
		return nil, nil, nil
	}

	if c.idx >= c.offset {
		k, err := c.keys.Narrow(1, 0, c.idx)
		if err != nil {
			return nil, nil, err
		}

		v, err := c.values.Narrow(1, 0, c.idx)
		if err != nil {
			return nil, nil, err
		}

		return k, v, nil
	}

	length := c.keys.Shape()[1]

	kRight, err := c.keys.Narrow(1, c.idx, length-c.idx)
	if err != nil {
		return nil, nil, err
	}

	kLeft, err := c.keys.Narrow(1, 0, c.idx)
	if err != nil {
		return nil, nil, err
	}

	k, err := tensor.Concat([]*tensor.Tensor{kRight, kLeft}, 1)
	if err != nil {
		return nil, nil, err
	}

	vRight, err := c.values.Narrow(1, c.idx, length-c.idx)
	if err != nil {
		return nil, nil, err
	}

	vLeft, err := c.values.Narrow(1, 0, c.idx)
	if err != nil {
		return nil, nil, err
	}

	v, err := tensor.Concat([]*tensor.Tensor{vRight, vLeft}, 1)
	if err != nil {
		return nil, nil, err
	}

	return k, v, nil
}

// growRows extends t along dim 1 (the sequence axis) by n zero-filled rows.
func growRows(t *tensor.Tensor, n int64) (*tensor.Tensor, error) {
	shape := t.Shape()
	shape[1] = n

	zeros, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	return tensor.Concat([]*tensor.Tensor{t, zeros}, 1)
}

// writeRow overwrites t's row at position idx along dim 1 with src's single
// row (shape (heads, 1, headDim)). t must be exclusively owned (just
// allocated by Zeros/growRows/Narrow within this package) since it is
// mutated through RawData.
func writeRow(t *tensor.Tensor, idx int64, src *tensor.Tensor) error {
	tShape := t.Shape()
	srcShape := src.Shape()

	heads, length, headDim := tShape[0], tShape[1], tShape[2]
	if srcShape[0] != heads || srcShape[1] != 1 || srcShape[2] != headDim {
		return fmt.Errorf("kvcache: writeRow shape mismatch: dst %v src %v", tShape, srcShape)
	}

	if idx < 0 || idx >= length {
		return fmt.Errorf("kvcache: writeRow index %d out of range for length %d", idx, length)
	}

	dst := t.RawData()
	srcData := src.RawData()

	for h := int64(0); h < heads; h++ {
		copy(dst[h*length*headDim+idx*headDim:h*length*headDim+idx*headDim+headDim], srcData[h*headDim:h*headDim+headDim])
	}

	return nil
}
