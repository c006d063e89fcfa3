// Package ops implements the neural-network kernels layered on top of
// internal/tensor: causal Conv1D, grouped-query attention, rotary position
// embedding, the SwiGLU MLP and RMSNorm/AdaRMSNorm. Kernel layout and
// parallelization follow the conv/attention fast paths in the corpus this
// module was grown from; the tensor ops themselves are new to fit the
// Voxtral encoder/decoder architecture.
package ops

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voxtral/voxtral-stream/internal/tensor"
)

// convWorkers controls goroutine fan-out for the Conv1D fast path,
// independent of tensor.Workers so callers can tune conv and matmul
// concurrency separately (wired to --conv-workers).
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum goroutines used by Conv1D. n <= 1
// disables parallelism.
func SetConvWorkers(n int) {
	if n < 0 {
		n = 0
	}

	convWorkers.Store(int32(n))
}

func getConvWorkers() int { return int(convWorkers.Load()) }

func parallelFor(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	if workers > n {
		workers = n
	}

	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup

	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Add(1)

		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}

	wg.Wait()
}

// scratchPools is a size-class pool of reusable []float32 buffers for the
// im2col working set, sized in power-of-two classes from 2^10 to 2^26.
var scratchPools [17]sync.Pool

func getScratch(n int) []float32 {
	cls := scratchClass(n)
	sz := 1 << (cls + 10)

	if sz < n {
		return make([]float32, n)
	}

	if v := scratchPools[cls].Get(); v != nil {
		if bufPtr, ok := v.(*[]float32); ok && bufPtr != nil {
			buf := (*bufPtr)[:n]
			for i := range buf {
				buf[i] = 0
			}

			return buf
		}
	}

	return make([]float32, sz)[:n]
}

func putScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+10) < c {
		return
	}

	buf = buf[:c]
	scratchPools[cls].Put(&buf)
}

func scratchClass(n int) int {
	if n <= 1<<10 {
		return 0
	}

	bits := 0

	v := n - 1
	for v > 0 {
		v >>= 1
		bits++
	}

	return min(max(bits-10, 0), 16)
}

// Conv1D performs a causal 1-D convolution with the canonical
// (out_channels, kernel_size, in_channels) weight layout -- the opposite
// axis order from the PyTorch-native (out, in, k) layout safetensors ships
// weights in; the loader transposes at load time via
// safetensors.AxisTranspose so this kernel never has to.
//
// input: [batch, in_channels, length]
// kernel: [out_channels, kernel_size, in_channels]
// Left-padding for causality is the caller's responsibility (padding is
// applied symmetrically here per the stride/dilation arithmetic below);
// callers that need strict left-only causal padding pass padding=kernelSize-1
// and then Narrow off the trailing (kernelSize-1) output frames, or feed a
// pre-padded input tail as the streaming encoder does.
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 {
		return nil, errors.New("ops: conv1d stride/dilation must be > 0")
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 3 || len(kShape) != 3 {
		return nil, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	batch, inCh, length := inShape[0], inShape[1], inShape[2]
	outCh, kSize, kInCh := kShape[0], kShape[1], kShape[2]

	if kInCh != inCh {
		return nil, fmt.Errorf("ops: conv1d kernel in_channels %d does not match input in_channels %d", kInCh, inCh)
	}

	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != outCh {
			return nil, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, outCh)
		}
	}

	outLen := (length+2*padding-dilation*(kSize-1)-1)/stride + 1
	if outLen <= 0 {
		return nil, fmt.Errorf("ops: conv1d produced non-positive output length %d", outLen)
	}

	out, err := tensor.Zeros([]int64{batch, outCh, outLen})
	if err != nil {
		return nil, err
	}

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	conv1DIm2col(input.RawData(), kernel.RawData(), biasData,
		batch, inCh, length, outCh, kSize, outLen, stride, padding, dilation, out.RawData())

	return out, nil
}

// conv1DIm2col rearranges the convolution into a GEMM: a patch matrix of
// shape [outLen, kSize*inCh] where each row holds the gathered input values
// for one output position, contiguous in (kx, ic) order to match the
// kernel's (kSize, inCh) row layout.
func conv1DIm2col(
	inputData, kernelData, biasData []float32,
	batch, inCh, length, outCh, kSize, outLen, stride, padding, dilation int64,
	outData []float32,
) {
	patchLen := int(kSize * inCh)
	imcolSize := int(outLen) * patchLen

	imcol := getScratch(imcolSize)
	defer putScratch(imcol)

	kSizeI, inChI, outChI, outLenI, lenI := int(kSize), int(inCh), int(outCh), int(outLen), int(length)

	for b := range batch {
		if b > 0 {
			for i := range imcol {
				imcol[i] = 0
			}
		}

		for kx := range kSize {
			for ic := range inCh {
				col := int(kx)*inChI + int(ic)
				inBase := int(b*inCh+ic) * lenI

				for ox := range outLen {
					inPos := ox*stride - padding + kx*dilation
					if inPos >= 0 && inPos < length {
						imcol[int(ox)*patchLen+col] = inputData[inBase+int(inPos)]
					}
				}
			}
		}

		outBase := int(b) * outChI * outLenI

		parallelFor(outChI, getConvWorkers(), func(ocLo, ocHi int) {
			for oc := ocLo; oc < ocHi; oc++ {
				kernelRow := kernelData[oc*patchLen : (oc+1)*patchLen]

				var biasVal float32
				if biasData != nil {
					biasVal = biasData[oc]
				}

				outOC := outData[outBase+oc*outLenI : outBase+(oc+1)*outLenI]
				for ox := range outLenI {
					outOC[ox] = tensor.DotProduct(kernelRow, imcol[ox*patchLen:(ox+1)*patchLen]) + biasVal
				}
			}
		})
	}
}
