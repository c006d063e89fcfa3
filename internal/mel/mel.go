// Package mel computes the log-mel spectrogram the Voxtral encoder
// consumes, both as a one-shot offline transform and as an incremental,
// tail-state-carrying step function equivalent to it over arbitrary
// chunkings of the same underlying samples.
package mel

import "math"

// Config controls mel extraction. The zero value is invalid; use
// DefaultConfig or a value decoded from a model's audio_encoding_args.
type Config struct {
	SampleRate      int
	NFFT            int // window_size
	HopLength       int
	NumMels         int
	GlobalLogMelMax float64
}

// DefaultConfig matches the model artifact's audio_encoding_args for
// Voxtral's Whisper-derived encoder: 16 kHz, 400-sample (25 ms) window,
// 160-sample (10 ms) hop, 128 mel bins.
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		NFFT:            400,
		HopLength:       160,
		NumMels:         128,
		GlobalLogMelMax: 1.5,
	}
}

// TailLen is the number of trailing PCM samples an Extractor must retain
// between Step calls to reproduce Offline's interior frames exactly.
func (c Config) TailLen() int { return c.NFFT - c.HopLength }

// Extractor computes log-mel frames incrementally over a stream of PCM
// chunks, carrying the audio tail between calls, or once over a complete
// buffer via Offline.
type Extractor struct {
	cfg *tables
	c   Config

	tail    []float32
	started bool
}

// NewExtractor builds an Extractor for cfg. Table construction is shared
// process-wide across Extractors with an identical Config.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: getTables(cfg), c: cfg}
}

// Reset clears carried tail state, as if no audio had yet been fed.
func (e *Extractor) Reset() {
	e.tail = nil
	e.started = false
}

// Offline computes the log-mel spectrogram of a complete sample buffer:
// reflect-pad by nfft/2 on both ends, frame at the configured hop, and drop
// the final (possibly incomplete, definitionally redundant) frame. Returns
// a (numMels, frames) row-major matrix; frames may be zero for very short
// input.
func (e *Extractor) Offline(samples []float32) (data []float32, frames int) {
	pad := e.c.NFFT / 2
	padded := reflectPad(samples, pad)

	total := 1 + (len(padded)-e.c.NFFT)/e.c.HopLength
	if total < 1 {
		return nil, 0
	}

	frames = total - 1
	if frames <= 0 {
		return nil, 0
	}

	data = make([]float32, e.c.NumMels*frames)

	for t := 0; t < frames; t++ {
		start := t * e.c.HopLength
		e.frameInto(padded[start:start+e.c.NFFT], data, t, frames)
	}

	return data, frames
}

// Step consumes one chunk of new PCM samples and returns whatever complete
// mel frames it produces, updating the carried tail. On the first call (or
// after Reset) the tail defaults to nfft/2 leading zeros, per the
// streaming seed policy — interior frames still match Offline; only the
// very first frames may differ since no reflect-padding is applied here.
func (e *Extractor) Step(chunk []float32) (data []float32, frames int) {
	var buf []float32

	if !e.started {
		buf = make([]float32, e.c.NFFT/2, e.c.NFFT/2+len(chunk))
		e.started = true
	} else {
		buf = make([]float32, 0, len(e.tail)+len(chunk))
		buf = append(buf, e.tail...)
	}

	buf = append(buf, chunk...)

	frames = 0
	if len(buf) >= e.c.NFFT {
		frames = 1 + (len(buf)-e.c.NFFT)/e.c.HopLength
	}

	if frames > 0 {
		data = make([]float32, e.c.NumMels*frames)
		for t := 0; t < frames; t++ {
			start := t * e.c.HopLength
			e.frameInto(buf[start:start+e.c.NFFT], data, t, frames)
		}
	}

	tailLen := e.c.TailLen()
	if tailLen > len(buf) {
		tailLen = len(buf)
	}

	e.tail = append([]float32(nil), buf[len(buf)-tailLen:]...)

	return data, frames
}

// frameInto windows one nfft-sample frame, projects it through the DFT and
// mel filter bank, and writes the resulting column t into a (numMels,
// frames) row-major buffer.
func (e *Extractor) frameInto(frame []float32, data []float32, t, frames int) {
	windowed := make([]float64, e.c.NFFT)
	for i, s := range frame {
		windowed[i] = float64(s) * e.cfg.window[i]
	}

	nFreqs := len(e.cfg.dftReal)
	power := make([]float64, nFreqs)

	for k := 0; k < nFreqs; k++ {
		var re, im float64

		rr := e.cfg.dftReal[k]
		ri := e.cfg.dftImag[k]

		for n, w := range windowed {
			re += w * rr[n]
			im += w * ri[n]
		}

		power[k] = re*re + im*im
	}

	floor := e.c.GlobalLogMelMax - 8.0

	for m := 0; m < e.c.NumMels; m++ {
		var sum float64

		for k, w := range e.cfg.melFilter[m] {
			sum += w * power[k]
		}

		if sum < 1e-10 {
			sum = 1e-10
		}

		logMel := math.Log10(sum)
		if logMel < floor {
			logMel = floor
		}

		data[m*frames+t] = float32((logMel + 4) / 4)
	}
}

// reflectPad pads samples by n on each side using reflection without
// repeating the edge sample, matching NumPy/PyTorch's "reflect" mode.
func reflectPad(samples []float32, n int) []float32 {
	if n <= 0 || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}

	out := make([]float32, 0, len(samples)+2*n)

	for i := n; i >= 1; i-- {
		idx := i
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		out = append(out, samples[idx])
	}

	out = append(out, samples...)

	for i := 1; i <= n; i++ {
		idx := len(samples) - 1 - i
		if idx < 0 {
			idx = 0
		}
		out = append(out, samples[idx])
	}

	return out
}
