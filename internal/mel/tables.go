package mel

import (
	"math"
	"sync"
)

// tables holds the static, read-only precomputed state the mel frontend
// needs per sample-rate/FFT configuration: a periodic Hann window, a DFT
// real/imaginary matrix pair, and a Whisper-style mel filter bank. Building
// these is the only expensive part of the frontend, so they are built once
// per distinct Config and cached process-wide.
type tables struct {
	window    []float64   // length nfft
	dftReal   [][]float64 // [nFreqs][nfft]
	dftImag   [][]float64 // [nFreqs][nfft]
	melFilter [][]float64 // [numMels][nFreqs]
}

var (
	tableCacheMu sync.Mutex
	tableCache   = map[Config]*tables{}
)

func getTables(cfg Config) *tables {
	tableCacheMu.Lock()
	defer tableCacheMu.Unlock()

	if t, ok := tableCache[cfg]; ok {
		return t
	}

	t := buildTables(cfg)
	tableCache[cfg] = t

	return t
}

func buildTables(cfg Config) *tables {
	nFreqs := cfg.NFFT/2 + 1

	return &tables{
		window:    hannWindow(cfg.NFFT),
		dftReal:   dftMatrix(cfg.NFFT, nFreqs, false),
		dftImag:   dftMatrix(cfg.NFFT, nFreqs, true),
		melFilter: melFilterBank(cfg.NumMels, nFreqs, cfg.NFFT, cfg.SampleRate),
	}
}

// hannWindow builds a periodic (DFT-even) Hann window of length n, i.e. the
// first n samples of a length n+1 symmetric Hann window.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}

	return w
}

// dftMatrix returns the real or imaginary part of the length-nfft DFT basis,
// restricted to the first nFreqs = nfft/2+1 non-redundant bins (real input).
func dftMatrix(nfft, nFreqs int, imag bool) [][]float64 {
	m := make([][]float64, nFreqs)

	for k := 0; k < nFreqs; k++ {
		row := make([]float64, nfft)

		for n := 0; n < nfft; n++ {
			angle := -2 * math.Pi * float64(k) * float64(n) / float64(nfft)
			if imag {
				row[n] = math.Sin(angle)
			} else {
				row[n] = math.Cos(angle)
			}
		}

		m[k] = row
	}

	return m
}

// Whisper's piecewise Hz<->mel map: linear below 1 kHz, logarithmic above,
// matching OpenAI whisper's log_mel_spectrogram mel filter construction.
const (
	melFMin      = 0.0
	melFSp       = 200.0 / 3.0
	melMinLogHz  = 1000.0
)

func melLogStep() float64 { return 27.0 / math.Log(6.4) }

func hzToMel(hz float64) float64 {
	if hz < melMinLogHz {
		return (hz - melFMin) / melFSp
	}

	minLogMel := (melMinLogHz - melFMin) / melFSp

	return minLogMel + math.Log(hz/melMinLogHz)*melLogStep()
}

func melToHz(mel float64) float64 {
	minLogMel := (melMinLogHz - melFMin) / melFSp
	if mel < minLogMel {
		return melFMin + mel*melFSp
	}

	return melMinLogHz * math.Exp((mel-minLogMel)/melLogStep())
}

// melFilterBank builds a (numMels, nFreqs) triangular filter bank over
// [0, sampleRate/2] Hz with slaney-style per-filter area normalization
// 2/(right-left), per the Whisper mel frontend convention.
func melFilterBank(numMels, nFreqs, nfft, sampleRate int) [][]float64 {
	nyquist := float64(sampleRate) / 2

	lowMel := hzToMel(0)
	highMel := hzToMel(nyquist)

	points := make([]float64, numMels+2)
	for i := range points {
		points[i] = lowMel + (highMel-lowMel)*float64(i)/float64(numMels+1)
	}

	hzPoints := make([]float64, len(points))
	for i, p := range points {
		hzPoints[i] = melToHz(p)
	}

	binFreqs := make([]float64, nFreqs)
	for k := range binFreqs {
		binFreqs[k] = float64(k) * float64(sampleRate) / float64(nfft)
	}

	bank := make([][]float64, numMels)

	for m := 0; m < numMels; m++ {
		left, center, right := hzPoints[m], hzPoints[m+1], hzPoints[m+2]
		filter := make([]float64, nFreqs)

		for k, f := range binFreqs {
			switch {
			case f >= left && f <= center && center > left:
				filter[k] = (f - left) / (center - left)
			case f > center && f <= right && right > center:
				filter[k] = (right - f) / (right - center)
			}
		}

		if right > left {
			norm := 2.0 / (right - left)
			for k := range filter {
				filter[k] *= norm
			}
		}

		bank[m] = filter
	}

	return bank
}
