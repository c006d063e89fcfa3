package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cwbudde/wav"
)

// TargetSampleRate is the sample rate every core pipeline stage (mel,
// encoder, decoder) assumes its input arrives at.
const TargetSampleRate = 16000

// ErrFormatMismatch wraps a WAV file that cannot be decoded.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// LoadAudio reads a WAV file of any sample rate, channel count, and bit
// depth and returns 16 kHz mono float32 PCM for the transcription pipeline.
// Multi-channel input is downmixed by channel averaging; resampling uses
// linear interpolation, which is sufficient for this preprocessing step.
func LoadAudio(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: read %q: %w", path, err)
	}

	return DecodeAndResample(data)
}

// DecodeAndResample decodes WAV bytes of any sample rate/channel count and
// returns 16 kHz mono float32 PCM.
func DecodeAndResample(data []byte) ([]float32, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid WAV file", ErrFormatMismatch)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: reading PCM data: %w", err)
	}

	samples := buf.Data

	if dec.NumChans > 1 {
		samples = downmix(samples, int(dec.NumChans))
	}

	if int(dec.SampleRate) != TargetSampleRate {
		samples = resampleLinear(samples, int(dec.SampleRate), TargetSampleRate)
	}

	return samples, nil
}

// downmix averages interleaved multi-channel samples down to mono.
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}

	frames := len(samples) / channels
	out := make([]float32, frames)

	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}

		out[i] = sum / float32(channels)
	}

	return out
}

// resampleLinear resamples samples from one sample rate to another using
// linear interpolation between neighboring source samples.
func resampleLinear(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(samples)) / ratio)

	if outLen <= 0 {
		return nil
	}

	out := make([]float32, outLen)

	for i := range out {
		srcPos := float64(i) * ratio
		i0 := int(srcPos)

		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}

		frac := srcPos - float64(i0)
		out[i] = float32((1-frac)*float64(samples[i0]) + frac*float64(samples[i0+1]))
	}

	return out
}
