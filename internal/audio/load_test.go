package audio

import "testing"

func TestDownmixAveragesChannels(t *testing.T) {
	stereo := []float32{1, 3, 1, 3, 1, 3}

	mono := downmix(stereo, 2)
	if len(mono) != 3 {
		t.Fatalf("len = %d, want 3", len(mono))
	}

	for _, v := range mono {
		if v != 2 {
			t.Fatalf("sample = %v, want 2", v)
		}
	}
}

func TestResampleLinearIdentity(t *testing.T) {
	samples := []float32{1, 2, 3, 4}

	out := resampleLinear(samples, 16000, 16000)
	if len(out) != len(samples) {
		t.Fatalf("identity resample changed length: %d vs %d", len(out), len(samples))
	}
}

func TestResampleLinearDownsamplesHalf(t *testing.T) {
	samples := make([]float32, 100)
	for i := range samples {
		samples[i] = float32(i)
	}

	out := resampleLinear(samples, 32000, 16000)
	if len(out) != 50 {
		t.Fatalf("len = %d, want 50", len(out))
	}

	// linear interpolation at 2x downsample should land near every other
	// source sample.
	if diff := out[10] - 20; diff > 0.01 || diff < -0.01 {
		t.Fatalf("out[10] = %v, want ~20", out[10])
	}
}
