package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeMinimalModelDir(t *testing.T, complete bool) string {
	t.Helper()

	dir := t.TempDir()

	cfg := map[string]any{
		"dim": 256, "n_layers": 2, "head_dim": 64, "hidden_dim": 1024,
		"n_heads": 4, "n_kv_heads": 2, "rope_theta": 10000.0, "norm_eps": 1e-5,
		"vocab_size": 32000, "sliding_window": 512, "ada_rms_norm_t_cond_dim": 64,
		"multimodal": map[string]any{
			"whisper_model_args": map[string]any{
				"encoder_args": map[string]any{
					"dim": 512, "n_layers": 2, "head_dim": 64, "hidden_dim": 2048,
					"n_heads": 8, "rope_theta": 10000.0, "sliding_window": 128,
					"audio_encoding_args": map[string]any{
						"sampling_rate": 16000, "frame_rate": 12.5, "num_mel_bins": 80,
						"hop_length": 160, "window_size": 400, "global_log_mel_max": 1.5,
					},
				},
				"downsample_args": map[string]any{"downsample_factor": 4},
			},
		},
	}

	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "params.json"), cfgBytes, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "tekken.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	names := []string{"encoder.conv1.weight"}
	if complete {
		names = append(names,
			"encoder.layers.0.self_attn.q_proj.weight",
			"adapter.w_in.weight",
			"decoder.layers.0.self_attn.q_proj.weight",
			"decoder.embed_tokens.weight",
		)
	}

	if err := os.WriteFile(filepath.Join(dir, "consolidated.safetensors"), buildMultiTensorSafetensors(t, names), 0o644); err != nil {
		t.Fatal(err)
	}

	return dir
}

func buildMultiTensorSafetensors(t *testing.T, names []string) []byte {
	t.Helper()

	header := map[string]any{}
	var raw []byte

	for _, name := range names {
		val := make([]byte, 4)
		binary.LittleEndian.PutUint32(val, math.Float32bits(1))
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        []int64{1},
			"data_offsets": [2]int{len(raw), len(raw) + 4},
		}
		raw = append(raw, val...)
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}

	out := make([]byte, 8+len(headerBytes)+len(raw))
	binary.LittleEndian.PutUint64(out[:8], uint64(len(headerBytes)))
	copy(out[8:], headerBytes)
	copy(out[8+len(headerBytes):], raw)

	return out
}

func TestVerifyModelPassesOnCompleteDirectory(t *testing.T) {
	dir := writeMinimalModelDir(t, true)

	var out bytes.Buffer
	if err := VerifyModel(VerifyOptions{ModelDir: dir, Stdout: &out}); err != nil {
		t.Fatalf("VerifyModel failed: %v\noutput: %s", err, out.String())
	}
}

func TestVerifyModelFailsOnMissingWeights(t *testing.T) {
	dir := writeMinimalModelDir(t, false)

	var errOut bytes.Buffer
	err := VerifyModel(VerifyOptions{ModelDir: dir, Stderr: &errOut})
	if err == nil {
		t.Fatal("expected verification failure for incomplete checkpoint")
	}
}

func TestVerifyModelRequiresModelDir(t *testing.T) {
	if err := VerifyModel(VerifyOptions{}); err == nil {
		t.Fatal("expected error for empty ModelDir")
	}
}
