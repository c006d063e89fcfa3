package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/voxtral/voxtral-stream/internal/safetensors"
	"go.uber.org/multierr"
)

// VerifyOptions configures VerifyModel, the `model verify` / `doctor` check
// that a downloaded Voxtral model directory is complete and loadable before
// a transcribe or serve command pays the cost of a full weight load.
type VerifyOptions struct {
	ModelDir string
	Stdout   io.Writer
	Stderr   io.Writer
}

// VerifyModel checks that a model directory has a parseable config, a
// safetensors weight file whose header contains every required tensor key
// after remap, and a tokenizer file. It never loads tensor data — only
// headers — so it stays fast enough to run before every transcribe.
func VerifyModel(opts VerifyOptions) error {
	if opts.ModelDir == "" {
		return errors.New("model directory is required")
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	checks := []struct {
		name string
		fn   func() error
	}{
		{"config", func() error { return verifyConfig(opts.ModelDir) }},
		{"tokenizer", func() error { return verifyTokenizer(opts.ModelDir) }},
		{"weights", func() error { return verifyWeights(opts.ModelDir) }},
	}

	var failures []string
	var combined error

	for _, c := range checks {
		if err := c.fn(); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", c.name, err)
			failures = append(failures, c.name)
			combined = multierr.Append(combined, fmt.Errorf("%s: %w", c.name, err))

			continue
		}

		_, _ = fmt.Fprintf(opts.Stdout, "PASS %s\n", c.name)
	}

	if len(failures) > 0 {
		return fmt.Errorf("model verification failed (%v): %w", failures, combined)
	}

	return nil
}

func verifyConfig(dir string) error {
	_, err := LoadConfig(dir)

	return err
}

func verifyTokenizer(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "tekken.json")); err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	return nil
}

func verifyWeights(dir string) error {
	path := filepath.Join(dir, "consolidated.safetensors")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	return safetensors.ValidateModelKeys(path, VoxtralKeyMapper)
}
