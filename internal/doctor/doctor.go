// Package doctor provides environment preflight checks for voxtral-stream:
// is a model directory configured and complete, and is the runtime
// configuration sane, before a transcribe/live/serve command pays the cost
// of a full weight load.
package doctor

import (
	"fmt"
	"io"
	"os"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VerifyFunc runs a model directory's config/tokenizer/weights checks. It
// returns an error describing the failed checks, nil on success.
type VerifyFunc func() error

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// ModelDir is the resolved on-disk model directory. Empty fails the
	// "model directory" check.
	ModelDir string
	// VerifyModel runs the config/tokenizer/weights checks against ModelDir.
	VerifyModel VerifyFunc
	// SkipModelVerify skips the model verify check (e.g. `doctor` run before
	// any model has been downloaded).
	SkipModelVerify bool
	// HFTokenPresent reports whether a Hugging Face Hub token is available
	// in the environment. Its absence is informational, not a failure --
	// public model repos need no token.
	HFTokenPresent func() bool
	// RuntimeThreads is the configured tensor runtime goroutine pool size.
	RuntimeThreads int
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- model directory ---------------------------------------------------
	if cfg.ModelDir == "" {
		res.fail("model directory: not configured")
		fmt.Fprintf(w, "%s model directory: not configured (set --model or VOXTRAL_PATHS_MODEL_DIR)\n", FailMark)
	} else if _, err := os.Stat(cfg.ModelDir); err != nil {
		res.fail(fmt.Sprintf("model directory: %v", err))
		fmt.Fprintf(w, "%s model directory: %v\n", FailMark, err)
	} else {
		fmt.Fprintf(w, "%s model directory: %s\n", PassMark, cfg.ModelDir)
	}

	// ---- model verify (config/tokenizer/weights) ---------------------------
	switch {
	case cfg.SkipModelVerify:
		fmt.Fprintf(w, "%s model verify: skipped\n", PassMark)
	case cfg.VerifyModel == nil:
		fmt.Fprintf(w, "%s model verify: skipped (no verifier configured)\n", PassMark)
	default:
		if err := cfg.VerifyModel(); err != nil {
			res.fail(fmt.Sprintf("model verify: %v", err))
			fmt.Fprintf(w, "%s model verify: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s model verify: ok\n", PassMark)
		}
	}

	// ---- Hugging Face Hub token ---------------------------------------------
	if cfg.HFTokenPresent != nil && cfg.HFTokenPresent() {
		fmt.Fprintf(w, "%s hf token: present\n", PassMark)
	} else {
		fmt.Fprintf(w, "%s hf token: not set (required only for gated/private repos)\n", PassMark)
	}

	// ---- runtime threads -----------------------------------------------------
	if cfg.RuntimeThreads <= 0 {
		res.fail(fmt.Sprintf("runtime threads: invalid value %d", cfg.RuntimeThreads))
		fmt.Fprintf(w, "%s runtime threads: invalid value %d\n", FailMark, cfg.RuntimeThreads)
	} else {
		fmt.Fprintf(w, "%s runtime threads: %d\n", PassMark, cfg.RuntimeThreads)
	}

	return res
}
