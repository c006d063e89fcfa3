package doctor_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/voxtral/voxtral-stream/internal/doctor"
)

func TestRun_AllChecksPass(t *testing.T) {
	dir := t.TempDir()

	cfg := doctor.Config{
		ModelDir:       dir,
		VerifyModel:    func() error { return nil },
		HFTokenPresent: func() bool { return true },
		RuntimeThreads: 4,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "model directory") {
		t.Error("output should mention model directory")
	}
}

func TestRun_MissingModelDirFails(t *testing.T) {
	cfg := doctor.Config{
		RuntimeThreads: 4,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when model directory is not configured")
	}
	if !hasFailureContaining(result.Failures(), "model directory") {
		t.Errorf("expected failure mentioning model directory, got: %v", result.Failures())
	}
}

func TestRun_NonexistentModelDirFails(t *testing.T) {
	cfg := doctor.Config{
		ModelDir:       "/nonexistent/model/dir",
		RuntimeThreads: 4,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for nonexistent model directory")
	}
}

func TestRun_ModelVerifyFailurePropagates(t *testing.T) {
	dir := t.TempDir()

	cfg := doctor.Config{
		ModelDir:    dir,
		VerifyModel: func() error { return errors.New("missing tensor key foo.bar") },
		RuntimeThreads: 4,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when VerifyModel fails")
	}
	if !hasFailureContaining(result.Failures(), "model verify") {
		t.Errorf("expected failure mentioning model verify, got: %v", result.Failures())
	}
}

func TestRun_SkipModelVerify(t *testing.T) {
	dir := t.TempDir()

	cfg := doctor.Config{
		ModelDir:        dir,
		SkipModelVerify: true,
		RuntimeThreads:  4,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Fatalf("expected no failures when model verify is skipped, got: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "model verify: skipped") {
		t.Fatalf("expected skipped output, got:\n%s", out.String())
	}
}

func TestRun_NoVerifierConfiguredSkipsWithoutFailing(t *testing.T) {
	dir := t.TempDir()

	cfg := doctor.Config{
		ModelDir:       dir,
		RuntimeThreads: 4,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Fatalf("expected no failures when no verifier is configured, got: %v", result.Failures())
	}
}

func TestRun_MissingHFTokenIsNotAFailure(t *testing.T) {
	dir := t.TempDir()

	cfg := doctor.Config{
		ModelDir:       dir,
		VerifyModel:    func() error { return nil },
		HFTokenPresent: func() bool { return false },
		RuntimeThreads: 4,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Fatalf("missing HF token should not fail doctor checks, got: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "hf token: not set") {
		t.Fatalf("expected hf token not-set line, got:\n%s", out.String())
	}
}

func TestRun_InvalidRuntimeThreadsFails(t *testing.T) {
	dir := t.TempDir()

	cfg := doctor.Config{
		ModelDir:       dir,
		VerifyModel:    func() error { return nil },
		RuntimeThreads: 0,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for zero runtime threads")
	}
	if !hasFailureContaining(result.Failures(), "runtime threads") {
		t.Errorf("expected failure mentioning runtime threads, got: %v", result.Failures())
	}
}

func TestRun_OutputContainsPassAndFailMarkers(t *testing.T) {
	cfg := doctor.Config{
		RuntimeThreads: 4,
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	body := out.String()
	if !strings.Contains(body, doctor.PassMark) {
		t.Errorf("output missing pass marker %q:\n%s", doctor.PassMark, body)
	}
	if !strings.Contains(body, doctor.FailMark) {
		t.Errorf("output missing fail marker %q:\n%s", doctor.FailMark, body)
	}
}

func hasFailureContaining(failures []string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}
	return false
}
