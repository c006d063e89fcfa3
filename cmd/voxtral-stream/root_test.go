package main

import (
	"testing"

	"github.com/voxtral/voxtral-stream/internal/config"
)

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"transcribe", "live", "model", "serve", "health", "doctor"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentConfigFlag(t *testing.T) {
	root := NewRootCmd()
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected --config persistent flag to be registered")
	}
}

func TestModelCmd_HasDownloadAndVerify(t *testing.T) {
	root := NewRootCmd()

	for _, sub := range root.Commands() {
		if sub.Name() != "model" {
			continue
		}

		names := map[string]bool{}
		for _, grandchild := range sub.Commands() {
			names[grandchild.Name()] = true
		}

		if !names["download"] || !names["verify"] {
			t.Errorf("expected model subcommands download and verify, got %v", names)
		}

		return
	}

	t.Fatal("model subcommand not found")
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		setupLogger(level)
	}
}

func TestSetupLogger_InvalidLevelFallsBackToInfo(_ *testing.T) {
	setupLogger("not-a-level")
}

func TestRequireConfig_FailsWhenNotInitialized(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{}

	_, err := requireConfig()
	if err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}

func TestRequireConfig_SucceedsWhenLoaded(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{
		Paths: config.PathsConfig{ModelDir: "/some/model/dir"},
	}

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}

	if got.Paths.ModelDir != "/some/model/dir" {
		t.Errorf("unexpected ModelDir: %q", got.Paths.ModelDir)
	}
}
