package main

import (
	"testing"

	"github.com/voxtral/voxtral-stream/internal/config"
)

func TestNewTranscribeCmd_Flags(t *testing.T) {
	cmd := newTranscribeCmd()

	for _, name := range []string{"audio", "temp", "max-new-tokens", "stats"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected flag %q to be registered", name)
		}
	}
}

func TestNewTranscribeCmd_RequiresAudioFlag(t *testing.T) {
	orig := activeCfg
	t.Cleanup(func() { activeCfg = orig })
	activeCfg = config.Config{}

	cmd := newTranscribeCmd()
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error when --audio is not provided")
	}
}
