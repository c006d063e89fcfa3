package main

import (
	"testing"

	"github.com/voxtral/voxtral-stream/internal/config"
)

func TestNewLiveCmd_Flags(t *testing.T) {
	cmd := newLiveCmd()

	if cmd.Flags().Lookup("audio") == nil {
		t.Error("expected audio flag to be registered")
	}
}

func TestNewLiveCmd_RequiresAudioFlag(t *testing.T) {
	orig := activeCfg
	t.Cleanup(func() { activeCfg = orig })
	activeCfg = config.Config{}

	cmd := newLiveCmd()
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error when --audio is not provided")
	}
}
