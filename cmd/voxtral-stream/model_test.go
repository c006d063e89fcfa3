package main

import "testing"

func TestNewModelCmd_HasDownloadAndVerifySubcommands(t *testing.T) {
	cmd := newModelCmd()

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	if !names["download"] {
		t.Error("expected download subcommand")
	}
	if !names["verify"] {
		t.Error("expected verify subcommand")
	}
}

func TestNewModelDownloadCmd_Flags(t *testing.T) {
	cmd := newModelDownloadCmd()

	for _, name := range []string{"hf-repo", "out-dir", "hf-token"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected flag %q to be registered", name)
		}
	}

	if got := cmd.Flags().Lookup("hf-repo").DefValue; got != "mistralai/Voxtral-Mini-3B-2507" {
		t.Errorf("hf-repo default = %q", got)
	}
}

func TestNewModelVerifyCmd_RequiresModelFlag(t *testing.T) {
	cmd := newModelVerifyCmd()

	cmd.SetArgs(nil)

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error when --model is not provided")
	}
}
