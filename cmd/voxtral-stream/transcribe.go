package main

import (
	"fmt"
	"os"

	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/transcribe"
	"github.com/spf13/cobra"
)

func newTranscribeCmd() *cobra.Command {
	var audioPath string
	var temperature float64
	var maxNewTokens int
	var showStats bool

	cmd := &cobra.Command{
		Use:   "transcribe",
		Short: "Transcribe a WAV file offline, in one shot",
		RunE: func(_ *cobra.Command, _ []string) error {
			if audioPath == "" {
				return fmt.Errorf("--audio is required")
			}

			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dir, err := model.Resolve(cfg.Paths.ModelDir)
			if err != nil {
				return err
			}

			m, err := transcribe.LoadModel(dir)
			if err != nil {
				return fmt.Errorf("loading model: %w", err)
			}

			result, err := transcribe.Transcribe(m, audioPath, transcribe.Options{
				Temperature:  float32(temperature),
				MaxNewTokens: maxNewTokens,
			})
			if err != nil {
				return fmt.Errorf("transcribe: %w", err)
			}

			if _, err := fmt.Fprintln(os.Stdout, result.Text); err != nil {
				return err
			}

			if showStats {
				s := result.Stats
				_, err = fmt.Fprintf(os.Stderr,
					"audio=%s prefill=%s decode=%s total=%s prompt_tokens=%d generated_tokens=%d\n",
					s.AudioDuration, s.PrefillDuration, s.DecodeDuration, s.TotalDuration,
					s.PromptTokens, s.GeneratedTokens,
				)
			}

			return err
		},
	}

	cmd.Flags().StringVar(&audioPath, "audio", "", "Path to a WAV file to transcribe")
	cmd.Flags().Float64Var(&temperature, "temp", 0, "Sampling temperature (0 = greedy argmax)")
	cmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 0, "Cap on generated tokens (0 = unbounded)")
	cmd.Flags().BoolVar(&showStats, "stats", false, "Print timing stats to stderr")

	return cmd
}
