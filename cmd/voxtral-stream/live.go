package main

import (
	"fmt"
	"os"

	"github.com/voxtral/voxtral-stream/internal/audio"
	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/session"
	"github.com/voxtral/voxtral-stream/internal/transcribe"
	"github.com/spf13/cobra"
)

func newLiveCmd() *cobra.Command {
	var audioPath string

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Feed a WAV file through the realtime session in chunk_duration_ms pieces",
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

			sess, err := session.New(m, session.Config{
				Temperature:          float32(cfg.Session.Temperature),
				ChunkDurationMS:      cfg.Session.ChunkDurationMS,
				TranscriptionDelayMS: cfg.Session.TranscriptionDelayMS,
				RightPadTokens:       cfg.Session.RightPadTokens,
				DecoderWindowTokens:  cfg.Session.DecoderWindowTokens,
			})
			if err != nil {
				return fmt.Errorf("starting session: %w", err)
			}

			samples, err := audio.LoadAudio(audioPath)
			if err != nil {
				return fmt.Errorf("loading audio: %w", err)
			}

			chunkSamples := cfg.Session.ChunkDurationMS * audio.TargetSampleRate / 1000
			if chunkSamples <= 0 {
				chunkSamples = len(samples)
			}

			for start := 0; start < len(samples); start += chunkSamples {
				end := start + chunkSamples
				if end > len(samples) {
					end = len(samples)
				}

				fragment, err := sess.AppendAudioSamples(samples[start:end])
				if err != nil {
					return fmt.Errorf("append_audio_samples: %w", err)
				}

				if fragment != "" {
					if _, err := fmt.Fprint(os.Stdout, fragment); err != nil {
						return err
					}
				}
			}

			fragment, err := sess.FinishStream()
			if err != nil {
				return fmt.Errorf("finish_stream: %w", err)
			}

			_, err = fmt.Fprintln(os.Stdout, fragment)

			return err
		},
	}

	cmd.Flags().StringVar(&audioPath, "audio", "", "Path to a WAV file to stream through the realtime session")

	return cmd
}
