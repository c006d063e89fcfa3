package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/voxtral/voxtral-stream/internal/doctor"
	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and model checks",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dcfg := doctor.Config{
				ModelDir: cfg.Paths.ModelDir,
				HFTokenPresent: func() bool {
					return os.Getenv("HF_TOKEN") != "" || os.Getenv("HUGGINGFACE_HUB_TOKEN") != ""
				},
				RuntimeThreads: cfg.Runtime.Threads,
			}

			if dir, resolveErr := model.Resolve(cfg.Paths.ModelDir); resolveErr == nil {
				dcfg.ModelDir = dir
				dcfg.VerifyModel = func() error {
					return model.VerifyModel(model.VerifyOptions{
						ModelDir: dir,
						Stdout:   os.Stdout,
						Stderr:   os.Stderr,
					})
				}
			} else {
				dcfg.SkipModelVerify = true
			}

			result := doctor.Run(dcfg, os.Stdout)

			if result.Failed() {
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	return cmd
}
