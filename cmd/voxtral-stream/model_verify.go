package main

import (
	"fmt"
	"os"

	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/spf13/cobra"
)

func newModelVerifyCmd() *cobra.Command {
	var modelArg string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a downloaded Voxtral model directory is complete and loadable",
		RunE: func(_ *cobra.Command, _ []string) error {
			dir, err := model.Resolve(modelArg)
			if err != nil {
				return err
			}

			return model.VerifyModel(model.VerifyOptions{
				ModelDir: dir,
				Stdout:   os.Stdout,
				Stderr:   os.Stderr,
			})
		},
	}

	cmd.Flags().StringVar(&modelArg, "model", "", "Model id (Hugging Face repo) or local directory")

	if err := cmd.MarkFlagRequired("model"); err != nil {
		panic(fmt.Sprintf("model_verify: %v", err))
	}

	return cmd
}
