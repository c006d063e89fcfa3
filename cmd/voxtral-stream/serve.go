package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxtral/voxtral-stream/internal/config"
	"github.com/voxtral/voxtral-stream/internal/model"
	"github.com/voxtral/voxtral-stream/internal/server"
	"github.com/voxtral/voxtral-stream/internal/transcribe"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voxtral-stream HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
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

			srv := server.New(cfg, m).
				WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	defaults := config.DefaultConfig()
	config.RegisterFlags(cmd.Flags(), defaults)

	return cmd
}
