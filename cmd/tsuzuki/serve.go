package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/tsuzuki"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the WhatsApp webhook and operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(os.Getenv("TSUZUKI_LOG_LEVEL"))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := tsuzuki.New(ctx, tsuzuki.WithLogger(logger), tsuzuki.WithVersion(version))
			if err != nil {
				logger.Error("fatal error", "error", err)
				return err
			}
			if err := app.Run(ctx); err != nil {
				logger.Error("fatal error", "error", err)
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
