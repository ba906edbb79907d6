// Command tsuzuki serves the WhatsApp webhook and operator API, and offers
// maintenance subcommands for migrations, resuming runs and key generation.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tsuzuki",
		Short:         "Durable run orchestration behind a WhatsApp chat",
		Long:          "Tsuzuki accepts requests over WhatsApp, runs long product jobs in the background, checkpoints every stage and resumes interrupted runs.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newResumeCommand(),
		newClassifyCommand(),
		newKeygenCommand(),
	)
	return cmd
}

// newLogger builds the process-wide JSON logger and installs it as default.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
