package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/tsuzuki"
	"github.com/ashita-ai/tsuzuki/internal/auth"
	"github.com/ashita-ai/tsuzuki/internal/config"
	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(os.Getenv("TSUZUKI_LOG_LEVEL"))
			app, err := tsuzuki.New(cmd.Context(), tsuzuki.WithLogger(logger), tsuzuki.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()
			logger.Info("schema up to date", "store", app.Driver())
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Resume a run from its latest checkpoint",
		Long: `Resume reactivates the run and enqueues a job that skips the stages
recorded in its latest checkpoint. By default the job runs in this process
and the command waits for it; with --detach it is only enqueued and a
running server picks it up on its next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			logger := newLogger(os.Getenv("TSUZUKI_LOG_LEVEL"))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := tsuzuki.New(ctx, tsuzuki.WithLogger(logger), tsuzuki.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			res, err := app.Resume(ctxutil.WithActor(ctx, ctxutil.Actor{Surface: ctxutil.SurfaceCLI}), runID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if detach {
				return nil
			}

			// Waits for the job; cancelling leaves it running for recovery.
			if err := app.Drain(ctx); err != nil {
				return err
			}
			job, err := app.Job(context.Background(), res.JobID)
			if err != nil {
				return err
			}
			if job.Status == tsuzuki.JobStatusFailed {
				return fmt.Errorf("job %s failed: %s", res.JobID, job.LastError)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "enqueue the job and exit without running it")
	return cmd
}

func newClassifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <message>",
		Short: "Show whether a message would run as a background job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c := scheduler.Classify(strings.Join(args, " "), scheduler.Triggers{
				Keywords:  cfg.LongJobKeywords,
				MinLength: cfg.LongJobMinLength,
			})
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an operator API key and its hash",
		Long: `Keygen prints a new operator key and the value to set as
TSUZUKI_ADMIN_API_KEY_HASH. The key is not stored anywhere.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, hash, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "key:  %s\n", key)
			_, _ = fmt.Fprintf(out, "TSUZUKI_ADMIN_API_KEY_HASH='%s'\n", hash)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
