package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/drjoon/abuts.fit-sub008/internal/config"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
	"github.com/drjoon/abuts.fit-sub008/internal/pipeline"
	"github.com/drjoon/abuts.fit-sub008/internal/restore"
)

var (
	// Global pipeline instance, built before every subcommand.
	pipe   *pipeline.Pipeline
	logger zerolog.Logger

	apiURL   string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "draftctl",
	Short: "Upload case files into a draft and submit them as requests",
	Long: `draftctl manages the active draft of the dental marketplace: it uploads
scan files, restores them after a restart, edits per-file case details,
checks for duplicates of earlier requests and submits the draft.

Settings come from DRAFT_* environment variables.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeApp,
	PersistentPostRunE: shutdownApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "draft API base URL (overrides DRAFT_API_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
}

// initializeApp loads configuration and builds the pipeline.
func initializeApp(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if apiURL != "" {
		cfg.APIBaseURL = strings.TrimRight(apiURL, "/")
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	dlog.Configure(dlog.Config{Level: cfg.LogLevel, Service: "draftctl"})
	logger = dlog.Base()

	p, err := pipeline.FromConfig(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	pipe = p
	return nil
}

// shutdownApp flushes debounced edits and closes the caches.
func shutdownApp(*cobra.Command, []string) error {
	if pipe == nil {
		return nil
	}
	return pipe.Close(context.Background())
}

// getContext returns a context cancelled on interrupt.
func getContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// loadDraft binds the session and pulls the draft's records. Missing file
// bytes are reported but do not stop commands that only need the records.
func loadDraft(ctx context.Context, cmd *cobra.Command) error {
	if _, err := pipe.Open(ctx); err != nil {
		return err
	}
	rep, err := pipe.Restore(ctx)
	if errors.Is(err, restore.ErrRestoreFailed) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: file contents unavailable (%d expected)\n", rep.Expected)
		return nil
	}
	return err
}
