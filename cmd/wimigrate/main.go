package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/wimigrate/internal/config"
	"github.com/steveyegge/wimigrate/internal/logging"
	"github.com/steveyegge/wimigrate/internal/telemetry"

	// Connectors register themselves with the tracker registry.
	_ "github.com/steveyegge/wimigrate/internal/tracker/azuredevops"
	_ "github.com/steveyegge/wimigrate/internal/tracker/memory"
	_ "github.com/steveyegge/wimigrate/internal/tracker/rally"
)

var (
	configPath string
	jsonOutput bool
	logger     = slog.New(slog.DiscardHandler)
)

var rootCmd = &cobra.Command{
	Use:   "wimigrate",
	Short: "wimigrate - Rally to Azure DevOps work-item migration",
	Long: `Migrates hierarchical work items (epics, features, stories, defects, test
cases) with their comments and attachments from a Rally workspace into an
Azure DevOps project. Runs are idempotent: every migrated item carries a
wim-src:<id> tag and re-running a migration updates instead of duplicating.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config for commands that don't need it
		if cmd.Name() == "version" || cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := config.Initialize(configPath); err != nil {
			return err
		}
		if err := config.BindFlag(config.KeyLogLevel, cmd.Flags().Lookup("log-level")); err != nil {
			return err
		}
		if err := config.BindFlag(config.KeyLogFormat, cmd.Flags().Lookup("log-format")); err != nil {
			return err
		}
		l, err := logging.New(cmd.ErrOrStderr(), config.GetString(config.KeyLogLevel), config.GetString(config.KeyLogFormat))
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)

		if err := telemetry.Init(cmd.Context(), "wimigrate", Version); err != nil {
			logger.Warn("telemetry disabled", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./wimigrate.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if jsonOutput {
			outputJSONError(err, errorCode(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitError carries a process exit status alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Exit statuses
const (
	exitFailure   = 1   // Setup error or fatal run error
	exitPartial   = 2   // Run completed with item failures
	exitCancelled = 130 // Run cancelled by the operator
)

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func errorCode(err error) string {
	switch exitCode(err) {
	case exitPartial:
		return "partial"
	case exitCancelled:
		return "cancelled"
	}
	return ""
}
