// Package cmd implements the CLI commands for tfsctl.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tfshome/tfsctl/internal/config"
	"github.com/tfshome/tfsctl/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "tfsctl",
	Short: "Command-line client for the task prioritization service",
	Long: `tfsctl talks to the task prioritization API: it keeps your session alive
across access-token expiry, creates tasks and goals, and follows the
asynchronous AI analysis of each task until it settles.

Examples:
  tfsctl login --email ana@example.com
  tfsctl tasks create "Draft launch plan" --due 2026-11-01 --watch
  tfsctl tasks watch 42 43
  tfsctl history --limit 20`,
	SilenceUsage:      true,
	PersistentPreRunE: loadRuntime,
}

// Runtime state shared by commands. Set by loadRuntime.
var (
	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default $XDG_CONFIG_HOME/tfsctl/config.yaml)")
	pf.String("api-url", "", "API base URL (overrides config)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.Bool("ephemeral", false, "keep credentials in memory only for this invocation")
}

// Execute runs the root command with SIGINT/SIGTERM cancelling its context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func loadRuntime(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("api-url"); v != "" {
		loaded.APIURL = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		loaded.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		loaded.Log.Format = v
	}
	if ephemeral, _ := cmd.Flags().GetBool("ephemeral"); ephemeral {
		loaded.Credentials.Backend = config.BackendMemory
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	cfg = loaded
	logger = logging.NewLogger(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Writer: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return nil
}

func outf(cmd *cobra.Command, format string, a ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, a...)
}

func outln(cmd *cobra.Command, a ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), a...)
}
