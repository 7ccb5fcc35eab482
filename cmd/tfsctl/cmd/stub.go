package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tfshome/tfsctl/internal/stubapi"
)

var stubServerCmd = &cobra.Command{
	Use:   "stub-server",
	Short: "Run an in-memory emulation of the backend",
	Long: `Serves the auth, task and goal endpoints from memory for local
development and demos. Access tokens are short-lived so renewal can be seen
in action; task analysis completes after a fixed number of status reads.

Examples:
  tfsctl stub-server --addr 127.0.0.1:8000 --seed-user ana@example.com:secret
  tfsctl stub-server --access-ttl 20s --probes 5`,
	Args: cobra.NoArgs,
	RunE: runStubServer,
}

func init() {
	f := stubServerCmd.Flags()
	f.String("addr", "127.0.0.1:8000", "listen address")
	f.Duration("access-ttl", 5*time.Minute, "lifetime of issued access tokens")
	f.Int("probes", 3, "status reads before a task's analysis completes")
	f.String("fail-marker", "[fail]", "titles containing this fail analysis")
	f.Bool("keep-refresh", false, "do not rotate refresh tokens on renewal")
	f.StringSlice("seed-user", nil, "email:password account to create at startup (repeatable)")
	rootCmd.AddCommand(stubServerCmd)
}

func runStubServer(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	opts := stubapi.Options{Logger: logger}
	opts.AccessTTL, _ = cmd.Flags().GetDuration("access-ttl")
	opts.AnalysisProbes, _ = cmd.Flags().GetInt("probes")
	opts.FailMarker, _ = cmd.Flags().GetString("fail-marker")
	opts.KeepRefresh, _ = cmd.Flags().GetBool("keep-refresh")

	srv := stubapi.New(opts)
	seeds, _ := cmd.Flags().GetStringSlice("seed-user")
	for _, seed := range seeds {
		email, password, ok := strings.Cut(seed, ":")
		if !ok || email == "" || password == "" {
			return fmt.Errorf("invalid --seed-user %q: want email:password", seed)
		}
		username, _, _ := strings.Cut(email, "@")
		srv.AddUser(email, username, password)
	}

	bound, err := srv.Start(addr)
	if err != nil {
		return fmt.Errorf("start stub server: %w", err)
	}
	outf(cmd, "Stub backend on http://%s/api/v1 (Ctrl+C to stop)\n", bound)

	<-cmd.Context().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop stub server: %w", err)
	}
	return nil
}
