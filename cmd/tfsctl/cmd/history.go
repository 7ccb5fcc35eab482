package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tfshome/tfsctl/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent session and analysis activity",
	Long: `Lists what tfsctl recorded locally: logins, credential renewals, session
expiry, and how each watched analysis ended.

Examples:
  tfsctl history
  tfsctl history --type refresh --since 24h
  tfsctl history --task 42`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of events")
	historyCmd.Flags().String("type", "", "only events of this type (login, refresh, refresh_failed, analysis_completed, ...)")
	historyCmd.Flags().String("task", "", "only events about this task id")
	historyCmd.Flags().Duration("since", 0, "only events newer than this")
	historyCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	filter := db.EventFilter{Domain: cfg.Domain()}
	filter.Type, _ = cmd.Flags().GetString("type")
	filter.Subject, _ = cmd.Flags().GetString("task")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		filter.Since = time.Now().Add(-since)
	}

	d, err := db.OpenAt(cfg.Credentials.DBPath)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer d.Close()

	events, err := d.RecentEvents(limit, filter)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), events)
	}
	if len(events) == 0 {
		outln(cmd, "No activity recorded.")
		return nil
	}
	return renderEvents(cmd.OutOrStdout(), events)
}

func renderEvents(w io.Writer, events []db.Event) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tSUBJECT\tDURATION\tDETAILS")
	for _, e := range events {
		duration := "-"
		if e.Duration > 0 {
			duration = formatDurationShort(e.Duration)
		}
		subject := e.Subject
		if subject == "" {
			subject = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Type,
			subject,
			duration,
			e.Details,
		)
	}
	return tw.Flush()
}
