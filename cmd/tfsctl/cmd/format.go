package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/poller"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDurationShort(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func taskState(t api.Task) string {
	switch {
	case t.IsCompleted:
		return "done"
	case t.IsPrioritized:
		if label := t.Quadrant.Label(); label != "" {
			return string(t.Quadrant) + " " + label
		}
		return "scored"
	case strings.EqualFold(t.AnalysisStatus, "failed"):
		return "analysis failed"
	default:
		return "analyzing"
	}
}

func renderTasks(w io.Writer, tasks []api.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTITLE\tDUE\tPRIORITY\tSTATE")
	for _, t := range tasks {
		due := t.DueDate
		if due == "" {
			due = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Title, due, formatScore(t.PriorityScore), taskState(t))
	}
	return tw.Flush()
}

func renderTask(w io.Writer, t *api.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID:\t%d\n", t.ID)
	_, _ = fmt.Fprintf(tw, "Title:\t%s\n", t.Title)
	if t.Description != "" {
		_, _ = fmt.Fprintf(tw, "Description:\t%s\n", t.Description)
	}
	if t.DueDate != "" {
		_, _ = fmt.Fprintf(tw, "Due:\t%s\n", t.DueDate)
	}
	if t.EffortEstimate > 0 {
		_, _ = fmt.Fprintf(tw, "Effort:\t%d/5\n", t.EffortEstimate)
	}
	if t.Goal != nil {
		_, _ = fmt.Fprintf(tw, "Goal:\t%d\n", *t.Goal)
	}
	_, _ = fmt.Fprintf(tw, "State:\t%s\n", taskState(*t))
	if t.IsPrioritized {
		_, _ = fmt.Fprintf(tw, "Priority:\t%s\n", formatScore(t.PriorityScore))
		_, _ = fmt.Fprintf(tw, "Importance:\t%s\n", formatScore(t.ImportanceScore))
		_, _ = fmt.Fprintf(tw, "Urgency:\t%s\n", formatScore(t.UrgencyScore))
	}
	if t.AIReasoning != "" {
		_, _ = fmt.Fprintf(tw, "Reasoning:\t%s\n", t.AIReasoning)
	}
	if t.AnalysisError != "" {
		_, _ = fmt.Fprintf(tw, "Analysis error:\t%s\n", t.AnalysisError)
	}
	return tw.Flush()
}

func renderGoals(w io.Writer, goals []api.Goal) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTITLE\tWEIGHT\tARCHIVED")
	for _, g := range goals {
		archived := ""
		if g.IsArchived {
			archived = "yes"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", g.ID, g.Title, g.Weight, archived)
	}
	return tw.Flush()
}

// formatTransition is the plain-mode line for one status change.
func formatTransition(tr poller.Transition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  #%s  %s -> %s", tr.At.Local().Format("15:04:05"), tr.ID, tr.From, tr.To)
	e := tr.Entity
	if e.Attempts > 0 {
		fmt.Fprintf(&b, "  (attempt %d)", e.Attempts)
	}
	switch {
	case e.Reason != "":
		fmt.Fprintf(&b, "  %s", e.Reason)
	case e.Task != nil && e.Task.IsPrioritized:
		fmt.Fprintf(&b, "  priority %s", formatScore(e.Task.PriorityScore))
		if e.Task.Quadrant != "" {
			fmt.Fprintf(&b, " %s", e.Task.Quadrant)
		}
	}
	return b.String()
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
