package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/tfshome/tfsctl/internal/analysis"
	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/config"
	"github.com/tfshome/tfsctl/internal/db"
	"github.com/tfshome/tfsctl/internal/poller"
	"github.com/tfshome/tfsctl/internal/tui"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"task"},
	Short:   "Manage tasks and follow their analysis",
	Long: `Create, list and update tasks. New and edited tasks are scored
asynchronously by the backend; 'watch' follows that analysis until it
completes, fails or the polling budget runs out.

Examples:
  tfsctl tasks list --open
  tfsctl tasks create "Write quarterly report" --due 2026-11-01 --effort 4 --watch
  tfsctl tasks watch 42 43 --no-tui
  tfsctl tasks complete 42`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasksList,
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task and optionally watch its analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCreate,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task with its scores",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGet,
}

var tasksCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksComplete,
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksDelete,
}

var tasksWatchCmd = &cobra.Command{
	Use:   "watch <id>...",
	Short: "Follow the analysis of one or more tasks",
	Long: `Polls each task with exponential backoff until its analysis completes,
fails, or the attempt/duration ceiling is reached.

In a terminal the interactive view is used: r retries a failed or timed-out
task, x stops watching one, q quits. Use --no-tui for line output.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTasksWatch,
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Watch a failed or timed-out analysis again",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRetry,
}

func init() {
	tasksListCmd.Flags().Bool("open", false, "only tasks not yet completed")
	tasksListCmd.Flags().Bool("completed", false, "only completed tasks")
	tasksListCmd.Flags().Int64("goal", 0, "only tasks linked to this goal")
	tasksListCmd.Flags().Bool("json", false, "output as JSON")

	tasksCreateCmd.Flags().String("description", "", "task description")
	tasksCreateCmd.Flags().String("due", "", "due date (YYYY-MM-DD)")
	tasksCreateCmd.Flags().Int("effort", 0, "effort estimate, 1 (trivial) to 5 (large)")
	tasksCreateCmd.Flags().Int64("goal", 0, "goal id to link")
	tasksCreateCmd.Flags().Bool("watch", false, "follow the analysis after creating")
	addWatchFlags(tasksCreateCmd)

	tasksGetCmd.Flags().Bool("json", false, "output as JSON")

	addWatchFlags(tasksWatchCmd)
	addWatchFlags(tasksRetryCmd)

	tasksCmd.AddCommand(tasksListCmd, tasksCreateCmd, tasksGetCmd, tasksCompleteCmd,
		tasksDeleteCmd, tasksWatchCmd, tasksRetryCmd)
	rootCmd.AddCommand(tasksCmd)
}

func addWatchFlags(c *cobra.Command) {
	f := c.Flags()
	f.Bool("no-tui", false, "print transitions as lines instead of the interactive view")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address while watching")
	f.Duration("interval", 0, "initial polling interval (overrides config)")
	f.Duration("max-interval", 0, "polling interval ceiling (overrides config)")
	f.Int("max-attempts", 0, "give up after this many probes (overrides config)")
	f.Duration("max-duration", 0, "give up after this long (overrides config)")
}

// pollingOverride returns the per-watch override, or nil when no polling
// flag was given.
func pollingOverride(cmd *cobra.Command) (*config.PollingConfig, error) {
	f := cmd.Flags()
	if !f.Changed("interval") && !f.Changed("max-interval") && !f.Changed("max-attempts") && !f.Changed("max-duration") {
		return nil, nil
	}
	interval, _ := f.GetDuration("interval")
	maxInterval, _ := f.GetDuration("max-interval")
	maxAttempts, _ := f.GetInt("max-attempts")
	maxDuration, _ := f.GetDuration("max-duration")

	override := &config.PollingConfig{
		InitialInterval: config.Duration(interval),
		MaxInterval:     config.Duration(maxInterval),
		MaxAttempts:     maxAttempts,
		MaxDuration:     config.Duration(maxDuration),
	}
	if err := cfg.Polling.Merge(override).Validate(); err != nil {
		return nil, err
	}
	return override, nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	open, _ := cmd.Flags().GetBool("open")
	completed, _ := cmd.Flags().GetBool("completed")
	if open && completed {
		return errors.New("--open and --completed are mutually exclusive")
	}
	filter := api.TaskFilter{}
	filter.Goal, _ = cmd.Flags().GetInt64("goal")
	if open || completed {
		filter.Completed = &completed
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	tasks, err := s.client.ListTasks(cmd.Context(), filter)
	if err != nil {
		return explain(err)
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), tasks)
	}
	if len(tasks) == 0 {
		outln(cmd, "No tasks.")
		return nil
	}
	return renderTasks(cmd.OutOrStdout(), tasks)
}

func runTasksCreate(cmd *cobra.Command, args []string) error {
	in := api.TaskInput{Title: strings.TrimSpace(args[0])}
	in.Description, _ = cmd.Flags().GetString("description")
	in.DueDate, _ = cmd.Flags().GetString("due")
	in.EffortEstimate, _ = cmd.Flags().GetInt("effort")
	if in.DueDate != "" {
		if _, err := time.Parse("2006-01-02", in.DueDate); err != nil {
			return fmt.Errorf("invalid --due %q: want YYYY-MM-DD", in.DueDate)
		}
	}
	if in.EffortEstimate < 0 {
		return errors.New("--effort cannot be negative")
	}
	if goal, _ := cmd.Flags().GetInt64("goal"); goal > 0 {
		in.Goal = &goal
	}
	watch, _ := cmd.Flags().GetBool("watch")
	override, err := pollingOverride(cmd)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	if !watch {
		task, err := s.client.CreateTask(cmd.Context(), in)
		if err != nil {
			return explain(err)
		}
		outf(cmd, "Created task #%d %q; analysis is running (tfsctl tasks watch %d)\n", task.ID, task.Title, task.ID)
		return nil
	}

	w := newWatch(cmd, s)
	defer w.close()
	task, h, err := poller.CreateAndWatch(cmd.Context(), w.sched, s.client, in, override)
	if err != nil {
		if task != nil {
			return fmt.Errorf("created task #%d but could not watch it: %w", task.ID, err)
		}
		return explain(err)
	}
	w.handles = append(w.handles, h)
	outf(cmd, "Created task #%d %q\n", task.ID, task.Title)
	return w.run([]string{task.Key()})
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	task, err := s.client.GetTask(cmd.Context(), id)
	if err != nil {
		if api.IsNotFound(err) {
			return fmt.Errorf("task #%d not found", id)
		}
		return explain(err)
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), task)
	}
	return renderTask(cmd.OutOrStdout(), task)
}

func runTasksComplete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	done := true
	task, err := s.client.UpdateTask(cmd.Context(), id, api.TaskPatch{IsCompleted: &done})
	if err != nil {
		return explain(err)
	}
	outf(cmd, "Completed task #%d %q\n", task.ID, task.Title)
	return nil
}

func runTasksDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	if err := s.client.DeleteTask(cmd.Context(), id); err != nil {
		if api.IsNotFound(err) {
			return fmt.Errorf("task #%d not found", id)
		}
		return explain(err)
	}
	outf(cmd, "Deleted task #%d\n", id)
	return nil
}

func runTasksWatch(cmd *cobra.Command, args []string) error {
	ids := make([]string, 0, len(args))
	seen := make(map[string]bool, len(args))
	for _, raw := range args {
		id, err := parseID(raw)
		if err != nil {
			return err
		}
		key := fmt.Sprint(id)
		if !seen[key] {
			seen[key] = true
			ids = append(ids, key)
		}
	}
	return watchIDs(cmd, ids, "")
}

func runTasksRetry(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return watchIDs(cmd, []string{fmt.Sprint(id)}, db.EventAnalysisRetry)
}

func watchIDs(cmd *cobra.Command, ids []string, event string) error {
	override, err := pollingOverride(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	w := newWatch(cmd, s)
	defer w.close()
	for _, id := range ids {
		h, err := w.sched.Watch(id, override)
		if err != nil {
			return err
		}
		w.handles = append(w.handles, h)
		if event != "" {
			s.logEvent(event, id, "", 0)
		}
	}
	return w.run(ids)
}

// watch is one scheduler plus its presentation for a command invocation.
type watch struct {
	cmd   *cobra.Command
	s     *session
	sched *poller.Scheduler
	stop  []func()

	interactive bool
	handles     []*poller.Handle
}

func newWatch(cmd *cobra.Command, s *session) *watch {
	limit := rate.Inf
	if cfg.ProbeRate.RPS > 0 {
		limit = rate.Limit(cfg.ProbeRate.RPS)
	}
	burst := cfg.ProbeRate.Burst
	if burst <= 0 {
		burst = 1
	}

	noTUI, _ := cmd.Flags().GetBool("no-tui")
	w := &watch{cmd: cmd, s: s, interactive: !noTUI && term.IsTerminal(int(os.Stdout.Fd()))}
	w.sched = poller.New(poller.TaskProber{Client: s.client},
		poller.WithConfig(cfg.Polling),
		poller.WithLimiter(rate.NewLimiter(limit, burst)),
		poller.WithLogger(logger),
		poller.WithMetrics(s.metrics),
	)
	w.stop = append(w.stop, w.sched.OnTransition(w.record))
	if !w.interactive {
		var mu sync.Mutex
		out := cmd.OutOrStdout()
		w.stop = append(w.stop, w.sched.OnTransition(func(tr poller.Transition) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(out, formatTransition(tr))
		}))
	}
	return w
}

// record writes terminal transitions to the activity log.
func (w *watch) record(tr poller.Transition) {
	var typ string
	switch tr.To {
	case analysis.StatusCompleted:
		typ = db.EventAnalysisCompleted
	case analysis.StatusFailed:
		typ = db.EventAnalysisFailed
	case analysis.StatusTimedOut:
		typ = db.EventAnalysisTimedOut
	default:
		return
	}
	details := tr.Entity.Reason
	if t := tr.Entity.Task; t != nil && t.IsPrioritized {
		details = fmt.Sprintf("priority=%s quadrant=%s", formatScore(t.PriorityScore), t.Quadrant)
	}
	w.s.logEvent(typ, tr.ID, details, tr.At.Sub(tr.Entity.StartedAt))
}

func (w *watch) close() {
	for _, stop := range w.stop {
		stop()
	}
	if err := w.sched.Close(); err != nil {
		logger.Debug("close scheduler", "error", err)
	}
}

// run blocks until every watched task is terminal, the user quits, the
// session expires, or the command context ends.
func (w *watch) run(ids []string) error {
	metricsAddr, _ := w.cmd.Flags().GetString("metrics-addr")

	ctx, cancel := context.WithCancel(w.cmd.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", w.s.metrics.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("serving metrics", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var rows []poller.WatchedEntity
	g.Go(func() error {
		defer cancel()
		watchCtx, stop := context.WithCancel(gctx)
		defer stop()
		go func() {
			select {
			case <-w.s.expired:
				stop()
			case <-watchCtx.Done():
			}
		}()

		var err error
		if w.interactive {
			rows, err = tui.Run(watchCtx, w.sched, ids, tui.Options{
				ExitWhenDone: true,
				NoColor:      os.Getenv("NO_COLOR") != "",
			})
			if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
				err = nil
			}
		} else {
			rows = w.plain(watchCtx, ids)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case <-w.s.expired:
		return errors.New("session expired while watching; run 'tfsctl login' and watch again")
	default:
	}
	return w.summarize(rows)
}

// plain waits for every handle; transitions are printed by the subscriber
// installed in newWatch.
func (w *watch) plain(ctx context.Context, ids []string) []poller.WatchedEntity {
	for _, h := range w.handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
		}
	}

	rows := make([]poller.WatchedEntity, 0, len(ids))
	for _, id := range ids {
		if e, ok := w.sched.Get(id); ok {
			rows = append(rows, e)
		}
	}
	return rows
}

func (w *watch) summarize(rows []poller.WatchedEntity) error {
	unsettled := 0
	for _, e := range rows {
		switch e.Status {
		case analysis.StatusCompleted:
			if e.Task != nil {
				outf(w.cmd, "#%s %s: priority %s, %s\n", e.ID, e.Task.Title, formatScore(e.Task.PriorityScore), taskState(*e.Task))
			} else {
				outf(w.cmd, "#%s completed\n", e.ID)
			}
		default:
			unsettled++
			if e.Reason != "" {
				outf(w.cmd, "#%s %s: %s\n", e.ID, e.Status, e.Reason)
			} else {
				outf(w.cmd, "#%s %s\n", e.ID, e.Status)
			}
		}
	}
	if unsettled > 0 {
		return fmt.Errorf("%d task(s) did not complete analysis", unsettled)
	}
	return nil
}
