package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/output"
	"github.com/hochfrequenz/trend-orchestrator/internal/runstore"
)

var (
	runVideo    bool
	runTimeout  time.Duration
	listStatus  string
	listParent  string
	listLimit   int
	videoWait   bool
	videoFrom   string
	searchLimit int
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run TERM [TERM...]",
		Short: "Run the pipeline for a query and wait for the result",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runVideo, "video", false, "also produce a narrated video")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "give up waiting after this long")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show run counts",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listParent, "parent", "", "only video runs derived from this run")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(listCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Show one run with its phases and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	// video command
	videoCmd := &cobra.Command{
		Use:   "video [RUN]",
		Short: "Retry video synthesis for a finished run or a saved artifact directory",
		Long: `Starts a video-only run from the text artifacts of a finished run.
RUN is looked up in the run store first, then in the output directory.
With --from the artifacts are read from the given run directory instead.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if videoFrom != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: runVideoRetry,
	}
	videoCmd.Flags().BoolVar(&videoWait, "wait", true, "wait for the video run to finish")
	videoCmd.Flags().StringVar(&videoFrom, "from", "", "run directory holding artifacts.json")
	rootCmd.AddCommand(videoCmd)

	// search command
	searchCmd := &cobra.Command{
		Use:   "search TERM [TERM...]",
		Short: "Run only the research phase and print the findings",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum number of findings to print")
	rootCmd.AddCommand(searchCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown(30 * time.Second)

	id, err := a.controller.StartRun(ctx, args, runVideo)
	if err != nil {
		return err
	}
	fmt.Printf("Started run %s\n", id)
	return waitAndPrint(ctx, a, id, runTimeout)
}

func waitAndPrint(ctx context.Context, a *app, id string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run, err := a.controller.Wait(waitCtx, id)
	if err != nil {
		// interrupted: stop the run so it is recorded as cancelled
		_ = a.controller.Cancel(id)
		return fmt.Errorf("waiting for run %s: %w", id, err)
	}

	fmt.Println()
	printRun(os.Stdout, run, a.sink.RunDir(id))
	if run.Status == domain.RunFailed {
		return fmt.Errorf("run %s failed", id)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Runs: %d total | %s running | %s completed | %s text only | %s failed\n",
		total,
		statusStyle(domain.RunRunning).Render(fmt.Sprint(counts[domain.RunRunning])),
		statusStyle(domain.RunCompleted).Render(fmt.Sprint(counts[domain.RunCompleted])),
		statusStyle(domain.RunTextOnlyCompleted).Render(fmt.Sprint(counts[domain.RunTextOnlyCompleted])),
		statusStyle(domain.RunFailed).Render(fmt.Sprint(counts[domain.RunFailed])),
	)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(cmd.Context(), runstore.ListOptions{
		Status:   domain.RunStatus(listStatus),
		ParentID: listParent,
		Limit:    listLimit,
	})
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUERY\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			truncate(strings.Join(r.Query, ", "), 40),
			r.Status,
			humanize.Time(r.CreatedAt),
			r.Duration(now).Round(time.Second))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	dir := ""
	if run.Artifacts != nil {
		dir = output.NewFileSink(cfg.Output.Dir).RunDir(run.ID)
	}
	printRun(os.Stdout, run, dir)
	return nil
}

func runVideoRetry(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown(30 * time.Second)

	id, source, err := startVideo(ctx, a, args)
	if err != nil {
		return err
	}
	fmt.Printf("Started video run %s for %s\n", id, source)
	if !videoWait {
		return nil
	}
	return waitAndPrint(ctx, a, id, runTimeout)
}

// startVideo starts a video run from --from, a stored run, or the artifacts
// the file sink wrote for a run the store no longer knows
func startVideo(ctx context.Context, a *app, args []string) (string, string, error) {
	if videoFrom != "" {
		set, err := output.ReadArtifactSet(videoFrom)
		if err != nil {
			return "", "", err
		}
		id, err := a.controller.SynthesizeVideo(ctx, *set)
		return id, videoFrom, err
	}

	runID := args[0]
	id, err := a.controller.RetryVideo(ctx, runID)
	if !errors.Is(err, domain.ErrRunNotFound) {
		return id, runID, err
	}
	set, rerr := a.sink.ReadArtifacts(runID)
	if rerr != nil {
		if errors.Is(rerr, fs.ErrNotExist) {
			return "", "", err
		}
		return "", "", rerr
	}
	a.logger.Info("video: run not in store, using saved artifacts", zap.String("run_id", runID), zap.String("dir", a.sink.RunDir(runID)))
	id, err = a.controller.SynthesizeVideo(ctx, *set)
	return id, a.sink.RunDir(runID), err
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown(5 * time.Second)

	findings, err := a.controller.Search(ctx, args)
	if err != nil {
		return err
	}

	fmt.Printf("%s for %s\n\n", headerStyle.Render(fmt.Sprintf("%d findings", len(findings))), strings.Join(args, ", "))
	for i, f := range findings {
		if i >= searchLimit {
			fmt.Println(dimStyle.Render(fmt.Sprintf("... %d more", len(findings)-searchLimit)))
			break
		}
		published := ""
		if !f.PublishedAt.IsZero() {
			published = " " + humanize.Time(f.PublishedAt)
		}
		fmt.Printf("%2d. %s\n    %s%s\n", i+1, f.Title, dimStyle.Render(f.URL), dimStyle.Render(published))
	}
	return nil
}
