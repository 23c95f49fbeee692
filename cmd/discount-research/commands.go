package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lfy-personal/Pricing/internal/artifact"
	"github.com/lfy-personal/Pricing/internal/config"
	"github.com/lfy-personal/Pricing/internal/domain"
	"github.com/lfy-personal/Pricing/internal/inbox"
	"github.com/lfy-personal/Pricing/internal/ingest"
	"github.com/lfy-personal/Pricing/internal/orchestrator"
	"github.com/lfy-personal/Pricing/internal/schedule"
	"github.com/lfy-personal/Pricing/internal/search"
	"github.com/lfy-personal/Pricing/tui"
	"github.com/lfy-personal/Pricing/web/api"
)

var (
	runInput   string
	runDedupe  bool
	runWatch   bool
	listLimit  int
	exportOut  string
	statusErrs int
	servePort  int
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Research a brand list",
		Long: `Research every brand in a CSV or XLSX file with a "brand" column.
Results are written to <data_dir>/runs/<run id>/ once the run finishes.`,
		RunE: runRun,
	}
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "brand list (.csv or .xlsx)")
	runCmd.Flags().BoolVar(&runDedupe, "dedupe", false, "drop repeated brand names (first occurrence wins)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "show the live dashboard while the run executes")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Finish a run interrupted by a crash",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusErrs, "errors", 10, "number of ERROR rows to show")
	rootCmd.AddCommand(statusCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE:  runList,
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs (0 for all)")
	rootCmd.AddCommand(listCmd)

	// export command
	exportCmd := &cobra.Command{
		Use:   "export RUN_ID",
		Short: "Write the artifacts of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output directory (default: <data_dir>/runs)")
	rootCmd.AddCommand(exportCmd)

	// capability command
	capabilityCmd := &cobra.Command{
		Use:   "capability",
		Short: "Report which search providers are configured",
		RunE:  runCapability,
	}
	rootCmd.AddCommand(capabilityCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, inbox watcher and schedules",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Live dashboard for a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatchCmd,
	}
	rootCmd.AddCommand(watchCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	out := cmd.OutOrStdout()

	var printer func(orchestrator.Event)
	if !runWatch {
		printer = progressPrinter(out)
	}
	a, err := newApp(ctx, printer)
	if err != nil {
		return err
	}
	defer a.Close()

	batch, err := ingest.ParseFile(runInput, ingest.Options{
		MaxRows: a.cfg.Research.MaxRows,
		Dedupe:  runDedupe || a.cfg.Research.DedupeBrands,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Search: %s\n", a.search.Capability().Banner())
	if batch.Duplicates > 0 {
		fmt.Fprintf(out, "Dropped %d duplicate brand(s)\n", batch.Duplicates)
	}
	fmt.Fprintf(out, "Researching %d brand(s) from %s\n", len(batch.Brands), runInput)

	source := filepath.Base(runInput)
	var run *domain.Run
	if runWatch {
		run, err = watchNewRun(ctx, a, source, batch.Brands)
	} else {
		run, err = a.orch.Start(ctx, source, batch.Brands)
	}
	if err != nil {
		return err
	}

	printSummary(out, run, artifact.NewWriter(a.cfg.RunsDir()).PathsFor(run.ID))
	return nil
}

// watchNewRun executes the batch in the background behind the dashboard.
// Quitting the dashboard early cancels the run.
func watchNewRun(ctx context.Context, a *app, source string, brands []domain.BrandRequest) (*domain.Run, error) {
	mgr := orchestrator.NewManager(ctx, a.orch, a.log)
	defer mgr.Shutdown()

	run, err := mgr.Submit(ctx, source, brands)
	if err != nil {
		return nil, err
	}

	model := tui.NewModel(tui.ModelConfig{Source: a.store, RunID: run.ID, ExitOnFinish: true})
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		a.log.Warn("dashboard exited with error", zap.Error(err))
	}

	if mgr.IsActive(run.ID) {
		if err := mgr.Cancel(run.ID); err != nil && !errors.Is(err, orchestrator.ErrNotActive) {
			return nil, err
		}
	}
	return mgr.Wait(context.WithoutCancel(ctx), run.ID)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	out := cmd.OutOrStdout()

	a, err := newApp(ctx, progressPrinter(out))
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.orch.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	printSummary(out, run, artifact.NewWriter(a.cfg.RunsDir()).PathsFor(run.ID))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	run.SortResults()
	out := cmd.OutOrStdout()
	printSummary(out, run, artifact.NewWriter(cfg.RunsDir()).PathsFor(run.ID))

	if statusErrs <= 0 {
		return nil
	}
	shown := 0
	for _, r := range run.Results {
		if r.Status != domain.StatusError {
			continue
		}
		if shown == 0 {
			fmt.Fprintln(out, "\nErrors:")
		}
		if shown == statusErrs {
			fmt.Fprintf(out, "  ... %d more\n", run.Counts().Error-shown)
			break
		}
		fmt.Fprintf(out, "  row %d %q: %s\n", r.SequenceIndex+1, r.Brand, r.ErrorDetail)
		shown++
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(ctx, listLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs yet")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tBRANDS\tDISC/INF/ERR\tSEARCH\tSOURCE\tCREATED")
	for _, r := range runs {
		status := string(r.Status)
		if r.Cancelled {
			status += " (cancelled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d/%d/%d\t%s\t%s\t%s\n",
			r.ID, status, r.Counts.Done, r.Counts.Total,
			r.Counts.Discovered, r.Counts.Inferred, r.Counts.Error,
			r.Capability, r.Source, humanize.Time(r.CreatedAt))
	}
	return w.Flush()
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is still %s; resume it or wait for it to finish", run.ID, run.Status)
	}
	diags, err := store.Diagnostics(ctx, run.ID)
	if err != nil {
		return err
	}

	root := exportOut
	if root == "" {
		root = cfg.RunsDir()
	}
	paths, err := artifact.NewWriter(config.ExpandPath(root)).Write(run, diags)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Exported run %s to %s\n", run.ID, paths.Dir)
	for _, p := range []string{paths.ResultsCSV, paths.ResultsXLSX, paths.Metadata, paths.Diagnostics} {
		fmt.Fprintf(out, "  %s\n", p)
	}
	return nil
}

func runCapability(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	creds := cfg.Credentials()
	capability := search.CapabilityFor(creds)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Search: %s\n", capability.Banner())
	fmt.Fprintf(out, "  SerpAPI key:      %s\n", presence(creds.SerpAPIKey))
	fmt.Fprintf(out, "  Google CSE key:   %s\n", presence(creds.GoogleCSEKey))
	fmt.Fprintf(out, "  Google CSE cx:    %s\n", presence(creds.GoogleCSECX))
	if creds.GoogleCSEKey != "" && creds.GoogleCSECX == "" {
		fmt.Fprintf(out, "  note: Google CSE needs both the key and %s\n", config.EnvGoogleCSECX)
	}
	return nil
}

func presence(v string) string {
	if v == "" {
		return "missing"
	}
	return "set"
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	hub := api.NewHub()
	a, err := newApp(ctx, hub.Publish)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	mgr := orchestrator.NewManager(ctx, a.orch, log.Named("runs"))
	defer mgr.Shutdown()

	resumed, err := mgr.ResumeInterrupted(ctx)
	if err != nil {
		log.Warn("could not list interrupted runs", zap.Error(err))
	}
	for _, id := range resumed {
		log.Info("resuming interrupted run", zap.String("run_id", id))
	}

	maxRows := a.cfg.Research.MaxRows
	if dir := a.cfg.Inbox.Dir; dir != "" {
		w, err := inbox.New(dir, a.cfg.Inbox.Debounce.Std(), func(ctx context.Context, path string) error {
			b, err := ingest.ParseFile(path, ingest.Options{MaxRows: maxRows, Dedupe: a.cfg.Research.DedupeBrands})
			if err != nil {
				return err
			}
			_, err = mgr.Submit(ctx, "inbox:"+filepath.Base(path), b.Brands)
			return err
		}, log.Named("inbox"))
		if err != nil {
			return err
		}
		w.Start(ctx)
		defer w.Stop()
		log.Info("watching inbox", zap.String("dir", dir))
	}

	var schedWG sync.WaitGroup
	if len(a.cfg.Schedules) > 0 {
		sched, err := schedule.New(a.cfg.Schedules, log.Named("schedule"))
		if err != nil {
			return err
		}
		for _, name := range sched.Names() {
			log.Info("schedule registered", zap.String("schedule", name), zap.Time("next", sched.NextRun(name)))
		}
		schedWG.Add(1)
		go func() {
			defer schedWG.Done()
			sched.Start(ctx, schedule.SubmitFile(mgr, maxRows, log.Named("schedule")))
		}()
	}
	defer schedWG.Wait()

	srv := api.NewServer(api.Options{
		Store:      a.store,
		Runs:       mgr,
		Artifacts:  artifact.NewWriter(a.cfg.RunsDir()),
		Hub:        hub,
		Observer:   a.observer,
		Capability: a.search.Capability(),
		MaxRows:    maxRows,
		Dedupe:     a.cfg.Research.DedupeBrands,
	}, log.Named("api"))

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)
	fmt.Fprintf(cmd.OutOrStdout(), "Search: %s\n", a.search.Capability().Banner())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving API at http://%s\n", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			return err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.Get(ctx, args[0]); err != nil {
		return err
	}
	model := tui.NewModel(tui.ModelConfig{Source: store, RunID: args[0]})
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// progressPrinter prints one line per finished brand
func progressPrinter(out io.Writer) func(orchestrator.Event) {
	var mu sync.Mutex
	return func(e orchestrator.Event) {
		if e.Type != orchestrator.EventBrandFinished || e.Result == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		r := e.Result
		detail := r.Provenance
		if r.Status == domain.StatusError {
			detail = r.ErrorDetail
		}
		fmt.Fprintf(out, "[%d/%d] %-30s %-10s %s\n", e.Counts.Done, e.Counts.Total, clip(r.Brand, 30), r.Status, detail)
	}
}

func printSummary(out io.Writer, run *domain.Run, paths artifact.Paths) {
	c := run.Counts()
	status := string(run.Status)
	if run.Cancelled {
		status += " (cancelled)"
	}
	fmt.Fprintf(out, "\nRun:       %s\n", run.ID)
	fmt.Fprintf(out, "Source:    %s\n", run.Source)
	fmt.Fprintf(out, "Status:    %s\n", status)
	fmt.Fprintf(out, "Search:    %s\n", search.Capability(run.Capability).Banner())
	fmt.Fprintf(out, "Started:   %s (%s)\n", humanize.Time(run.CreatedAt), run.CreatedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:  %s after %s\n", humanize.Time(*run.FinishedAt), run.FinishedAt.Sub(run.CreatedAt).Round(time.Second))
	}
	fmt.Fprintf(out, "Progress:  %d/%d (%.0f%%)\n", c.Done, c.Total, c.Progress()*100)
	fmt.Fprintf(out, "Results:   %d DISCOVERED | %d INFERRED | %d ERROR\n", c.Discovered, c.Inferred, c.Error)
	if run.Status.Terminal() {
		fmt.Fprintf(out, "Artifacts: %s\n", paths.Dir)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
