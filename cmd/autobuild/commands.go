package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
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
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/agentpool"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/config"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/dispatcher"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/lease"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/notify"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/policy"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/router"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/schedule"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/usage"
	"github.com/hochfrequenz/autobuild-orchestrator/tui"
	"github.com/hochfrequenz/autobuild-orchestrator/web/api"
)

var (
	runWorkspace string
	runDryRun    bool
	servePort    int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run SPEC",
		Short: "Plan and execute a run from a spec file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "override the run spec's workspace")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "plan the run without executing it")
	rootCmd.AddCommand(runCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show current status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	reportCmd := &cobra.Command{
		Use:   "report RUN",
		Short: "Print the report for a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runReport,
	}
	rootCmd.AddCommand(reportCmd)

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the routing policy",
	}
	policyCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the routing policy and quota files",
		RunE:  runPolicyValidate,
	})
	rootCmd.AddCommand(policyCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on")
	rootCmd.AddCommand(serveCmd)

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run configured schedules until interrupted",
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show provider token usage against quotas",
		RunE:  runUsage,
	}
	rootCmd.AddCommand(usageCmd)

	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect the worker pool",
	}
	poolCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show connected workers and queued jobs",
		RunE:  runPoolStatus,
	})
	rootCmd.AddCommand(poolCmd)
}

// app bundles the shared wiring every command needs: config, the run
// store, and the policy and ledger stack on top of it.
type app struct {
	cfg    *config.Config
	store  *runstore.Store
	quotas *policy.Quotas
	doc    *policy.Document
	usage  *usage.Ledger
	issues *issues.Ledger

	// extra notifiers join the operator notifiers, e.g. the status API's
	// event stream when a daemon embeds it
	extra []notify.Notifier
}

func openApp() (*app, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}

	quotas, err := policy.LoadQuotas(cfg.General.QuotasPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	doc, err := policy.Load(cfg.General.PolicyPath, quotas)
	if err != nil {
		store.Close()
		return nil, err
	}

	usageLedger, err := usage.New(store.DB(), quotas)
	if err != nil {
		store.Close()
		return nil, err
	}
	issueLedger, err := issues.New(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  store,
		quotas: quotas,
		doc:    doc,
		usage:  usageLedger,
		issues: issueLedger,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) notifier() notify.Notifier {
	notifiers := []notify.Notifier{
		notify.NewDesktopNotifier(a.cfg.Notifications.Desktop),
		notify.NewSlackNotifier(a.cfg.Notifications.SlackWebhook),
	}
	return notify.NewMultiNotifier(append(notifiers, a.extra...)...)
}

// newDispatcher assembles the execution stack around the given adapters
func (a *app) newDispatcher(doc *policy.Document, builder agent.Builder, auditor agent.Auditor) (*dispatcher.Dispatcher, error) {
	leases, err := lease.New(a.store.DB(), func(runID string) (bool, error) {
		run, err := a.store.GetRun(runID)
		if err != nil {
			return false, err
		}
		return run.State.Terminal(), nil
	})
	if err != nil {
		return nil, err
	}

	notifier := a.notifier()
	pipe := &pipeline.Pipeline{
		Store:       a.store,
		Router:      router.New(doc, a.usage),
		Policy:      doc,
		Usage:       a.usage,
		Issues:      a.issues,
		Builder:     builder,
		Auditor:     auditor,
		Applier:     agent.GitApplier{},
		Notifier:    notifier,
		CallTimeout: time.Duration(a.cfg.Agents.CallTimeoutMinutes) * time.Minute,
	}

	return &dispatcher.Dispatcher{
		Store:        a.store,
		Issues:       a.issues,
		Pipeline:     pipe,
		Leases:       leases,
		Notifier:     notifier,
		Concurrency:  a.cfg.General.MaxParallelPhases,
		WaitForLease: a.cfg.General.WaitForLease,
	}, nil
}

// adapters returns the builder/auditor pair, fronted by the worker pool
// coordinator when the pool is enabled. The coordinator falls back to the
// local adapter while no workers are connected.
func (a *app) adapters(ctx context.Context) (agent.Builder, agent.Auditor, func()) {
	cli := agent.NewCLIAgent(a.cfg.Agents.Binary, a.cfg.Agents.ExtraArgs...)
	if !a.cfg.Pool.Enabled {
		return cli, cli, func() {}
	}

	registry := agentpool.NewRegistry()
	poolDisp := agentpool.NewDispatcher(registry, agentpool.NewLocalFunc(cli, cli))
	coord := agentpool.NewCoordinator(agentpool.CoordinatorConfig{
		Port:       a.cfg.Pool.Port,
		JobTimeout: time.Duration(a.cfg.Agents.CallTimeoutMinutes) * time.Minute,
	}, registry, poolDisp)

	go func() {
		if err := coord.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "worker pool coordinator: %v\n", err)
		}
	}()
	return coord, coord, func() { coord.Stop() }
}

func loadRunSpec(path string) (dispatcher.RunSpec, error) {
	var spec dispatcher.RunSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parsing run spec %s: %w", path, err)
	}
	return spec, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	spec, err := loadRunSpec(args[0])
	if err != nil {
		return err
	}
	if runWorkspace != "" {
		spec.Workspace = runWorkspace
	}

	run, err := dispatcher.Plan(a.store, a.doc, spec)
	if err != nil {
		return err
	}

	phases, err := a.store.GetPhases(run.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Planned run %s (%s): %d phase(s)\n", run.ID, run.Name, len(phases))

	if runDryRun {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tPHASE\tCATEGORY\tCOMPLEXITY\tATTEMPTS\tTOKEN CAP")
		for _, p := range phases {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
				p.TierIndex, p.Name, p.Category, p.Complexity,
				p.Budget.MaxAttempts, p.Budget.TokenCap)
		}
		w.Flush()
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder, auditor, shutdown := a.adapters(ctx)
	defer shutdown()

	disp, err := a.newDispatcher(a.doc, builder, auditor)
	if err != nil {
		return err
	}
	if err := disp.ExecuteRun(ctx, run.ID); err != nil {
		return err
	}

	report, err := dispatcher.BuildReport(a.store, a.usage, a.issues, run.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s: %s (%s), %d tokens used\n",
		run.ID, report.Outcome, report.Detail, report.TokensUsed)
	if report.Outcome != dispatcher.OutcomeCompleted {
		return fmt.Errorf("run %s finished %s", run.ID, report.Outcome)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tPROGRESS\tCREATED")
	for _, run := range runs {
		progress, err := a.store.Progress(run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\n",
			run.ID, run.Name, run.State, progress.Percent,
			run.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns()
	if err != nil {
		return err
	}

	var created, running, completed, failed, aborted int
	for _, r := range runs {
		switch r.State {
		case domain.RunCreated:
			created++
		case domain.RunRunning:
			running++
		case domain.RunCompleted:
			completed++
		case domain.RunFailed:
			failed++
		case domain.RunAborted:
			aborted++
		}
	}
	fmt.Printf("Runs: %d total | %d created | %d running | %d completed | %d failed | %d aborted\n",
		len(runs), created, running, completed, failed, aborted)

	summary, err := a.usage.Summary()
	if err != nil {
		return err
	}
	for _, p := range summary {
		marker := ""
		if p.Exhausted {
			marker = " (exhausted)"
		} else if p.SoftLimit {
			marker = " (soft limit)"
		}
		fmt.Printf("  %s: %d / %d tokens%s\n", p.Provider, p.Consumed, p.Cap, marker)
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := dispatcher.BuildReport(a.store, a.usage, a.issues, args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}

	quotas, err := policy.LoadQuotas(cfg.General.QuotasPath)
	if err != nil {
		return err
	}
	doc, err := policy.Load(cfg.General.PolicyPath, quotas)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tSTRATEGY\tBUILDER\tAUDITOR\tDUAL\tAUTO APPLY")
	for _, name := range doc.CategoryNames() {
		cat, err := doc.Category(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\n",
			name, cat.Strategy, cat.Builder.Primary, cat.Auditor.Primary,
			cat.DualAudit, cat.AutoApply)
	}
	w.Flush()

	fmt.Printf("Policy OK: %d categories, %d provider quotas\n",
		len(doc.CategoryNames()), len(quotas.Providers))
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	model := tui.NewModel(a.store, a.usage)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)

	server := api.NewServer(a.store, a.usage, a.issues, a.doc, addr)
	fmt.Printf("Status API listening on http://%s\n", addr)
	return server.Start()
}

func runUsage(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.usage.Summary()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCONSUMED\tCAP\tREMAINING\tUSED")
	for _, p := range summary {
		marker := ""
		if p.Exhausted {
			marker = " exhausted"
		} else if p.SoftLimit {
			marker = " soft limit"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%%s\n",
			p.Provider, humanize.Comma(p.Consumed), humanize.Comma(p.Cap),
			humanize.Comma(p.Remaining), p.Ratio*100, marker)
	}
	w.Flush()
	return nil
}

func runPoolStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	if !cfg.Pool.Enabled {
		return fmt.Errorf("worker pool is not enabled in config")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Pool.Port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("querying coordinator at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var status struct {
		Workers []struct {
			ID             string `json:"id"`
			MaxJobs        int    `json:"max_jobs"`
			ActiveJobs     int    `json:"active_jobs"`
			AgentBinary    string `json:"agent_binary"`
			ConnectedSince string `json:"connected_since"`
		} `json:"workers"`
		QueuedJobs int `json:"queued_jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding coordinator status: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tACTIVE\tMAX JOBS\tAGENT\tCONNECTED")
	for _, wk := range status.Workers {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			wk.ID, wk.ActiveJobs, wk.MaxJobs, wk.AgentBinary, wk.ConnectedSince)
	}
	w.Flush()
	fmt.Printf("Queued jobs: %d\n", status.QueuedJobs)
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := schedule.NewScheduler(a.cfg.Schedules)
	if err != nil {
		return err
	}
	if len(sched.ListSchedules()) == 0 {
		return fmt.Errorf("no enabled schedules configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The daemon serves the status API itself so /api/events streams the
	// transitions and quota incidents of the runs it executes.
	apiAddr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, a.cfg.Web.Port)
	server := api.NewServer(a.store, a.usage, a.issues, a.doc, apiAddr)
	a.extra = append(a.extra, server.Notifier())
	go func() {
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "status API: %v\n", err)
		}
	}()
	fmt.Printf("Status API listening on http://%s\n", apiAddr)

	builder, auditor, shutdown := a.adapters(ctx)
	defer shutdown()

	// Policy edits apply to runs planned after the reload; runs already
	// planned keep the snapshot they were compiled with.
	var snapMu sync.Mutex
	doc := a.doc
	watcher, err := policy.NewWatcher(a.cfg.General.PolicyPath, a.cfg.General.QuotasPath,
		func(newDoc *policy.Document, newQuotas *policy.Quotas) {
			snapMu.Lock()
			doc = newDoc
			snapMu.Unlock()
			fmt.Println("Routing policy reloaded")
		})
	if err != nil {
		return err
	}
	defer watcher.Close()
	watcher.Start(ctx)

	go sched.Start(func(entry config.ScheduleConfig) error {
		spec, err := loadRunSpec(entry.SpecPath)
		if err != nil {
			return err
		}

		snapMu.Lock()
		current := doc
		snapMu.Unlock()

		run, err := dispatcher.Plan(a.store, current, spec)
		if err != nil {
			return err
		}
		fmt.Printf("Schedule %s triggered run %s\n", entry.Name, run.ID)

		disp, err := a.newDispatcher(current, builder, auditor)
		if err != nil {
			return err
		}
		return disp.ExecuteRun(ctx, run.ID)
	})

	for _, name := range sched.ListSchedules() {
		fmt.Printf("Schedule %s: next run %s\n", name, sched.NextRun(name).Format(time.RFC3339))
	}

	<-ctx.Done()
	sched.Stop()
	return nil
}
