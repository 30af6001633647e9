// Package app wires the control plane, validation, sinks and orchestrator
// into the fetch, validate, run and summarize flow behind the perfx command.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"perfx/internal/config"
	"perfx/internal/controlplane"
	"perfx/internal/core"
	"perfx/internal/engine"
	"perfx/internal/feed"
	"perfx/internal/influx"
	"perfx/internal/metrics"
	"perfx/internal/orchestrator"
	"perfx/internal/progress"
	"perfx/internal/report"
	"perfx/internal/sink"
	"perfx/internal/validation"
	"perfx/internal/workload"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

const notifyTimeout = 10 * time.Second

// Options is everything one invocation needs.
type Options struct {
	App        config.App
	RunID      string
	ScriptPath string
	// Args are the pass-through arguments validated against the endpoint
	// schema.
	Args map[string]string

	Stdout io.Writer
	Stderr io.Writer
	// HTTPClient is used by the script workload. Nil means a client with
	// default transport settings.
	HTTPClient *http.Client
	Logger     *log.Entry
	// Signals enables SIGINT and SIGTERM handling.
	Signals bool
}

func (o *Options) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Logger == nil {
		o.Logger = log.NewEntry(log.StandardLogger())
	}
	if o.Args == nil {
		o.Args = map[string]string{}
	}
}

// errReported marks a failure already sent to the control plane.
var errReported = errors.New("failure reported")

// Run executes one run and returns the process exit code.
func Run(ctx context.Context, opts Options) int {
	opts.defaults()
	logger := opts.Logger.WithField("run_id", opts.RunID)

	if strings.TrimSpace(opts.RunID) == "" {
		logger.Error("--run-id is required")
		return ExitFailure
	}
	client, err := controlplane.New(opts.App.PlatformURL,
		controlplane.WithLogger(opts.Logger.WithField("component", "controlplane")))
	if err != nil {
		logger.WithError(err).Error("creating control-plane client")
		return ExitFailure
	}

	code, err := execute(ctx, opts, client, logger)
	if err == nil {
		return code
	}
	if !errors.Is(err, errReported) {
		logger.WithError(err).Error("run aborted")
		notifyFailure(ctx, client, opts.RunID, err.Error(), logger)
	}
	return ExitFailure
}

func execute(ctx context.Context, opts Options, client *controlplane.Client, logger *log.Entry) (int, error) {
	if len(opts.Args) > 0 {
		logger.Infof("pass-through arguments: %s", formatArgs(opts.Args))
	}

	logger.Info("fetching run configuration")
	plan, err := client.FetchRun(ctx, opts.RunID)
	if err != nil {
		return ExitFailure, err
	}
	logPlan(logger, plan)

	result := validation.Validate(plan.Parameters(), opts.Args)
	if !result.Valid {
		logger.Error("argument validation failed:")
		for _, e := range result.Errors {
			logger.Errorf("  - %s: %s", e.Parameter, e.Message)
		}
		fmt.Fprintln(opts.Stdout)
		fmt.Fprintln(opts.Stdout, validation.FormatHelp(plan.Parameters()))
		notifyFailure(ctx, client, opts.RunID, result.Messages(), logger)
		return ExitFailure, nil
	}
	logger.Infof("arguments resolved: %s", formatArgs(result.ResolvedArguments))

	duration := config.ResolveRunTime(plan.RunTime, logger)
	if opts.App.DryRun {
		printDryRun(opts, plan, duration, result.ResolvedArguments)
		return ExitSuccess, nil
	}

	spec, err := plan.RunSpec(result.ResolvedArguments, duration, opts.App.Workload, opts.App.Tags)
	if err != nil {
		if errors.Is(err, config.ErrConfiguration) {
			logger.WithError(err).Error("invalid run configuration")
			notifyFailure(ctx, client, opts.RunID, err.Error(), logger)
			return ExitFailure, errReported
		}
		return ExitFailure, err
	}

	factory, err := workloadFactory(opts, logger)
	if err != nil {
		return ExitFailure, err
	}

	return runSpec(ctx, opts, client, spec, factory, logger)
}

func runSpec(ctx context.Context, opts Options, client *controlplane.Client, spec config.RunSpec, factory core.WorkloadFactory, logger *log.Entry) (int, error) {
	// Sinks outlive an interrupt so the terminal notification still goes out.
	sinkCtx := context.WithoutCancel(ctx)
	hub := sink.NewHub(sinkCtx, opts.Logger.WithField("component", "sink"))
	hub.Add(sink.NewControlPlane(client))

	writer, err := influx.Connect(ctx, opts.App.Influx, spec.RunID(), spec.Dimensions(),
		influx.WithLogger(opts.Logger.WithField("component", "influx")))
	switch {
	case err != nil:
		logger.WithError(err).Warn("InfluxDB unavailable, metrics will not be stored")
	case writer == nil:
		logger.Info("InfluxDB not configured, skipping metrics storage")
	default:
		defer writer.Close()
		hub.Add(writer)
	}

	if opts.App.MetricsAddr != "" {
		exporter := metrics.NewExporter(spec.RunID())
		stop, err := serveMetrics(opts.App.MetricsAddr, exporter, logger)
		if err != nil {
			return ExitFailure, err
		}
		defer stop()
		hub.Add(exporter)
	}

	printer := progress.NewProgress(opts.App.Quiet)
	printer.SetOutput(opts.Stderr)
	hub.Add(printer)

	engineLogger := opts.Logger.WithField("component", "engine")
	orch := orchestrator.New(spec, func(cfg core.WorkloadConfig) (orchestrator.Engine, error) {
		return engine.New(factory, cfg, engine.WithLogger(engineLogger)), nil
	},
		orchestrator.WithLogger(opts.Logger.WithField("component", "orchestrator")),
		orchestrator.WithStatsInterval(opts.App.StatsInterval),
		orchestrator.WithEnvExport(opts.App.ExportEnv),
	)
	Observe(orch, hub)

	if opts.Signals {
		stopSignals := forwardSignals(orch, logger)
		defer stopSignals()
	}

	logger.Info("starting run")
	ok := orch.Run(ctx)

	if err := report.Write(opts.Stdout, opts.App.Output, spec.RunID(), orch.Result()); err != nil {
		logger.WithError(err).Warn("writing summary")
	}
	if !ok {
		return ExitFailure, nil
	}
	return ExitSuccess, nil
}

// Observe routes every orchestrator callback through hub.
func Observe(o *orchestrator.Orchestrator, hub *sink.Hub) {
	o.OnStart(hub.Started).
		OnComplete(hub.Completed).
		OnFail(hub.Failed).
		OnRequest(hub.Request).
		OnStats(hub.Stats)
}

func workloadFactory(opts Options, logger *log.Entry) (core.WorkloadFactory, error) {
	if opts.App.Workload != "" {
		return workload.Lookup(opts.App.Workload)
	}
	if opts.ScriptPath == "" {
		return nil, errors.New("no workload: pass a script with -f or a registered --workload")
	}
	script, err := config.LoadScript(opts.ScriptPath)
	if err != nil {
		return nil, err
	}
	feeds, err := feed.LoadScript(script)
	if err != nil {
		return nil, err
	}
	logger.Infof("loaded script %q with %d steps", script.Name, len(script.Steps))
	if len(feeds) > 0 {
		logger.Infof("data feeds: %s", strings.Join(feeds.Names(), ", "))
	}
	return workload.ScriptFactory(script, feeds, opts.HTTPClient, opts.Logger.WithField("component", "workload")), nil
}

func serveMetrics(addr string, exporter *metrics.Exporter, logger *log.Entry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()
	logger.Infof("serving metrics on http://%s/metrics", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// Replaced in tests.
var (
	signalNotify = signal.Notify
	signalStop   = signal.Stop
)

// forwardSignals stops o on the first SIGINT or SIGTERM. Handling is then
// released so a second signal terminates the process during the drain.
func forwardSignals(o interface{ Stop() }, logger *log.Entry) func() {
	ch := make(chan os.Signal, 1)
	signalNotify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			signalStop(ch)
			logger.Infof("received %s, stopping (repeat to force exit)", sig)
			o.Stop()
		case <-done:
		}
	}()
	return func() {
		signalStop(ch)
		close(done)
	}
}

func notifyFailure(ctx context.Context, client *controlplane.Client, runID, message string, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := client.FailRun(ctx, runID, core.Truncate(message, core.DefaultErrorLimit)); err != nil {
		logger.WithError(err).Warn("reporting failure to control plane")
	}
}

func logPlan(logger *log.Entry, plan *controlplane.TestRunDetail) {
	orUnknown := func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	}
	runTime := plan.RunTime
	if runTime == "" {
		runTime = "unlimited"
	}
	logger.Info("run configuration:")
	logger.Infof("  endpoint:   %s", orUnknown(plan.EndpointPath()))
	logger.Infof("  env:        %s", orUnknown(plan.EnvCode()))
	logger.Infof("  host:       %s", orUnknown(plan.Host()))
	logger.Infof("  users:      %s", optional(plan.Users))
	logger.Infof("  spawn rate: %s", optional(plan.SpawnRate))
	logger.Infof("  run time:   %s", runTime)
}

func printDryRun(opts Options, plan *controlplane.TestRunDetail, duration time.Duration, resolved map[string]string) {
	w := opts.Stdout
	runTime := "unlimited"
	if duration > 0 {
		runTime = duration.String()
	}
	source := opts.ScriptPath
	if opts.App.Workload != "" {
		source = "workload " + opts.App.Workload
	}
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "Arguments are valid. The run would use:")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  Script:     %s\n", source)
	fmt.Fprintf(w, "  Host:       %s\n", plan.Host())
	fmt.Fprintf(w, "  Users:      %s\n", optional(plan.Users))
	fmt.Fprintf(w, "  Spawn rate: %s\n", optional(plan.SpawnRate))
	fmt.Fprintf(w, "  Run time:   %s\n", runTime)
	fmt.Fprintf(w, "  Arguments:  %s\n", formatArgs(resolved))
	if len(opts.App.Tags) > 0 {
		fmt.Fprintf(w, "  Tags:       %s\n", formatArgs(opts.App.Tags))
	}
	fmt.Fprintln(w, line)
}

func optional[T any](v *T) string {
	if v == nil {
		return "default"
	}
	return fmt.Sprint(*v)
}

// formatArgs renders a map with sorted keys.
func formatArgs(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+args[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
