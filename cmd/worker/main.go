package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/internal/api"
	"github.com/sliink/taskworker/internal/core"
	"github.com/sliink/taskworker/internal/model"
	"github.com/sliink/taskworker/internal/observability"
	"github.com/sliink/taskworker/internal/plugins"
	"github.com/sliink/taskworker/internal/tasks"
	"github.com/sliink/taskworker/pkg/plugin"
)

type options struct {
	configFile string
	plugins    []string
	threads    int
	logLevel   string
	apiEnabled bool
	apiPort    int
	apiHost    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "taskworker",
		Short:         "Task Worker - run tasks on a worker that hosts executor plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&opts.plugins, "plugins", nil, "Plugins to load, in order (overrides config)")
	rootCmd.PersistentFlags().IntVar(&opts.threads, "threads", 0, "Concurrent task slots (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the worker and serve the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	serveCmd.Flags().BoolVar(&opts.apiEnabled, "api", true, "Enable the API server")
	serveCmd.Flags().IntVar(&opts.apiPort, "api-port", 0, "API server port (overrides config)")
	serveCmd.Flags().StringVar(&opts.apiHost, "api-host", "", "API server host (overrides config)")

	runCmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Run the tasks of a manifest, then shut down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifestCmd(cmd, opts, args[0])
		},
	}

	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins this binary can load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			factories := plugin.NewRegistry()
			if err := plugins.RegisterStandard(factories); err != nil {
				return err
			}
			for _, id := range factories.Identifiers() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, runCmd, pluginsCmd)
	return rootCmd
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(cmd *cobra.Command, opts *options) (*core.Config, error) {
	cfg, err := core.LoadConfig(opts.configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("plugins") {
		cfg.Plugins.Enabled = opts.plugins
	}
	if flags.Changed("threads") {
		cfg.Worker.Threads = opts.threads
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("api") {
		cfg.API.Enabled = opts.apiEnabled
	}
	if flags.Changed("api-port") {
		cfg.API.Port = opts.apiPort
	}
	if flags.Changed("api-host") {
		cfg.API.Host = opts.apiHost
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newWorker builds the logger and a worker able to load the standard plugins
func newWorker(cfg *core.Config) (*core.Worker, *zap.Logger, error) {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("setup logger: %w", err)
	}

	factories := plugin.NewRegistry()
	if err := plugins.RegisterStandard(factories); err != nil {
		return nil, nil, err
	}

	w := core.NewWorker(*cfg,
		core.WithLogger(logger.Named("worker")),
		core.WithPluginFactories(factories),
	)
	return w, logger, nil
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	w, logger, err := newWorker(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the API subscribes to worker events, so it is built before Start
	var apiServer *api.API
	if cfg.API.Enabled {
		apiServer = api.NewAPI(w, cfg.API.Host, cfg.API.Port, logger.Named("api"))
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	apiErr := make(chan error, 1)
	if apiServer != nil {
		go func() { apiErr <- apiServer.Start() }()
	}

	logger.Info("worker is running, press Ctrl+C to stop", zap.String("worker_id", w.ID()))

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	}

	if apiServer != nil {
		apiCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(apiCtx); err != nil {
			logger.Warn("api server shutdown error", zap.Error(err))
		}
		cancel()
	}

	logger.Info("shutting down")
	if err := w.Stop(context.Background()); err != nil {
		logger.Warn("plugins reported errors during shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func runManifestCmd(cmd *cobra.Command, opts *options, path string) error {
	specs, err := tasks.LoadManifest(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	w, logger, err := newWorker(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	summary, runErr := runManifest(ctx, w, specs)
	stopErr := w.Stop(context.Background())
	if stopErr != nil {
		logger.Warn("plugins reported errors during shutdown", zap.Error(stopErr))
	}

	summary.print(cmd.OutOrStdout())
	if runErr != nil {
		return runErr
	}
	if summary.failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", summary.failed, summary.total())
	}
	return nil
}

type manifestSummary struct {
	records   []model.TaskRecord
	succeeded int
	failed    int
}

func (s manifestSummary) total() int {
	return s.succeeded + s.failed
}

func (s manifestSummary) print(out io.Writer) {
	for _, record := range s.records {
		line := fmt.Sprintf("%s %-6s %-9s %s", record.ID, record.Kind, record.State, record.Duration().Round(time.Microsecond))
		if record.Error != "" {
			line += " error=" + record.Error
		}
		if record.HookFailures > 0 {
			line += fmt.Sprintf(" hook_failures=%d", record.HookFailures)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "tasks: %d succeeded, %d failed\n", s.succeeded, s.failed)
}

// runManifest submits every task of specs and waits for all of them
func runManifest(ctx context.Context, w *core.Worker, specs []tasks.Spec) (manifestSummary, error) {
	var summary manifestSummary
	var handles []*core.TaskHandle

	for _, spec := range specs {
		subs, err := spec.Submissions()
		if err != nil {
			return summary, err
		}
		for _, sub := range subs {
			handle, err := w.Submit(ctx, sub)
			if err != nil {
				return summary, fmt.Errorf("submit %s task: %w", spec.Kind, err)
			}
			handles = append(handles, handle)
		}
	}

	var errs []error
	for _, handle := range handles {
		record, err := handle.Wait(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("wait for task %s: %w", handle.ID(), err))
			continue
		}
		summary.records = append(summary.records, record)
		if record.State == model.TaskSucceeded {
			summary.succeeded++
		} else {
			summary.failed++
		}
	}
	return summary, errors.Join(errs...)
}
