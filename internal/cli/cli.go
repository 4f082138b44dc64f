// ============================================================================
// Slot Dispatcher CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   slot-dispatcher                # Root command
//   ├── run                        # Dispatch one batch until drained
//   │   ├── --file, -f            # Jobs from JSON/YAML instead of the generator
//   │   ├── --jobs, --seed        # Generator overrides
//   │   └── --capacity, --slots   # Dispatcher overrides
//   ├── serve                      # Long-running dispatcher behind gRPC
//   ├── submit                     # Submit jobs to a running server
//   ├── status                     # Show configuration and live statistics
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level                # Override log.level
//   └── --version
//
// Configuration Management:
//   YAML config file, every key optional (see DefaultConfig). Command flags
//   override file values only when given explicitly. A missing default
//   config file is not an error; a missing --config file is.
//
// run Command:
//   1. Load config, build jobs (file or generator)
//   2. Create Dispatcher with log, metrics and report observers
//   3. Enqueue every job; rejections are logged ("Buffer is full")
//   4. Run until drained and print the report
//
//   Examples:
//     ./slot-dispatcher run --jobs 5000
//     ./slot-dispatcher run -f jobs.json --slots 8
//
// serve Command:
//   Runs Dispatcher.Serve, the gRPC JobService and (if enabled) the
//   /metrics + /status HTTP endpoint until SIGINT or SIGTERM. In-flight
//   jobs finish before the process exits.
//
// submit Command:
//   Sends jobs to a serve instance. A full queue is retried with backoff.
//
//   Examples:
//     ./slot-dispatcher submit --id build-42 --priority 7
//     ./slot-dispatcher submit -f jobs.yaml --addr dispatcher:50051
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/client"
	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/internal/generator"
	"github.com/ChuLiYu/slot-dispatcher/internal/metrics"
	"github.com/ChuLiYu/slot-dispatcher/internal/report"
	"github.com/ChuLiYu/slot-dispatcher/internal/server"
	"github.com/ChuLiYu/slot-dispatcher/internal/worker"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// options holds flag values shared by the commands of one CLI instance.
type options struct {
	configFile string
	logLevel   string

	capacity    int
	slots       int
	jobs        int
	seed        int64
	executor    string
	reportPath  string
	grpcAddr    string
	metricsAddr string
}

// BuildCLI creates the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "slot-dispatcher",
		Short: "Slot Dispatcher: a bounded-concurrency priority job dispatcher",
		Long: `Slot Dispatcher runs jobs from a capacity-bounded priority queue in a
fixed number of execution slots:
- highest priority first, FIFO among equals
- duplicate ids are rejected while pending or running
- circular slot allocation, no busy waiting
- Prometheus metrics and a gRPC submission API`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a dispatcher and run one batch of jobs until drained",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}

			var jobs []types.Job
			if jobFile != "" {
				if jobs, err = readJobs(jobFile); err != nil {
					return err
				}
			} else {
				jobs = generator.NewSeeded(cfg.Generator.Seed).Jobs(cfg.Generator.Jobs)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, err = runBatch(ctx, cfg, logger, jobs, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON or YAML file containing job definitions")
	cmd.Flags().IntVar(&opts.capacity, "capacity", 0, "pending queue capacity")
	cmd.Flags().IntVar(&opts.slots, "slots", 0, "number of execution slots (0 means capacity)")
	cmd.Flags().IntVar(&opts.jobs, "jobs", 0, "number of generated jobs")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "generator seed (0 means time based)")
	cmd.Flags().StringVar(&opts.executor, "executor", "", "executor kind: log or simulated")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "write the drain report as JSON to this path")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "metrics listen address")

	return cmd
}

// runBatch enqueues jobs into a fresh dispatcher and runs it until drained.
func runBatch(ctx context.Context, cfg *Config, logger *slog.Logger, jobs []types.Job, out io.Writer) (types.Report, error) {
	var universe []int
	if cfg.Dispatcher.PriorityUniverse {
		universe = generator.Priorities(jobs)
	}

	d, reg, err := newDispatcher(cfg, logger, universe)
	if err != nil {
		return types.Report{}, err
	}
	defer d.Close()

	if reg != nil {
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			router := metrics.NewRouter(reg, func() any { return d.Status() })
			if err := metrics.ListenAndServe(mctx, cfg.Metrics.Addr, router); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	logger.Info("Starting dispatcher",
		"jobs", len(jobs),
		"capacity", cfg.Dispatcher.Capacity,
		"slots", slotCount(cfg),
		"executor", cfg.Executor.Kind)

	for _, job := range jobs {
		// rejections are reported through the observers
		_ = d.Enqueue(job)
	}

	r, err := d.Run(ctx)
	printReport(out, r)
	if err != nil {
		return r, fmt.Errorf("dispatcher stopped before draining: %w", err)
	}
	return r, nil
}

func printReport(w io.Writer, r types.Report) {
	fmt.Fprintln(w, "End execution")
	fmt.Fprintf(w, "Execution time for Heap size %d: %s\n", r.Capacity, r.Elapsed)
	fmt.Fprintf(w, "  executed: %d, failed: %d, rejected: %d, slot waits: %d\n",
		r.Executed, r.Failed, r.Rejected, r.SlotWaits)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a long-running dispatcher with a gRPC submission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger, lis)
		},
	}

	cmd.Flags().IntVar(&opts.capacity, "capacity", 0, "pending queue capacity")
	cmd.Flags().IntVar(&opts.slots, "slots", 0, "number of execution slots (0 means capacity)")
	cmd.Flags().StringVar(&opts.executor, "executor", "", "executor kind: log or simulated")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "write each drain report as JSON to this path")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", "", "gRPC listen address")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "metrics listen address")

	return cmd
}

// serve runs the dispatcher, the gRPC server on lis and the metrics endpoint
// until ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger, lis net.Listener) error {
	d, reg, err := newDispatcher(cfg, logger, nil)
	if err != nil {
		lis.Close()
		return err
	}
	defer d.Close()

	gs := server.NewGRPCServer(server.NewServer(d, logger))

	g, gctx := errgroup.WithContext(ctx)
	start := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	start("dispatcher", func() error { return d.Serve(gctx) })
	start("grpc", func() error { return server.Serve(gctx, gs, lis) })
	if reg != nil {
		router := metrics.NewRouter(reg, func() any { return d.Status() })
		start("metrics", func() error { return metrics.ListenAndServe(gctx, cfg.Metrics.Addr, router) })
	}

	logger.Info("Dispatcher serving",
		"grpc", lis.Addr().String(),
		"capacity", cfg.Dispatcher.Capacity,
		"slots", slotCount(cfg),
		"metrics", cfg.Metrics.Enabled)

	<-gctx.Done()
	logger.Info("Shutting down, waiting for running jobs")
	return g.Wait()
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand(opts *options) *cobra.Command {
	var (
		jobFile  string
		id       string
		label    string
		priority int
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs to a running dispatcher",
		Long:  "Submit one job from flags, or every job in a JSON/YAML file, to a dispatcher started with 'serve'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.setup(cmd)
			if err != nil {
				return err
			}

			var jobs []types.Job
			if jobFile != "" {
				if jobs, err = readJobs(jobFile); err != nil {
					return err
				}
			} else {
				jobs = []types.Job{{ID: types.JobID(id), Label: label, Priority: priority}}
			}

			c, err := client.Dial(dialAddr(cfg.Server.GRPCAddr), client.DefaultRetry)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return submitJobs(ctx, c, jobs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON or YAML file containing job definitions")
	cmd.Flags().StringVar(&id, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&label, "label", "", "job label")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "job priority, higher runs first")
	cmd.Flags().StringVar(&opts.grpcAddr, "addr", "", "dispatcher gRPC address")
	cmd.MarkFlagsMutuallyExclusive("file", "id")

	return cmd
}

// jobSubmitter is the part of *client.Client used by submitJobs.
type jobSubmitter interface {
	Submit(ctx context.Context, job types.Job) (types.JobID, error)
}

func submitJobs(ctx context.Context, c jobSubmitter, jobs []types.Job, out io.Writer) error {
	failed := 0
	for _, job := range jobs {
		id, err := c.Submit(ctx, job)
		if err != nil {
			failed++
			fmt.Fprintf(out, "Failed to submit job %s: %v\n", job.ID, err)
			continue
		}
		fmt.Fprintf(out, "Submitted job %s\n", id)
	}

	fmt.Fprintf(out, "Successfully submitted %d/%d jobs\n", len(jobs)-failed, len(jobs))
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs were not accepted", failed, len(jobs))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and live dispatcher status",
		Long:  "Display the effective configuration and, when a server is reachable, live queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.setup(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()
			return showStatus(ctx, cfg, opts.configFile, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.grpcAddr, "addr", "", "dispatcher gRPC address")
	return cmd
}

func showStatus(ctx context.Context, cfg *Config, configPath string, out io.Writer) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Slot Dispatcher Status                          ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configPath)
	fmt.Fprintf(out, "  ├─ Capacity:        %d\n", cfg.Dispatcher.Capacity)
	fmt.Fprintf(out, "  ├─ Slots:           %d\n", slotCount(cfg))
	fmt.Fprintf(out, "  ├─ Job Timeout:     %s\n", cfg.Dispatcher.JobTimeout)
	fmt.Fprintf(out, "  └─ Executor:        %s\n", cfg.Executor.Kind)
	fmt.Fprintln(out)

	addr := dialAddr(cfg.Server.GRPCAddr)
	fmt.Fprintln(out, "📊 Live Statistics:")
	st, err := liveStatus(ctx, addr)
	if err != nil {
		fmt.Fprintf(out, "  └─ Dispatcher not reachable at %s (run 'slot-dispatcher serve' to start)\n", addr)
	} else {
		fmt.Fprintf(out, "  ├─ State:           %s\n", st.State)
		fmt.Fprintf(out, "  ├─ ⏳ Pending:       %d/%d\n", st.Pending, st.Capacity)
		fmt.Fprintf(out, "  ├─ 🔄 Active:        %d\n", st.Active)
		fmt.Fprintf(out, "  └─ 🎰 Slots in use:  %d/%d\n", st.Occupied, st.Slots)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://%s/metrics\n", dialAddr(cfg.Metrics.Addr))
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func liveStatus(ctx context.Context, addr string) (dispatcher.Status, error) {
	c, err := client.Dial(addr, client.RetryPolicy{Attempts: 1})
	if err != nil {
		return dispatcher.Status{}, err
	}
	defer c.Close()
	return c.Status(ctx)
}

// ============================================================================
// helpers
// ============================================================================

// setup resolves the effective config and installs the process logger.
func (o *options) setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := o.resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// resolveConfig loads the config file and applies explicitly set flags.
func (o *options) resolveConfig(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()

	cfg, err := loadConfig(o.configFile)
	if err != nil {
		if flags.Changed("config") || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = DefaultConfig()
	}

	if flags.Changed("capacity") {
		cfg.Dispatcher.Capacity = o.capacity
	}
	if flags.Changed("slots") {
		cfg.Dispatcher.Slots = o.slots
	}
	if flags.Changed("jobs") {
		cfg.Generator.Jobs = o.jobs
	}
	if flags.Changed("seed") {
		cfg.Generator.Seed = o.seed
	}
	if flags.Changed("executor") {
		cfg.Executor.Kind = o.executor
	}
	if flags.Changed("report") {
		cfg.Report.Path = o.reportPath
	}
	if flags.Changed("grpc-addr") || flags.Changed("addr") {
		cfg.Server.GRPCAddr = o.grpcAddr
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newDispatcher builds a dispatcher with the observers the config asks for.
// The returned registry is nil when metrics are disabled.
func newDispatcher(cfg *Config, logger *slog.Logger, universe []int) (*dispatcher.Dispatcher, *prometheus.Registry, error) {
	observers := dispatcher.Observers{dispatcher.NewLogObserver(logger)}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observers = append(observers, metrics.NewCollector(reg, slotCount(cfg)))
	}
	if cfg.Report.Path != "" {
		observers = append(observers, reportWriter{m: report.NewManager(cfg.Report.Path), log: logger})
	}

	d, err := dispatcher.New(dispatcher.Config{
		Capacity:         cfg.Dispatcher.Capacity,
		Slots:            cfg.Dispatcher.Slots,
		JobTimeout:       cfg.Dispatcher.JobTimeout,
		PriorityUniverse: universe,
		Logger:           logger,
	}, newExecutor(cfg, logger), observers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return d, reg, nil
}

func newExecutor(cfg *Config, logger *slog.Logger) worker.Executor {
	switch cfg.Executor.Kind {
	case ExecutorSimulated:
		seed := cfg.Generator.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return worker.NewSimulatedExecutor(cfg.Executor.MaxDuration, rand.New(rand.NewSource(seed)))
	default:
		return worker.LogExecutor{Logger: logger}
	}
}

// reportWriter persists every drain report.
type reportWriter struct {
	dispatcher.NopObserver
	m   *report.Manager
	log *slog.Logger
}

func (w reportWriter) Drained(r types.Report) {
	if err := w.m.Write(r); err != nil {
		w.log.Error("Failed to write report", "path", w.m.Path(), "error", err)
		return
	}
	w.log.Debug("Report written", "path", w.m.Path())
}

// readJobs parses a job list; .yaml and .yml files are YAML, anything else JSON.
func readJobs(path string) ([]types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var jobs []types.Job
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &jobs)
	default:
		err = json.Unmarshal(data, &jobs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}

func slotCount(cfg *Config) int {
	if cfg.Dispatcher.Slots > 0 {
		return cfg.Dispatcher.Slots
	}
	return cfg.Dispatcher.Capacity
}

// dialAddr turns a listen address such as ":50051" into a dialable one.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
