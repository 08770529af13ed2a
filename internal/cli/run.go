package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wftest/internal/coverage"
	"github.com/roach88/wftest/internal/orchestrator"
	"github.com/roach88/wftest/internal/suite"
)

// DefaultConfigFile is read from the working directory when --config is unset.
const DefaultConfigFile = "wftest.yaml"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config      string
	Concurrency int
	Retries     int
	Timeout     time.Duration
	Bail        bool
	Port        int
	Coverage    bool
	CoverageOut string
	CoverageDB  string
	Snapshot    string
	EnvFile     string
	Filter      string
	WorkDir     string
	Subject     string

	// SubjectOverride replaces the subject process (for testing).
	SubjectOverride orchestrator.Subject

	// IDs overrides run id generation (for testing).
	IDs orchestrator.IDGenerator
}

// runOutput is the JSON payload of the run command.
type runOutput struct {
	*orchestrator.TestResults
	Coverage json.RawMessage `json:"coverage,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Run test suites",
		Long: `Run every suite found under the given files or directories.

Directories are searched for *.test.yaml, *.test.yml and *.test.json files.
Settings come from wftest.yaml (or --config) and are overridden by flags.

Exit codes:
  0 - All tests passed
  1 - One or more tests failed or errored
  2 - Command error (invalid paths, bad config, etc.)

Examples:
  wftest run ./tests
  wftest run ./tests --concurrency 4 --bail
  wftest run order.test.yaml --filter "refund*" --format json
  wftest run ./tests --coverage --coverage-out coverage/coverage.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"."}
			}
			return runSuites(opts, args, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", "", "run configuration file (default ./wftest.yaml if present)")
	f.IntVar(&opts.Concurrency, "concurrency", suite.DefaultConcurrency, "tests to run in parallel")
	f.IntVar(&opts.Retries, "retries", 0, "retries for tests that error")
	f.DurationVar(&opts.Timeout, "timeout", suite.DefaultTimeout, "per-test timeout")
	f.BoolVar(&opts.Bail, "bail", false, "stop scheduling tests after the first failure")
	f.IntVar(&opts.Port, "port", suite.DefaultMockServerPort, "virtual service port (0 picks a free port)")
	f.BoolVar(&opts.Coverage, "coverage", false, "collect workflow coverage")
	f.StringVar(&opts.CoverageOut, "coverage-out", "", "write coverage JSON to this file")
	f.StringVar(&opts.CoverageDB, "coverage-db", "", "store a coverage snapshot in this SQLite database")
	f.StringVar(&opts.Snapshot, "snapshot", "", "snapshot name for --coverage-db (default: run id)")
	f.StringVar(&opts.EnvFile, "env-file", "", "dotenv file passed to the subject")
	f.StringVar(&opts.Filter, "filter", "", "only run tests whose name matches this glob")
	f.StringVar(&opts.WorkDir, "work-dir", "", "directory for prepared workflows")
	f.StringVar(&opts.Subject, "subject", "", "subject executable (default n8n)")

	return cmd
}

func runSuites(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	cfg, err := resolveRunConfig(opts, cmd)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Warn("received signal, stopping run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	orchOpts := []orchestrator.Option{
		orchestrator.WithConfig(cfg),
		orchestrator.WithFilter(opts.Filter),
		orchestrator.WithLogger(slog.Default()),
	}
	if opts.SubjectOverride != nil {
		orchOpts = append(orchOpts, orchestrator.WithSubject(opts.SubjectOverride))
	}
	if opts.IDs != nil {
		orchOpts = append(orchOpts, orchestrator.WithIDGenerator(opts.IDs))
	}
	var collector *coverage.Collector
	if cfg.Coverage.Enabled {
		collector = coverage.NewCollector(coverage.WithLogger(slog.Default()))
		orchOpts = append(orchOpts, orchestrator.WithCoverage(collector))
	}
	orch := orchestrator.New(orchOpts...)

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Verbose && opts.Format != "json" {
		orch.Subscribe(func(ev orchestrator.Event) {
			switch ev.Type {
			case orchestrator.EventTestRetry:
				formatter.VerboseLog("retrying %s (attempt %d): %v", ev.Test, ev.Attempt, ev.Err)
			case orchestrator.EventServerStarted:
				formatter.VerboseLog("virtual service listening on port %d", ev.Port)
			}
		})
	}

	results, err := orch.RunFiles(ctx, paths)
	if err != nil {
		var le *suite.LoadError
		if errors.As(err, &le) {
			if opts.Format == "json" {
				_ = formatter.Error(le.Code, le.Error(), nil)
			}
			return WrapExitError(ExitCommandError, "failed to find suites", err)
		}
		return WrapExitError(ExitCommandError, "run failed", err)
	}

	out := runOutput{TestResults: results}
	if collector != nil {
		report := collector.Report()
		if err := persistCoverage(ctx, cfg, opts.Snapshot, results.RunID, collector, report); err != nil {
			return WrapExitError(ExitCommandError, "failed to save coverage", err)
		}
		if opts.Format == "json" {
			data, err := coverage.MarshalReport(report)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to encode coverage", err)
			}
			out.Coverage = data
		} else {
			defer renderCoverage(cmd.OutOrStdout(), formatter.Styles(), report)
		}
	}

	if opts.Format == "json" {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		renderResults(cmd.OutOrStdout(), formatter.Styles(), results)
	}

	if !results.Success() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d failed, %d errors", results.Failed, results.Errors))
	}
	return nil
}

// resolveRunConfig layers defaults, the config file, and explicitly set flags.
func resolveRunConfig(opts *RunOptions, cmd *cobra.Command) (suite.RunConfig, error) {
	cfg := suite.DefaultRunConfig()
	path := opts.Config
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		loaded, err := suite.LoadRunConfig(path)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
		slog.Debug("loaded run config", "path", path)
	}

	f := cmd.Flags()
	if f.Changed("concurrency") {
		cfg.Concurrency = opts.Concurrency
	}
	if f.Changed("retries") {
		cfg.Retries = &opts.Retries
	}
	if f.Changed("timeout") {
		cfg.Timeout = suite.Duration(opts.Timeout)
	}
	if f.Changed("bail") {
		cfg.Bail = &opts.Bail
	}
	if f.Changed("port") {
		cfg.MockServerPort = opts.Port
	}
	if f.Changed("work-dir") {
		cfg.WorkDir = opts.WorkDir
	}
	if f.Changed("subject") {
		cfg.Subject.Command = opts.Subject
	}
	if opts.Coverage || opts.CoverageOut != "" || opts.CoverageDB != "" {
		cfg.Coverage.Enabled = true
	}
	if opts.CoverageOut != "" {
		cfg.Coverage.Output = opts.CoverageOut
	}
	if opts.CoverageDB != "" {
		cfg.Coverage.Database = opts.CoverageDB
	}
	if opts.EnvFile != "" {
		cfg.EnvFile = opts.EnvFile
		if err := cfg.ApplyEnvFile(); err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load env file", err)
		}
	}
	return cfg, nil
}

func persistCoverage(ctx context.Context, cfg suite.RunConfig, snapshot, runID string, c *coverage.Collector, report *coverage.Report) error {
	if cfg.Coverage.Output != "" {
		if err := c.Save(cfg.Coverage.Output); err != nil {
			return err
		}
		slog.Info("coverage written", "path", cfg.Coverage.Output)
	}
	if cfg.Coverage.Database == "" {
		return nil
	}
	if snapshot == "" {
		snapshot = runID
	}
	return saveSnapshot(ctx, cfg.Coverage.Database, snapshot, report)
}
