package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wftest/internal/coverage"
)

// now stamps merged reports.
var now = time.Now

// CoverageOptions holds flags shared by the coverage subcommands.
type CoverageOptions struct {
	*RootOptions
	Output   string
	DB       string
	Snapshot string
}

// snapshotListing is the JSON form of one stored snapshot.
type snapshotListing struct {
	Name                string    `json:"name"`
	CreatedAt           time.Time `json:"createdAt"`
	Workflows           int       `json:"workflows"`
	NodePercent         float64   `json:"nodePercent"`
	ConnectionPercent   float64   `json:"connectionPercent"`
	TotalNodes          int       `json:"totalNodes"`
	ExecutedNodes       int       `json:"executedNodes"`
	TotalConnections    int       `json:"totalConnections"`
	ExecutedConnections int       `json:"executedConnections"`
}

// NewCoverageCommand creates the coverage command group.
func NewCoverageCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Inspect and combine coverage reports",
		Long: `Work with coverage written by "wftest run --coverage".

Reports are JSON files (--coverage-out) or named snapshots in a SQLite
database (--coverage-db).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newCoverageMergeCommand(rootOpts))
	cmd.AddCommand(newCoverageShowCommand(rootOpts))
	cmd.AddCommand(newCoverageListCommand(rootOpts))
	return cmd
}

func newCoverageMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CoverageOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "merge <report.json>...",
		Short: "Merge coverage reports from several runs",
		Long: `Combine reports so a node or connection counts as executed if any
run executed it. Execution and test counts are summed.

Examples:
  wftest coverage merge shard1.json shard2.json -o coverage.json
  wftest coverage merge a.json b.json --db coverage.db --snapshot nightly`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoverageMerge(opts, args, cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the merged report here")
	cmd.Flags().StringVar(&opts.DB, "db", "", "store the merged report in this SQLite database")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "merged", "snapshot name for --db")
	return cmd
}

func newCoverageShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CoverageOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "show [report.json]",
		Short: "Print a coverage report",
		Long: `Print a report from a JSON file, or a snapshot with --db and --snapshot.

Examples:
  wftest coverage show coverage/coverage.json
  wftest coverage show --db coverage.db --snapshot nightly --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoverageShow(opts, args, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.DB, "db", "", "read from this SQLite database")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "snapshot name to read from --db")
	return cmd
}

func newCoverageListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CoverageOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List stored coverage snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoverageList(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite database to read (required)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func runCoverageMerge(opts *CoverageOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	c := coverage.NewCollector(coverage.WithClock(func() time.Time { return now().UTC() }))
	for _, path := range paths {
		r, err := coverage.ReadReport(path)
		if err != nil {
			return coverageError(formatter, "failed to read report", err)
		}
		formatter.VerboseLog("Read %s (%d workflows)", path, len(r.Workflows))
		c.Merge(r)
	}
	merged := c.Report()

	if opts.Output != "" {
		if err := c.Save(opts.Output); err != nil {
			return coverageError(formatter, "failed to write report", err)
		}
	}
	if opts.DB != "" {
		if err := saveSnapshot(cmd.Context(), opts.DB, opts.Snapshot, merged); err != nil {
			return coverageError(formatter, "failed to store snapshot", err)
		}
	}
	return showReport(formatter, merged)
}

func runCoverageShow(opts *CoverageOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var (
		report *coverage.Report
		err    error
	)
	switch {
	case len(args) == 1:
		report, err = coverage.ReadReport(args[0])
	case opts.DB != "" && opts.Snapshot != "":
		report, err = loadSnapshot(cmd.Context(), opts.DB, opts.Snapshot)
	default:
		return coverageError(formatter, "nothing to show", errors.New("pass a report file or --db with --snapshot"))
	}
	if err != nil {
		return coverageError(formatter, "failed to load coverage", err)
	}
	return showReport(formatter, report)
}

func runCoverageList(opts *CoverageOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(opts.DB); err != nil {
		return coverageError(formatter, "failed to open coverage database", err)
	}
	store, err := coverage.OpenStore(opts.DB)
	if err != nil {
		return coverageError(formatter, "failed to open coverage database", err)
	}
	defer store.Close()

	infos, err := store.ListSnapshots(ctxOrBackground(cmd.Context()))
	if err != nil {
		return coverageError(formatter, "failed to list snapshots", err)
	}

	listing := make([]snapshotListing, len(infos))
	for i, info := range infos {
		listing[i] = snapshotListing{
			Name:                info.Name,
			CreatedAt:           info.CreatedAt,
			Workflows:           info.Workflows,
			NodePercent:         percentOf(info.ExecutedNodes, info.TotalNodes),
			ConnectionPercent:   percentOf(info.ExecutedConnections, info.TotalConnections),
			TotalNodes:          info.TotalNodes,
			ExecutedNodes:       info.ExecutedNodes,
			TotalConnections:    info.TotalConnections,
			ExecutedConnections: info.ExecutedConnections,
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(listing)
	}
	if len(listing) == 0 {
		fmt.Fprintln(formatter.Writer, "No snapshots")
		return nil
	}
	st := formatter.Styles()
	for _, l := range listing {
		fmt.Fprintf(formatter.Writer, "%s  %s  nodes %.1f%%  connections %.1f%%  (%d workflows)\n",
			st.Header.Render(l.Name), l.CreatedAt.UTC().Format(time.RFC3339),
			l.NodePercent, l.ConnectionPercent, l.Workflows)
	}
	return nil
}

func showReport(formatter *OutputFormatter, r *coverage.Report) error {
	if formatter.Format == "json" {
		data, err := coverage.MarshalReport(r)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to encode coverage", err)
		}
		return formatter.Success(json.RawMessage(data))
	}
	renderCoverage(formatter.Writer, formatter.Styles(), r)
	return nil
}

func saveSnapshot(ctx context.Context, dbPath, name string, r *coverage.Report) error {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	st, err := coverage.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing coverage database", "error", closeErr)
		}
	}()
	return st.SaveSnapshot(ctxOrBackground(ctx), name, r)
}

func loadSnapshot(ctx context.Context, dbPath, name string) (*coverage.Report, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, err
	}
	st, err := coverage.OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.LoadSnapshot(ctxOrBackground(ctx), name)
}

func coverageError(formatter *OutputFormatter, message string, err error) error {
	if formatter.Format == "json" {
		_ = formatter.Error("COVERAGE_ERROR", fmt.Sprintf("%s: %v", message, err), nil)
	}
	return WrapExitError(ExitCommandError, message, err)
}

func percentOf(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
