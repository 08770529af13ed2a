package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/wftest/internal/coverage"
	"github.com/roach88/wftest/internal/diff"
	"github.com/roach88/wftest/internal/jsonval"
	"github.com/roach88/wftest/internal/suite"
	"github.com/roach88/wftest/internal/virtualsvc"
)

// AllTestsSuite names the aggregate produced by RunFiles for several files.
const AllTestsSuite = "All Tests"

// ServerFactory builds a virtual service bound to port (0 picks a free port).
type ServerFactory func(port int, logger *slog.Logger) *virtualsvc.Server

// Orchestrator runs suites. It is safe to reuse across suites, but not to
// run two suites on it at once.
type Orchestrator struct {
	cfg      suite.RunConfig
	subject  Subject
	preparer Preparer
	coverage *coverage.Collector
	ids      IDGenerator
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	servers  ServerFactory
	filter   string
	logger   *slog.Logger
	events   emitter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the run configuration.
func WithConfig(cfg suite.RunConfig) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithSubject replaces the subject process.
func WithSubject(s Subject) Option {
	return func(o *Orchestrator) { o.subject = s }
}

// WithPreparer replaces the fixture preparer.
func WithPreparer(p Preparer) Option {
	return func(o *Orchestrator) { o.preparer = p }
}

// WithCoverage enables coverage collection into c.
func WithCoverage(c *coverage.Collector) Option {
	return func(o *Orchestrator) { o.coverage = c }
}

// WithIDGenerator sets the run id and fixture name source.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithClock sets the time source for durations and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the retry backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithServerFactory replaces virtual service construction.
func WithServerFactory(f ServerFactory) Option {
	return func(o *Orchestrator) { o.servers = f }
}

// WithFilter skips tests whose name does not match the glob pattern.
func WithFilter(pattern string) Option {
	return func(o *Orchestrator) { o.filter = pattern }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithListener subscribes l to lifecycle events.
func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.events.subscribe(l) }
}

// New creates an orchestrator. Unset options fall back to
// suite.DefaultRunConfig, a ProcessSubject built from the config, and a
// FilePreparer in the configured work directory.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    suite.DefaultRunConfig(),
		ids:    UUIDv7Generator{},
		now:    time.Now,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.subject == nil {
		o.subject = &ProcessSubject{Command: o.cfg.Subject.Command, Args: o.cfg.Subject.Args}
	}
	if o.preparer == nil {
		workDir := o.cfg.WorkDir
		if workDir == "" {
			workDir = suite.DefaultWorkDir
		}
		o.preparer = NewFilePreparer(workDir, o.ids)
	}
	if o.servers == nil {
		o.servers = func(port int, logger *slog.Logger) *virtualsvc.Server {
			return virtualsvc.New(virtualsvc.WithPort(port), virtualsvc.WithLogger(logger))
		}
	}
	return o
}

// Subscribe registers l for lifecycle events.
func (o *Orchestrator) Subscribe(l Listener) {
	o.events.subscribe(l)
}

// Coverage returns the collector, or nil when coverage is disabled.
func (o *Orchestrator) Coverage() *coverage.Collector {
	return o.coverage
}

// suiteRun is the state of one RunSuite call.
type suiteRun struct {
	suite   *suite.Suite
	baseDir string
	cfg     suite.Config
	runID   string

	mu      sync.Mutex
	results []TestResult
}

func (r *suiteRun) add(res TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// RunSuite runs s to completion. Relative workflow references resolve
// against baseDir, or the suite file's directory when baseDir is empty.
//
// Per-test failures become results. Only virtual service, work directory
// and setup failures are returned as errors, alongside whatever results
// were produced.
func (o *Orchestrator) RunSuite(ctx context.Context, s *suite.Suite, baseDir string) (*TestResults, error) {
	start := o.now()
	if baseDir == "" {
		baseDir = s.Dir()
	}
	run := &suiteRun{
		suite:   s,
		baseDir: baseDir,
		cfg:     o.cfg.Config.Merge(s.Config),
		runID:   o.ids.Generate(),
	}

	finish := func(bailed bool) *TestResults {
		res := &TestResults{
			Suite:     s.Name,
			RunID:     run.runID,
			Tests:     run.results,
			Duration:  suite.Duration(o.now().Sub(start)),
			Bailed:    bailed,
			Timestamp: start,
		}
		if res.Tests == nil {
			res.Tests = []TestResult{}
		}
		res.tally()
		return res
	}
	fail := func(err error) (*TestResults, error) {
		o.events.emit(Event{Type: EventSuiteError, Suite: s.Name, Err: err})
		return finish(false), err
	}

	if o.filter != "" {
		if _, err := path.Match(o.filter, ""); err != nil {
			return fail(newError(ErrCodeConfiguration, err, "invalid test filter %q", o.filter))
		}
	}

	o.events.emit(Event{Type: EventSuiteStart, Suite: s.Name})
	o.logger.Info("suite started", "suite", s.Name, "tests", len(s.Tests), "run_id", run.runID)

	slots := run.concurrency()
	if slots > len(s.Tests) {
		slots = len(s.Tests)
	}
	if slots < 1 {
		slots = 1
	}
	servers, err := o.startServers(s.Name, run.cfg.MockServerPort, slots)
	if err != nil {
		return fail(newError(ErrCodeSetup, err, "failed to start virtual service"))
	}
	defer o.stopServers(servers)

	if err := o.preparer.Init(); err != nil {
		return fail(newError(ErrCodeFixture, err, "failed to initialize fixtures"))
	}
	defer func() {
		if err := o.preparer.Cleanup(); err != nil {
			o.logger.Warn("fixture cleanup failed", "suite", s.Name, "error", err)
		}
	}()

	if err := runHook(ctx, s.Setup, s.Dir(), run.cfg.Environment, run.timeout()); err != nil {
		o.teardown(ctx, run)
		return fail(newError(ErrCodeSetup, err, "suite setup failed"))
	}

	bailed := o.dispatch(ctx, run, servers)
	o.teardown(ctx, run)

	if bailed {
		o.events.emit(Event{Type: EventSuiteBail, Suite: s.Name})
		o.logger.Info("suite bailed after failure", "suite", s.Name)
	}

	results := finish(bailed)
	o.logger.Info("suite complete",
		"suite", s.Name,
		"passed", results.Passed,
		"failed", results.Failed,
		"errors", results.Errors,
		"skipped", results.Skipped,
		"duration", results.Duration.Std(),
	)
	o.events.emit(Event{Type: EventSuiteComplete, Suite: s.Name, Results: results})
	return results, nil
}

// dispatch runs every test under the concurrency limit and reports whether
// bail stopped scheduling.
func (o *Orchestrator) dispatch(ctx context.Context, run *suiteRun, servers []*virtualsvc.Server) bool {
	free := make(chan *virtualsvc.Server, len(servers))
	for _, srv := range servers {
		free <- srv
	}

	bail := run.cfg.Bail != nil && *run.cfg.Bail
	var stopped atomic.Bool

	var g errgroup.Group
	g.SetLimit(len(servers))
	for i := range run.suite.Tests {
		if stopped.Load() || ctx.Err() != nil {
			break
		}
		tc := run.suite.Tests[i]
		g.Go(func() error {
			// A slot may free up only after bail was triggered.
			if stopped.Load() || ctx.Err() != nil {
				return nil
			}
			srv := <-free
			defer func() { free <- srv }()

			res := o.runOne(ctx, run, tc, srv)
			run.add(res)
			if bail && res.Status == StatusFailed {
				stopped.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return stopped.Load()
}

func (o *Orchestrator) teardown(ctx context.Context, run *suiteRun) {
	// Teardown runs even when ctx was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := runHook(ctx, run.suite.Teardown, run.suite.Dir(), run.cfg.Environment, run.timeout()); err != nil {
		terr := newError(ErrCodeTeardown, err, "suite teardown failed")
		o.logger.Warn("suite teardown failed", "suite", run.suite.Name, "error", err)
		o.events.emit(Event{Type: EventSuiteError, Suite: run.suite.Name, Err: terr})
	}
}

func (o *Orchestrator) startServers(suiteName string, basePort, slots int) ([]*virtualsvc.Server, error) {
	servers := make([]*virtualsvc.Server, 0, slots)
	for i := 0; i < slots; i++ {
		port := basePort
		if basePort > 0 {
			port = basePort + i
		}
		srv := o.servers(port, o.logger)
		srv.Subscribe(o.events.relay(suiteName))
		if err := srv.Start(); err != nil {
			o.stopServers(servers)
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func (o *Orchestrator) stopServers(servers []*virtualsvc.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			o.logger.Warn("virtual service stop failed", "port", srv.Port(), "error", err)
		}
	}
}

// runOne executes one test with retries and returns its result.
func (o *Orchestrator) runOne(ctx context.Context, run *suiteRun, tc suite.TestCase, srv *virtualsvc.Server) TestResult {
	if tc.Skip {
		return TestResult{Name: tc.Name, Status: StatusSkipped}
	}
	if o.filter != "" {
		if matched, _ := path.Match(o.filter, tc.Name); !matched {
			return TestResult{Name: tc.Name, Status: StatusSkipped}
		}
	}

	o.events.emit(Event{Type: EventTestStart, Suite: run.suite.Name, Test: tc.Name})
	start := o.now()

	workflow := run.resolveWorkflow(tc)
	workflowID := o.startCoverage(workflow)

	maxAttempts := run.retries(tc) + 1
	var result TestResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, validation, err := o.attempt(ctx, run, tc, workflow, workflowID, srv)
		if err == nil {
			result = TestResult{
				Name:       tc.Name,
				Status:     StatusPassed,
				Output:     output,
				Validation: validation,
				Retries:    attempt - 1,
			}
			if validation != nil && !validation.Passed {
				result.Status = StatusFailed
			}
			break
		}

		var e *Error
		if errors.As(err, &e) && e.Test == "" {
			e.Test = tc.Name
		}
		if attempt == maxAttempts || !IsRetryable(err) || ctx.Err() != nil {
			result = TestResult{
				Name:    tc.Name,
				Status:  StatusError,
				Error:   errorMessage(err),
				Retries: attempt - 1,
			}
			break
		}

		o.logger.Debug("retrying test", "test", tc.Name, "attempt", attempt, "error", err)
		o.events.emit(Event{Type: EventTestRetry, Suite: run.suite.Name, Test: tc.Name, Attempt: attempt, Err: err})
		if err := o.sleep(ctx, time.Duration(attempt)*o.backoff()); err != nil {
			result = TestResult{Name: tc.Name, Status: StatusError, Error: errorMessage(err), Retries: attempt - 1}
			break
		}
	}

	if workflowID != "" {
		o.coverage.EndWorkflowFor(workflowID)
	}

	result.Duration = suite.Duration(o.now().Sub(start))
	o.events.emit(Event{Type: EventTestComplete, Suite: run.suite.Name, Test: tc.Name, Result: &result})
	o.logger.Debug("test complete", "test", tc.Name, "status", result.Status, "retries", result.Retries)
	return result
}

// attempt runs the subject once. Mocks are registered for exactly the
// lifetime of the call.
func (o *Orchestrator) attempt(ctx context.Context, run *suiteRun, tc suite.TestCase, workflow, workflowID string, srv *virtualsvc.Server) (any, *diff.Result, error) {
	if workflow == "" {
		return nil, nil, newError(ErrCodeConfiguration, nil, "no workflow path specified for test")
	}

	_, err := srv.RegisterMocks(tc.Mocks)
	defer srv.ClearMocks()
	if err != nil {
		return nil, nil, newError(ErrCodeConfiguration, err, "invalid mock")
	}

	inputs := tc.EffectiveInputs()
	fixture, err := o.preparer.Prepare(Fixture{
		WorkflowPath:    workflow,
		TestName:        tc.Name,
		Inputs:          inputs,
		Mocks:           tc.Mocks,
		Trigger:         tc.Trigger,
		ExpectedOutputs: tc.ExpectedOutputs,
	})
	if err != nil {
		return nil, nil, newError(ErrCodeFixture, err, "failed to prepare workflow")
	}

	env := run.environment(srv)
	var coverageFile string
	if workflowID != "" {
		coverageFile = filepath.Join(o.workDir(), fmt.Sprintf("coverage-%s.json", o.ids.Generate()))
		env["WFTEST_COVERAGE_FILE"] = coverageFile
	}

	output, err := invoke(ctx, o.subject, Invocation{
		WorkflowPath: fixture,
		Env:          env,
		Timeout:      run.testTimeout(tc),
	})
	if coverageFile != "" {
		o.recordCoverage(workflowID, coverageFile, err == nil)
	}
	if err != nil {
		return nil, nil, err
	}

	if !tc.HasExpectedOutputs() {
		return output, nil, nil
	}
	result := diff.Compare(output, jsonval.Normalize(tc.ExpectedOutputs))
	return output, &result, nil
}

func (o *Orchestrator) startCoverage(workflow string) string {
	if o.coverage == nil || workflow == "" {
		return ""
	}
	desc, err := coverage.ReadDescriptor(workflow)
	if err != nil {
		o.logger.Warn("coverage disabled for workflow", "workflow", workflow, "error", err)
		return ""
	}
	return o.coverage.StartWorkflow(desc)
}

// subjectCoverage is the file a subject writes when WFTEST_COVERAGE_FILE is set.
type subjectCoverage struct {
	ExecutedNodes []struct {
		NodeID string `json:"nodeId"`
		Error  bool   `json:"error"`
	} `json:"executedNodes"`
	ExecutedConnections []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"executedConnections"`
}

// recordCoverage folds a subject coverage file into the collector and
// removes it. Hits are only recorded for successful invocations.
func (o *Orchestrator) recordCoverage(workflowID, file string, record bool) {
	defer os.Remove(file)
	if !record {
		return
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Debug("coverage file unreadable", "file", file, "error", err)
		}
		return
	}
	var cov subjectCoverage
	if err := json.Unmarshal(data, &cov); err != nil {
		o.logger.Debug("coverage file invalid", "file", file, "error", err)
		return
	}
	for _, n := range cov.ExecutedNodes {
		o.coverage.RecordNodeExecutionFor(workflowID, n.NodeID, n.Error)
	}
	for _, c := range cov.ExecutedConnections {
		o.coverage.RecordEdgeExecutionFor(workflowID, c.From, c.To)
	}
}

func (o *Orchestrator) backoff() time.Duration {
	if d := o.cfg.RetryBackoff.Std(); d > 0 {
		return d
	}
	return suite.DefaultRetryBackoff
}

func (o *Orchestrator) workDir() string {
	if o.cfg.WorkDir != "" {
		return o.cfg.WorkDir
	}
	return suite.DefaultWorkDir
}

// RunFiles loads and runs every suite under paths, folding the results
// into one aggregate. A file that fails to load becomes one error result.
func (o *Orchestrator) RunFiles(ctx context.Context, paths []string) (*TestResults, error) {
	start := o.now()
	files, err := suite.FindFiles(paths, "")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &suite.LoadError{Code: suite.ErrCodeNoSuites, Path: strings.Join(paths, ","), Message: "no test suites found"}
	}

	agg := &TestResults{Suite: AllTestsSuite, RunID: o.ids.Generate(), Tests: []TestResult{}, Timestamp: start}
	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		s, err := suite.Load(file)
		if err != nil {
			o.logger.Warn("failed to load suite", "file", file, "error", err)
			agg.Tests = append(agg.Tests, TestResult{Name: file, Status: StatusError, Error: err.Error()})
			continue
		}
		if len(files) == 1 {
			agg.Suite = s.Name
		}

		res, err := o.RunSuite(ctx, s, "")
		agg.Tests = append(agg.Tests, res.Tests...)
		if err != nil {
			agg.Tests = append(agg.Tests, TestResult{Name: file, Status: StatusError, Error: errorMessage(err)})
			continue
		}
		if res.Bailed {
			agg.Bailed = true
			break
		}
	}

	agg.Duration = suite.Duration(o.now().Sub(start))
	agg.tally()
	return agg, nil
}

func (r *suiteRun) concurrency() int {
	if r.cfg.Concurrency > 0 {
		return r.cfg.Concurrency
	}
	return suite.DefaultConcurrency
}

func (r *suiteRun) timeout() time.Duration {
	if d := r.cfg.Timeout.Std(); d > 0 {
		return d
	}
	return suite.DefaultTimeout
}

func (r *suiteRun) testTimeout(tc suite.TestCase) time.Duration {
	if d := tc.Timeout.Std(); d > 0 {
		return d
	}
	return r.timeout()
}

func (r *suiteRun) retries(tc suite.TestCase) int {
	if tc.Retries != nil {
		return max(*tc.Retries, 0)
	}
	if r.cfg.Retries != nil {
		return max(*r.cfg.Retries, 0)
	}
	return 0
}

// resolveWorkflow picks the test's workflow, else the suite default, and
// anchors relative paths at the base directory.
func (r *suiteRun) resolveWorkflow(tc suite.TestCase) string {
	ref := tc.Workflow
	if ref == "" {
		ref = r.suite.Workflow
	}
	if ref == "" || filepath.IsAbs(ref) || r.baseDir == "" {
		return ref
	}
	return filepath.Join(r.baseDir, ref)
}

func (r *suiteRun) environment(srv *virtualsvc.Server) map[string]string {
	env := make(map[string]string, len(r.cfg.Environment)+5)
	for k, v := range r.cfg.Environment {
		env[k] = v
	}
	env["WFTEST_TEST_MODE"] = "true"
	env["N8N_TEST_MODE"] = "true"
	env["MOCK_SERVER_URL"] = srv.URL()
	env["WFTEST_RUN_ID"] = r.runID
	return env
}

func errorMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil && e.Code != ErrCodeTimeout {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
