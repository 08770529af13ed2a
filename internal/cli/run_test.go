package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wftest/internal/coverage"
	"github.com/roach88/wftest/internal/orchestrator"
	"github.com/roach88/wftest/internal/testutil"
)

const orderWorkflow = `{
  "id": "order-flow",
  "name": "Order Flow",
  "nodes": [
    {"id": "start", "name": "start", "type": "n8n-nodes-base.webhook"},
    {"id": "fetch", "name": "fetch", "type": "n8n-nodes-base.httpRequest"}
  ],
  "connections": {"start": {"main": [[{"node": "fetch"}]]}}
}`

const orderSuite = `name: orders
workflow: order.json
tests:
  - name: creates order
    inputs:
      sku: A1
    expectedOutputs:
      status: created
  - name: rejects refund
    expectedOutputs:
      status: rejected
`

func init() {
	gin.SetMode(gin.TestMode)
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// suiteDir lays out a workflow and one suite in a temp dir.
func suiteDir(t *testing.T, suiteYAML string) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "order.json", orderWorkflow)
	writeTestFile(t, dir, "orders.test.yaml", suiteYAML)
	return dir
}

// statusSubject answers every invocation with {"status": status}.
func statusSubject(status string) orchestrator.Subject {
	return orchestrator.SubjectFunc(func(context.Context, orchestrator.Invocation) (any, error) {
		return map[string]any{"status": status}, nil
	})
}

func executeRun(t *testing.T, format string, subject orchestrator.Subject, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRunCommand(&RunOptions{
		RootOptions:     &RootOptions{Format: format},
		SubjectOverride: subject,
		IDs:             testutil.NewSequenceIDGenerator("run"),
	})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	base := []string{"--port", "0", "--work-dir", filepath.Join(t.TempDir(), "work")}
	cmd.SetArgs(append(base, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunAllPass(t *testing.T) {
	dir := suiteDir(t, `name: orders
workflow: order.json
tests:
  - name: creates order
    expectedOutputs:
      status: created
`)

	out, err := executeRun(t, "text", statusSubject("created"), dir)
	require.NoError(t, err)
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "✓ creates order")
	assert.Contains(t, out, "1 passed, 0 failed, 0 errors, 0 skipped, 1 total")
}

func TestRunFailureExitCode(t *testing.T) {
	dir := suiteDir(t, orderSuite)

	out, err := executeRun(t, "text", statusSubject("created"), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ rejects refund")
	assert.Contains(t, out, `.status: expected "rejected", got "created"`)
}

func TestRunJSONOutput(t *testing.T) {
	dir := suiteDir(t, orderSuite)

	out, err := executeRun(t, "json", statusSubject("created"), filepath.Join(dir, "orders.test.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Suite  string `json:"suite"`
			RunID  string `json:"runId"`
			Passed int    `json:"passed"`
			Failed int    `json:"failed"`
			Tests  []struct {
				Name       string `json:"name"`
				Status     string `json:"status"`
				Validation *struct {
					Passed      bool `json:"passed"`
					Differences []struct {
						Path string `json:"path"`
						Type string `json:"type"`
					} `json:"differences"`
				} `json:"validation"`
			} `json:"tests"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "orders", resp.Data.Suite)
	assert.Equal(t, "run-1", resp.Data.RunID)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Tests, 2)

	for _, tc := range resp.Data.Tests {
		if tc.Name != "rejects refund" {
			continue
		}
		assert.Equal(t, "failed", tc.Status)
		require.NotNil(t, tc.Validation)
		require.Len(t, tc.Validation.Differences, 1)
		assert.Equal(t, ".status", tc.Validation.Differences[0].Path)
		assert.Equal(t, "value-mismatch", tc.Validation.Differences[0].Type)
	}
}

func TestRunNonExistentPath(t *testing.T) {
	out, err := executeRun(t, "json", statusSubject("x"), "/nonexistent/suites")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E006", resp.Error.Code)
}

func TestRunEmptyDirectory(t *testing.T) {
	_, err := executeRun(t, "text", statusSubject("x"), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E007")
}

func TestRunFilter(t *testing.T) {
	dir := suiteDir(t, orderSuite)

	out, err := executeRun(t, "text", statusSubject("created"), "--filter", "creates*", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ creates order")
	assert.Contains(t, out, "- rejects refund (skipped)")
}

func TestRunRetriesFlag(t *testing.T) {
	dir := suiteDir(t, `name: flaky
workflow: order.json
tests:
  - name: eventually
    expectedOutputs:
      status: created
`)
	var mu sync.Mutex
	calls := 0
	subject := orchestrator.SubjectFunc(func(context.Context, orchestrator.Invocation) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{"status": "created"}, nil
	})

	cfg := writeTestFile(t, t.TempDir(), "wftest.yaml", "retryBackoff: 1ms\n")
	_, err := executeRun(t, "text", subject, "--config", cfg, "--retries", "1", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunBadConfig(t *testing.T) {
	cfg := writeTestFile(t, t.TempDir(), "wftest.yaml", "concurrenc: 2\n")
	_, err := executeRun(t, "text", statusSubject("x"), "--config", cfg, ".")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRunCoverage(t *testing.T) {
	dir := suiteDir(t, `name: orders
workflow: order.json
tests:
  - name: creates order
    expectedOutputs:
      status: created
`)
	subject := orchestrator.SubjectFunc(func(_ context.Context, inv orchestrator.Invocation) (any, error) {
		cov := `{"executedNodes":[{"nodeId":"start"},{"nodeId":"fetch"}],"executedConnections":[{"from":"start","to":"fetch"}]}`
		if err := os.WriteFile(inv.Env["WFTEST_COVERAGE_FILE"], []byte(cov), 0o644); err != nil {
			return nil, err
		}
		return map[string]any{"status": "created"}, nil
	})

	outDir := t.TempDir()
	covFile := filepath.Join(outDir, "coverage", "coverage.json")
	dbFile := filepath.Join(outDir, "coverage.db")

	out, err := executeRun(t, "text", subject,
		"--coverage-out", covFile,
		"--coverage-db", dbFile,
		"--snapshot", "ci",
		dir,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Coverage")
	assert.Contains(t, out, "1 workflows: nodes 100.0%, connections 100.0%, 1 tests")

	report, err := coverage.ReadReport(covFile)
	require.NoError(t, err)
	require.Len(t, report.Workflows, 1)
	assert.Equal(t, "order-flow", report.Workflows[0].WorkflowID)
	assert.Equal(t, 2, report.Workflows[0].ExecutedNodes)

	store, err := coverage.OpenStore(dbFile)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.LoadSnapshot(context.Background(), "ci")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Summary.TestCount)
}

func TestRunCoverageJSON(t *testing.T) {
	dir := suiteDir(t, `name: orders
workflow: order.json
tests:
  - name: creates order
`)
	out, err := executeRun(t, "json", statusSubject("created"), "--coverage", dir)
	require.NoError(t, err)

	var resp struct {
		Data struct {
			Passed   int             `json:"passed"`
			Coverage json.RawMessage `json:"coverage"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Passed)
	require.NotEmpty(t, resp.Data.Coverage)

	report, err := coverage.UnmarshalReport(resp.Data.Coverage)
	require.NoError(t, err)
	require.Len(t, report.Workflows, 1)
	assert.Equal(t, 0, report.Workflows[0].ExecutedNodes)
	assert.Equal(t, 1, report.Workflows[0].TestCount)
}

func TestRunHelpText(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	assert.Contains(t, cmd.Long, "Exit codes:")
	assert.Contains(t, cmd.Long, "wftest run ./tests")
}
