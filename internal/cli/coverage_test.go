package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wftest/internal/coverage"
	"github.com/roach88/wftest/internal/testutil"
)

var flowDescriptor = coverage.Descriptor{
	ID:   "order-flow",
	Name: "Order Flow",
	Nodes: []coverage.NodeDescriptor{
		{ID: "start", Name: "start", Type: "n8n-nodes-base.webhook"},
		{ID: "fetch", Name: "fetch", Type: "n8n-nodes-base.httpRequest"},
		{ID: "notify", Name: "notify", Type: "n8n-nodes-base.emailSend"},
	},
	Edges: []coverage.EdgeDescriptor{
		{From: "start", To: "fetch"},
		{From: "fetch", To: "notify"},
	},
}

// writeShard saves a report in which only the given nodes ran.
func writeShard(t *testing.T, dir, name string, nodes ...string) string {
	t.Helper()
	c := coverage.NewCollector(coverage.WithClock(func() time.Time { return testutil.Epoch }))
	id := c.StartWorkflow(flowDescriptor)
	for _, n := range nodes {
		c.RecordNodeExecutionFor(id, n, false)
	}
	c.EndWorkflowFor(id)
	path := filepath.Join(dir, name)
	require.NoError(t, c.Save(path))
	return path
}

func executeCoverage(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewCoverageCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCoverageMerge(t *testing.T) {
	restore := now
	now = func() time.Time { return testutil.Epoch }
	t.Cleanup(func() { now = restore })

	dir := t.TempDir()
	a := writeShard(t, dir, "a.json", "start")
	b := writeShard(t, dir, "b.json", "start", "fetch")
	out := filepath.Join(dir, "merged", "coverage.json")

	text, err := executeCoverage(t, "text", "merge", a, b, "-o", out)
	require.NoError(t, err)
	assert.Contains(t, text, "Order Flow")

	merged, err := coverage.ReadReport(out)
	require.NoError(t, err)
	require.Len(t, merged.Workflows, 1)
	wf := merged.Workflows[0]
	assert.Equal(t, 2, wf.ExecutedNodes)
	assert.Equal(t, 3, wf.TotalNodes)
	assert.Equal(t, 2, wf.TestCount)
	assert.Equal(t, 2, wf.Nodes["start"].ExecutionCount)
	assert.True(t, merged.Summary.Timestamp.Equal(testutil.Epoch))
}

func TestCoverageMergeIntoDatabase(t *testing.T) {
	dir := t.TempDir()
	a := writeShard(t, dir, "a.json", "start", "fetch", "notify")
	db := filepath.Join(dir, "db", "coverage.db")

	_, err := executeCoverage(t, "text", "merge", a, "--db", db, "--snapshot", "nightly")
	require.NoError(t, err)

	out, err := executeCoverage(t, "json", "list", "--db", db)
	require.NoError(t, err)

	var resp struct {
		Data []snapshotListing `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "nightly", resp.Data[0].Name)
	assert.Equal(t, 1, resp.Data[0].Workflows)
	assert.InDelta(t, 100.0, resp.Data[0].NodePercent, 0.001)
	assert.InDelta(t, 0.0, resp.Data[0].ConnectionPercent, 0.001)
}

func TestCoverageMergeMissingFile(t *testing.T) {
	_, err := executeCoverage(t, "text", "merge", filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to read report")
}

func TestCoverageShowFile(t *testing.T) {
	path := writeShard(t, t.TempDir(), "a.json", "start")

	out, err := executeCoverage(t, "json", "show", path)
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	report, err := coverage.UnmarshalReport(resp.Data)
	require.NoError(t, err)
	require.Len(t, report.Workflows, 1)
	assert.Equal(t, 1, report.Workflows[0].ExecutedNodes)
}

func TestCoverageShowSnapshot(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "coverage.db")
	report, err := coverage.ReadReport(writeShard(t, dir, "a.json", "start", "fetch"))
	require.NoError(t, err)

	store, err := coverage.OpenStore(db)
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(context.Background(), "main", report))
	require.NoError(t, store.Close())

	out, err := executeCoverage(t, "text", "show", "--db", db, "--snapshot", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "nodes   2/3     66.7%")

	_, err = executeCoverage(t, "text", "show", "--db", db, "--snapshot", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, coverage.ErrSnapshotNotFound)
}

func TestCoverageShowRequiresSource(t *testing.T) {
	_, err := executeCoverage(t, "text", "show")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCoverageListMissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.db")
	_, err := executeCoverage(t, "text", "list", "--db", missing)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr), "list must not create the database")
}

func TestCoverageListEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "coverage.db")
	store, err := coverage.OpenStore(db)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := executeCoverage(t, "text", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No snapshots")
}
