package coverage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalReport_RoundTripLossless(t *testing.T) {
	original := sampleReport(t)

	data, err := MarshalReport(original)
	require.NoError(t, err)

	decoded, err := UnmarshalReport(data)
	require.NoError(t, err)

	assert.Equal(t, original, decoded)
}

func TestMarshalReport_PairsAreExplicitLists(t *testing.T) {
	data, err := MarshalReport(sampleReport(t))
	require.NoError(t, err)

	assert.Contains(t, string(data), `"trigger->fetch"`)
	assert.NotContains(t, string(data), `\u003e`)
}

func TestUnmarshalReport_RecomputesAggregates(t *testing.T) {
	data := []byte(`{
	  "workflows": [{
	    "id": "w",
	    "nodes": [["a", {"nodeId": "a", "executed": true, "executionCount": 3}], ["b", {"nodeId": "b"}]],
	    "connections": [],
	    "totalNodes": 99,
	    "executedNodes": 99
	  }],
	  "summary": {"nodeTypeCoverage": []}
	}`)

	r, err := UnmarshalReport(data)
	require.NoError(t, err)
	require.Len(t, r.Workflows, 1)

	w := r.Workflows[0]
	assert.Equal(t, "w", w.WorkflowID)
	assert.Equal(t, 2, w.TotalNodes)
	assert.Equal(t, 1, w.ExecutedNodes)
}

func TestUnmarshalReport_BadPair(t *testing.T) {
	_, err := UnmarshalReport([]byte(`{"workflows":[{"id":"w","nodes":[["only-key"]]}]}`))
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "coverage.json")

	src := newTestCollector()
	src.StartWorkflow(orderDescriptor(t))
	src.RecordNodeExecution("fetch", false)
	src.EndWorkflow()
	require.NoError(t, src.Save(path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	dst := newTestCollector()
	dst.StartWorkflow(orderDescriptor(t))
	dst.RecordNodeExecution("notify", false)
	require.NoError(t, dst.Load(path))

	assert.Equal(t, src.Report(), dst.Report())
}

func TestLoad_MissingFile(t *testing.T) {
	c := newTestCollector()
	err := c.Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
