package coverage

import "time"

// NodeCoverage tracks one graph node.
type NodeCoverage struct {
	NodeID         string `json:"nodeId"`
	NodeName       string `json:"nodeName"`
	NodeType       string `json:"nodeType"`
	Executed       bool   `json:"executed"`
	ExecutionCount int    `json:"executionCount"`
	ErrorCount     int    `json:"errorCount"`
}

// ConnectionCoverage tracks one directed edge.
type ConnectionCoverage struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Executed       bool   `json:"executed"`
	ExecutionCount int    `json:"executionCount"`
}

// TypeTally counts nodes of one type.
type TypeTally struct {
	Total    int `json:"total"`
	Executed int `json:"executed"`
}

// WorkflowCoverage is the coverage graph of one workflow identity. The
// Total*/Executed* fields are derived from Nodes and Connections and are
// recomputed after every mutation.
type WorkflowCoverage struct {
	WorkflowID          string
	WorkflowName        string
	WorkflowPath        string
	Nodes               map[string]*NodeCoverage
	Connections         map[string]*ConnectionCoverage
	TotalNodes          int
	ExecutedNodes       int
	TotalConnections    int
	ExecutedConnections int
	TestCount           int
}

func newWorkflowCoverage(id string) *WorkflowCoverage {
	return &WorkflowCoverage{
		WorkflowID:  id,
		Nodes:       make(map[string]*NodeCoverage),
		Connections: make(map[string]*ConnectionCoverage),
	}
}

// recompute derives the aggregate fields from the per-node and per-edge flags.
func (w *WorkflowCoverage) recompute() {
	w.TotalNodes = len(w.Nodes)
	w.ExecutedNodes = 0
	for _, n := range w.Nodes {
		if n.Executed {
			w.ExecutedNodes++
		}
	}
	w.TotalConnections = len(w.Connections)
	w.ExecutedConnections = 0
	for _, c := range w.Connections {
		if c.Executed {
			w.ExecutedConnections++
		}
	}
}

// NodeTypes tallies this workflow's nodes by type.
func (w *WorkflowCoverage) NodeTypes() map[string]TypeTally {
	out := make(map[string]TypeTally)
	for _, n := range w.Nodes {
		t := out[n.NodeType]
		t.Total++
		if n.Executed {
			t.Executed++
		}
		out[n.NodeType] = t
	}
	return out
}

// NodePercent returns executed/total nodes as a percentage.
func (w *WorkflowCoverage) NodePercent() float64 {
	return percent(w.ExecutedNodes, w.TotalNodes)
}

// ConnectionPercent returns executed/total connections as a percentage.
func (w *WorkflowCoverage) ConnectionPercent() float64 {
	return percent(w.ExecutedConnections, w.TotalConnections)
}

func (w *WorkflowCoverage) clone() *WorkflowCoverage {
	out := &WorkflowCoverage{
		WorkflowID:          w.WorkflowID,
		WorkflowName:        w.WorkflowName,
		WorkflowPath:        w.WorkflowPath,
		Nodes:               make(map[string]*NodeCoverage, len(w.Nodes)),
		Connections:         make(map[string]*ConnectionCoverage, len(w.Connections)),
		TotalNodes:          w.TotalNodes,
		ExecutedNodes:       w.ExecutedNodes,
		TotalConnections:    w.TotalConnections,
		ExecutedConnections: w.ExecutedConnections,
		TestCount:           w.TestCount,
	}
	for id, n := range w.Nodes {
		cp := *n
		out.Nodes[id] = &cp
	}
	for id, c := range w.Connections {
		cp := *c
		out.Connections[id] = &cp
	}
	return out
}

// Summary aggregates every tracked workflow.
type Summary struct {
	TotalWorkflows      int
	TotalNodes          int
	ExecutedNodes       int
	TotalConnections    int
	ExecutedConnections int
	NodeTypeCoverage    map[string]TypeTally
	TestCount           int
	Timestamp           time.Time
}

// NodePercent returns executed/total nodes across all workflows.
func (s Summary) NodePercent() float64 {
	return percent(s.ExecutedNodes, s.TotalNodes)
}

// ConnectionPercent returns executed/total connections across all workflows.
func (s Summary) ConnectionPercent() float64 {
	return percent(s.ExecutedConnections, s.TotalConnections)
}

// Report is a point-in-time copy of collector state.
type Report struct {
	// Workflows are ordered by WorkflowID.
	Workflows []*WorkflowCoverage
	Summary   Summary
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// ConnectionID is the edge key "from->to".
func ConnectionID(from, to string) string {
	return from + "->" + to
}
