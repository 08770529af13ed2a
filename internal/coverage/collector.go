package coverage

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Collector accumulates coverage for any number of workflows. The
// unqualified Record/End methods act on the workflow most recently started;
// the *For variants name the workflow explicitly and are the ones to use
// when tests run concurrently.
type Collector struct {
	mu        sync.Mutex
	workflows map[string]*WorkflowCoverage
	current   string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock sets the time source for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithLogger sets the logger for ignored records.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// NewCollector returns an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		workflows: make(map[string]*WorkflowCoverage),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartWorkflow initializes the graph for d, or resumes it if d's identity
// is already tracked. Resuming keeps executed flags and counts and adds any
// newly declared nodes or edges. It returns the workflow identity.
func (c *Collector) StartWorkflow(d Descriptor) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workflows[d.ID]
	if !ok {
		w = newWorkflowCoverage(d.ID)
		c.workflows[d.ID] = w
	}
	if d.Name != "" {
		w.WorkflowName = d.Name
	}
	if d.Path != "" {
		w.WorkflowPath = d.Path
	}

	for _, n := range d.Nodes {
		if existing, ok := w.Nodes[n.ID]; ok {
			existing.NodeName = n.Name
			existing.NodeType = n.Type
			continue
		}
		w.Nodes[n.ID] = &NodeCoverage{NodeID: n.ID, NodeName: n.Name, NodeType: n.Type}
	}
	for _, e := range d.Edges {
		id := ConnectionID(e.From, e.To)
		if _, ok := w.Connections[id]; ok {
			continue
		}
		w.Connections[id] = &ConnectionCoverage{From: e.From, To: e.To}
	}

	w.recompute()
	c.current = d.ID
	return d.ID
}

// RecordNodeExecution records a hit on nodeID in the current workflow.
func (c *Collector) RecordNodeExecution(nodeID string, isError bool) {
	c.mu.Lock()
	id := c.current
	c.mu.Unlock()
	c.RecordNodeExecutionFor(id, nodeID, isError)
}

// RecordNodeExecutionFor records a hit on nodeID. The first hit marks the
// node executed; every hit counts; isError counts errors without affecting
// the executed flag. Unknown workflows or nodes are ignored.
func (c *Collector) RecordNodeExecutionFor(workflowID, nodeID string, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workflows[workflowID]
	if !ok {
		c.logger.Debug("coverage record for untracked workflow", "workflow", workflowID, "node", nodeID)
		return
	}
	n, ok := w.Nodes[normalizeID(nodeID)]
	if !ok {
		c.logger.Debug("coverage record for undeclared node", "workflow", workflowID, "node", nodeID)
		return
	}
	n.Executed = true
	n.ExecutionCount++
	if isError {
		n.ErrorCount++
	}
	w.recompute()
}

// RecordEdgeExecution records a traversal of from->to in the current workflow.
func (c *Collector) RecordEdgeExecution(from, to string) {
	c.mu.Lock()
	id := c.current
	c.mu.Unlock()
	c.RecordEdgeExecutionFor(id, from, to)
}

// RecordEdgeExecutionFor records a traversal of from->to. Undeclared edges
// are ignored.
func (c *Collector) RecordEdgeExecutionFor(workflowID, from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workflows[workflowID]
	if !ok {
		return
	}
	e, ok := w.Connections[ConnectionID(normalizeID(from), normalizeID(to))]
	if !ok {
		c.logger.Debug("coverage record for undeclared connection", "workflow", workflowID, "from", from, "to", to)
		return
	}
	e.Executed = true
	e.ExecutionCount++
	w.recompute()
}

// EndWorkflow closes one test against the current workflow.
func (c *Collector) EndWorkflow() {
	c.mu.Lock()
	id := c.current
	c.mu.Unlock()
	c.EndWorkflowFor(id)
}

// EndWorkflowFor increments the workflow's test count by one.
func (c *Collector) EndWorkflowFor(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workflows[workflowID]
	if !ok {
		return
	}
	w.TestCount++
	w.recompute()
}

// Workflow returns a copy of one workflow's graph.
func (c *Collector) Workflow(id string) (*WorkflowCoverage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workflows[id]
	if !ok {
		return nil, false
	}
	return w.clone(), true
}

// Report returns a copy of all state with a freshly computed summary.
func (c *Collector) Report() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r := &Report{Workflows: make([]*WorkflowCoverage, 0, len(ids))}
	for _, id := range ids {
		w := c.workflows[id]
		w.recompute()
		r.Workflows = append(r.Workflows, w.clone())
	}
	r.Summary = summarize(r.Workflows, c.now())
	return r
}

// Merge folds other into the collector: executed flags are OR-combined,
// counts and test counts are summed, unseen nodes and edges are added.
func (c *Collector) Merge(other *Report) {
	if other == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ow := range other.Workflows {
		w, ok := c.workflows[ow.WorkflowID]
		if !ok {
			cp := ow.clone()
			cp.recompute()
			c.workflows[ow.WorkflowID] = cp
			continue
		}
		if w.WorkflowName == "" {
			w.WorkflowName = ow.WorkflowName
		}
		if w.WorkflowPath == "" {
			w.WorkflowPath = ow.WorkflowPath
		}
		for id, on := range ow.Nodes {
			n, ok := w.Nodes[id]
			if !ok {
				cp := *on
				w.Nodes[id] = &cp
				continue
			}
			n.Executed = n.Executed || on.Executed
			n.ExecutionCount += on.ExecutionCount
			n.ErrorCount += on.ErrorCount
		}
		for id, oe := range ow.Connections {
			e, ok := w.Connections[id]
			if !ok {
				cp := *oe
				w.Connections[id] = &cp
				continue
			}
			e.Executed = e.Executed || oe.Executed
			e.ExecutionCount += oe.ExecutionCount
		}
		w.TestCount += ow.TestCount
		w.recompute()
	}
}

// Replace discards current state and adopts r.
func (c *Collector) Replace(r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.workflows = make(map[string]*WorkflowCoverage)
	c.current = ""
	if r == nil {
		return
	}
	for _, w := range r.Workflows {
		cp := w.clone()
		cp.recompute()
		c.workflows[w.WorkflowID] = cp
	}
}

// Reset drops all tracked workflows.
func (c *Collector) Reset() {
	c.Replace(nil)
}

// MergeReports combines reports into a new one.
func MergeReports(now time.Time, reports ...*Report) *Report {
	c := NewCollector(WithClock(func() time.Time { return now }))
	for _, r := range reports {
		c.Merge(r)
	}
	return c.Report()
}

func summarize(workflows []*WorkflowCoverage, at time.Time) Summary {
	s := Summary{
		TotalWorkflows:   len(workflows),
		NodeTypeCoverage: make(map[string]TypeTally),
		Timestamp:        at,
	}
	for _, w := range workflows {
		s.TotalNodes += w.TotalNodes
		s.ExecutedNodes += w.ExecutedNodes
		s.TotalConnections += w.TotalConnections
		s.ExecutedConnections += w.ExecutedConnections
		s.TestCount += w.TestCount
		for typ, t := range w.NodeTypes() {
			agg := s.NodeTypeCoverage[typ]
			agg.Total += t.Total
			agg.Executed += t.Executed
			s.NodeTypeCoverage[typ] = agg
		}
	}
	return s
}
