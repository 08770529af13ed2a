package coverage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// The persisted form replaces every map with an explicit [key, value] list so
// the document survives tools that do not preserve object key order.

type document struct {
	Workflows []workflowRecord `json:"workflows"`
	Summary   summaryRecord    `json:"summary"`
}

type workflowRecord struct {
	ID                  string     `json:"id"`
	WorkflowID          string     `json:"workflowId"`
	WorkflowName        string     `json:"workflowName"`
	WorkflowPath        string     `json:"workflowPath"`
	Nodes               []nodePair `json:"nodes"`
	Connections         []edgePair `json:"connections"`
	TotalNodes          int        `json:"totalNodes"`
	ExecutedNodes       int        `json:"executedNodes"`
	TotalConnections    int        `json:"totalConnections"`
	ExecutedConnections int        `json:"executedConnections"`
	TestCount           int        `json:"testCount"`
}

type summaryRecord struct {
	TotalWorkflows      int        `json:"totalWorkflows"`
	TotalNodes          int        `json:"totalNodes"`
	ExecutedNodes       int        `json:"executedNodes"`
	TotalConnections    int        `json:"totalConnections"`
	ExecutedConnections int        `json:"executedConnections"`
	NodeTypeCoverage    []typePair `json:"nodeTypeCoverage"`
	TestCount           int        `json:"testCount"`
	Timestamp           time.Time  `json:"timestamp"`
}

type nodePair struct {
	Key   string
	Value NodeCoverage
}

type edgePair struct {
	Key   string
	Value ConnectionCoverage
}

type typePair struct {
	Key   string
	Value TypeTally
}

func (p nodePair) MarshalJSON() ([]byte, error) { return marshalPair(p.Key, p.Value) }
func (p edgePair) MarshalJSON() ([]byte, error) { return marshalPair(p.Key, p.Value) }
func (p typePair) MarshalJSON() ([]byte, error) { return marshalPair(p.Key, p.Value) }
func (p *nodePair) UnmarshalJSON(b []byte) error { return unmarshalPair(b, &p.Key, &p.Value) }
func (p *edgePair) UnmarshalJSON(b []byte) error { return unmarshalPair(b, &p.Key, &p.Value) }
func (p *typePair) UnmarshalJSON(b []byte) error { return unmarshalPair(b, &p.Key, &p.Value) }

func marshalPair(key string, value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{key, value}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func unmarshalPair(b []byte, key *string, value any) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected [key, value] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], key); err != nil {
		return fmt.Errorf("pair key: %w", err)
	}
	return json.Unmarshal(raw[1], value)
}

// MarshalReport encodes r in the persisted JSON form. Pairs are ordered by
// key so output is stable. Edge ids keep their literal "->".
func MarshalReport(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toDocument(r)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalReport decodes the persisted JSON form. Aggregate fields are
// recomputed from the node and connection flags rather than trusted.
func UnmarshalReport(data []byte) (*Report, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode coverage: %w", err)
	}
	return fromDocument(doc), nil
}

// Save writes the collector's report to path, creating parent directories.
func (c *Collector) Save(path string) error {
	data, err := MarshalReport(c.Report())
	if err != nil {
		return fmt.Errorf("failed to encode coverage: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create coverage directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write coverage: %w", err)
	}
	return nil
}

// Load replaces the collector's state with the report stored at path.
func (c *Collector) Load(path string) error {
	r, err := ReadReport(path)
	if err != nil {
		return err
	}
	c.Replace(r)
	return nil
}

// ReadReport reads a persisted report from path.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage: %w", err)
	}
	r, err := UnmarshalReport(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func toDocument(r *Report) document {
	doc := document{Workflows: make([]workflowRecord, 0, len(r.Workflows))}
	for _, w := range r.Workflows {
		rec := workflowRecord{
			ID:                  w.WorkflowID,
			WorkflowID:          w.WorkflowID,
			WorkflowName:        w.WorkflowName,
			WorkflowPath:        w.WorkflowPath,
			Nodes:               make([]nodePair, 0, len(w.Nodes)),
			Connections:         make([]edgePair, 0, len(w.Connections)),
			TotalNodes:          w.TotalNodes,
			ExecutedNodes:       w.ExecutedNodes,
			TotalConnections:    w.TotalConnections,
			ExecutedConnections: w.ExecutedConnections,
			TestCount:           w.TestCount,
		}
		for _, id := range sortedKeys(w.Nodes) {
			rec.Nodes = append(rec.Nodes, nodePair{Key: id, Value: *w.Nodes[id]})
		}
		for _, id := range sortedKeys(w.Connections) {
			rec.Connections = append(rec.Connections, edgePair{Key: id, Value: *w.Connections[id]})
		}
		doc.Workflows = append(doc.Workflows, rec)
	}

	s := r.Summary
	doc.Summary = summaryRecord{
		TotalWorkflows:      s.TotalWorkflows,
		TotalNodes:          s.TotalNodes,
		ExecutedNodes:       s.ExecutedNodes,
		TotalConnections:    s.TotalConnections,
		ExecutedConnections: s.ExecutedConnections,
		NodeTypeCoverage:    make([]typePair, 0, len(s.NodeTypeCoverage)),
		TestCount:           s.TestCount,
		Timestamp:           s.Timestamp,
	}
	for _, typ := range sortedKeys(s.NodeTypeCoverage) {
		doc.Summary.NodeTypeCoverage = append(doc.Summary.NodeTypeCoverage, typePair{Key: typ, Value: s.NodeTypeCoverage[typ]})
	}
	return doc
}

func fromDocument(doc document) *Report {
	r := &Report{Workflows: make([]*WorkflowCoverage, 0, len(doc.Workflows))}
	for _, rec := range doc.Workflows {
		id := rec.WorkflowID
		if id == "" {
			id = rec.ID
		}
		w := newWorkflowCoverage(id)
		w.WorkflowName = rec.WorkflowName
		w.WorkflowPath = rec.WorkflowPath
		w.TestCount = rec.TestCount
		for _, p := range rec.Nodes {
			n := p.Value
			w.Nodes[p.Key] = &n
		}
		for _, p := range rec.Connections {
			e := p.Value
			w.Connections[p.Key] = &e
		}
		w.recompute()
		r.Workflows = append(r.Workflows, w)
	}
	sort.Slice(r.Workflows, func(i, j int) bool {
		return r.Workflows[i].WorkflowID < r.Workflows[j].WorkflowID
	})

	s := doc.Summary
	r.Summary = Summary{
		TotalWorkflows:      s.TotalWorkflows,
		TotalNodes:          s.TotalNodes,
		ExecutedNodes:       s.ExecutedNodes,
		TotalConnections:    s.TotalConnections,
		ExecutedConnections: s.ExecutedConnections,
		NodeTypeCoverage:    make(map[string]TypeTally, len(s.NodeTypeCoverage)),
		TestCount:           s.TestCount,
		Timestamp:           s.Timestamp,
	}
	for _, p := range s.NodeTypeCoverage {
		r.Summary.NodeTypeCoverage[p.Key] = p.Value
	}
	return r
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
