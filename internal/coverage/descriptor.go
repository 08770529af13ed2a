package coverage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Descriptor is the declared shape of a workflow graph.
type Descriptor struct {
	ID    string
	Name  string
	Path  string
	Nodes []NodeDescriptor
	Edges []EdgeDescriptor
}

// NodeDescriptor declares one node.
type NodeDescriptor struct {
	ID   string
	Name string
	Type string
}

// EdgeDescriptor declares one directed edge between node identifiers.
type EdgeDescriptor struct {
	From string
	To   string
}

type workflowFile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"nodes"`
	Connections map[string]map[string][][]struct {
		Node string `json:"node"`
	} `json:"connections"`
}

// ReadDescriptor reads a workflow JSON file. The identity is the declared
// id, or the file name without its extension.
func ReadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseDescriptor(path, data)
}

// ParseDescriptor decodes workflow JSON. Connections are keyed by source
// node name and fan out per output type and output index.
func ParseDescriptor(path string, data []byte) (Descriptor, error) {
	var wf workflowFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}

	d := Descriptor{
		ID:   normalizeID(wf.ID),
		Name: wf.Name,
		Path: path,
	}
	if d.ID == "" {
		base := filepath.Base(path)
		d.ID = normalizeID(strings.TrimSuffix(base, filepath.Ext(base)))
	}

	for _, n := range wf.Nodes {
		id := n.ID
		if id == "" {
			id = n.Name
		}
		d.Nodes = append(d.Nodes, NodeDescriptor{ID: normalizeID(id), Name: n.Name, Type: n.Type})
	}

	sources := make([]string, 0, len(wf.Connections))
	for from := range wf.Connections {
		sources = append(sources, from)
	}
	sort.Strings(sources)
	for _, from := range sources {
		outputs := wf.Connections[from]
		outputTypes := make([]string, 0, len(outputs))
		for t := range outputs {
			outputTypes = append(outputTypes, t)
		}
		sort.Strings(outputTypes)
		for _, t := range outputTypes {
			for _, targets := range outputs[t] {
				for _, target := range targets {
					if target.Node == "" {
						continue
					}
					d.Edges = append(d.Edges, EdgeDescriptor{From: normalizeID(from), To: normalizeID(target.Node)})
				}
			}
		}
	}
	return d, nil
}

// normalizeID folds Unicode variants so ids from the workflow file and ids
// reported by the subject compare equal.
func normalizeID(s string) string {
	return norm.NFC.String(s)
}
