package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/wftest/internal/suite"
)

// IDGenerator produces run ids and fixture names.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 strings.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Fixture is the per-test data embedded into a prepared workflow copy.
type Fixture struct {
	WorkflowPath    string
	TestName        string
	Inputs          map[string]any
	Mocks           []suite.MockRule
	Trigger         *suite.Trigger
	ExpectedOutputs any
}

// Preparer turns a workflow plus test data into a runnable, isolated file.
type Preparer interface {
	// Init readies the preparer for a suite. Its error aborts the suite.
	Init() error

	// Prepare returns the path of a workflow copy for one attempt.
	Prepare(f Fixture) (string, error)

	// Cleanup removes everything prepared since Init.
	Cleanup() error
}

// FilePreparer writes prepared workflows into Dir as
// test-workflow-<id>.json, carrying the test data under reserved
// __-prefixed keys the subject reads in test mode.
type FilePreparer struct {
	Dir string
	IDs IDGenerator

	mu    sync.Mutex
	files []string
}

// NewFilePreparer creates a preparer writing into dir.
func NewFilePreparer(dir string, ids IDGenerator) *FilePreparer {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	return &FilePreparer{Dir: dir, IDs: ids}
}

// Init creates the work directory.
func (p *FilePreparer) Init() error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	return nil
}

// Prepare implements Preparer.
func (p *FilePreparer) Prepare(f Fixture) (string, error) {
	data, err := os.ReadFile(f.WorkflowPath)
	if err != nil {
		return "", fmt.Errorf("failed to read workflow: %w", err)
	}

	var wf map[string]any
	if err := json.Unmarshal(data, &wf); err != nil {
		return "", fmt.Errorf("failed to parse workflow %s: %w", f.WorkflowPath, err)
	}
	if wf == nil {
		return "", fmt.Errorf("workflow %s is not a JSON object", f.WorkflowPath)
	}

	inputs := f.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	mocks := f.Mocks
	if mocks == nil {
		mocks = []suite.MockRule{}
	}
	wf["__testName"] = f.TestName
	wf["__testData"] = inputs
	wf["__mocks"] = mocks
	if f.ExpectedOutputs != nil {
		wf["__expectedOutput"] = f.ExpectedOutputs
	}
	if f.Trigger != nil {
		wf["__trigger"] = f.Trigger
	}

	out, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}

	path := filepath.Join(p.Dir, fmt.Sprintf("test-workflow-%s.json", p.IDs.Generate()))
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("failed to write workflow: %w", err)
	}

	p.mu.Lock()
	p.files = append(p.files, path)
	p.mu.Unlock()
	return path, nil
}

// Cleanup removes prepared files, then the work directory if it is empty.
func (p *FilePreparer) Cleanup() error {
	p.mu.Lock()
	files := p.files
	p.files = nil
	p.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	// Fails harmlessly when other files remain.
	_ = os.Remove(p.Dir)
	return firstErr
}
