package orchestrator

import (
	"time"

	"github.com/roach88/wftest/internal/diff"
	"github.com/roach88/wftest/internal/suite"
)

// Status is the terminal state of one test.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// TestResult is the outcome of one test.
type TestResult struct {
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Duration   suite.Duration `json:"duration"`
	Output     any            `json:"output,omitempty"`
	Validation *diff.Result   `json:"validation,omitempty"`
	Error      string         `json:"error,omitempty"`

	// Retries is the number of attempts beyond the first.
	Retries int `json:"retries"`
}

// TestResults aggregates one suite run, or several when produced by RunFiles.
type TestResults struct {
	Suite     string         `json:"suite"`
	RunID     string         `json:"runId"`
	Tests     []TestResult   `json:"tests"`
	Duration  suite.Duration `json:"duration"`
	Passed    int            `json:"passed"`
	Failed    int            `json:"failed"`
	Errors    int            `json:"errors"`
	Skipped   int            `json:"skipped"`
	Bailed    bool           `json:"bailed,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Success reports whether no test failed or errored.
func (r *TestResults) Success() bool {
	return r.Failed == 0 && r.Errors == 0
}

// Total returns the number of recorded results.
func (r *TestResults) Total() int {
	return len(r.Tests)
}

// tally recomputes the status counts from Tests.
func (r *TestResults) tally() {
	r.Passed, r.Failed, r.Errors, r.Skipped = 0, 0, 0, 0
	for _, t := range r.Tests {
		switch t.Status {
		case StatusPassed:
			r.Passed++
		case StatusFailed:
			r.Failed++
		case StatusError:
			r.Errors++
		case StatusSkipped:
			r.Skipped++
		}
	}
}
