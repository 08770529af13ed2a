package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/roach88/wftest/internal/jsonval"
)

// Invocation is everything a subject receives for one attempt.
type Invocation struct {
	// WorkflowPath is the prepared, isolated workflow file.
	WorkflowPath string

	// Env is layered over the current process environment.
	Env map[string]string

	Timeout time.Duration
}

// Subject runs a prepared workflow and returns its decoded output.
// Implementations should honor ctx cancellation; the orchestrator abandons
// an invocation once its timeout passes either way.
type Subject interface {
	Execute(ctx context.Context, inv Invocation) (any, error)
}

// SubjectFunc adapts a function to Subject.
type SubjectFunc func(ctx context.Context, inv Invocation) (any, error)

// Execute calls f.
func (f SubjectFunc) Execute(ctx context.Context, inv Invocation) (any, error) {
	return f(ctx, inv)
}

// ProcessSubject runs the subject as an external command. Args may contain
// {file}, replaced with the prepared workflow path. The command prints the
// output as JSON on stdout; a non-zero exit is an execution error.
type ProcessSubject struct {
	Command string
	Args    []string
	Dir     string

	// WaitDelay bounds how long to wait for output pipes after the process
	// is killed. Defaults to one second.
	WaitDelay time.Duration
}

// Execute implements Subject.
func (p *ProcessSubject) Execute(ctx context.Context, inv Invocation) (any, error) {
	if p.Command == "" {
		return nil, newError(ErrCodeConfiguration, nil, "no subject command configured")
	}

	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = strings.ReplaceAll(a, "{file}", inv.WorkflowPath)
	}

	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Dir = p.Dir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, timeoutError(inv.Timeout)
		}
		return nil, newError(ErrCodeExecution, ctxErr, "workflow execution cancelled")
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, newError(ErrCodeExecution, err, "workflow execution failed: %s", detail)
		}
		return nil, newError(ErrCodeExecution, err, "workflow execution failed")
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 {
		return nil, nil
	}
	out, err := jsonval.Decode(raw)
	if err != nil {
		return nil, newError(ErrCodeExecution, err, "workflow output is not valid JSON")
	}
	return out, nil
}

func timeoutError(d time.Duration) *Error {
	return newError(ErrCodeTimeout, context.DeadlineExceeded, "workflow execution timed out after %s", d)
}

// invoke runs the subject under a timeout. The result is abandoned when the
// deadline passes even if the subject ignores ctx.
func invoke(ctx context.Context, subject Subject, inv Invocation) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := subject.Execute(ctx, inv)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && CodeOf(o.err) == "" {
			return nil, timeoutError(inv.Timeout)
		}
		if o.err != nil && CodeOf(o.err) == "" {
			return nil, newError(ErrCodeExecution, o.err, "workflow execution failed")
		}
		return o.out, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(inv.Timeout)
		}
		return nil, newError(ErrCodeExecution, ctx.Err(), "workflow execution cancelled")
	}
}

// mergeEnv overlays extra onto base KEY=VALUE pairs. Later keys win.
func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return out
}
