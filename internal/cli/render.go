package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/roach88/wftest/internal/coverage"
	"github.com/roach88/wftest/internal/diff"
	"github.com/roach88/wftest/internal/orchestrator"
)

func renderResults(w io.Writer, st Styles, res *orchestrator.TestResults) {
	fmt.Fprintln(w, st.Header.Render(res.Suite))
	for _, t := range res.Tests {
		dur := st.Muted.Render(fmt.Sprintf("(%s)", formatDuration(t.Duration.Std())))
		switch t.Status {
		case orchestrator.StatusPassed:
			fmt.Fprintf(w, "  %s %s %s\n", st.Pass.Render("✓"), t.Name, dur)
		case orchestrator.StatusFailed:
			fmt.Fprintf(w, "  %s %s %s\n", st.Fail.Render("✗"), t.Name, dur)
			if t.Validation != nil {
				for _, d := range t.Validation.Differences {
					fmt.Fprintf(w, "      %s\n", describeDifference(d))
				}
			}
		case orchestrator.StatusError:
			fmt.Fprintf(w, "  %s %s %s\n", st.Error.Render("!"), t.Name, dur)
			fmt.Fprintf(w, "      %s\n", t.Error)
			if t.Retries > 0 {
				fmt.Fprintf(w, "      %s\n", st.Muted.Render(fmt.Sprintf("after %d retries", t.Retries)))
			}
		case orchestrator.StatusSkipped:
			fmt.Fprintf(w, "  %s %s\n", st.Skip.Render("-"), st.Skip.Render(t.Name+" (skipped)"))
		}
	}
	if res.Bailed {
		fmt.Fprintln(w, st.Muted.Render("  stopped after first failure (bail)"))
	}

	parts := []string{
		st.Pass.Render(fmt.Sprintf("%d passed", res.Passed)),
		st.Fail.Render(fmt.Sprintf("%d failed", res.Failed)),
		st.Error.Render(fmt.Sprintf("%d errors", res.Errors)),
		st.Skip.Render(fmt.Sprintf("%d skipped", res.Skipped)),
	}
	summary := fmt.Sprintf("%s, %d total in %s", strings.Join(parts, ", "), res.Total(), formatDuration(res.Duration.Std()))
	fmt.Fprintln(w, st.Summary.Render(summary))
}

func describeDifference(d diff.Difference) string {
	path := d.Path
	if path == "" {
		path = "(root)"
	}
	switch d.Kind {
	case diff.KindMissingProperty:
		return fmt.Sprintf("%s: missing, expected %s", path, compactJSON(d.Expected))
	case diff.KindUnexpectedProperty:
		return fmt.Sprintf("%s: unexpected %s", path, compactJSON(d.Actual))
	}
	return fmt.Sprintf("%s: expected %s, got %s (%s)", path, compactJSON(d.Expected), compactJSON(d.Actual), d.Kind)
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if len(data) > 80 {
		return string(data[:77]) + "..."
	}
	return string(data)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return "0ms"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func renderCoverage(w io.Writer, st Styles, r *coverage.Report) {
	fmt.Fprintln(w, st.Header.Render("Coverage"))
	if len(r.Workflows) == 0 {
		fmt.Fprintln(w, st.Muted.Render("  no workflows tracked"))
		return
	}

	width := 0
	for _, wf := range r.Workflows {
		width = max(width, len(workflowLabel(wf)))
	}
	for _, wf := range r.Workflows {
		fmt.Fprintf(w, "  %-*s  nodes %3d/%-3d %6.1f%%  connections %3d/%-3d %6.1f%%  %s\n",
			width, workflowLabel(wf),
			wf.ExecutedNodes, wf.TotalNodes, wf.NodePercent(),
			wf.ExecutedConnections, wf.TotalConnections, wf.ConnectionPercent(),
			st.Muted.Render(fmt.Sprintf("%d tests", wf.TestCount)),
		)
	}

	s := r.Summary
	if len(s.NodeTypeCoverage) > 0 {
		fmt.Fprintln(w, st.Muted.Render("  by node type:"))
		types := make([]string, 0, len(s.NodeTypeCoverage))
		for t := range s.NodeTypeCoverage {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			tally := s.NodeTypeCoverage[t]
			fmt.Fprintf(w, "    %s %d/%d\n", t, tally.Executed, tally.Total)
		}
	}
	fmt.Fprintln(w, st.Summary.Render(fmt.Sprintf("%d workflows: nodes %.1f%%, connections %.1f%%, %d tests",
		s.TotalWorkflows, s.NodePercent(), s.ConnectionPercent(), s.TestCount)))
}

func workflowLabel(wf *coverage.WorkflowCoverage) string {
	if wf.WorkflowName != "" {
		return wf.WorkflowName
	}
	return wf.WorkflowID
}
