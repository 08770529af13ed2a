package suite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Suite is the root aggregate loaded from one test file.
type Suite struct {
	// Name identifies the suite in results.
	Name string `yaml:"name" json:"name"`

	// Workflow is the default subject for tests that do not name one.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// Tests run in declaration order when concurrency is 1.
	Tests []TestCase `yaml:"tests" json:"tests"`

	// Config overrides run-level settings for this suite.
	Config *Config `yaml:"config,omitempty" json:"config,omitempty"`

	// Setup runs once before any test. A failing setup aborts the suite.
	Setup *Hook `yaml:"setup,omitempty" json:"setup,omitempty"`

	// Teardown always runs after the last test. Its failure is logged only.
	Teardown *Hook `yaml:"teardown,omitempty" json:"teardown,omitempty"`

	// Path is the file the suite was loaded from, empty for in-memory suites.
	Path string `yaml:"-" json:"-"`
}

// Dir returns the directory relative subject and hook paths resolve against.
func (s *Suite) Dir() string {
	if s.Path == "" {
		return ""
	}
	return dirOf(s.Path)
}

// TestCase is one test of a suite. Immutable once loaded.
type TestCase struct {
	Name            string         `yaml:"name" json:"name"`
	Workflow        string         `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Inputs          map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	ExpectedOutputs any            `yaml:"expectedOutputs,omitempty" json:"expectedOutputs,omitempty"`
	Mocks           []MockRule     `yaml:"mocks,omitempty" json:"mocks,omitempty"`
	Timeout         Duration       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries         *int           `yaml:"retries,omitempty" json:"retries,omitempty"`
	Skip            bool           `yaml:"skip,omitempty" json:"skip,omitempty"`
	Trigger         *Trigger       `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

// HasExpectedOutputs reports whether the test declares an expected value.
func (tc *TestCase) HasExpectedOutputs() bool {
	return tc.ExpectedOutputs != nil
}

// EffectiveInputs returns explicit inputs, falling back to the trigger payload.
func (tc *TestCase) EffectiveInputs() map[string]any {
	if tc.Inputs != nil {
		return tc.Inputs
	}
	if tc.Trigger != nil {
		if p := tc.Trigger.Payload(); p != nil {
			return p
		}
	}
	return map[string]any{}
}

// Config holds the tunables shared by run configuration and suite config.
// Zero values mean "not set" and fall through to the next level.
type Config struct {
	Concurrency    int               `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Timeout        Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries        *int              `yaml:"retries,omitempty" json:"retries,omitempty"`
	Bail           *bool             `yaml:"bail,omitempty" json:"bail,omitempty"`
	MockServerPort int               `yaml:"mockServerPort,omitempty" json:"mockServerPort,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// Merge returns c overlaid with the fields set in o.
func (c Config) Merge(o *Config) Config {
	if o == nil {
		return c
	}
	out := c
	if o.Concurrency > 0 {
		out.Concurrency = o.Concurrency
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.Retries != nil {
		out.Retries = o.Retries
	}
	if o.Bail != nil {
		out.Bail = o.Bail
	}
	if o.MockServerPort > 0 {
		out.MockServerPort = o.MockServerPort
	}
	if len(o.Environment) > 0 {
		env := make(map[string]string, len(c.Environment)+len(o.Environment))
		for k, v := range c.Environment {
			env[k] = v
		}
		for k, v := range o.Environment {
			env[k] = v
		}
		out.Environment = env
	}
	return out
}

// Trigger types understood by the virtual service and fixture preparer.
const (
	TriggerWebhook    = "webhook"
	TriggerSchedule   = "schedule"
	TriggerEmail      = "email"
	TriggerFilesystem = "filesystem"
	TriggerManual     = "manual"
)

// Trigger describes how the subject would have been started.
type Trigger struct {
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Payload is the input a trigger carries: config.body for webhooks,
// the whole config for email and filesystem events.
func (t *Trigger) Payload() map[string]any {
	if t == nil || t.Config == nil {
		return nil
	}
	if body, ok := t.Config["body"].(map[string]any); ok {
		return body
	}
	switch t.Type {
	case TriggerEmail, TriggerFilesystem:
		return t.Config
	}
	return nil
}

// MockRule declares one stubbed outbound call for the duration of a test.
type MockRule struct {
	NodeType  string     `yaml:"nodeType,omitempty" json:"nodeType,omitempty"`
	NodeName  string     `yaml:"nodeName,omitempty" json:"nodeName,omitempty"`
	Method    string     `yaml:"method,omitempty" json:"method,omitempty"`
	Path      string     `yaml:"path,omitempty" json:"path,omitempty"`
	URL       string     `yaml:"url,omitempty" json:"url,omitempty"`
	Response  any        `yaml:"response,omitempty" json:"response,omitempty"`
	Delay     Duration   `yaml:"delay,omitempty" json:"delay,omitempty"`
	Scenarios []Scenario `yaml:"scenarios,omitempty" json:"scenarios,omitempty"`
}

// Scenario pairs a request predicate with a response. When is matched
// against {method, path, query, headers, body} with subset semantics.
type Scenario struct {
	When     any `yaml:"when,omitempty" json:"when,omitempty"`
	Response any `yaml:"response" json:"response"`
}

// Hook is a suite-level setup or teardown step. Func takes precedence over
// Command and is only settable from Go.
type Hook struct {
	Command []string                        `yaml:"command,omitempty" json:"command,omitempty"`
	Dir     string                          `yaml:"dir,omitempty" json:"dir,omitempty"`
	Timeout Duration                        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Func    func(ctx context.Context) error `yaml:"-" json:"-"`
}

// Duration accepts integer milliseconds or a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON renders the duration as integer milliseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(d).Milliseconds(), 10)), nil
}

// MarshalYAML renders the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %d", ms)
		}
		return Duration(time.Duration(ms) * time.Millisecond), nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: use milliseconds or a value like \"30s\"", s)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return Duration(parsed), nil
}
