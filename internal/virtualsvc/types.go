package virtualsvc

import (
	"net/http"
	"time"
)

// Request is what the service recorded about one inbound call. It is also
// the value handed to responders and scenario predicates.
type Request struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Query     map[string]any    `json:"query"`
	Body      any               `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// view is the shape scenario predicates match against.
func (r Request) view() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"query":   r.Query,
		"headers": headers,
		"body":    r.Body,
	}
}

// Response is a computed reply. A zero Status means 200.
type Response struct {
	Status  int
	Headers map[string]string
	Body    any
}

// Responder computes a response from the request at call time.
type Responder func(Request) Response

// Scenario is one (predicate, response) pair tried in order.
type Scenario struct {
	// When is matched against the request with subset semantics and
	// wildcard support. A nil When always matches.
	When any

	// Match overrides When when set.
	Match func(Request) bool

	Response any
}

func (s Scenario) matches(req Request) bool {
	if s.Match != nil {
		return s.Match(req)
	}
	if s.When == nil {
		return true
	}
	return matchesView(req, s.When)
}

// Endpoint is a resolved, routable mock.
type Endpoint struct {
	Method    string
	Path      string
	Response  any
	Responder Responder
	Delay     time.Duration
	Scenarios []Scenario
}

// Key returns the route table key "METHOD:PATH".
func (e Endpoint) Key() string {
	return Key(e.Method, e.Path)
}

// Key builds a route table key.
func Key(method, path string) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + ":" + path
}

// TriggerHandler receives the body posted to /_trigger/{kind}.
type TriggerHandler func(body any) error

// WebhookHandler answers a request addressed to a registered webhook path.
type WebhookHandler func(Request) Response

// EventType names a lifecycle transition.
type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
)

// Event is delivered to subscribers on start and stop.
type Event struct {
	Type EventType
	Port int
}
