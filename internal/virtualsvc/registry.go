package virtualsvc

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/wftest/internal/jsonval"
	"github.com/roach88/wftest/internal/suite"
)

// RegisterEndpoint installs ep, replacing any endpoint with the same key.
func (s *Server) RegisterEndpoint(ep Endpoint) {
	ep.Method = strings.ToUpper(ep.Method)
	if ep.Method == "" {
		ep.Method = "GET"
	}
	s.mu.Lock()
	s.endpoints[ep.Key()] = ep
	s.mu.Unlock()
}

// RegisterMocks translates rules into endpoints and installs them in order,
// so a later rule wins a key collision. It returns the keys installed.
func (s *Server) RegisterMocks(rules []suite.MockRule) ([]string, error) {
	var keys []string
	for i, rule := range rules {
		eps, err := EndpointsFor(rule)
		if err != nil {
			return keys, fmt.Errorf("mocks[%d]: %w", i, err)
		}
		for _, ep := range eps {
			s.RegisterEndpoint(ep)
			keys = append(keys, ep.Key())
		}
		if len(eps) == 0 {
			s.logger.Debug("mock rule has no HTTP surface", "nodeType", rule.NodeType, "nodeName", rule.NodeName)
		}
	}
	return keys, nil
}

// ClearMocks empties the endpoint table, the call log and every trigger or
// webhook handler, including those registered at runtime over HTTP.
func (s *Server) ClearMocks() {
	s.mu.Lock()
	s.endpoints = make(map[string]Endpoint)
	s.calls = make(map[string][]Request)
	s.triggers = make(map[string]TriggerHandler)
	s.webhooks = make(map[string]WebhookHandler)
	s.mu.Unlock()
}

// Endpoints returns the registered keys in sorted order.
func (s *Server) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.endpoints)
}

// CallsFor returns the requests recorded for one method and path.
func (s *Server) CallsFor(method, path string) []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Request(nil), s.calls[Key(strings.ToUpper(method), path)]...)
}

// AllCalls returns a copy of the whole call log.
func (s *Server) AllCalls() map[string][]Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Request, len(s.calls))
	for k, v := range s.calls {
		out[k] = append([]Request(nil), v...)
	}
	return out
}

// RegisterTriggerHandler sets the handler fired by POST /_trigger/{kind}.
func (s *Server) RegisterTriggerHandler(kind string, h TriggerHandler) {
	s.mu.Lock()
	s.triggers[kind] = h
	s.mu.Unlock()
}

// RegisterWebhookHandler sets the handler for an exact /webhook/... path.
func (s *Server) RegisterWebhookHandler(path string, h WebhookHandler) {
	s.mu.Lock()
	s.webhooks[path] = h
	s.mu.Unlock()
}

// ClearHandlers drops trigger and webhook handlers.
func (s *Server) ClearHandlers() {
	s.mu.Lock()
	s.triggers = make(map[string]TriggerHandler)
	s.webhooks = make(map[string]WebhookHandler)
	s.mu.Unlock()
}

// EndpointsFor resolves a declarative rule into routable endpoints.
//
//   - path set: method (default GET) + path
//   - url set: method (default GET) + the URL's path
//   - webhook node: POST /webhook/{nodeName or "test"}
//   - emailSend node: POST /smtp/send acknowledging with a message id
//
// Rules with none of these have no HTTP surface and yield nothing.
func EndpointsFor(rule suite.MockRule) ([]Endpoint, error) {
	base := Endpoint{
		Method:    strings.ToUpper(rule.Method),
		Response:  jsonval.Normalize(rule.Response),
		Delay:     rule.Delay.Std(),
		Scenarios: scenariosFor(rule.Scenarios),
	}
	if base.Method == "" {
		base.Method = "GET"
	}

	switch {
	case rule.Path != "":
		base.Path = rule.Path
		return []Endpoint{base}, nil

	case rule.URL != "":
		u, err := url.Parse(rule.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", rule.URL, err)
		}
		base.Path = u.Path
		if base.Path == "" {
			base.Path = "/"
		}
		return []Endpoint{base}, nil

	case isNodeType(rule.NodeType, "webhook"):
		name := rule.NodeName
		if name == "" {
			name = "test"
		}
		base.Method = "POST"
		base.Path = "/webhook/" + name
		return []Endpoint{base}, nil

	case isNodeType(rule.NodeType, "emailSend"):
		ack := map[string]any{
			"success":   true,
			"messageId": "mock-" + uuid.NewString(),
		}
		if extra, ok := base.Response.(map[string]any); ok {
			for k, v := range extra {
				ack[k] = v
			}
		}
		base.Method = "POST"
		base.Path = "/smtp/send"
		base.Response = ack
		return []Endpoint{base}, nil
	}
	return nil, nil
}

// isNodeType matches the short type name, e.g. "webhook" for
// "n8n-nodes-base.webhook".
func isNodeType(nodeType, short string) bool {
	if nodeType == "" {
		return false
	}
	if i := strings.LastIndex(nodeType, "."); i >= 0 {
		nodeType = nodeType[i+1:]
	}
	return strings.EqualFold(nodeType, short)
}

func scenariosFor(in []suite.Scenario) []Scenario {
	if len(in) == 0 {
		return nil
	}
	out := make([]Scenario, len(in))
	for i, sc := range in {
		out[i] = Scenario{
			When:     jsonval.Normalize(sc.When),
			Response: jsonval.Normalize(sc.Response),
		}
	}
	return out
}
