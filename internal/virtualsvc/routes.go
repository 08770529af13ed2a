package virtualsvc

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/wftest/internal/diff"
	"github.com/roach88/wftest/internal/jsonval"
)

const requestKey = "virtualsvc.request"

// maxBodyBytes caps how much of a request body is recorded. Handlers still
// see the full stream.
var maxBodyBytes int64 = 10 << 20

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.Use(gin.Recovery(), s.record)

	r.GET("/health", s.handleHealth)

	r.POST("/_trigger/email", s.handleTrigger("email"))
	r.POST("/_trigger/filesystem", s.handleTrigger("filesystem"))
	r.POST("/_trigger/schedule", s.handleTrigger("schedule"))
	r.POST("/_trigger/clear", s.handleClearTriggers)
	r.POST("/_register/webhook", s.handleRegisterWebhook)

	r.Any("/webhook/*path", s.handleWebhook)

	r.NoRoute(s.handleEndpoint)
	return r
}

// record captures every inbound request under its METHOD:PATH key.
func (s *Server) record(c *gin.Context) {
	req := s.capture(c)
	c.Set(requestKey, req)

	key := Key(req.Method, req.Path)
	s.mu.Lock()
	s.calls[key] = append(s.calls[key], req)
	s.mu.Unlock()

	s.logger.Debug("virtual service request", "method", req.Method, "path", req.Path)
	c.Next()
}

func (s *Server) capture(c *gin.Context) Request {
	req := Request{
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Headers:   make(map[string]string, len(c.Request.Header)),
		Query:     flattenValues(c.Request.URL.Query()),
		Timestamp: s.now(),
	}
	for k, v := range c.Request.Header {
		if len(v) > 0 {
			req.Headers[strings.ToLower(k)] = v[0]
		}
	}

	if body := c.Request.Body; body != nil {
		data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes+1))
		recorded := data
		if int64(len(data)) > maxBodyBytes {
			recorded = data[:maxBodyBytes]
			s.logger.Warn("request body truncated in call log",
				"method", req.Method, "path", req.Path, "limit", maxBodyBytes)
		}
		if err == nil && len(recorded) > 0 {
			req.Body = decodeBody(c.ContentType(), recorded)
		}
		c.Request.Body = readCloser{io.MultiReader(bytes.NewReader(data), body), body}
	}
	return req
}

type readCloser struct {
	io.Reader
	io.Closer
}

func decodeBody(contentType string, data []byte) any {
	if contentType == "application/x-www-form-urlencoded" {
		if values, err := url.ParseQuery(string(data)); err == nil {
			return flattenValues(values)
		}
	}
	if v, err := jsonval.Decode(data); err == nil {
		return v
	}
	return string(data)
}

func flattenValues(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
			continue
		}
		list := make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
		out[k] = list
	}
	return out
}

func requestFrom(c *gin.Context) Request {
	if v, ok := c.Get(requestKey); ok {
		if req, ok := v.(Request); ok {
			return req
		}
	}
	return Request{Method: c.Request.Method, Path: c.Request.URL.Path}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "port": s.Port()})
}

func (s *Server) handleEndpoint(c *gin.Context) {
	req := requestFrom(c)
	key := Key(req.Method, req.Path)

	s.mu.RLock()
	ep, ok := s.endpoints[key]
	s.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":          "Mock not found",
			"message":        fmt.Sprintf("No mock registered for %s %s", req.Method, req.Path),
			"availableMocks": s.Endpoints(),
		})
		return
	}
	s.respond(c, ep, req)
}

func (s *Server) handleWebhook(c *gin.Context) {
	req := requestFrom(c)

	s.mu.RLock()
	handler := s.webhooks[req.Path]
	ep, ok := s.endpoints[Key(req.Method, req.Path)]
	s.mu.RUnlock()

	switch {
	case handler != nil:
		resp := handler(req)
		if resp.Body == nil {
			resp.Body = gin.H{"success": true}
		}
		writeResponse(c, resp)
	case ok:
		s.respond(c, ep, req)
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error":          "Webhook not found",
			"path":           req.Path,
			"availableMocks": s.Endpoints(),
		})
	}
}

func (s *Server) handleTrigger(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := requestFrom(c)

		s.mu.RLock()
		handler := s.triggers[kind]
		s.mu.RUnlock()

		if handler != nil {
			if err := handler(req.Body); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
				return
			}
		}

		resp := gin.H{"success": true, "trigger": kind}
		if body, ok := req.Body.(map[string]any); ok {
			if id, ok := body["messageId"]; ok {
				resp["messageId"] = id
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) handleClearTriggers(c *gin.Context) {
	s.ClearHandlers()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRegisterWebhook(c *gin.Context) {
	req := requestFrom(c)
	body, _ := req.Body.(map[string]any)
	path, _ := body["path"].(string)
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "path is required"})
		return
	}
	if !strings.HasPrefix(path, "/webhook/") {
		path = "/webhook/" + strings.TrimPrefix(path, "/")
	}

	response, hasResponse := body["response"]
	s.RegisterWebhookHandler(path, func(Request) Response {
		if hasResponse {
			return responseFromValue(response)
		}
		return Response{Status: http.StatusOK, Body: gin.H{"success": true, "path": path}}
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "path": path})
}

// respond evaluates ep for req, waits out the delay, then writes the reply.
func (s *Server) respond(c *gin.Context, ep Endpoint, req Request) {
	resp := evaluate(ep, req)
	if ep.Delay > 0 {
		timer := time.NewTimer(ep.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.Request.Context().Done():
			c.Abort()
			return
		}
	}
	writeResponse(c, resp)
}

// evaluate picks the reply: responder first, then the first matching
// scenario, then the static response.
func evaluate(ep Endpoint, req Request) Response {
	if ep.Responder != nil {
		return ep.Responder(req)
	}
	value := ep.Response
	for _, sc := range ep.Scenarios {
		if sc.matches(req) {
			value = sc.Response
			break
		}
	}
	return responseFromValue(value)
}

// responseFromValue interprets a declared mock response. {error: ...}
// becomes an error reply (status defaults to 500); {status, body, headers}
// is treated as an envelope; anything else is sent as-is with 200.
func responseFromValue(v any) Response {
	m, ok := v.(map[string]any)
	if !ok {
		return Response{Status: http.StatusOK, Body: v}
	}

	if truthy(m["error"]) {
		msg := m["message"]
		if !truthy(msg) {
			msg = "Mock error"
		}
		return Response{
			Status: statusFrom(m["status"], http.StatusInternalServerError),
			Body:   map[string]any{"error": m["error"], "message": msg},
		}
	}

	resp := Response{Status: statusFrom(m["status"], http.StatusOK), Body: v}
	if body, ok := m["body"]; ok && body != nil {
		resp.Body = body
		if headers, ok := m["headers"].(map[string]any); ok {
			resp.Headers = make(map[string]string, len(headers))
			for k, hv := range headers {
				resp.Headers[k] = fmt.Sprint(hv)
			}
		}
	}
	return resp
}

func statusFrom(v any, fallback int) int {
	f, ok := v.(float64)
	if !ok || f < 100 || f > 599 {
		return fallback
	}
	return int(f)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	default:
		return true
	}
}

func writeResponse(c *gin.Context, resp Response) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, resp.Body)
}

func matchesView(req Request, when any) bool {
	return diff.Matches(req.view(), when)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
