package virtualsvc

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wftest/internal/suite"
)

func TestEndpointsFor(t *testing.T) {
	tests := []struct {
		name   string
		rule   suite.MockRule
		method string
		path   string
	}{
		{"explicit path", suite.MockRule{Method: "put", Path: "/items/1"}, "PUT", "/items/1"},
		{"url default method", suite.MockRule{NodeType: "n8n-nodes-base.httpRequest", URL: "https://api.example.com/v1/users?x=1"}, "GET", "/v1/users"},
		{"url bare host", suite.MockRule{URL: "https://api.example.com", Method: "POST"}, "POST", "/"},
		{"webhook named", suite.MockRule{NodeType: "n8n-nodes-base.webhook", NodeName: "orders"}, "POST", "/webhook/orders"},
		{"webhook default name", suite.MockRule{NodeType: "n8n-nodes-base.webhook"}, "POST", "/webhook/test"},
		{"email", suite.MockRule{NodeType: "n8n-nodes-base.emailSend"}, "POST", "/smtp/send"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eps, err := EndpointsFor(tt.rule)
			require.NoError(t, err)
			require.Len(t, eps, 1)
			assert.Equal(t, tt.method, eps[0].Method)
			assert.Equal(t, tt.path, eps[0].Path)
		})
	}
}

func TestEndpointsForEmailAck(t *testing.T) {
	eps, err := EndpointsFor(suite.MockRule{
		NodeType: "n8n-nodes-base.emailSend",
		Response: map[string]any{"accepted": []any{"a@example.com"}},
		Delay:    suite.Duration(5 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Len(t, eps, 1)

	ack := eps[0].Response.(map[string]any)
	assert.Equal(t, true, ack["success"])
	assert.True(t, strings.HasPrefix(ack["messageId"].(string), "mock-"))
	assert.Equal(t, []any{"a@example.com"}, ack["accepted"])
	assert.Equal(t, 5*time.Millisecond, eps[0].Delay)
}

func TestEndpointsForNoHTTPSurface(t *testing.T) {
	eps, err := EndpointsFor(suite.MockRule{NodeType: "n8n-nodes-base.postgres"})
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestEndpointsForBadURL(t *testing.T) {
	_, err := EndpointsFor(suite.MockRule{URL: "http://[::1"})
	require.Error(t, err)
}

func TestRegisterMocksThenClearLeavesNoKeys(t *testing.T) {
	s := newTestServer(t)

	first, err := s.RegisterMocks([]suite.MockRule{{Path: "/a"}, {Path: "/b"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, first, s.Endpoints())
	s.ClearMocks()

	second, err := s.RegisterMocks([]suite.MockRule{{Path: "/b"}, {Path: "/c"}})
	require.NoError(t, err)
	for _, key := range s.Endpoints() {
		assert.Contains(t, second, key, "key %s leaked from an earlier test", key)
	}
	assert.NotContains(t, s.Endpoints(), "GET:/a")
}
