package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/pool"
	"github.com/stacklok/metamcp/pkg/metamcp/session"
)

type fakeConnector struct{}

func (fakeConnector) Connect(context.Context, *metamcp.McpServer) (pool.ServerClient, error) {
	return nil, assert.AnError
}

func TestCollector_ReportsActiveSessions(t *testing.T) {
	registry := session.NewRegistry()
	registry.Add("sess-1", "default", uuid.New().String(), metamcp.TransportSSE)
	registry.Add("sess-2", "default", uuid.New().String(), metamcp.TransportStreamableHTTP)

	servers := pool.NewServerPool(fakeConnector{})
	nsPool := pool.NewNamespacePool(servers, nil)

	collector := NewCollector(registry, nsPool)
	count := testutil.CollectAndCount(collector)
	assert.Positive(t, count)
}

func TestCollector_NilCollaboratorsDoNotPanic(t *testing.T) {
	collector := NewCollector(nil, nil)
	assert.NotPanics(t, func() {
		testutil.CollectAndCount(collector)
	})
}

func TestHandler_ServesMetricsEndpoint(t *testing.T) {
	registry := session.NewRegistry()
	registry.Add("sess-1", "default", uuid.New().String(), metamcp.TransportSSE)
	collector := NewCollector(registry, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(collector).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "metamcp_session_active_sessions")
}
