package refresher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/memstore"
	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
	"github.com/stacklok/metamcp/pkg/metamcp/overrides"
	"github.com/stacklok/metamcp/pkg/metamcp/pool"
)

type stubClient struct {
	tools []aggregator.UpstreamTool
}

func (c *stubClient) ListTools(context.Context) ([]aggregator.UpstreamTool, error) { return c.tools, nil }
func (c *stubClient) CallTool(context.Context, string, map[string]any) (*middleware.CallResult, error) {
	return middleware.TextResult("ok"), nil
}
func (c *stubClient) Close(context.Context) error { return nil }

type stubConnector struct {
	tools []aggregator.UpstreamTool
}

func (c *stubConnector) Connect(context.Context, *metamcp.McpServer) (pool.ServerClient, error) {
	return &stubClient{tools: c.tools}, nil
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateIdleServer(uuid.UUID)          {}
func (noopInvalidator) InvalidateOpenAPISessions([]uuid.UUID) {}

func TestRefreshNamespace_PersistsDiscoveredTools(t *testing.T) {
	store := memstore.New()
	nsUUID := uuid.New()
	store.PutNamespace(&metamcp.Namespace{UUID: nsUUID, Name: "default"})

	srv := &metamcp.McpServer{UUID: uuid.New(), Name: "files"}
	store.PutServer(srv)
	store.PutServerMembership(metamcp.NamespaceServerMembership{NamespaceUUID: nsUUID, ServerUUID: srv.UUID, Status: metamcp.StatusActive})

	connector := &stubConnector{tools: []aggregator.UpstreamTool{
		{Name: "read", Description: "reads a file"},
		{Name: "write", Description: "writes a file"},
	}}
	servers := pool.NewServerPool(connector)
	agg := aggregator.New(store, servers, overrides.New(), noopInvalidator{})

	r := New(store, servers, agg)
	require.NoError(t, r.RefreshNamespace(context.Background(), nsUUID))

	tools, err := store.ListToolsByServer(context.Background(), srv.UUID)
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	memberships, err := store.ListNamespaceTools(context.Background(), nsUUID)
	require.NoError(t, err)
	assert.Len(t, memberships, 2)
}

func TestRefreshNamespace_SkipsInactiveMemberships(t *testing.T) {
	store := memstore.New()
	nsUUID := uuid.New()
	store.PutNamespace(&metamcp.Namespace{UUID: nsUUID, Name: "default"})

	srv := &metamcp.McpServer{UUID: uuid.New(), Name: "files"}
	store.PutServer(srv)
	store.PutServerMembership(metamcp.NamespaceServerMembership{NamespaceUUID: nsUUID, ServerUUID: srv.UUID, Status: metamcp.StatusInactive})

	connector := &stubConnector{tools: []aggregator.UpstreamTool{{Name: "read"}}}
	servers := pool.NewServerPool(connector)
	agg := aggregator.New(store, servers, overrides.New(), noopInvalidator{})

	r := New(store, servers, agg)
	require.NoError(t, r.RefreshNamespace(context.Background(), nsUUID))

	memberships, err := store.ListNamespaceTools(context.Background(), nsUUID)
	require.NoError(t, err)
	assert.Empty(t, memberships)
}

func TestRefreshAll_ToleratesUnknownNamespaces(t *testing.T) {
	store := memstore.New()
	servers := pool.NewServerPool(&stubConnector{})
	agg := aggregator.New(store, servers, overrides.New(), noopInvalidator{})
	r := New(store, servers, agg)

	// Neither namespace is seeded with servers, so ListNamespaceServers
	// returns an empty (not erroring) result for both; RefreshAll must not
	// panic when given an unknown namespace.
	r.RefreshAll(context.Background(), uuid.New(), uuid.New())
}
