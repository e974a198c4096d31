package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
)

func TestToolDescriptorToMCPTool_WithSchema(t *testing.T) {
	schema, err := json.Marshal(mcpsdk.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{"path": map[string]any{"type": "string"}},
		Required:   []string{"path"},
	})
	require.NoError(t, err)

	d := middleware.ToolDescriptor{
		FullName:    "files__read",
		Title:       "Read a file",
		Description: "reads a file from disk",
		InputSchema: schema,
	}

	got := toolDescriptorToMCPTool(d)
	assert.Equal(t, "files__read", got.Name)
	assert.Equal(t, "reads a file from disk", got.Description)
	assert.Equal(t, "Read a file", got.Annotations.Title)
	assert.Equal(t, "object", got.InputSchema.Type)
	assert.Equal(t, []string{"path"}, got.InputSchema.Required)
}

func TestToolDescriptorToMCPTool_NoSchemaDefaultsToObject(t *testing.T) {
	got := toolDescriptorToMCPTool(middleware.ToolDescriptor{FullName: "metamcp__find"})
	assert.Equal(t, "object", got.InputSchema.Type)
}

func TestCallResultToMCP_PropagatesIsError(t *testing.T) {
	r := middleware.ErrorResult("boom")
	got := callResultToMCP(r)
	require.Len(t, got.Content, 1)
	assert.True(t, got.IsError)

	text, ok := mcpsdk.AsTextContent(got.Content[0])
	require.True(t, ok)
	assert.Equal(t, "boom", text.Text)
}

func TestCallResultToMCP_MultipleBlocks(t *testing.T) {
	r := &middleware.CallResult{Content: []middleware.ContentBlock{{Text: "one"}, {Text: "two"}}}
	got := callResultToMCP(r)
	assert.Len(t, got.Content, 2)
	assert.False(t, got.IsError)
}

// fakeExecutor lets tests assert what a call handler dispatched without
// spinning up a real aggregator or upstream server.
type fakeExecutor struct {
	calls []string
	err   error
}

func (f *fakeExecutor) CallUpstream(_ context.Context, serverName, toolName string, _ map[string]any) (*middleware.CallResult, error) {
	f.calls = append(f.calls, serverName+"__"+toolName)
	if f.err != nil {
		return nil, f.err
	}
	return middleware.TextResult("ok"), nil
}

func TestNamespaceServer_ReconcileHandlersIsIdempotent(t *testing.T) {
	ns := &NamespaceServer{handlers: make(map[string]struct{})}

	descriptors := []middleware.ToolDescriptor{
		{FullName: "files__read"},
		{FullName: "files__write"},
	}

	// reconcileHandlers dereferences ns.mcp only when it has new names to
	// add. ns.mcp is nil here, so the handler set is pre-populated and the
	// same descriptors are reconciled again: re-adding a known name would
	// panic, and the handler set must come out unchanged.
	ns.mu.Lock()
	for _, d := range descriptors {
		ns.handlers[d.FullName] = struct{}{}
	}
	ns.mu.Unlock()

	ns.reconcileHandlers(descriptors)

	ns.mu.Lock()
	after := len(ns.handlers)
	ns.mu.Unlock()

	assert.Equal(t, 2, after)
	assert.Contains(t, ns.handlers, "files__read")
	assert.Contains(t, ns.handlers, "files__write")
}

func TestRequestContext_FallsBackToEmptySessionID(t *testing.T) {
	ns := &NamespaceServer{namespaceUUID: uuid.New(), executor: &fakeExecutor{}}
	rc := ns.requestContext(context.Background())
	assert.Equal(t, ns.namespaceUUID.String(), rc.NamespaceUUID)
	assert.Empty(t, rc.SessionID)
	assert.NotNil(t, rc.Executor)
}

func TestCallHandler_ExtractsArgumentsAndRoutesThroughPipeline(t *testing.T) {
	exec := &fakeExecutor{}
	ns := &NamespaceServer{
		namespaceUUID: uuid.New(),
		executor:      exec,
		pipeline:      middleware.New(),
		callBase: func(_ context.Context, _ *middleware.RequestContext, name string, arguments map[string]any) (*middleware.CallResult, error) {
			serverName, toolName := "files", "read"
			_ = name
			return exec.CallUpstream(context.Background(), serverName, toolName, arguments)
		},
	}

	handler := ns.callHandler("files__read")
	req := mcpsdk.CallToolRequest{}
	req.Params.Name = "files__read"
	req.Params.Arguments = map[string]interface{}{"path": "/tmp/x"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "files__read", exec.calls[0])
}

func TestCallHandler_MissingArgumentsDefaultsToEmptyMap(t *testing.T) {
	var seenArgs map[string]any
	ns := &NamespaceServer{
		namespaceUUID: uuid.New(),
		pipeline:      middleware.New(),
		callBase: func(_ context.Context, _ *middleware.RequestContext, _ string, arguments map[string]any) (*middleware.CallResult, error) {
			seenArgs = arguments
			return middleware.TextResult("ok"), nil
		},
	}

	handler := ns.callHandler("metamcp__find")
	req := mcpsdk.CallToolRequest{}
	req.Params.Name = "metamcp__find"

	_, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, seenArgs)
	assert.Empty(t, seenArgs)
}
