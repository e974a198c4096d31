package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/discovery"
	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
	"github.com/stacklok/metamcp/pkg/metamcp/overrides"
	"github.com/stacklok/metamcp/pkg/metamcp/smartdiscovery"
	"github.com/stacklok/metamcp/pkg/metamcp/tokencounter"
)

// fakeStore implements metamcp.Store with just enough behavior for the
// orchestrator tests.
type fakeStore struct {
	agents            map[uuid.UUID]*metamcp.NamespaceAgent
	serverMemberships []metamcp.NamespaceServerMembership
	servers           map[uuid.UUID]*metamcp.McpServer
}

func (f *fakeStore) GetNamespace(context.Context, uuid.UUID) (*metamcp.Namespace, error) { return nil, nil }
func (f *fakeStore) ListNamespaceServers(context.Context, uuid.UUID) ([]metamcp.NamespaceServerMembership, error) {
	return f.serverMemberships, nil
}
func (f *fakeStore) GetServer(_ context.Context, id uuid.UUID) (*metamcp.McpServer, error) {
	return f.servers[id], nil
}
func (f *fakeStore) ListNamespaceTools(context.Context, uuid.UUID) ([]metamcp.NamespaceToolMembership, error) {
	return nil, nil
}
func (f *fakeStore) GetTool(context.Context, uuid.UUID) (*metamcp.Tool, error) { return nil, nil }
func (f *fakeStore) ListToolsByServer(context.Context, uuid.UUID) ([]metamcp.Tool, error) {
	return nil, nil
}
func (f *fakeStore) GetNamespaceAgent(_ context.Context, id uuid.UUID) (*metamcp.NamespaceAgent, error) {
	return f.agents[id], nil
}
func (f *fakeStore) ListAgentDocuments(context.Context, uuid.UUID) ([]metamcp.NamespaceAgentDocument, error) {
	return nil, nil
}
func (f *fakeStore) SumAgentDocumentTokens(context.Context, uuid.UUID) (int, error) { return 0, nil }
func (f *fakeStore) BulkUpsertTools(_ context.Context, tools []metamcp.Tool) ([]metamcp.Tool, int, error) {
	return tools, len(tools), nil
}
func (f *fakeStore) BulkUpsertToolMemberships(context.Context, []metamcp.NamespaceToolMembership) (int, error) {
	return 0, nil
}
func (f *fakeStore) AppendPackageInstallHistory(context.Context, metamcp.PackageInstallHistory) error {
	return nil
}

// fakeUpstream is a stub aggregator.UpstreamClient.
type fakeUpstream struct {
	tools []aggregator.UpstreamTool
}

func (c *fakeUpstream) ListTools(context.Context) ([]aggregator.UpstreamTool, error) { return c.tools, nil }
func (c *fakeUpstream) CallTool(_ context.Context, name string, _ map[string]any) (*middleware.CallResult, error) {
	return middleware.TextResult("ran " + name), nil
}

type fakeClients struct {
	byServer map[uuid.UUID]*fakeUpstream
}

func (f *fakeClients) ClientFor(_ context.Context, serverUUID uuid.UUID) (aggregator.UpstreamClient, error) {
	return f.byServer[serverUUID], nil
}

type fakeInvalidator struct{}

func (fakeInvalidator) InvalidateIdleServer(uuid.UUID)       {}
func (fakeInvalidator) InvalidateOpenAPISessions([]uuid.UUID) {}

// fakeEmbedder returns a deterministic vector matching the discovery
// package's own test double.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return []float32{0, 0, 0}, nil
	}
	return []float32{float32(len(text)), float32(text[0]), 1}, nil
}

// fakeChat is a scripted ChatProvider: the first ChatJSON call returns
// planResp, the second reportResp.
type fakeChat struct {
	ready     bool
	planResp  string
	reportResp string
	calls     int
	err       error
}

func (c *fakeChat) Ready() bool { return c.ready }
func (c *fakeChat) ChatJSON(context.Context, string, ChatMessage) (string, TokenUsage, error) {
	c.calls++
	if c.err != nil {
		return "", TokenUsage{}, c.err
	}
	if c.calls == 1 {
		return c.planResp, TokenUsage{PromptTokens: 10, TotalTokens: 10}, nil
	}
	return c.reportResp, TokenUsage{PromptTokens: 5, TotalTokens: 5}, nil
}

func setup(t *testing.T, cfg *metamcp.NamespaceAgent, chat *fakeChat) (*Agent, uuid.UUID) {
	t.Helper()
	nsUUID := uuid.New()
	serverUUID := uuid.New()
	store := &fakeStore{
		agents: map[uuid.UUID]*metamcp.NamespaceAgent{nsUUID: cfg},
		serverMemberships: []metamcp.NamespaceServerMembership{
			{NamespaceUUID: nsUUID, ServerUUID: serverUUID, Status: metamcp.StatusActive},
		},
		servers: map[uuid.UUID]*metamcp.McpServer{serverUUID: {UUID: serverUUID, Name: "alpha"}},
	}
	clients := &fakeClients{byServer: map[uuid.UUID]*fakeUpstream{
		serverUUID: {tools: []aggregator.UpstreamTool{{Name: "read", Description: "reads a file"}}},
	}}
	agg := aggregator.New(store, clients, overrides.New(), fakeInvalidator{})
	idx := discovery.New(fakeEmbedder{})
	require.NoError(t, idx.IndexTools(context.Background(), nsUUID.String(), []discovery.ToolInput{
		{FullName: "alpha__read", ServerName: "alpha", OriginalName: "read", Description: "reads a file", ContentHash: [32]byte{1}},
	}))
	tracker := smartdiscovery.NewTracker()
	a := New(store, idx, agg, chat, tokencounter.New(), tracker)
	return a, nsUUID
}

func decodeAnswer(t *testing.T, raw json.RawMessage) askResult {
	t.Helper()
	var r askResult
	require.NoError(t, json.Unmarshal(raw, &r))
	return r
}

func TestAsk_DisabledAgentShortCircuits(t *testing.T) {
	cfg := &metamcp.NamespaceAgent{Enabled: false, Model: "gpt-4o-mini"}
	a, nsUUID := setup(t, cfg, &fakeChat{ready: true})

	raw, err := a.Ask(context.Background(), nsUUID.String(), "s1", map[string]any{"query": "hi"})
	require.NoError(t, err)
	r := decodeAnswer(t, raw)
	assert.Contains(t, r.Answer, "disabled")
}

func TestAsk_NoAPIKeyShortCircuits(t *testing.T) {
	cfg := &metamcp.NamespaceAgent{Enabled: true, Model: "gpt-4o-mini"}
	a, nsUUID := setup(t, cfg, &fakeChat{ready: false})

	raw, err := a.Ask(context.Background(), nsUUID.String(), "s1", map[string]any{"query": "hi"})
	require.NoError(t, err)
	r := decodeAnswer(t, raw)
	assert.Contains(t, r.Answer, "API key")
}

func TestAsk_RequiresQuery(t *testing.T) {
	cfg := &metamcp.NamespaceAgent{Enabled: true, Model: "gpt-4o-mini"}
	a, nsUUID := setup(t, cfg, &fakeChat{ready: true})

	_, err := a.Ask(context.Background(), nsUUID.String(), "s1", map[string]any{})
	require.Error(t, err)
}

func TestAsk_FullLoopExecutesAllowedToolAndExposes(t *testing.T) {
	cfg := &metamcp.NamespaceAgent{Enabled: true, Model: "gpt-4o-mini", MaxToolCalls: 3, ExposeLimit: 5}
	chat := &fakeChat{
		ready:    true,
		planResp: `{"toolCalls":[{"name":"alpha__read","arguments":{"path":"/x"}}],"exposeTools":["alpha__read"]}`,
		reportResp: `{"answer":"done","exposeTools":["alpha__read"]}`,
	}
	a, nsUUID := setup(t, cfg, chat)

	raw, err := a.Ask(context.Background(), nsUUID.String(), "s1", map[string]any{"query": "read the file"})
	require.NoError(t, err)
	r := decodeAnswer(t, raw)

	assert.Equal(t, "done", r.Answer)
	require.Len(t, r.ToolCallsExecuted, 1)
	assert.True(t, r.ToolCallsExecuted[0].OK)
	assert.Contains(t, r.ToolCallsExecuted[0].Result, "ran read")
	assert.Equal(t, []string{"alpha__read"}, r.ExposedTools)
	assert.Equal(t, []string{"alpha__read"}, a.tracker.Get("s1", nsUUID.String()))
}

func TestAsk_RefusesSyntheticAndDisallowedToolCalls(t *testing.T) {
	cfg := &metamcp.NamespaceAgent{
		Enabled: true, Model: "gpt-4o-mini",
		DeniedTools: []string{"alpha__read"},
	}
	chat := &fakeChat{
		ready: true,
		planResp: `{"toolCalls":[
			{"name":"metamcp__find","arguments":{}},
			{"name":"alpha__read","arguments":{}}
		]}`,
		reportResp: `{"answer":"done"}`,
	}
	a, nsUUID := setup(t, cfg, chat)

	raw, err := a.Ask(context.Background(), nsUUID.String(), "s1", map[string]any{"query": "x"})
	require.NoError(t, err)
	r := decodeAnswer(t, raw)

	require.Len(t, r.ToolCallsExecuted, 2)
	assert.False(t, r.ToolCallsExecuted[0].OK)
	assert.Equal(t, "Refusing recursive call", r.ToolCallsExecuted[0].Reason)
	assert.False(t, r.ToolCallsExecuted[1].OK)
	assert.NotEmpty(t, r.ToolCallsExecuted[1].Reason)
}

func TestAsk_ClampsToolCallCount(t *testing.T) {
	cfg := &metamcp.NamespaceAgent{Enabled: true, Model: "gpt-4o-mini", MaxToolCalls: 1}
	chat := &fakeChat{
		ready: true,
		planResp: `{"toolCalls":[
			{"name":"alpha__read"},
			{"name":"alpha__read"},
			{"name":"alpha__read"}
		]}`,
		reportResp: `{"answer":"done"}`,
	}
	a, nsUUID := setup(t, cfg, chat)

	raw, err := a.Ask(context.Background(), nsUUID.String(), "s1", map[string]any{"query": "x"})
	require.NoError(t, err)
	r := decodeAnswer(t, raw)
	assert.Len(t, r.ToolCallsExecuted, 1)
}

func TestAsk_BudgetExceeded(t *testing.T) {
	huge := make([]byte, 2_000_000)
	for i := range huge {
		huge[i] = 'x'
	}
	cfg := &metamcp.NamespaceAgent{Enabled: true, Model: "gpt-4o-mini", SystemPrompt: string(huge)}
	chat := &fakeChat{ready: true}
	a, nsUUID := setup(t, cfg, chat)

	raw, err := a.Ask(context.Background(), nsUUID.String(), "s1", map[string]any{"query": "x"})
	require.NoError(t, err)
	r := decodeAnswer(t, raw)
	assert.Contains(t, r.Answer, "exceeds")
	assert.Empty(t, r.ToolCallsExecuted)
	assert.Equal(t, 0, chat.calls, "no LLM call must be issued when the budget is exceeded")
}

func TestNamespaceAgent_IsAllowed(t *testing.T) {
	cfg := &metamcp.NamespaceAgent{}
	assert.True(t, cfg.IsAllowed("alpha__read"))

	cfg.DeniedTools = []string{"alpha__read"}
	assert.False(t, cfg.IsAllowed("alpha__read"))

	cfg = &metamcp.NamespaceAgent{AllowedTools: []string{"alpha__write"}}
	assert.False(t, cfg.IsAllowed("alpha__read"))
	assert.True(t, cfg.IsAllowed("alpha__write"))
}
