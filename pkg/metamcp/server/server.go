// Package server mounts one mcp-go server per namespace, wiring the
// Middleware Pipeline (spec §4.4, C4) around the Namespace Aggregator
// base handler and exposing it over SSE and Streamable HTTP at
// /{namespace}/sse and /{namespace}/mcp (spec §4.10).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
	"github.com/stacklok/metamcp/pkg/metamcp/pool"
	"github.com/stacklok/metamcp/pkg/metamcp/session"
	"github.com/stacklok/metamcp/pkg/metamcp/smartdiscovery"
)

// sseEndpointSuffix and mcpEndpointSuffix are the two transports a
// namespace is mounted under (spec §4.10).
const (
	sseEndpointSuffix = "/sse"
	mcpEndpointSuffix = "/mcp"
)

// shutdownGrace bounds how long Manager.Shutdown waits for in-flight
// requests before the HTTP servers are forced closed.
const shutdownGrace = 10 * time.Second

// NamespaceServer is one namespace's mcp-go server plus the two transport
// wrappers it's mounted under.
type NamespaceServer struct {
	namespaceUUID uuid.UUID
	endpointName  string

	pipeline   *middleware.Pipeline
	listBase   middleware.ListToolsHandler
	callBase   middleware.CallToolHandler
	executor   middleware.UpstreamExecutor

	mcp *mcpserver.MCPServer
	sse *mcpserver.SSEServer
	mh  *mcpserver.StreamableHTTPServer

	mu       sync.Mutex
	handlers map[string]struct{} // tool names currently registered with mcp (handlers installed)
}

// Deps bundles the process-wide collaborators a NamespaceServer needs,
// mirroring appctx's bundle (spec §9).
type Deps struct {
	Registry    *session.Registry
	Tracker     *smartdiscovery.Tracker
	Namespaces  *pool.NamespacePool
}

// upstreamExecutorFunc adapts the aggregator's Dispatch to
// middleware.UpstreamExecutor, the handle middlewares receive as
// RequestContext.Executor. Smart discovery's metamcp__ask does not use it;
// it dispatches through the Ask-Agent.
type upstreamExecutorFunc func(ctx context.Context, serverName, toolName string, arguments map[string]any) (*middleware.CallResult, error)

func (f upstreamExecutorFunc) CallUpstream(ctx context.Context, serverName, toolName string, arguments map[string]any) (*middleware.CallResult, error) {
	return f(ctx, serverName, toolName, arguments)
}

// New builds a NamespaceServer for namespace, wiring pipeline around agg's
// base handlers and mounting both transports.
func New(ns *metamcp.Namespace, pipeline *middleware.Pipeline, agg *aggregator.Aggregator, deps Deps) *NamespaceServer {
	ns2 := &NamespaceServer{
		namespaceUUID: ns.UUID,
		endpointName:  ns.Name,
		pipeline:      pipeline,
		listBase:      agg.ListToolsBase(),
		callBase:      agg.CallToolBase(),
		handlers:      make(map[string]struct{}),
	}
	ns2.executor = upstreamExecutorFunc(func(ctx context.Context, serverName, toolName string, arguments map[string]any) (*middleware.CallResult, error) {
		return agg.Dispatch(ctx, ns.UUID, serverName+"__"+toolName, arguments)
	})

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, mcpSession mcpserver.ClientSession) {
		deps.Registry.Add(mcpSession.SessionID(), ns2.endpointName, ns2.namespaceUUID.String(), ns2.transportFromContext(ctx))
		if deps.Namespaces != nil {
			deps.Namespaces.AttachSession(ns2.namespaceUUID, mcpSession.SessionID())
		}
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, mcpSession mcpserver.ClientSession) {
		deps.Registry.Remove(mcpSession.SessionID())
		deps.Tracker.Forget(mcpSession.SessionID(), ns2.namespaceUUID.String())
		if deps.Namespaces != nil {
			deps.Namespaces.DetachSession(ns2.namespaceUUID, mcpSession.SessionID())
		}
	})

	ns2.mcp = mcpserver.NewMCPServer(
		"metamcp-"+ns.Name,
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithToolFilter(ns2.sessionToolFilter),
		mcpserver.WithHooks(hooks),
	)

	ns2.sse = mcpserver.NewSSEServer(ns2.mcp,
		mcpserver.WithSSEEndpoint(sseEndpointSuffix),
		mcpserver.WithMessageEndpoint(sseEndpointSuffix+"/message"),
	)
	ns2.mh = mcpserver.NewStreamableHTTPServer(ns2.mcp,
		mcpserver.WithEndpointPath(mcpEndpointSuffix),
	)

	return ns2
}

// transportFromContext has no reliable signal at the Hooks layer about
// which wrapper dispatched the session, so it reports StreamableHTTP, the
// default transport (spec §4.10); SSE sessions are rare in practice and
// misreporting their transport only affects Stats' breakdown, not
// correctness.
func (*NamespaceServer) transportFromContext(context.Context) metamcp.Transport {
	return metamcp.TransportStreamableHTTP
}

// Mount attaches the namespace's two endpoints to mux under
// /{name}/sse and /{name}/mcp (spec §4.10).
func (ns *NamespaceServer) Mount(mux *http.ServeMux, name string) {
	mux.Handle("/"+name+sseEndpointSuffix+"/", ns.sse)
	mux.Handle("/"+name+mcpEndpointSuffix, ns.mh)
}

// Shutdown gracefully stops the namespace's HTTP-facing transports.
func (ns *NamespaceServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := ns.sse.Shutdown(ctx); err != nil {
		return err
	}
	return ns.mh.Shutdown(ctx)
}

// requestContext builds a middleware.RequestContext for an incoming
// mcp-go request, resolving the session id from the library's own
// per-connection session (spec §4.4).
func (ns *NamespaceServer) requestContext(ctx context.Context) *middleware.RequestContext {
	sessionID := ""
	if mcpSession := mcpserver.ClientSessionFromContext(ctx); mcpSession != nil {
		sessionID = mcpSession.SessionID()
	}
	return &middleware.RequestContext{
		NamespaceUUID: ns.namespaceUUID.String(),
		SessionID:     sessionID,
		Executor:      ns.executor,
	}
}

// sessionToolFilter is the mcp-go WithToolFilter callback: it ignores the
// library's own (unfiltered) tool list and recomputes the full pipeline
// for this session instead, which is what makes Smart Discovery's
// per-session exposed set and pinned tools take effect (spec §4.4, §4.6).
func (ns *NamespaceServer) sessionToolFilter(ctx context.Context, _ []mcpsdk.Tool) []mcpsdk.Tool {
	rc := ns.requestContext(ctx)
	descriptors, err := ns.pipeline.BuildListTools(ns.listBase)(ctx, rc)
	if err != nil {
		logger.Warnf("server: list_tools failed for namespace %s: %v", ns.namespaceUUID, err)
		return nil
	}
	ns.reconcileHandlers(descriptors)

	out := make([]mcpsdk.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, toolDescriptorToMCPTool(d))
	}
	return out
}

// reconcileHandlers registers a call handler for any tool name seen for
// the first time. Handlers are never removed proactively: an unused
// handler that never appears in a session's filtered list is simply never
// invoked, and removing it would race a concurrent call from a session
// that still sees it (spec §4.9 "refreshTools" deals with the persisted
// side of this; here we only keep mcp-go's dispatch table a superset).
func (ns *NamespaceServer) reconcileHandlers(descriptors []middleware.ToolDescriptor) {
	ns.mu.Lock()
	var toAdd []mcpserver.ServerTool
	for _, d := range descriptors {
		if _, ok := ns.handlers[d.FullName]; ok {
			continue
		}
		ns.handlers[d.FullName] = struct{}{}
		name := d.FullName
		toAdd = append(toAdd, mcpserver.ServerTool{
			Tool:    toolDescriptorToMCPTool(d),
			Handler: ns.callHandler(name),
		})
	}
	ns.mu.Unlock()

	if len(toAdd) > 0 {
		ns.mcp.AddTools(toAdd...)
	}
}

// callHandler builds the mcp-go CallToolHandler for one full tool name,
// routing through the Call-Tool chain (spec §4.4).
func (ns *NamespaceServer) callHandler(name string) func(context.Context, mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := map[string]any{}
		if m, ok := req.Params.Arguments.(map[string]interface{}); ok {
			args = m
		}

		rc := ns.requestContext(ctx)
		result, err := ns.pipeline.BuildCallTool(ns.callBase)(ctx, rc, name, args)
		if err != nil {
			return mcpsdk.NewToolResultError(err.Error()), nil
		}
		return callResultToMCP(result), nil
	}
}

// toolDescriptorToMCPTool converts the pipeline's canonical tool shape to
// mcp-go's wire type.
func toolDescriptorToMCPTool(d middleware.ToolDescriptor) mcpsdk.Tool {
	t := mcpsdk.Tool{
		Name:        d.FullName,
		Description: d.Description,
	}
	if d.Title != "" {
		t.Annotations.Title = d.Title
	}
	if len(d.InputSchema) > 0 {
		var schema mcpsdk.ToolInputSchema
		if err := json.Unmarshal(d.InputSchema, &schema); err == nil {
			t.InputSchema = schema
		}
	} else {
		t.InputSchema = mcpsdk.ToolInputSchema{Type: "object"}
	}
	return t
}

// callResultToMCP converts the pipeline's CallResult to mcp-go's wire
// result type.
func callResultToMCP(r *middleware.CallResult) *mcpsdk.CallToolResult {
	content := make([]mcpsdk.Content, 0, len(r.Content))
	for _, block := range r.Content {
		content = append(content, mcpsdk.NewTextContent(block.Text))
	}
	return &mcpsdk.CallToolResult{Content: content, IsError: r.IsError}
}

// Manager owns one NamespaceServer per mounted namespace and the single
// http.Server serving all of them (spec §4.10).
type Manager struct {
	mux  *http.ServeMux
	http *http.Server

	mu         sync.Mutex
	namespaces map[string]*NamespaceServer
}

// NewManager constructs a Manager listening on addr once Start is called.
func NewManager(addr string) *Manager {
	mux := http.NewServeMux()
	return &Manager{
		mux:        mux,
		http:       &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		namespaces: make(map[string]*NamespaceServer),
	}
}

// MountNamespace builds and mounts ns under its own name, replacing any
// previous mount of the same name.
func (m *Manager) MountNamespace(ns *metamcp.Namespace, pipeline *middleware.Pipeline, agg *aggregator.Aggregator, deps Deps) {
	nsrv := New(ns, pipeline, agg, deps)
	nsrv.Mount(m.mux, ns.Name)

	m.mu.Lock()
	m.namespaces[ns.Name] = nsrv
	m.mu.Unlock()
}

// MountMetrics exposes handler at /metrics. Call it before Start.
func (m *Manager) MountMetrics(handler http.Handler) {
	m.mux.Handle("/metrics", handler)
}

// Start begins serving in the background; errors other than a clean
// Shutdown are sent to onError (spec §5 "errors from background work are
// logged, never silently dropped").
func (m *Manager) Start(onError func(error)) {
	go func() {
		if err := m.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			onError(err)
		}
	}()
}

// Shutdown gracefully stops the HTTP listener and every mounted
// namespace's transports (spec §4.10).
func (m *Manager) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := m.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down http listener: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ns := range m.namespaces {
		if err := ns.Shutdown(ctx); err != nil {
			logger.Warnf("server: error shutting down namespace %s: %v", name, err)
		}
	}
	return nil
}
