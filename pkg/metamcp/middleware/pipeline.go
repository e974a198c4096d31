// Package middleware implements the Middleware Pipeline (spec §4.4, C4):
// two ordered chains — List-Tools and Call-Tool — wrapping the aggregator
// base handler, with Smart-Discovery outermost. Tool-name overrides are
// not a middleware stage: the aggregator base handler applies them, so
// every middleware sees override names.
package middleware

import "context"

// ToolDescriptor is one tool as produced by the aggregator base handler.
// FullName, Title, Description and Annotations already carry any
// tool-name override; ServerName and OriginalName name the upstream tool.
type ToolDescriptor struct {
	FullName     string
	ServerName   string
	OriginalName string
	Title        string
	Description  string
	InputSchema  []byte
	Annotations  []byte
}

// ContentBlock is one block of an MCP tool-call result.
type ContentBlock struct {
	Text string
}

// CallResult is the outcome of a tools/call dispatch.
type CallResult struct {
	Content []ContentBlock
	IsError bool
}

// TextResult is a convenience constructor for a single-block text result.
func TextResult(text string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Text: text}}}
}

// ErrorResult is a convenience constructor for an isError=true result.
func ErrorResult(text string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Text: text}}, IsError: true}
}

// UpstreamExecutor dispatches a call to a specific upstream server. It is
// the handle to the upstream call executor referenced by spec §4.4; the
// server package hands middlewares an adapter over the aggregator's
// Dispatch.
type UpstreamExecutor interface {
	CallUpstream(ctx context.Context, serverName, toolName string, arguments map[string]any) (*CallResult, error)
}

// RequestContext is the shared context threaded through both chains,
// carrying at minimum namespaceUuid, sessionId, and the upstream executor
// (spec §4.4).
type RequestContext struct {
	NamespaceUUID string
	SessionID     string
	Executor      UpstreamExecutor
}

// ListToolsHandler serves a tools/list request.
type ListToolsHandler func(ctx context.Context, rc *RequestContext) ([]ToolDescriptor, error)

// CallToolHandler serves a tools/call request.
type CallToolHandler func(ctx context.Context, rc *RequestContext, name string, arguments map[string]any) (*CallResult, error)

// ListToolsMiddleware wraps a ListToolsHandler with additional behavior.
type ListToolsMiddleware func(next ListToolsHandler) ListToolsHandler

// CallToolMiddleware wraps a CallToolHandler with additional behavior.
type CallToolMiddleware func(next CallToolHandler) CallToolHandler

// Pipeline composes the ordered List-Tools and Call-Tool chains around a
// base handler (the aggregator). Middlewares are supplied outermost first;
// the gateway registers only Smart-Discovery, since the aggregator base
// handler itself applies tool-name overrides.
type Pipeline struct {
	listMiddlewares []ListToolsMiddleware
	callMiddlewares []CallToolMiddleware
}

// New constructs an empty Pipeline. Use Use/UseCall to register
// middlewares outermost-first.
func New() *Pipeline {
	return &Pipeline{}
}

// Use appends a List-Tools middleware; middlewares registered earlier wrap
// those registered later (earlier = more outer).
func (p *Pipeline) Use(mw ListToolsMiddleware) {
	p.listMiddlewares = append(p.listMiddlewares, mw)
}

// UseCall appends a Call-Tool middleware; middlewares registered earlier
// wrap those registered later (earlier = more outer).
func (p *Pipeline) UseCall(mw CallToolMiddleware) {
	p.callMiddlewares = append(p.callMiddlewares, mw)
}

// BuildListTools composes the registered List-Tools middlewares around
// base, outermost first.
func (p *Pipeline) BuildListTools(base ListToolsHandler) ListToolsHandler {
	h := base
	for i := len(p.listMiddlewares) - 1; i >= 0; i-- {
		h = p.listMiddlewares[i](h)
	}
	return h
}

// BuildCallTool composes the registered Call-Tool middlewares around base,
// outermost first.
func (p *Pipeline) BuildCallTool(base CallToolHandler) CallToolHandler {
	h := base
	for i := len(p.callMiddlewares) - 1; i >= 0; i-- {
		h = p.callMiddlewares[i](h)
	}
	return h
}
