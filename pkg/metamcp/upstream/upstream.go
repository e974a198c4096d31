// Package upstream wraps github.com/mark3labs/mcp-go's client package
// behind the narrow pool.ServerClient surface, one connection per
// upstream MCP server (spec §4.8, §6 "Upstream MCP client").
package upstream

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/metamcp/pkg/errs"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
	"github.com/stacklok/metamcp/pkg/metamcp/pool"
)

const clientName = "metamcp"

// Connector is the default pool.Connector, dialing an upstream server
// according to its configured transport and completing the MCP
// initialize handshake before handing the connection to the pool.
type Connector struct {
	// ClientVersion is reported to upstreams during initialize.
	ClientVersion string
}

var _ pool.Connector = (*Connector)(nil)

// Connect implements pool.Connector.
func (c *Connector) Connect(ctx context.Context, server *metamcp.McpServer) (pool.ServerClient, error) {
	raw, err := dial(server)
	if err != nil {
		return nil, errs.NewUpstreamTransientError("create client for "+server.Name, err)
	}

	if err := raw.Start(ctx); err != nil {
		return nil, errs.NewUpstreamTransientError("start transport for "+server.Name, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: c.ClientVersion,
	}
	if _, err := raw.Initialize(ctx, initRequest); err != nil {
		_ = raw.Close()
		return nil, errs.NewUpstreamTransientError("initialize "+server.Name, err)
	}

	return &Client{raw: raw, serverName: server.Name}, nil
}

func dial(server *metamcp.McpServer) (*client.Client, error) {
	switch server.Transport {
	case metamcp.TransportStdio:
		env := make([]string, 0, len(server.Env))
		for k, v := range server.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(server.Command, env, server.Args...)
	case metamcp.TransportSSE:
		return client.NewSSEMCPClient(server.URL, authOptions(server)...)
	case metamcp.TransportStreamableHTTP:
		return client.NewStreamableHttpClient(server.URL, authOptions(server)...)
	default:
		return nil, errs.NewValidationError("unsupported transport "+string(server.Transport), nil)
	}
}

// headerRoundTripper injects a bearer token and any static headers
// configured on the server before delegating to base.
type headerRoundTripper struct {
	base        http.RoundTripper
	bearerToken string
	headers     map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// authOptions builds the transport.ClientOption needed to carry a
// server's bearer token and static headers, if any are configured.
func authOptions(server *metamcp.McpServer) []transport.ClientOption {
	if server.BearerToken == "" && len(server.Headers) == 0 {
		return nil
	}
	httpClient := &http.Client{
		Transport: &headerRoundTripper{bearerToken: server.BearerToken, headers: server.Headers},
	}
	return []transport.ClientOption{transport.WithHTTPBasicClient(httpClient)}
}

// Client adapts one mcp-go client.Client to pool.ServerClient.
type Client struct {
	raw        *client.Client
	serverName string
}

// ListTools implements aggregator.UpstreamClient.
func (c *Client) ListTools(ctx context.Context) ([]aggregator.UpstreamTool, error) {
	result, err := c.raw.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errs.NewUpstreamTransientError("list_tools on "+c.serverName, err)
	}

	out := make([]aggregator.UpstreamTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = []byte(`{}`)
		}
		out = append(out, aggregator.UpstreamTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

// CallTool implements aggregator.UpstreamClient.
func (c *Client) CallTool(ctx context.Context, toolName string, arguments map[string]any) (*middleware.CallResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments

	result, err := c.raw.CallTool(ctx, req)
	if err != nil {
		return nil, errs.NewUpstreamFatalError("call_tool "+toolName+" on "+c.serverName, err)
	}

	blocks := make([]middleware.ContentBlock, 0, len(result.Content))
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			blocks = append(blocks, middleware.ContentBlock{Text: text.Text})
		}
	}
	return &middleware.CallResult{Content: blocks, IsError: result.IsError}, nil
}

// Close implements pool.ServerClient.
func (c *Client) Close(context.Context) error {
	return c.raw.Close()
}
