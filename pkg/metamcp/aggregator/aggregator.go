// Package aggregator implements the Namespace Aggregator (spec §4.9, C9):
// it materializes a namespace's merged tool list, dispatches calls to the
// right upstream, and keeps persisted Tool rows in sync with what
// upstreams actually report.
package aggregator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/metamcp/pkg/errs"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
	"github.com/stacklok/metamcp/pkg/metamcp/overrides"
)

// UpstreamTool is the raw shape an upstream MCP server reports for one of
// its tools.
type UpstreamTool struct {
	Name        string
	Title       string
	Description string
	InputSchema []byte
}

// UpstreamClient is the narrow surface the aggregator needs from an
// upstream MCP session; pool.ServerPool's entries satisfy it.
type UpstreamClient interface {
	ListTools(ctx context.Context) ([]UpstreamTool, error)
	CallTool(ctx context.Context, toolName string, arguments map[string]any) (*middleware.CallResult, error)
}

// ClientProvider resolves the live upstream client for one member server
// of a namespace. Concrete implementations are pool.ServerPool-backed.
type ClientProvider interface {
	ClientFor(ctx context.Context, serverUUID uuid.UUID) (UpstreamClient, error)
}

// Invalidator receives the namespace-scoped invalidations refreshTools
// must trigger (spec §4.9 last paragraph).
type Invalidator interface {
	InvalidateIdleServer(namespaceUUID uuid.UUID)
	InvalidateOpenAPISessions(namespaceUUIDs []uuid.UUID)
}

// member is one ACTIVE server membership of a namespace, resolved from the
// persistence port.
type member struct {
	ServerUUID uuid.UUID
	ServerName string
}

// Aggregator composes upstreams per namespace, merges their tool listings,
// and routes calls back out (spec §4.9).
type Aggregator struct {
	store       metamcp.Store
	clients     ClientProvider
	overrides   *overrides.Cache
	invalidator Invalidator
}

// New constructs an Aggregator.
func New(store metamcp.Store, clients ClientProvider, overrideCache *overrides.Cache, invalidator Invalidator) *Aggregator {
	return &Aggregator{store: store, clients: clients, overrides: overrideCache, invalidator: invalidator}
}

// fullName builds the spec §3/§4.9 full tool name serverName__toolName.
func fullName(serverName, toolName string) string {
	return serverName + "__" + toolName
}

// members resolves the ACTIVE server memberships of a namespace.
func (a *Aggregator) members(ctx context.Context, namespaceUUID uuid.UUID) ([]member, error) {
	rows, err := a.store.ListNamespaceServers(ctx, namespaceUUID)
	if err != nil {
		return nil, errs.NewInternalError("list namespace servers", err)
	}
	out := make([]member, 0, len(rows))
	for _, row := range rows {
		if row.Status != metamcp.StatusActive {
			continue
		}
		srv, err := a.store.GetServer(ctx, row.ServerUUID)
		if err != nil {
			logger.Warnf("aggregator: server %s missing for namespace %s: %v", row.ServerUUID, namespaceUUID, err)
			continue
		}
		out = append(out, member{ServerUUID: srv.UUID, ServerName: srv.Name})
	}
	return out, nil
}

// MergedList fetches every ACTIVE member's tool list, builds full names,
// and applies per-namespace overrides, returning the union (spec §4.9
// "Merged list"). This is the aggregator base ListToolsHandler.
func (a *Aggregator) MergedList(ctx context.Context, namespaceUUID uuid.UUID) ([]middleware.ToolDescriptor, error) {
	members, err := a.members(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}

	var out []middleware.ToolDescriptor
	for _, m := range members {
		client, err := a.clients.ClientFor(ctx, m.ServerUUID)
		if err != nil {
			logger.Warnf("aggregator: no client for server %s: %v", m.ServerName, err)
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			logger.Warnf("aggregator: list_tools failed for server %s: %v", m.ServerName, err)
			continue
		}
		for _, t := range tools {
			full := fullName(m.ServerName, t.Name)
			desc := middleware.ToolDescriptor{
				FullName:     full,
				ServerName:   m.ServerName,
				OriginalName: t.Name,
				Title:        t.Title,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
			}
			if ov, ok := a.overrides.ResolveOverride(namespaceUUID.String(), full); ok {
				desc.FullName = ov.Name
				if ov.Title != "" {
					desc.Title = ov.Title
				}
				if ov.Description != "" {
					desc.Description = ov.Description
				}
				if ov.Annotations != nil {
					desc.Annotations = ov.Annotations
				}
			}
			out = append(out, desc)
		}
	}
	return out, nil
}

// ListToolsBase adapts MergedList to a middleware.ListToolsHandler, the
// innermost handler of the List-Tools chain (spec §4.4).
func (a *Aggregator) ListToolsBase() middleware.ListToolsHandler {
	return func(ctx context.Context, rc *middleware.RequestContext) ([]middleware.ToolDescriptor, error) {
		nsUUID, err := uuid.Parse(rc.NamespaceUUID)
		if err != nil {
			return nil, errs.NewValidationError("invalid namespace uuid", err)
		}
		return a.MergedList(ctx, nsUUID)
	}
}

// splitFullName splits a full tool name on the first "__" separator.
func splitFullName(name string) (serverPart, toolPart string, ok bool) {
	idx := strings.Index(name, "__")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}

// resolveMember finds which member server a full tool name routes to,
// applying the one-level nested-MetaMCP fallback (spec §4.9, and the
// Open Question decision in SPEC_FULL.md §9): if the first segment
// doesn't match any member but a prefix up to an additional "__" does,
// route to that member and keep the remainder as the forwarded name.
func resolveMember(members []member, name string) (m member, forwardedName string, err error) {
	serverPart, toolPart, ok := splitFullName(name)
	if !ok {
		return member{}, "", errs.NewValidationError(fmt.Sprintf("malformed tool name %q: expected serverName__toolName", name), nil)
	}
	for _, mm := range members {
		if mm.ServerName == serverPart {
			return mm, toolPart, nil
		}
	}

	// Nested-MetaMCP fallback: try extending the server segment by one
	// more "__"-delimited piece.
	nestedServerPart, nestedToolPart, ok := splitFullName(toolPart)
	if ok {
		candidate := serverPart + "__" + nestedServerPart
		for _, mm := range members {
			if mm.ServerName == candidate {
				return mm, nestedToolPart, nil
			}
		}
	}

	return member{}, "", errs.NewNotFoundError(fmt.Sprintf("no server named %q in namespace", serverPart), nil)
}

// Dispatch routes an incoming full tool name to its member server,
// forwarding the original tool name and arguments (spec §4.9 "Dispatch").
func (a *Aggregator) Dispatch(ctx context.Context, namespaceUUID uuid.UUID, fullToolName string, arguments map[string]any) (*middleware.CallResult, error) {
	members, err := a.members(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}

	// The incoming name may be an override (list_tools rewrites names
	// before they ever reach a client); resolve it back to the canonical
	// serverName__toolName before splitting (spec §4.5).
	canonicalName := fullToolName
	if original, ok := a.overrides.ResolveOriginal(namespaceUUID.String(), fullToolName); ok {
		canonicalName = original
	}

	m, forwardedName, err := resolveMember(members, canonicalName)
	if err != nil {
		return nil, err
	}

	client, err := a.clients.ClientFor(ctx, m.ServerUUID)
	if err != nil {
		return nil, errs.NewUpstreamTransientError(fmt.Sprintf("no connection to server %q", m.ServerName), err)
	}

	result, err := client.CallTool(ctx, forwardedName, arguments)
	if err != nil {
		return nil, errs.NewUpstreamFatalError(fmt.Sprintf("call_tool %q on %q failed", forwardedName, m.ServerName), err)
	}
	return result, nil
}

// CallToolBase adapts Dispatch to a middleware.CallToolHandler, the
// innermost handler of the Call-Tool chain (spec §4.4).
func (a *Aggregator) CallToolBase() middleware.CallToolHandler {
	return func(ctx context.Context, rc *middleware.RequestContext, name string, arguments map[string]any) (*middleware.CallResult, error) {
		nsUUID, err := uuid.Parse(rc.NamespaceUUID)
		if err != nil {
			return nil, errs.NewValidationError("invalid namespace uuid", err)
		}
		return a.Dispatch(ctx, nsUUID, name, arguments)
	}
}

// SeenTool is a tool as observed by a downstream client after override
// rewriting, the refreshTools input shape (spec §4.9).
type SeenTool struct {
	Name        string
	Description string
	InputSchema []byte
}

// RefreshResult reports how many new rows refreshTools created.
type RefreshResult struct {
	ToolsCreated    int
	MappingsCreated int
}

// RefreshTools reconciles persisted Tool/NamespaceToolMembership rows with
// what a downstream client currently sees (spec §4.9 "refreshTools").
// Override names are never persisted as canonical tool names. Applying
// the same payload twice must be idempotent (spec §8).
func (a *Aggregator) RefreshTools(ctx context.Context, namespaceUUID uuid.UUID, seen []SeenTool) (RefreshResult, error) {
	members, err := a.members(ctx, namespaceUUID)
	if err != nil {
		return RefreshResult{}, err
	}

	type group struct {
		server member
		tools  []metamcp.Tool
	}
	groups := make(map[uuid.UUID]*group)

	for _, s := range seen {
		if _, ok := a.overrides.ResolveOriginal(namespaceUUID.String(), s.Name); ok {
			// s.Name is an override name, not a canonical full name: skip.
			continue
		}

		m, toolPart, err := resolveMember(members, s.Name)
		if err != nil {
			logger.Warnf("aggregator: refreshTools could not resolve %q: %v", s.Name, err)
			continue
		}

		g, ok := groups[m.ServerUUID]
		if !ok {
			g = &group{server: m}
			groups[m.ServerUUID] = g
		}
		g.tools = append(g.tools, metamcp.Tool{
			ServerUUID:  m.ServerUUID,
			Name:        toolPart,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}

	var allTools []metamcp.Tool
	for _, g := range groups {
		allTools = append(allTools, g.tools...)
	}

	persisted, toolsCreated, err := a.store.BulkUpsertTools(ctx, allTools)
	if err != nil {
		return RefreshResult{}, errs.NewInternalError("bulk upsert tools", err)
	}

	var memberships []metamcp.NamespaceToolMembership
	for _, t := range persisted {
		memberships = append(memberships, metamcp.NamespaceToolMembership{
			NamespaceUUID: namespaceUUID,
			ToolUUID:      t.UUID,
			ServerUUID:    t.ServerUUID,
			Status:        metamcp.StatusActive,
		})
	}
	mappingsCreated, err := a.store.BulkUpsertToolMemberships(ctx, memberships)
	if err != nil {
		return RefreshResult{}, errs.NewInternalError("bulk upsert tool memberships", err)
	}

	// Invalidate the namespace's idle session, derived protocol sessions,
	// and the override cache (spec §4.9 end of refreshTools). These are
	// in-memory operations; done synchronously, not backgrounded.
	a.invalidator.InvalidateIdleServer(namespaceUUID)
	a.invalidator.InvalidateOpenAPISessions([]uuid.UUID{namespaceUUID})
	a.overrides.Invalidate(namespaceUUID.String())

	return RefreshResult{ToolsCreated: toolsCreated, MappingsCreated: mappingsCreated}, nil
}

// ContentHash mirrors metamcp.Tool.ContentHash for tools built outside the
// persistence layer (e.g. straight from an upstream listing), so callers
// constructing discovery.ToolInput share one hashing rule.
func ContentHash(name, title, description string) [32]byte {
	h := sha256.New()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(description))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
