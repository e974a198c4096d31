// Package metamcp defines the shared domain types and external ports
// consumed by the gateway core (spec §3, §6). Concrete components live in
// sibling packages (session, discovery, middleware, overrides,
// smartdiscovery, agent, pool, aggregator); this package holds only the
// vocabulary they share so none of them import each other's internals.
package metamcp

import (
	"context"
	"crypto/sha256"
	"encoding/json"

	"github.com/google/uuid"
)

// Transport identifies how the gateway speaks to an upstream server or
// exposes a namespace endpoint downstream.
type Transport string

// Supported transports (spec §3).
const (
	TransportStdio           Transport = "STDIO"
	TransportSSE             Transport = "SSE"
	TransportStreamableHTTP  Transport = "STREAMABLE_HTTP"
)

// MembershipStatus is the status of a server or tool membership in a
// namespace.
type MembershipStatus string

// Membership statuses (spec §3).
const (
	StatusActive   MembershipStatus = "ACTIVE"
	StatusInactive MembershipStatus = "INACTIVE"
)

// Namespace groups a set of upstream servers and exposes them as one MCP
// endpoint (spec §3).
type Namespace struct {
	UUID                   uuid.UUID
	Name                   string
	Description            string
	OwnerUserID            *string // nil => public
	SmartDiscoveryEnabled  bool
	SmartDiscoveryPrompt   string
	PinnedTools            []string // full names, always shown
	AskAgentUUID           *uuid.UUID
}

// IsPublic reports whether the namespace has no owner.
func (n *Namespace) IsPublic() bool { return n.OwnerUserID == nil }

// McpServer is an upstream MCP server the gateway connects to as a client
// (spec §3).
type McpServer struct {
	UUID        uuid.UUID
	Name        string
	Transport   Transport
	OwnerUserID *string

	// STDIO launch parameters.
	Command string
	Args    []string
	Env     map[string]string

	// SSE / StreamableHTTP launch parameters.
	URL         string
	BearerToken string
	Headers     map[string]string
}

// IsPublic reports whether the server has no owner.
func (s *McpServer) IsPublic() bool { return s.OwnerUserID == nil }

// NamespaceServerMembership links a server into a namespace (spec §3).
type NamespaceServerMembership struct {
	NamespaceUUID uuid.UUID
	ServerUUID    uuid.UUID
	Status        MembershipStatus
}

// Tool is a tool advertised by an upstream server (spec §3).
type Tool struct {
	UUID         uuid.UUID
	ServerUUID   uuid.UUID
	Name         string
	Title        string
	Description  string
	InputSchema  json.RawMessage
}

// ContentHash is the stable digest of (name, title, description) used by
// the discovery index to skip re-embedding unchanged tools (spec §3, §4.3).
func (t *Tool) ContentHash() [32]byte {
	h := sha256.New()
	_, _ = h.Write([]byte(t.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(t.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(t.Description))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ToolOverride holds the per-namespace rewrite of a tool's public face
// (spec §3 NamespaceToolMembership).
type ToolOverride struct {
	Name        string
	Title       string
	Description string
	Annotations json.RawMessage
}

// NamespaceToolMembership links a tool into a namespace with optional
// per-namespace overrides (spec §3).
type NamespaceToolMembership struct {
	NamespaceUUID uuid.UUID
	ToolUUID      uuid.UUID
	ServerUUID    uuid.UUID
	Status        MembershipStatus
	Override      *ToolOverride
}

// NamespaceAgent is an "ask" agent attached to a namespace (spec §3).
type NamespaceAgent struct {
	UUID          uuid.UUID
	NamespaceUUID uuid.UUID
	AgentType     string // always "ask"
	Name          string
	Enabled       bool
	Model         string
	SystemPrompt  string
	References    json.RawMessage
	AllowedTools  []string // full names; empty = no allowlist restriction
	DeniedTools   []string // full names
	MaxToolCalls  int      // default 3, clamped to <=20 at call time
	ExposeLimit   int      // default 5, clamped to <=50 at call time
}

// ClampedMaxToolCalls returns MaxToolCalls clamped to [0, 20] with the
// spec default of 3 applied when unset.
func (a *NamespaceAgent) ClampedMaxToolCalls() int {
	n := a.MaxToolCalls
	if n == 0 {
		n = 3
	}
	if n < 0 {
		n = 0
	}
	if n > 20 {
		n = 20
	}
	return n
}

// ClampedExposeLimit returns ExposeLimit clamped to [0, 50] with the spec
// default of 5 applied when unset.
func (a *NamespaceAgent) ClampedExposeLimit() int {
	n := a.ExposeLimit
	if n == 0 {
		n = 5
	}
	if n < 0 {
		n = 0
	}
	if n > 50 {
		n = 50
	}
	return n
}

// IsAllowed reports whether fullToolName may be used by this agent:
// not denied, and either no allowlist or present in it (spec §4.7 step 1).
func (a *NamespaceAgent) IsAllowed(fullToolName string) bool {
	for _, d := range a.DeniedTools {
		if d == fullToolName {
			return false
		}
	}
	if len(a.AllowedTools) == 0 {
		return true
	}
	for _, allow := range a.AllowedTools {
		if allow == fullToolName {
			return true
		}
	}
	return false
}

// NamespaceAgentDocument is a reference document attached to an agent,
// counted against the 200,000-token budget (spec §3).
type NamespaceAgentDocument struct {
	UUID       uuid.UUID
	AgentUUID  uuid.UUID
	Filename   string
	MIME       string
	Content    string
	TokenCount int
}

// DocumentTokenBudget is the maximum sum of token_count across an agent's
// documents (spec §3, §8).
const DocumentTokenBudget = 200_000

// PackageInstallHistory is an append-only audit row for the optional
// install helper (spec §3; write-only, never read by the core).
type PackageInstallHistory struct {
	UUID       uuid.UUID
	Manager    string
	Package    string
	Command    string
	Output     string
	Status     string
	UserID     string
	CreatedAt  int64
}

// Store is the persistence port (spec §6): CRUD on the entities above plus
// transactional bulk upsert for Tool and NamespaceToolMembership. The core
// never mutates Namespace/Agent/Document rows; it only reads them and
// writes Tool/NamespaceToolMembership through RefreshTools callers.
type Store interface {
	GetNamespace(ctx context.Context, id uuid.UUID) (*Namespace, error)
	ListNamespaceServers(ctx context.Context, namespaceID uuid.UUID) ([]NamespaceServerMembership, error)
	GetServer(ctx context.Context, id uuid.UUID) (*McpServer, error)
	ListNamespaceTools(ctx context.Context, namespaceID uuid.UUID) ([]NamespaceToolMembership, error)
	GetTool(ctx context.Context, id uuid.UUID) (*Tool, error)
	ListToolsByServer(ctx context.Context, serverID uuid.UUID) ([]Tool, error)

	GetNamespaceAgent(ctx context.Context, id uuid.UUID) (*NamespaceAgent, error)
	ListAgentDocuments(ctx context.Context, agentID uuid.UUID) ([]NamespaceAgentDocument, error)
	SumAgentDocumentTokens(ctx context.Context, agentID uuid.UUID) (int, error)

	// BulkUpsertTools upserts Tool rows keyed by (server_uuid, name) and
	// returns the persisted rows (with UUID assigned) plus how many were
	// newly created (spec §4.9 refreshTools).
	BulkUpsertTools(ctx context.Context, tools []Tool) (persisted []Tool, created int, err error)
	// BulkUpsertToolMemberships upserts NamespaceToolMembership rows, each
	// with the status it carries, and returns how many were newly created.
	BulkUpsertToolMemberships(ctx context.Context, memberships []NamespaceToolMembership) (created int, err error)

	AppendPackageInstallHistory(ctx context.Context, record PackageInstallHistory) error
}
