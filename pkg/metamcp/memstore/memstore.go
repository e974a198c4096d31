// Package memstore is an in-memory implementation of metamcp.Store (spec
// §6 "Persistence port"), used by tests and by `metamcp serve`. It
// follows the same sync.RWMutex-guarded-map shape as the session
// registry (C1).
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stacklok/metamcp/pkg/metamcp"
)

// Store is an in-memory metamcp.Store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	namespaces        map[uuid.UUID]*metamcp.Namespace
	servers           map[uuid.UUID]*metamcp.McpServer
	serverMemberships map[uuid.UUID][]metamcp.NamespaceServerMembership // by namespace
	tools             map[uuid.UUID]*metamcp.Tool
	toolsByServerName map[uuid.UUID]map[string]uuid.UUID // server -> tool name -> tool uuid
	toolMemberships   map[uuid.UUID][]metamcp.NamespaceToolMembership // by namespace

	agents          map[uuid.UUID]*metamcp.NamespaceAgent // by namespace uuid
	agentDocuments  map[uuid.UUID][]metamcp.NamespaceAgentDocument // by agent uuid
	installHistory  []metamcp.PackageInstallHistory
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		namespaces:        make(map[uuid.UUID]*metamcp.Namespace),
		servers:           make(map[uuid.UUID]*metamcp.McpServer),
		serverMemberships: make(map[uuid.UUID][]metamcp.NamespaceServerMembership),
		tools:             make(map[uuid.UUID]*metamcp.Tool),
		toolsByServerName: make(map[uuid.UUID]map[string]uuid.UUID),
		toolMemberships:   make(map[uuid.UUID][]metamcp.NamespaceToolMembership),
		agents:            make(map[uuid.UUID]*metamcp.NamespaceAgent),
		agentDocuments:    make(map[uuid.UUID][]metamcp.NamespaceAgentDocument),
	}
}

var _ metamcp.Store = (*Store)(nil)

// PutNamespace seeds or replaces a namespace, for test and dev-mode setup.
func (s *Store) PutNamespace(ns *metamcp.Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[ns.UUID] = ns
}

// PutServer seeds or replaces an upstream server.
func (s *Store) PutServer(server *metamcp.McpServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[server.UUID] = server
}

// PutServerMembership seeds a namespace-server membership.
func (s *Store) PutServerMembership(m metamcp.NamespaceServerMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverMemberships[m.NamespaceUUID] = append(s.serverMemberships[m.NamespaceUUID], m)
}

// PutAgent seeds a namespace's ask agent.
func (s *Store) PutAgent(agent *metamcp.NamespaceAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.NamespaceUUID] = agent
}

// PutAgentDocument seeds one of an agent's budgeted reference documents.
func (s *Store) PutAgentDocument(doc metamcp.NamespaceAgentDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentDocuments[doc.AgentUUID] = append(s.agentDocuments[doc.AgentUUID], doc)
}

func (s *Store) GetNamespace(_ context.Context, id uuid.UUID) (*metamcp.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespaces[id], nil
}

func (s *Store) ListNamespaceServers(_ context.Context, namespaceID uuid.UUID) ([]metamcp.NamespaceServerMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metamcp.NamespaceServerMembership, len(s.serverMemberships[namespaceID]))
	copy(out, s.serverMemberships[namespaceID])
	return out, nil
}

func (s *Store) GetServer(_ context.Context, id uuid.UUID) (*metamcp.McpServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[id], nil
}

func (s *Store) ListNamespaceTools(_ context.Context, namespaceID uuid.UUID) ([]metamcp.NamespaceToolMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metamcp.NamespaceToolMembership, len(s.toolMemberships[namespaceID]))
	copy(out, s.toolMemberships[namespaceID])
	return out, nil
}

func (s *Store) GetTool(_ context.Context, id uuid.UUID) (*metamcp.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools[id], nil
}

func (s *Store) ListToolsByServer(_ context.Context, serverID uuid.UUID) ([]metamcp.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName := s.toolsByServerName[serverID]
	out := make([]metamcp.Tool, 0, len(byName))
	for _, toolUUID := range byName {
		out = append(out, *s.tools[toolUUID])
	}
	return out, nil
}

func (s *Store) GetNamespaceAgent(_ context.Context, namespaceID uuid.UUID) (*metamcp.NamespaceAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[namespaceID], nil
}

func (s *Store) ListAgentDocuments(_ context.Context, agentID uuid.UUID) ([]metamcp.NamespaceAgentDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metamcp.NamespaceAgentDocument, len(s.agentDocuments[agentID]))
	copy(out, s.agentDocuments[agentID])
	return out, nil
}

func (s *Store) SumAgentDocumentTokens(_ context.Context, agentID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, doc := range s.agentDocuments[agentID] {
		total += doc.TokenCount
	}
	return total, nil
}

// BulkUpsertTools upserts by (server_uuid, name), assigning a fresh UUID to
// rows seen for the first time (spec §4.9 refreshTools).
func (s *Store) BulkUpsertTools(_ context.Context, tools []metamcp.Tool) ([]metamcp.Tool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted := make([]metamcp.Tool, len(tools))
	created := 0
	for i, t := range tools {
		byName, ok := s.toolsByServerName[t.ServerUUID]
		if !ok {
			byName = make(map[string]uuid.UUID)
			s.toolsByServerName[t.ServerUUID] = byName
		}
		if existingUUID, ok := byName[t.Name]; ok {
			t.UUID = existingUUID
		} else {
			t.UUID = uuid.New()
			byName[t.Name] = t.UUID
			created++
		}
		s.tools[t.UUID] = &t
		persisted[i] = t
	}
	return persisted, created, nil
}

// BulkUpsertToolMemberships upserts by (namespace_uuid, tool_uuid),
// returning how many were newly created.
func (s *Store) BulkUpsertToolMemberships(_ context.Context, memberships []metamcp.NamespaceToolMembership) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, m := range memberships {
		existing := s.toolMemberships[m.NamespaceUUID]
		found := false
		for i, e := range existing {
			if e.ToolUUID == m.ToolUUID {
				existing[i] = m
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, m)
			created++
		}
		s.toolMemberships[m.NamespaceUUID] = existing
	}
	return created, nil
}

func (s *Store) AppendPackageInstallHistory(_ context.Context, record metamcp.PackageInstallHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installHistory = append(s.installHistory, record)
	return nil
}

// InstallHistory returns a copy of the recorded package-install audit
// trail; tests use it to inspect what was appended.
func (s *Store) InstallHistory() []metamcp.PackageInstallHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metamcp.PackageInstallHistory, len(s.installHistory))
	copy(out, s.installHistory)
	return out
}
