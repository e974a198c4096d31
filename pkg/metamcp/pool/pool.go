// Package pool implements the Upstream Connection Pool (spec §4.8, C8):
// a refcounted McpServerPool of live upstream MCP client sessions, and a
// MetaMcpServerPool of composed namespace sessions built on top of it.
package pool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/metamcp/pkg/errs"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/safego"
)

// ServerState is a lifecycle stage of one McpServerPool entry
// (spec §4.8: connecting -> idle -> active -> closing).
type ServerState string

// Lifecycle stages.
const (
	ServerConnecting ServerState = "connecting"
	ServerIdle       ServerState = "idle"
	ServerActive     ServerState = "active"
	ServerClosing    ServerState = "closing"
)

// ServerClient is a live connection to one upstream MCP server. It embeds
// aggregator.UpstreamClient so the pool can serve as an
// aggregator.ClientProvider directly.
type ServerClient interface {
	aggregator.UpstreamClient
	Close(ctx context.Context) error
}

// Connector dials an upstream server according to its configured
// transport. The concrete implementation lives in pkg/metamcp/upstream.
type Connector interface {
	Connect(ctx context.Context, server *metamcp.McpServer) (ServerClient, error)
}

// backoff schedule for initial-connect retries only (spec §4.8 "Failure
// model"); tools/call is never retried by the pool.
const (
	connectRetries   = 3
	connectBaseDelay = 200 * time.Millisecond
	connectMaxDelay  = 2 * time.Second
)

type serverEntry struct {
	client ServerClient
	state  ServerState
	refs   map[uuid.UUID]struct{} // namespaces currently holding a reference
}

func (e *serverEntry) refCount() int { return len(e.refs) }

// ServerPool is the McpServerPool of spec §4.8: one connected client per
// server_uuid, reference-counted across the namespaces that use it.
type ServerPool struct {
	connector Connector
	group     singleflight.Group

	mu      sync.Mutex
	entries map[uuid.UUID]*serverEntry
}

// NewServerPool constructs an empty ServerPool.
func NewServerPool(connector Connector) *ServerPool {
	return &ServerPool{connector: connector, entries: make(map[uuid.UUID]*serverEntry)}
}

// Acquire returns the live client for server, connecting it (with bounded
// retry) if this is the first namespace to need it, and recording
// namespaceUUID's reference. Concurrent Acquire calls for the same server
// collapse into a single connect attempt.
func (p *ServerPool) Acquire(ctx context.Context, server *metamcp.McpServer, namespaceUUID uuid.UUID) (ServerClient, error) {
	p.mu.Lock()
	entry, ok := p.entries[server.UUID]
	if ok && entry.client != nil {
		entry.refs[namespaceUUID] = struct{}{}
		entry.state = ServerActive
		client := entry.client
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	result, err, _ := p.group.Do(server.UUID.String(), func() (any, error) {
		return p.connectWithBackoff(ctx, server)
	})
	if err != nil {
		return nil, err
	}
	client := result.(ServerClient)

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok = p.entries[server.UUID]
	if !ok {
		entry = &serverEntry{refs: make(map[uuid.UUID]struct{})}
		p.entries[server.UUID] = entry
	}
	entry.client = client
	entry.state = ServerActive
	entry.refs[namespaceUUID] = struct{}{}
	return client, nil
}

// connectWithBackoff dials server with bounded exponential backoff on
// transient failures, retrying only the initial connect (spec §4.8).
func (p *ServerPool) connectWithBackoff(ctx context.Context, server *metamcp.McpServer) (ServerClient, error) {
	delay := connectBaseDelay
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return nil, errs.NewUpstreamTransientError("connect canceled", ctx.Err())
			}
			delay *= 2
			if delay > connectMaxDelay {
				delay = connectMaxDelay
			}
		}
		client, err := p.connector.Connect(ctx, server)
		if err == nil {
			return client, nil
		}
		lastErr = err
		logger.Warnf("pool: connect attempt %d/%d to server %s failed: %v", attempt+1, connectRetries, server.Name, err)
	}
	return nil, errs.NewUpstreamTransientError("failed to connect to server "+server.Name, lastErr)
}

// Release drops namespaceUUID's reference to server. When no namespace
// references it any longer the entry transitions to idle (kept warm, not
// closed) rather than being torn down immediately.
func (p *ServerPool) Release(serverUUID, namespaceUUID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[serverUUID]
	if !ok {
		return
	}
	delete(entry.refs, namespaceUUID)
	if entry.refCount() == 0 {
		entry.state = ServerIdle
	}
}

// CloseIdle tears down a server's connection if it currently has no
// references, e.g. as part of a namespace cleanup (spec §4.8
// cleanupIdleServer).
func (p *ServerPool) CloseIdle(ctx context.Context, serverUUID uuid.UUID) {
	p.mu.Lock()
	entry, ok := p.entries[serverUUID]
	if !ok || entry.refCount() > 0 {
		p.mu.Unlock()
		return
	}
	entry.state = ServerClosing
	client := entry.client
	delete(p.entries, serverUUID)
	p.mu.Unlock()

	if client != nil {
		if err := client.Close(ctx); err != nil {
			logger.Warnf("pool: error closing idle server %s: %v", serverUUID, err)
		}
	}
}

// ClientFor implements aggregator.ClientProvider by returning the
// currently connected client for serverUUID, if any.
func (p *ServerPool) ClientFor(_ context.Context, serverUUID uuid.UUID) (aggregator.UpstreamClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[serverUUID]
	if !ok || entry.client == nil {
		return nil, errs.NewUpstreamTransientError("no connection to server", nil)
	}
	return entry.client, nil
}

// ServerStatus summarizes one server entry for getPoolStatus.
type ServerStatus struct {
	ServerUUID uuid.UUID
	State      ServerState
	RefCount   int
}

// Status reports every tracked server entry.
func (p *ServerPool) Status() []ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ServerStatus, 0, len(p.entries))
	for id, e := range p.entries {
		out = append(out, ServerStatus{ServerUUID: id, State: e.state, RefCount: e.refCount()})
	}
	return out
}

// namespaceEntry is one MetaMcpServerPool idle slot plus its derived
// active sessions, keyed by downstream sessionId (spec §4.8).
type namespaceEntry struct {
	serverUUIDs   []uuid.UUID // member servers this idle slot holds a reference to
	stale         bool
	activeSession map[string]struct{} // downstream sessionId -> present
}

// NamespacePool is the MetaMcpServerPool of spec §4.8: one idle composed
// session per namespace, built lazily over ServerPool entries, plus the
// set of active downstream sessions derived from it.
type NamespacePool struct {
	servers *ServerPool
	store   metamcp.Store

	locks sync.Map // uuid.UUID -> *sync.Mutex, per-namespace (spec §4.8/§5)

	mu      sync.Mutex
	entries map[uuid.UUID]*namespaceEntry
}

// NewNamespacePool constructs an empty NamespacePool over servers.
func NewNamespacePool(servers *ServerPool, store metamcp.Store) *NamespacePool {
	return &NamespacePool{servers: servers, store: store, entries: make(map[uuid.UUID]*namespaceEntry)}
}

func (p *NamespacePool) lockFor(namespaceUUID uuid.UUID) *sync.Mutex {
	v, _ := p.locks.LoadOrStore(namespaceUUID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EnsureIdleServerForNewNamespace builds the idle slot for namespace if
// missing, by acquiring a ServerPool reference for each of its ACTIVE
// member servers. Errors are logged, never propagated to the caller
// (spec §4.8); this is meant to be launched via safego.Go.
func (p *NamespacePool) EnsureIdleServerForNewNamespace(ctx context.Context, namespace *metamcp.Namespace) {
	lock := p.lockFor(namespace.UUID)
	lock.Lock()
	_, exists := p.entries[namespace.UUID]
	lock.Unlock()
	if exists {
		return
	}

	memberships, err := p.store.ListNamespaceServers(ctx, namespace.UUID)
	if err != nil {
		logger.Warnf("pool: ensureIdleServerForNewNamespace: list servers for %s: %v", namespace.UUID, err)
		return
	}

	var serverUUIDs []uuid.UUID
	for _, m := range memberships {
		if m.Status != metamcp.StatusActive {
			continue
		}
		srv, err := p.store.GetServer(ctx, m.ServerUUID)
		if err != nil {
			logger.Warnf("pool: ensureIdleServerForNewNamespace: get server %s: %v", m.ServerUUID, err)
			continue
		}
		if _, err := p.servers.Acquire(ctx, srv, namespace.UUID); err != nil {
			logger.Warnf("pool: ensureIdleServerForNewNamespace: connect %s: %v", srv.Name, err)
			continue
		}
		serverUUIDs = append(serverUUIDs, srv.UUID)
	}

	lock.Lock()
	defer lock.Unlock()
	p.mu.Lock()
	p.entries[namespace.UUID] = &namespaceEntry{serverUUIDs: serverUUIDs, activeSession: make(map[string]struct{})}
	p.mu.Unlock()
}

// EnsureIdleServerForNewNamespaceAsync launches
// EnsureIdleServerForNewNamespace in the background, matching spec §5's
// "background pool construction is not awaited by the triggering request".
func (p *NamespacePool) EnsureIdleServerForNewNamespaceAsync(ctx context.Context, namespace *metamcp.Namespace) {
	safego.Go(ctx, "pool.ensureIdleServer", func(ctx context.Context) error {
		p.EnsureIdleServerForNewNamespace(ctx, namespace)
		return nil
	})
}

// InvalidateIdleServer tears down namespace's idle slot: it releases the
// slot's reference on each member server at once and removes the slot.
// Release closes no connection, so in-flight calls against the old
// snapshot are unaffected (spec §5 ordering guarantees). Nothing rebuilds
// the slot afterwards: AttachSession only records sessions, and only
// another EnsureIdleServerForNewNamespace call builds it again.
func (p *NamespacePool) InvalidateIdleServer(namespaceUUID uuid.UUID) {
	lock := p.lockFor(namespaceUUID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	entry, ok := p.entries[namespaceUUID]
	p.mu.Unlock()
	if !ok {
		return
	}

	for _, serverUUID := range entry.serverUUIDs {
		p.servers.Release(serverUUID, namespaceUUID)
	}

	p.mu.Lock()
	delete(p.entries, namespaceUUID)
	p.mu.Unlock()
}

// InvalidateOpenAPISessions drops any derived protocol-specific sessions
// cached for the given namespaces (spec §4.8 invalidateOpenApiSessions).
// Derived sessions are recomputed on next attach; this only clears the
// in-memory marker.
func (p *NamespacePool) InvalidateOpenAPISessions(namespaceUUIDs []uuid.UUID) {
	for _, ns := range namespaceUUIDs {
		lock := p.lockFor(ns)
		lock.Lock()
		p.mu.Lock()
		if entry, ok := p.entries[ns]; ok {
			entry.stale = true
		}
		p.mu.Unlock()
		lock.Unlock()
	}
}

// CleanupIdleServer tears down namespace's idle slot entirely, releasing
// every server reference it held; called on namespace deletion
// (spec §4.8).
func (p *NamespacePool) CleanupIdleServer(_ context.Context, namespaceUUID uuid.UUID) {
	p.InvalidateIdleServer(namespaceUUID)
	p.locks.Delete(namespaceUUID)
}

// AttachSession records a new downstream session as active against
// namespace under the per-namespace lock, creating an empty slot entry
// if the namespace has none.
func (p *NamespacePool) AttachSession(namespaceUUID uuid.UUID, sessionID string) {
	lock := p.lockFor(namespaceUUID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[namespaceUUID]
	if !ok {
		entry = &namespaceEntry{activeSession: make(map[string]struct{})}
		p.entries[namespaceUUID] = entry
	}
	entry.activeSession[sessionID] = struct{}{}
}

// DetachSession removes a downstream session from namespace's active set.
func (p *NamespacePool) DetachSession(namespaceUUID uuid.UUID, sessionID string) {
	lock := p.lockFor(namespaceUUID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[namespaceUUID]
	if !ok {
		return
	}
	delete(entry.activeSession, sessionID)
}

// Status is the shape of getPoolStatus (spec §4.8).
type Status struct {
	Idle             int
	Active           int
	ActiveSessionIDs []string
	IdleNamespaceIDs []uuid.UUID
	IdleServerIDs    []uuid.UUID
}

// GetPoolStatus reports the combined status of both pools.
func (p *NamespacePool) GetPoolStatus() Status {
	p.mu.Lock()
	var idleNS []uuid.UUID
	var activeSessions []string
	for ns, entry := range p.entries {
		idleNS = append(idleNS, ns)
		for sid := range entry.activeSession {
			activeSessions = append(activeSessions, sid)
		}
	}
	p.mu.Unlock()

	var idleServers []uuid.UUID
	active := 0
	for _, s := range p.servers.Status() {
		if s.RefCount == 0 {
			idleServers = append(idleServers, s.ServerUUID)
		} else {
			active++
		}
	}

	return Status{
		Idle:             len(idleNS),
		Active:           active,
		ActiveSessionIDs: activeSessions,
		IdleNamespaceIDs: idleNS,
		IdleServerIDs:    idleServers,
	}
}
