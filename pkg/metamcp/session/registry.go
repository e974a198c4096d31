// Package session implements the Live Session Registry (spec §4.1, C1):
// per-endpoint, per-transport counts of currently attached downstream MCP
// clients.
package session

import (
	"sort"
	"sync"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp"
)

// Session records one attached downstream client.
type Session struct {
	ID            string
	EndpointName  string
	NamespaceUUID string
	Transport     metamcp.Transport
}

// EndpointStats is the per-endpoint breakdown returned by Stats.
type EndpointStats struct {
	EndpointName string
	Count        int
	ByTransport  map[metamcp.Transport]int
}

// Stats is the aggregate view returned by Registry.Stats (spec §4.1).
type Stats struct {
	Total       int
	ByTransport map[metamcp.Transport]int
	ByEndpoint  []EndpointStats
}

// Registry tracks live downstream sessions keyed by (endpoint, namespace,
// transport). It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	// sessions maps endpoint name -> session id -> Session.
	sessions map[string]map[string]Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]Session)}
}

// Add registers a newly attached session. It is idempotent: re-adding the
// same session id is a no-op with a warning (spec §4.1).
func (r *Registry) Add(sessionID, endpoint, namespaceUUID string, transport metamcp.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.sessions[endpoint]
	if !ok {
		byID = make(map[string]Session)
		r.sessions[endpoint] = byID
	}
	if _, exists := byID[sessionID]; exists {
		logger.Warnf("session %s already registered on endpoint %s, ignoring duplicate add", sessionID, endpoint)
		return
	}
	byID[sessionID] = Session{
		ID:            sessionID,
		EndpointName:  endpoint,
		NamespaceUUID: namespaceUUID,
		Transport:     transport,
	}
}

// Remove unregisters a session. It is idempotent: removing an absent id is
// ignored. An endpoint whose session map becomes empty is deleted so Stats
// never reports a zero-count endpoint (spec §4.1).
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for endpoint, byID := range r.sessions {
		if _, ok := byID[sessionID]; !ok {
			continue
		}
		delete(byID, sessionID)
		if len(byID) == 0 {
			delete(r.sessions, endpoint)
		}
		return
	}
}

// Get returns the session for sessionID, if still attached.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, byID := range r.sessions {
		if s, ok := byID[sessionID]; ok {
			return s, true
		}
	}
	return Session{}, false
}

// Stats computes the aggregate view: total, per-transport totals, and a
// per-endpoint breakdown sorted by count descending (spec §4.1).
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{ByTransport: make(map[metamcp.Transport]int)}
	for endpoint, byID := range r.sessions {
		es := EndpointStats{EndpointName: endpoint, ByTransport: make(map[metamcp.Transport]int)}
		for _, s := range byID {
			es.Count++
			es.ByTransport[s.Transport]++
			out.Total++
			out.ByTransport[s.Transport]++
		}
		out.ByEndpoint = append(out.ByEndpoint, es)
	}

	sort.Slice(out.ByEndpoint, func(i, j int) bool {
		if out.ByEndpoint[i].Count != out.ByEndpoint[j].Count {
			return out.ByEndpoint[i].Count > out.ByEndpoint[j].Count
		}
		return out.ByEndpoint[i].EndpointName < out.ByEndpoint[j].EndpointName
	})

	return out
}
