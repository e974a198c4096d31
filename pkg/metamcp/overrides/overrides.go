// Package overrides implements the Tool-Name Overrides cache (spec §4.5,
// C5): a per-namespace mapping of override name to original full tool
// name, applied on tools/list and reversed on tools/call.
package overrides

import (
	"sync"

	"github.com/stacklok/metamcp/pkg/metamcp"
)

// Override is the public face a namespace gives one tool.
type Override struct {
	FullName    string // original serverName__toolName
	Name        string
	Title       string
	Description string
	Annotations []byte
}

// Cache holds, per namespace, the override_name -> original full name
// mapping plus the full override record for rewriting list_tools output.
type Cache struct {
	mu  sync.RWMutex
	byNS map[string]map[string]Override // namespace -> override name -> Override
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{byNS: make(map[string]map[string]Override)}
}

// Build replaces the cached overrides for a namespace from its current
// membership rows (spec §4.5). Memberships without an override are
// ignored. Invariant: override_name is unique per namespace (spec §3);
// Build trusts the persistence layer to enforce that and simply keeps the
// last membership seen for a duplicate name.
func (c *Cache) Build(namespaceUUID string, memberships []metamcp.NamespaceToolMembership, fullNameOf func(metamcp.NamespaceToolMembership) string) {
	byOverride := make(map[string]Override)
	for _, m := range memberships {
		if m.Override == nil || m.Override.Name == "" {
			continue
		}
		byOverride[m.Override.Name] = Override{
			FullName:    fullNameOf(m),
			Name:        m.Override.Name,
			Title:       m.Override.Title,
			Description: m.Override.Description,
			Annotations: m.Override.Annotations,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byNS[namespaceUUID] = byOverride
}

// ResolveOverride returns the Override applied to fullName in namespaceUUID,
// if any, for rewriting tools/list entries.
func (c *Cache) ResolveOverride(namespaceUUID, fullName string) (Override, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.byNS[namespaceUUID] {
		if o.FullName == fullName {
			return o, true
		}
	}
	return Override{}, false
}

// ResolveOriginal maps an override name back to its original full tool
// name for tools/call dispatch (spec §4.5). The bool is false when name is
// not a known override in this namespace (i.e. it is already a canonical
// full name and should be dispatched unchanged).
func (c *Cache) ResolveOriginal(namespaceUUID, name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.byNS[namespaceUUID][name]
	if !ok {
		return "", false
	}
	return o.FullName, true
}

// Invalidate drops the cached overrides for one namespace. Called on any
// override, membership, or namespace update (spec §4.5).
func (c *Cache) Invalidate(namespaceUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byNS, namespaceUUID)
}
