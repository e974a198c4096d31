// Package smartdiscovery implements Smart Discovery (spec §4.6, C6): two
// synthetic tools, metamcp__find and metamcp__ask, that stand in for a
// namespace's real tool list once it grows too large to list directly.
package smartdiscovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/discovery"
	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
	"github.com/stacklok/metamcp/pkg/safego"
)

// Synthetic tool names (spec §4.6).
const (
	FindToolName = "metamcp__find"
	AskToolName  = "metamcp__ask"
)

// statusCacheTTL is the per-namespace activation-status cache lifetime
// (spec §4.6 "5-second TTL status cache").
const statusCacheTTL = 5 * time.Second

// HighWaterMark and sweepInterval govern the coarse GC backstop (spec
// §4.6 "Coarse GC"); per-session state is also removed directly on
// disconnect by the transport layer (SPEC_FULL.md §9).
const (
	HighWaterMark = 1000
	sweepInterval = time.Hour
)

type status struct {
	enabled   bool
	prompt    string
	pinned    []string
	fetchedAt time.Time
}

// statusCache caches each namespace's smart-discovery activation status
// for statusCacheTTL to avoid a store round trip on every list_tools call.
type statusCache struct {
	mu   sync.Mutex
	byNS map[string]status
}

func newStatusCache() *statusCache {
	return &statusCache{byNS: make(map[string]status)}
}

func (c *statusCache) get(ctx context.Context, store metamcp.Store, namespaceUUID uuid.UUID) (status, error) {
	c.mu.Lock()
	if s, ok := c.byNS[namespaceUUID.String()]; ok && time.Since(s.fetchedAt) < statusCacheTTL {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	ns, err := store.GetNamespace(ctx, namespaceUUID)
	if err != nil {
		return status{}, err
	}
	s := status{
		enabled:   ns.SmartDiscoveryEnabled,
		prompt:    ns.SmartDiscoveryPrompt,
		pinned:    ns.PinnedTools,
		fetchedAt: time.Now(),
	}

	c.mu.Lock()
	c.byNS[namespaceUUID.String()] = s
	c.mu.Unlock()
	return s, nil
}

// Tracker holds, per (sessionID, namespaceUUID), the set of tool names
// most recently surfaced by metamcp__find (spec §4.6 "Per-session
// exposure state"). Pinned and synthetic tools are not tracked here; the
// List-Tools handler adds them back on every call.
type Tracker struct {
	mu      sync.Mutex
	exposed map[string][]string
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{exposed: make(map[string][]string)}
}

func trackerKey(sessionID, namespaceUUID string) string {
	return sessionID + "\x00" + namespaceUUID
}

// Replace overwrites (not unions) the exposed set for (sessionID,
// namespaceUUID); two concurrent find calls on the same session obey
// last-writer-wins (spec §5).
func (t *Tracker) Replace(sessionID, namespaceUUID string, names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exposed[trackerKey(sessionID, namespaceUUID)] = append([]string(nil), names...)
}

// Get returns the currently tracked exposed set, if any.
func (t *Tracker) Get(sessionID, namespaceUUID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exposed[trackerKey(sessionID, namespaceUUID)]
}

// Forget removes a session's tracked state, called from the transport
// layer's session-closed hook (SPEC_FULL.md §9 decision).
func (t *Tracker) Forget(sessionID, namespaceUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exposed, trackerKey(sessionID, namespaceUUID))
}

// Count reports how many (session, namespace) pairs are tracked.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.exposed)
}

// MaybeDropAll implements the coarse GC backstop: if the table has grown
// past HighWaterMark, it drops the whole table rather than scanning it
// (spec §4.6). Returns whether it dropped anything.
func (t *Tracker) MaybeDropAll() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.exposed) <= HighWaterMark {
		return false
	}
	t.exposed = make(map[string][]string)
	return true
}

// StartSweepLoop launches the periodic coarse-GC sweep in the
// background; it runs until ctx is canceled.
func (t *Tracker) StartSweepLoop(ctx context.Context) {
	safego.Go(ctx, "smartdiscovery.sweep", func(ctx context.Context) error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if t.MaybeDropAll() {
					logger.Warnf("smartdiscovery: dropped exposed-set table past high-water mark %d", HighWaterMark)
				}
			}
		}
	})
}

// Asker is the hook Smart Discovery uses to delegate metamcp__ask to the
// Ask-Agent Orchestrator (C7), kept as a narrow port so this package
// never imports pkg/metamcp/agent.
type Asker interface {
	Ask(ctx context.Context, namespaceUUID, sessionID string, args map[string]any) (json.RawMessage, error)
}

// Service implements the List-Tools and Call-Tool middlewares for Smart
// Discovery (spec §4.6), built over the Discovery Index (C3).
type Service struct {
	store   metamcp.Store
	index   *discovery.Index
	tracker *Tracker
	asker   Asker
	status  *statusCache
}

// New constructs a Service. asker may be nil; metamcp__ask then always
// errors, which matches an agent-less namespace.
func New(store metamcp.Store, index *discovery.Index, tracker *Tracker, asker Asker) *Service {
	return &Service{store: store, index: index, tracker: tracker, asker: asker, status: newStatusCache()}
}

func syntheticTools() []middleware.ToolDescriptor {
	findSchema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "number", "default": discovery.DefaultSearchLimit},
		},
		"required": []string{"query"},
	})
	askSchema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":        map[string]any{"type": "string"},
			"maxToolCalls": map[string]any{"type": "number"},
			"exposeLimit":  map[string]any{"type": "number"},
		},
		"required": []string{"query"},
	})
	return []middleware.ToolDescriptor{
		{FullName: FindToolName, OriginalName: FindToolName, Title: "Find tools", Description: "Search this namespace's tools by meaning", InputSchema: findSchema},
		{FullName: AskToolName, OriginalName: AskToolName, Title: "Ask an agent", Description: "Delegate a task to this namespace's ask agent", InputSchema: askSchema},
	}
}

func isSynthetic(name string) bool {
	return name == FindToolName || name == AskToolName
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// ListTools returns the Smart-Discovery List-Tools middleware, outermost
// in the pipeline (spec §4.4).
func (s *Service) ListTools(next middleware.ListToolsHandler) middleware.ListToolsHandler {
	return func(ctx context.Context, rc *middleware.RequestContext) ([]middleware.ToolDescriptor, error) {
		all, err := next(ctx, rc)
		if err != nil {
			return nil, err
		}

		nsUUID, perr := parseUUID(rc.NamespaceUUID)
		if perr != nil {
			return all, nil
		}
		st, err := s.status.get(ctx, s.store, nsUUID)
		if err != nil {
			logger.Warnf("smartdiscovery: status lookup for %s: %v", rc.NamespaceUUID, err)
			return all, nil
		}
		if !st.enabled {
			return all, nil
		}

		safego.Go(ctx, "smartdiscovery.indexTools", func(ctx context.Context) error {
			return s.indexTools(ctx, rc.NamespaceUUID, all)
		})

		byName := make(map[string]middleware.ToolDescriptor, len(all))
		for _, t := range all {
			byName[t.FullName] = t
		}

		seen := make(map[string]struct{})
		out := make([]middleware.ToolDescriptor, 0, len(all)+2)

		for _, t := range syntheticTools() {
			out = append(out, t)
			seen[t.FullName] = struct{}{}
		}
		for _, name := range st.pinned {
			if _, ok := seen[name]; ok {
				continue
			}
			if t, ok := byName[name]; ok {
				out = append(out, t)
				seen[name] = struct{}{}
			}
		}
		for _, name := range s.tracker.Get(rc.SessionID, rc.NamespaceUUID) {
			if _, ok := seen[name]; ok {
				continue
			}
			if t, ok := byName[name]; ok {
				out = append(out, t)
				seen[name] = struct{}{}
			}
		}
		return out, nil
	}
}

// CallTool returns the Smart-Discovery Call-Tool middleware (spec §4.6).
func (s *Service) CallTool(next middleware.CallToolHandler) middleware.CallToolHandler {
	return func(ctx context.Context, rc *middleware.RequestContext, name string, arguments map[string]any) (*middleware.CallResult, error) {
		if !isSynthetic(name) {
			return next(ctx, rc, name, arguments)
		}

		nsUUID, perr := parseUUID(rc.NamespaceUUID)
		if perr != nil {
			return middleware.ErrorResult("invalid namespace"), nil
		}
		st, err := s.status.get(ctx, s.store, nsUUID)
		if err != nil {
			return middleware.ErrorResult(fmt.Sprintf("smart discovery status unavailable: %v", err)), nil
		}
		if !st.enabled {
			return middleware.ErrorResult("smart discovery is disabled for this namespace"), nil
		}

		switch name {
		case FindToolName:
			return s.handleFind(ctx, rc, arguments)
		case AskToolName:
			return s.handleAsk(ctx, rc, arguments)
		default:
			return middleware.ErrorResult("unknown synthetic tool " + name), nil
		}
	}
}

// findResultTool is one entry of metamcp__find's JSON response.
type findResultTool struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Arguments       json.RawMessage `json:"arguments"`
	RelevanceScore  float64         `json:"relevanceScore"`
}

func (s *Service) handleFind(ctx context.Context, rc *middleware.RequestContext, arguments map[string]any) (*middleware.CallResult, error) {
	query, ok := arguments["query"].(string)
	if !ok || query == "" {
		return middleware.ErrorResult("metamcp__find requires a string \"query\" argument"), nil
	}

	limit := discovery.DefaultSearchLimit
	if raw, ok := arguments["limit"]; ok {
		if n, ok := asInt(raw); ok {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > discovery.MaxSearchLimit {
		limit = discovery.MaxSearchLimit
	}

	results, err := s.index.Search(ctx, rc.NamespaceUUID, query, limit, 0)
	if err != nil {
		return middleware.ErrorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	names := make([]string, len(results))
	tools := make([]findResultTool, len(results))
	for i, r := range results {
		names[i] = r.FullName
		tools[i] = findResultTool{
			Name:           r.FullName,
			Description:    r.Description,
			Arguments:      r.InputSchema,
			RelevanceScore: roundTo2(r.Score),
		}
	}
	s.tracker.Replace(rc.SessionID, rc.NamespaceUUID, names)

	payload, err := json.Marshal(map[string]any{
		"message": fmt.Sprintf("Found %d matching tool(s)", len(tools)),
		"query":   query,
		"tools":   tools,
		"usage":   map[string]any{"resultCount": len(tools), "limit": limit},
	})
	if err != nil {
		return middleware.ErrorResult("failed to encode find response"), nil
	}
	return middleware.TextResult(string(payload)), nil
}

func (s *Service) handleAsk(ctx context.Context, rc *middleware.RequestContext, arguments map[string]any) (*middleware.CallResult, error) {
	if s.asker == nil {
		return middleware.ErrorResult("no ask agent is configured for this namespace"), nil
	}
	report, err := s.asker.Ask(ctx, rc.NamespaceUUID, rc.SessionID, arguments)
	if err != nil {
		return middleware.ErrorResult(fmt.Sprintf("ask failed: %v", err)), nil
	}
	return middleware.TextResult(string(report)), nil
}

func (s *Service) indexTools(ctx context.Context, namespaceUUID string, tools []middleware.ToolDescriptor) error {
	inputs := make([]discovery.ToolInput, 0, len(tools))
	for _, t := range tools {
		inputs = append(inputs, discovery.ToolInput{
			FullName:     t.FullName,
			ServerName:   t.ServerName,
			OriginalName: t.OriginalName,
			Title:        t.Title,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			ContentHash:  aggregator.ContentHash(t.OriginalName, t.Title, t.Description),
		})
	}
	return s.index.IndexTools(ctx, namespaceUUID, inputs)
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
