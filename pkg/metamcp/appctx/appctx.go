// Package appctx assembles the process-wide context: one instance of
// every long-lived collaborator (spec §9), constructed once by cmd/metamcp
// and threaded through every namespace server and background job. Tests
// build a fresh Context per test rather than sharing process state.
package appctx

import (
	"context"

	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/agent"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/discovery"
	"github.com/stacklok/metamcp/pkg/metamcp/middleware"
	"github.com/stacklok/metamcp/pkg/metamcp/overrides"
	"github.com/stacklok/metamcp/pkg/metamcp/pool"
	"github.com/stacklok/metamcp/pkg/metamcp/session"
	"github.com/stacklok/metamcp/pkg/metamcp/smartdiscovery"
	"github.com/stacklok/metamcp/pkg/metamcp/tokencounter"
	"github.com/stacklok/metamcp/pkg/metamcp/upstream"
)

// Context bundles every collaborator a NamespaceServer or a CLI command
// needs (spec §9). Fields are exported so cmd/metamcp can wire them and
// tests can substitute fakes before calling New.
type Context struct {
	Store metamcp.Store

	Sessions       *session.Registry
	Tokens         *tokencounter.Counter
	Index          *discovery.Index
	Overrides      *overrides.Cache
	Tracker        *smartdiscovery.Tracker
	Servers        *pool.ServerPool
	Namespaces     *pool.NamespacePool
	Aggregator     *aggregator.Aggregator
	SmartDiscovery *smartdiscovery.Service
	Agent          *agent.Agent
	Pipeline       *middleware.Pipeline
}

// Config carries the handful of external-service settings that differ
// between the reference in-memory Store and a production deployment
// (spec §6 ports).
type Config struct {
	Store metamcp.Store

	Embedder discovery.EmbeddingProvider
	Chat     agent.ChatProvider

	// ClientVersion is reported to every upstream during the MCP
	// initialize handshake (spec §4.8).
	ClientVersion string
}

// New wires one of every collaborator into a Context, in the dependency
// order spec §9 describes: pools and caches first, then the aggregator
// that composes them, then the two things built on top of the
// aggregator (Smart Discovery and the Ask-Agent Orchestrator), and
// finally the pipeline that ties Smart Discovery to the aggregator's base
// handlers.
func New(cfg Config) *Context {
	overridesCache := overrides.New()
	serverPool := pool.NewServerPool(&upstream.Connector{ClientVersion: cfg.ClientVersion})
	namespacePool := pool.NewNamespacePool(serverPool, cfg.Store)

	agg := aggregator.New(cfg.Store, serverPool, overridesCache, namespacePool)

	index := discovery.New(cfg.Embedder)
	tracker := smartdiscovery.NewTracker()
	ac := &Context{
		Store:      cfg.Store,
		Sessions:   session.NewRegistry(),
		Tokens:     tokencounter.New(),
		Index:      index,
		Overrides:  overridesCache,
		Tracker:    tracker,
		Servers:    serverPool,
		Namespaces: namespacePool,
		Aggregator: agg,
	}

	ac.Agent = agent.New(cfg.Store, index, agg, cfg.Chat, ac.Tokens, tracker)
	ac.SmartDiscovery = smartdiscovery.New(cfg.Store, index, tracker, ac.Agent)

	pipeline := middleware.New()
	pipeline.Use(ac.SmartDiscovery.ListTools)
	pipeline.UseCall(ac.SmartDiscovery.CallTool)
	ac.Pipeline = pipeline

	return ac
}

// StartBackgroundJobs launches every collaborator's own background
// goroutine (the Smart-Discovery sweep; more may be added here as the
// gateway grows). It runs until ctx is canceled.
func (c *Context) StartBackgroundJobs(ctx context.Context) {
	c.Tracker.StartSweepLoop(ctx)
}
