// Package refresher periodically asks every upstream server for its
// current tool list and feeds it to the Namespace Aggregator's
// refreshTools (spec §4.9), the one piece of C9 that has to be driven from
// outside the request path: nothing in a tools/list or tools/call request
// triggers re-discovery on its own.
package refresher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/pool"
	"github.com/stacklok/metamcp/pkg/safego"
)

// defaultInterval matches the teacher's health-check-style background
// poll cadence; there is no spec-mandated value for how often upstream
// tool lists are re-synced.
const defaultInterval = 5 * time.Minute

// Refresher drives aggregator.Aggregator.RefreshTools for every namespace
// on a fixed interval.
type Refresher struct {
	store    metamcp.Store
	servers  *pool.ServerPool
	agg      *aggregator.Aggregator
	interval time.Duration
}

// New constructs a Refresher with the default interval.
func New(store metamcp.Store, servers *pool.ServerPool, agg *aggregator.Aggregator) *Refresher {
	return &Refresher{store: store, servers: servers, agg: agg, interval: defaultInterval}
}

// WithInterval overrides the poll cadence, for tests.
func (r *Refresher) WithInterval(d time.Duration) *Refresher {
	r.interval = d
	return r
}

// Start launches the periodic refresh loop in the background until ctx is
// canceled.
func (r *Refresher) Start(ctx context.Context) {
	safego.Go(ctx, "refresher.loop", func(ctx context.Context) error {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.RefreshAll(ctx)
			}
		}
	})
}

// RefreshAll refreshes every namespace known to namespaceUUIDs once,
// logging but not aborting on a single namespace's failure.
func (r *Refresher) RefreshAll(ctx context.Context, namespaceUUIDs ...uuid.UUID) {
	for _, nsUUID := range namespaceUUIDs {
		if err := r.RefreshNamespace(ctx, nsUUID); err != nil {
			logger.Warnf("refresher: namespace %s: %v", nsUUID, err)
		}
	}
}

// RefreshNamespace lists tools from every ACTIVE member server of
// namespaceUUID and reconciles them via the aggregator.
func (r *Refresher) RefreshNamespace(ctx context.Context, namespaceUUID uuid.UUID) error {
	memberships, err := r.store.ListNamespaceServers(ctx, namespaceUUID)
	if err != nil {
		return err
	}

	var seen []aggregator.SeenTool
	for _, m := range memberships {
		if m.Status != metamcp.StatusActive {
			continue
		}
		srv, err := r.store.GetServer(ctx, m.ServerUUID)
		if err != nil || srv == nil {
			logger.Warnf("refresher: server %s missing for namespace %s", m.ServerUUID, namespaceUUID)
			continue
		}

		client, err := r.servers.Acquire(ctx, srv, namespaceUUID)
		if err != nil {
			logger.Warnf("refresher: acquire %s: %v", srv.Name, err)
			continue
		}
		tools, err := client.ListTools(ctx)
		r.servers.Release(srv.UUID, namespaceUUID)
		if err != nil {
			logger.Warnf("refresher: list tools on %s: %v", srv.Name, err)
			continue
		}

		for _, t := range tools {
			seen = append(seen, aggregator.SeenTool{
				Name:        srv.Name + "__" + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	_, err = r.agg.RefreshTools(ctx, namespaceUUID, seen)
	return err
}
