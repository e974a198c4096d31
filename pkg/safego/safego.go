// Package safego launches background goroutines that must never take down
// or block the request that triggered them (spec §5, §7 propagation rule:
// background tasks catch and log, they never fail the triggering request).
package safego

import (
	"context"
	"fmt"

	"github.com/stacklok/metamcp/pkg/logger"
)

// Go runs fn in a new goroutine. Panics and returned errors are logged
// under name and never propagate to the caller.
func Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "background task panicked", "task", name, "panic", fmt.Sprintf("%v", r))
			}
		}()
		if err := fn(ctx); err != nil {
			logger.ErrorContext(ctx, "background task failed", "task", name, "error", err)
		}
	}()
}
