// Package appctx provides context utilities for background operations whose
// lifetime must outlive the request that started them — a runner's turn loop
// continues after the HTTP handler that launched it returns.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context not tied to the parent's cancellation, bounded
// by timeout and cancelled early if stopCh fires. Used for session runtime
// goroutines that must keep running after the originating request context is
// cancelled, but still need to unwind on process shutdown.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
