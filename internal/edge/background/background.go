// Package background tracks fire-and-forget work (cache writes, usage
// records, poison deletes) so graceful shutdown can wait for it instead of
// killing half-written cache entries.
package background

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry tracks in-flight background tasks.
type Registry struct {
	wg      sync.WaitGroup
	pending atomic.Int64
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// Go runs fn on its own goroutine and tracks it until completion. A panic
// in a background task is logged and swallowed; it must never take down
// the serving process.
func (r *Registry) Go(name string, fn func()) {
	r.wg.Add(1)
	r.pending.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.pending.Add(-1)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Background task panicked",
					zap.String("task", name),
					zap.Any("panic", rec))
			}
		}()
		fn()
	}()
}

// Pending returns the number of tasks currently in flight.
func (r *Registry) Pending() int64 {
	return r.pending.Load()
}

// Wait blocks until all tracked tasks finish or ctx expires. It returns
// ctx.Err() when the deadline cut the drain short.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("Shutdown drain timed out with background tasks pending",
			zap.Int64("pending", r.Pending()))
		return ctx.Err()
	}
}
