package listener

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many listener callbacks may run concurrently, so a
// slow or misbehaving host implementation (e.g. a fetchAsset handler
// doing disk I/O) can't unbounded-fan-out goroutines per request.
// Grounded on internal/rtmp/server/hooks.executionPool's buffered-channel
// worker-slot semaphore, reimplemented with golang.org/x/sync/semaphore's
// weighted semaphore since that dependency is already wired into this
// module for the bounded worker pool concern described in the expanded
// spec's domain stack.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewPool creates a Pool allowing up to concurrency simultaneous
// dispatched calls. concurrency <= 0 defaults to 10, matching the
// teacher's executionPool default.
func NewPool(concurrency int64, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{sem: semaphore.NewWeighted(concurrency), logger: logger}
}

// Dispatch runs fn in its own goroutine once a slot is available,
// blocking the caller only long enough to acquire that slot (or until
// ctx is cancelled). It does not wait for fn to finish.
func (p *Pool) Dispatch(ctx context.Context, label string, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		start := time.Now()
		fn()
		p.logger.Debug("listener callback finished", "label", label, "duration_ms", time.Since(start).Milliseconds())
	}()
	return nil
}
