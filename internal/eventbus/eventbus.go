// Package eventbus provides a small in-process publish/subscribe mechanism
// used for lifecycle hooks (package status transitions, daemon init).
// Listener panics and errors are recovered, logged, and never propagate to
// the publisher.
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Well-known event names used by the core.
const (
	MasterInitPre               = "MASTER.INIT.PRE"
	MasterInitPost               = "MASTER.INIT.POST"
	PackageStatusUpdatePre       = "MASTER.PACKAGE_STATUS_UPDATE.PRE"
	PackageStatusUpdatePost      = "MASTER.PACKAGE_STATUS_UPDATE.POST"
)

// Listener is a callback invoked when an event fires. ctx carries no
// deadline by default; dispatch may apply one via WithTimeout callers.
type Listener func(ctx context.Context, event string, payload any)

// defaultMaxWorkers bounds how many listeners may run concurrently across
// the whole bus, so a burst of events cannot spawn unbounded goroutines.
const defaultMaxWorkers = 20

// Bus is a named-event publish/subscribe dispatcher. The zero value is not
// usable — create instances with New.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	sem       *semaphore.Weighted
	logger    *zap.Logger
}

// New creates a Bus with a bounded worker pool of the given size.
// Pass 0 to use the default (20, matching the source's thread pool size).
func New(maxWorkers int, logger *zap.Logger) *Bus {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	return &Bus{
		listeners: make(map[string][]Listener),
		sem:       semaphore.NewWeighted(int64(maxWorkers)),
		logger:    logger.Named("eventbus"),
	}
}

// On registers a listener for the given event name. Safe for concurrent use.
func (b *Bus) On(event string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], l)
}

// Post fires an event asynchronously: listeners run on the bounded worker
// pool and Post returns without waiting for them.
func (b *Bus) Post(ctx context.Context, event string, payload any) {
	b.dispatch(ctx, event, payload, false)
}

// PostSync fires an event and waits for every listener to return before
// returning itself. Used for init PRE hooks that must complete before
// startup continues.
func (b *Bus) PostSync(ctx context.Context, event string, payload any) {
	b.dispatch(ctx, event, payload, true)
}

func (b *Bus) dispatch(ctx context.Context, event string, payload any, wait bool) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[event]...)
	b.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			if err := b.sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer b.sem.Release(1)
			b.runListener(gctx, event, payload, l)
			return nil
		})
	}

	if wait {
		_ = g.Wait()
	}
}

// runListener invokes a single listener, recovering any panic and logging
// it so it never escapes to the publisher.
func (b *Bus) runListener(ctx context.Context, event string, payload any, l Listener) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("event", event),
				zap.Any("recover", r),
			)
		}
	}()
	l(ctx, event, payload)
}
