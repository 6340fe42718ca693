// Package eventbus is an in-process publish/subscribe bus used for
// choreographed workflows.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler reacts to an event.
type Handler func(ctx context.Context, event string, data map[string]any) error

type subscription struct {
	handler Handler
	async   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus dispatches events to registered handlers. It is safe for concurrent
// use, and handlers may register further handlers or emit events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	logger *slog.Logger
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a handler that runs synchronously, in registration order.
func (b *Bus) On(event string, h Handler) {
	b.add(event, subscription{handler: h})
}

// OnAsync registers a handler that runs concurrently with the other async
// handlers of the same event.
func (b *Bus) OnAsync(event string, h Handler) {
	b.add(event, subscription{handler: h, async: true})
}

func (b *Bus) add(event string, s subscription) {
	if s.handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], s)
}

// Off removes every handler of event.
func (b *Bus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, event)
}

// Handlers returns the number of handlers registered for event.
func (b *Bus) Handlers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Emit delivers data to the handlers of event. Synchronous handlers run
// first in registration order, then every async handler runs concurrently
// and Emit waits for all of them. A failing or panicking handler does not
// stop the others; failures are logged and returned.
func (b *Bus) Emit(ctx context.Context, event string, data map[string]any) []error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		b.logger.Warn("event handler failed", "event", event, "error", err)
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var async []Handler
	for _, s := range subs {
		if s.async {
			async = append(async, s.handler)
			continue
		}
		collect(b.call(ctx, s.handler, event, data))
	}

	var wg sync.WaitGroup
	for _, h := range async {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			collect(b.call(ctx, h, event, data))
		}(h)
	}
	wg.Wait()

	return errs
}

func (b *Bus) call(ctx context.Context, h Handler, event string, data map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event, r)
		}
	}()
	return h(ctx, event, data)
}
