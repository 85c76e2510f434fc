// Package events dispatches order lifecycle events to in-process subscribers
// and to an out-of-process broker.
//
// Dispatch is a static table keyed by event kind. Delivery to the broker is at
// least once, so every consumer deduplicates on the event id.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

// Handler receives one event.
type Handler func(ctx context.Context, e order.Event) error

// Registry maps each event kind to its subscribers in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[order.EventKind][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[order.EventKind][]Handler)}
}

// Register appends h to the subscribers of kind.
func (r *Registry) Register(kind order.EventKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
}

// Subscribe registers a handler typed on the concrete event. The kind comes
// from the zero value of E.
func Subscribe[E order.Event](r *Registry, fn func(ctx context.Context, e E) error) {
	var zero E
	kind := zero.Kind()
	r.Register(kind, func(ctx context.Context, e order.Event) error {
		typed, ok := e.(E)
		if !ok {
			return fmt.Errorf("handler for %s got %T", kind, e)
		}
		return fn(ctx, typed)
	})
}

func (r *Registry) Handlers(kind order.EventKind) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers[kind]...)
}

// Dispatch runs every handler for the event's kind. A failing handler does not
// stop the ones after it; all failures are returned joined.
func (r *Registry) Dispatch(ctx context.Context, e order.Event) error {
	var errs []error
	for _, h := range r.Handlers(e.Kind()) {
		if err := h(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", e.Kind(), err))
		}
	}
	return errors.Join(errs...)
}
