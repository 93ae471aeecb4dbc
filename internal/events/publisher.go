// internal/events/publisher.go
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

// Handler consumes one event. A returned error asks for redelivery.
type Handler func(ctx context.Context, event Event) error

// Subscriber registers handlers for event types. The type "*" matches all.
type Subscriber interface {
	Subscribe(eventType string, handler Handler)
}

// LocalBus delivers events in process. It is used when no NATS server is
// configured and in tests.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string][]Handler)}
}

func (b *LocalBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish runs every matching handler and joins their errors.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := append([]Handler{}, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("handler for %s: %w", event.Type, err))
		}
	}
	return errors.Join(errs...)
}

func (b *LocalBus) Close() {}
