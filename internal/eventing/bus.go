package eventing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// EventHandler handles a published event.
type EventHandler func(ctx context.Context, event any) error

// EventBus delivers events to subscribed handlers.
type EventBus interface {
	Publish(ctx context.Context, event any) error
	Subscribe(eventType, subscription string, handler EventHandler)
}

// Publisher is the minimal publish interface consumed by services.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// FailureSink receives handler failures so they can be surfaced as
// component failures instead of silently breaking delivery.
type FailureSink func(ctx context.Context, subscription string, event any, err error)

// ErrNilEvent is returned when a nil event is published.
var ErrNilEvent = errors.New("eventing: nil event")

// ErrInvalidEventType is returned when the event type cannot be determined.
var ErrInvalidEventType = errors.New("eventing: invalid event type")

type subscriber struct {
	name    string
	handler EventHandler
}

// InMemoryBus is an in-process event bus. Delivery is synchronous and in
// subscription order; a failing or panicking handler never stops delivery
// to the remaining handlers.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscriber
	onError  FailureSink
}

// BusOption customizes the bus.
type BusOption func(*InMemoryBus)

// WithFailureSink routes handler failures to sink.
func WithFailureSink(sink FailureSink) BusOption {
	return func(b *InMemoryBus) {
		b.onError = sink
	}
}

// NewInMemoryBus constructs a new in-memory bus.
func NewInMemoryBus(opts ...BusOption) *InMemoryBus {
	bus := &InMemoryBus{handlers: make(map[string][]subscriber)}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// SetFailureSink installs the failure sink after construction. The sink
// typically publishes back into the bus, so it cannot always exist before
// the bus does.
func (b *InMemoryBus) SetFailureSink(sink FailureSink) {
	b.mu.Lock()
	b.onError = sink
	b.mu.Unlock()
}

// Publish dispatches an event to all handlers of its type. Handler errors
// and panics are isolated: they are handed to the failure sink and delivery
// continues. Publish itself only fails on unusable input.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return ErrNilEvent
	}
	eventType := EventType(event)
	if eventType == "" {
		return ErrInvalidEventType
	}

	b.mu.RLock()
	subscribers := append([]subscriber(nil), b.handlers[eventType]...)
	sink := b.onError
	b.mu.RUnlock()

	for _, sub := range subscribers {
		if err := invoke(ctx, sub.handler, event); err != nil {
			if sink != nil {
				sink(ctx, sub.name, event, err)
			}
		}
	}
	return nil
}

// Subscribe registers a named handler for an event type. Handlers are
// invoked in registration order.
func (b *InMemoryBus) Subscribe(eventType, subscription string, handler EventHandler) {
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], subscriber{name: subscription, handler: handler})
	b.mu.Unlock()
}

func invoke(ctx context.Context, handler EventHandler, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventing: handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// EventType returns the fully-qualified type name for an event instance.
func EventType(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// EventTypeOf returns the fully-qualified type name for a type parameter.
func EventTypeOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// On subscribes a typed handler, unwrapping the event payload.
func On[T any](bus EventBus, subscription string, handler func(ctx context.Context, event T) error) {
	bus.Subscribe(EventTypeOf[T](), subscription, func(ctx context.Context, event any) error {
		evt, ok := event.(T)
		if !ok {
			return ErrInvalidEventType
		}
		return handler(ctx, evt)
	})
}
