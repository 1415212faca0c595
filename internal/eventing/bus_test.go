package eventing

import (
	"context"
	"errors"
	"testing"
)

type orderEvent struct {
	Seq int
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewInMemoryBus()
	var order []string
	bus.Subscribe(EventTypeOf[orderEvent](), "first", func(context.Context, any) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe(EventTypeOf[orderEvent](), "second", func(context.Context, any) error {
		order = append(order, "second")
		return nil
	})

	if err := bus.Publish(context.Background(), orderEvent{Seq: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestPublishIsolatesFailingHandler(t *testing.T) {
	var failures []string
	bus := NewInMemoryBus(WithFailureSink(func(_ context.Context, subscription string, _ any, _ error) {
		failures = append(failures, subscription)
	}))

	delivered := false
	bus.Subscribe(EventTypeOf[orderEvent](), "broken", func(context.Context, any) error {
		return errors.New("boom")
	})
	bus.Subscribe(EventTypeOf[orderEvent](), "panicky", func(context.Context, any) error {
		panic("kaboom")
	})
	bus.Subscribe(EventTypeOf[orderEvent](), "healthy", func(context.Context, any) error {
		delivered = true
		return nil
	})

	if err := bus.Publish(context.Background(), orderEvent{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !delivered {
		t.Fatal("healthy handler not reached after failures")
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 sink calls, got %d (%v)", len(failures), failures)
	}
	if failures[0] != "broken" || failures[1] != "panicky" {
		t.Fatalf("unexpected sink subscriptions: %v", failures)
	}
}

func TestPublishRejectsNilEvent(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}

func TestOnUnwrapsTypedEvents(t *testing.T) {
	bus := NewInMemoryBus()
	var got orderEvent
	On(bus, "typed", func(_ context.Context, evt orderEvent) error {
		got = evt
		return nil
	})

	if err := bus.Publish(context.Background(), orderEvent{Seq: 42}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.Seq != 42 {
		t.Fatalf("typed handler got %+v", got)
	}
}

func TestBuildEnvelopeUsesOccurredAt(t *testing.T) {
	env, err := BuildEnvelope(orderEvent{Seq: 7})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if env.EventID == "" {
		t.Fatal("empty event id")
	}
	if env.EventType != EventTypeOf[orderEvent]() {
		t.Fatalf("unexpected event type %s", env.EventType)
	}
}
