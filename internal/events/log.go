package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the durable backing for the event log. Implemented by the
// persistence layer.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	// QueryEvents returns events newest-first, optionally filtered by
	// type and/or actor (zero values mean no filter).
	QueryEvents(ctx context.Context, typ Type, actor string) ([]Event, error)
}

// Handler is a subscriber callback. Handlers run synchronously inside
// Publish, after the event has been durably recorded. A handler error is
// logged and does not affect other handlers or the persisted event.
type Handler func(ctx context.Context, ev Event) error

// Log is a durable publish/subscribe event log. The persisted store is
// the source of truth; registered handlers are a best-effort live
// notification on top of it (a crash between persist and notify is
// possible, so consumers must be able to recover from the log alone).
type Log struct {
	store Store

	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewLog creates an event log over the given store.
func NewLog(store Store) *Log {
	return &Log{
		store:    store,
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for one event type. The same handler may
// be registered more than once; each registration fires independently.
func (l *Log) Subscribe(typ Type, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[typ] = append(l.handlers[typ], h)
}

// Publish durably records the event, then invokes every handler
// registered for its type in registration order. Returns the event ID
// once the event is persisted; handler failures never roll it back.
func (l *Log) Publish(ctx context.Context, typ Type, actor string, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Actor:     actor,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	// Durability before visibility: persist first, notify after.
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("appending event %s: %w", typ, err)
	}

	l.mu.RLock()
	handlers := append([]Handler(nil), l.handlers[typ]...)
	l.mu.RUnlock()

	for i, h := range handlers {
		l.invoke(ctx, i, h, ev)
	}

	return ev.ID, nil
}

// invoke runs one handler, containing both returned errors and panics so
// delivery continues to the remaining handlers.
func (l *Log) invoke(ctx context.Context, idx int, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler %d for %s panicked: %v", idx, ev.Type, r)
		}
	}()
	if err := h(ctx, ev); err != nil {
		log.Printf("ERROR: event handler %d for %s: %v", idx, ev.Type, err)
	}
}

// Query returns persisted events newest-first, optionally filtered by
// type and/or actor.
func (l *Log) Query(ctx context.Context, typ Type, actor string) ([]Event, error) {
	return l.store.QueryEvents(ctx, typ, actor)
}
