// Package events is an in-process pub/sub bus for ingestion side effects.
package events

import (
	"log/slog"
	"sync"
)

// Event types
const (
	Reading     = "reading"      // a reading was persisted
	Alert       = "alert"        // a device entered TRIGGERED
	Relay       = "relay"        // a control command was published
	Thresholds  = "thresholds"   // a new threshold version was stored
	Status      = "status"       // a device reported status
	SourceState = "source_state" // a broker connection went up or down
)

// Event is published on the Bus. Data keys are event specific; every
// device-scoped event carries "device_id" (int64) and "external_id".
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for ingestion events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger.With("component", "events"),
	}
}

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously; a panicking handler is recovered.
func (b *Bus) Emit(eventType string, data map[string]any) {
	event := Event{Type: eventType, Data: data}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.allHandlers))
	for _, h := range b.handlers[eventType] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", eventType, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
