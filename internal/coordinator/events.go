package coordinator

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types
const (
	EventLightAdded   = "light_added"
	EventLightState   = "light_state"
	EventValueChanged = "value_changed"
)

// Event represents a coordinator event. Light events carry a LightSnapshot
// as Data, EventValueChanged a ValueEvent.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ValueEvent is a raw value report.
type ValueEvent struct {
	NodeID uint8  `json:"node_id"`
	Label  string `json:"label"`
	Data   any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events. Light events are emitted
// from the network loop, so handlers must not block and must not call back
// into the coordinator synchronously.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	logger *slog.Logger
}

// subscription matches one event type, or every event when eventType is "".
type subscription struct {
	eventType string
	handler   EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]subscription),
		logger: logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(subscription{eventType: eventType, handler: handler})
}

// OnAll registers a handler that receives every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(subscription{handler: handler})
}

func (eb *EventBus) subscribe(sub subscription) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.subs, id)
	}
}

// Emit calls every matching handler synchronously, in subscription order. A
// panicking handler is recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	ids := make([]uint64, 0, len(eb.subs))
	for id, sub := range eb.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = eb.subs[id].handler
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
