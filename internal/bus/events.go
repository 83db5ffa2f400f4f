package bus

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Event types emitted by the handler.
const (
	EventDeliveryCompleted = "delivery.completed" // Payload: bot.Delivery
	EventDeliveryFailed    = "delivery.failed"    // Payload: bot.Delivery
	EventLLMExchange       = "llm.exchange"       // Payload: *provider.Exchange
	EventLLMFailed         = "llm.failed"         // Payload: *provider.Exchange, Err set
	EventKeywordsReloaded  = "keywords.reloaded"  // Payload: int (entries)
)

const defaultHistory = 500

// Event is something that happened while serving a chat.
type Event struct {
	Type      string
	Channel   string
	ChatID    string
	Payload   any
	Err       error
	Timestamp time.Time
}

type EventHandler func(Event)

// EventBus fans delivery and LLM outcomes out to the store and metrics.
// Handlers run synchronously on the emitting goroutine; "*" matches every
// type. The last few hundred events are kept for the admin server.
type EventBus struct {
	mu      sync.RWMutex
	byType  map[string][]EventHandler
	history []Event // ring, oldest at next once full
	next    int
	full    bool
	logger  *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(defaultHistory, logger)
}

func newEventBus(size int, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		byType:  make(map[string][]EventHandler),
		history: make([]Event, size),
		logger:  logger,
	}
}

// On subscribes handler to eventType. Subscriptions live as long as the bus.
func (eb *EventBus) On(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.byType[eventType] = append(eb.byType[eventType], handler)
}

// Emit records event and runs the handlers for its type, then the
// wildcard handlers. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.history[eb.next] = event
	eb.next = (eb.next + 1) % len(eb.history)
	if eb.next == 0 {
		eb.full = true
	}
	run := slices.Concat(eb.byType[event.Type], eb.byType["*"])
	eb.mu.Unlock()

	for i, h := range run {
		eb.dispatch(event, i, h)
	}
}

func (eb *EventBus) dispatch(event Event, idx int, h EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", idx, "panic", r)
		}
	}()
	h(event)
}

// Since returns the remembered events at or after t, oldest first. With
// types given only those types are returned.
func (eb *EventBus) Since(t time.Time, types ...string) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var ordered []Event
	if eb.full {
		ordered = slices.Concat(eb.history[eb.next:], eb.history[:eb.next])
	} else {
		ordered = eb.history[:eb.next]
	}

	var out []Event
	for _, e := range ordered {
		if e.Timestamp.Before(t) {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, e.Type) {
			continue
		}
		out = append(out, e)
	}
	return out
}
