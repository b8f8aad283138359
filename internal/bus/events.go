package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is an internal notification about relay activity. The journal and
// metrics subscribe to these; nothing on the relay path depends on them.
type Event struct {
	Type           string
	AccountID      string
	Conversant     string
	NotificationID string
	Detail         string
	Latency        time.Duration
	Timestamp      time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe system with a bounded replay
// history. Handlers run synchronously and a panicking handler is isolated.
type EventBus struct {
	handlers   map[string][]namedHandler
	nextID     int
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus keeping the last 1000 events.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for an event type, "*" for all. Returns an id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all matching handlers in registration order.
// A nil EventBus drops the event.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events of a type ("*" for all) since a time.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Relay event types.
const (
	EventInboundForwarded = "inbound.forwarded"
	EventForwardFailed    = "inbound.forward_failed"
	EventScanFailed       = "scan.failed"
	EventReplyQueued      = "reply.queued"
	EventReplyMissed      = "reply.missed"
	EventDispatchSent     = "dispatch.sent"
	EventDispatchFailed   = "dispatch.failed"
	EventSnapshotFailed   = "snapshot.failed"
	EventSnapshotWritten  = "snapshot.written"
)
