package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"feedchat/internal/domain"
)

// Event is a chat state change observed by surfaces (console, journal).
type Event struct {
	Type         string          // e.g. "chat.message.appended", "chat.status"
	Conversation string          // conversation (recipient) id
	Message      *domain.Message // set for message events
	Status       string          // set for status events
	Err          error           // set for failures
	Timestamp    time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus.
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	logger   *slog.Logger
	nextID   int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
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

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in order; a panicking handler is logged
// and does not affect the others or the caller.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

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

// --- Well-known event types ---
const (
	EventStatus            = "chat.status"
	EventMessageAppended   = "chat.message.appended"
	EventMessageConfirmed  = "chat.message.confirmed"
	EventMessageFailed     = "chat.message.failed"
	EventFrameMalformed    = "chat.frame.malformed"
	EventConnectionFailed  = "chat.connection.failed"
	EventConversationBound = "chat.conversation.bound"
)
