package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler handles a published event.
type Handler func(context.Context, Event) error

// Bus is a synchronous in-process publish/subscribe fan-out. It is owned by
// the composition root and handed to components by reference; handlers for a
// type run in registration order within one Publish call.
type Bus struct {
	mu       sync.RWMutex
	log      *logrus.Logger
	handlers map[Type][]Handler
}

// NewBus creates an empty bus.
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		log:      logger,
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for the given event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish synchronously invokes the handlers registered for the event's type.
// A missing ID or timestamp is filled in. Handler errors are logged and do
// not stop delivery to later handlers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := append([]Handler{}, b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.log.WithFields(logrus.Fields{
				"event_id":        event.ID,
				"event_type":      event.Type,
				"conversation_id": event.ConversationID,
			}).Errorf("event handler failed: %v", err)
		}
	}
}
