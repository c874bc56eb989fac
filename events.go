// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import "sync"

const (
	// TopicTasksUpdated fires after every committed store mutation.
	TopicTasksUpdated = "tasks_updated"
	// TopicRequestReceived fires after every accepted task submission.
	TopicRequestReceived = "request_received"
)

// EventHandler consumes a single event payload.
type EventHandler func(payload interface{})

// EventBus decouples change notification from the components reacting
// to it. Delivery is best-effort, at-least-once: every handler runs
// independently, and a failing handler never blocks the others.
type EventBus interface {
	Publish(topic string, payload interface{})
	Subscribe(topic string, handler EventHandler)
}

// eventBus is the default EventBus implementation.
type eventBus struct {
	logger Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventBus creates an EventBus. A nil logger falls back to the
// standard log package.
func NewEventBus(logger Logger) EventBus {
	if logger == nil {
		logger = stdLogger{}
	}
	return &eventBus{
		logger:   logger,
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe registers a handler for a topic.
func (b *eventBus) Subscribe(topic string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish delivers the payload to every handler registered for the
// topic. Handlers run on the caller's goroutine, one after another,
// but a panicking handler is recovered and logged so that the
// remaining handlers still run.
func (b *eventBus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(topic, h, payload)
	}
}

func (b *eventBus) dispatch(topic string, h EventHandler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("fetchd: event handler for %s panicked: %v", topic, r)
		}
	}()
	h(payload)
}
