package events

import (
	"encoding/json"
	"sync"
	"time"

	"fintrack/internal/models"
)

const (
	// EventSyncOfflineData announces that the outbox has been fully drained.
	EventSyncOfflineData = models.EventSyncOfflineData
	// EventOperationQueued announces that a write was accepted offline.
	EventOperationQueued = "OPERATION_QUEUED"
)

// SyncPayload accompanies EventSyncOfflineData.
type SyncPayload struct {
	Applied   int `json:"applied"`
	Dropped   int `json:"dropped"`
	Abandoned int `json:"abandoned"`
}

// QueuedPayload accompanies EventOperationQueued.
type QueuedPayload struct {
	OperationID string `json:"operation_id"`
	Kind        string `json:"kind"`
	Table       string `json:"table"`
	RecordID    string `json:"record_id,omitempty"`
}

// Event represents a lightweight notification.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		raw = data
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
