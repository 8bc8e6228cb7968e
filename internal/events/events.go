package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventConnectivityRestored = "connectivity_restored"
	EventSessionExpired       = "session_expired"
	EventSyncCompleted        = "sync_completed"
	EventSyncFailed           = "sync_failed"
	EventUpdateEnqueued       = "update_enqueued"
)

// SyncResultPayload summarizes one drain cycle for event consumers.
type SyncResultPayload struct {
	Applied   int    `json:"applied"`
	Discarded int    `json:"discarded"`
	Failed    int    `json:"failed"`
	Status    string `json:"status"`
}

// UpdatePayload identifies a single queued update in event notifications.
type UpdatePayload struct {
	UpdateID      string `json:"update_id"`
	ComponentID   string `json:"component_id"`
	MilestoneName string `json:"milestone_name"`
	UserID        string `json:"user_id"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events. The UI layer subscribes
// to render pending/error badges and the re-login prompt; the engine and
// the network monitor publish.
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

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
