// Package events provides the change-notification bus. Every mutating
// composite operation publishes a structured event here; delivery is
// fire-and-forget and never fails the operation that triggered it.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unidrive/unidrive/internal/metrics"
)

// Topics published by the composite layer.
const (
	TopicFileCreate   = "file.create"
	TopicFileUpdate   = "file.update"
	TopicFileDelete   = "file.delete"
	TopicFolderCreate = "folder.create"
	TopicFolderUpdate = "folder.update"
	TopicFolderDelete = "folder.delete"
)

// Event describes one change to the federated store. SourceID and
// TargetID are global identifiers; TargetID is only set for moves and
// copies that produced a new object.
type Event struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher is what the composite layer depends on. Implementations must
// not block and must not return errors to the caller.
type Publisher interface {
	Publish(event Event)
}

// Broadcaster fans events out to subscribers (SSE handlers, audit log).
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordEventPublished(event.Topic)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
