// Package relay fans agent events (status changes, deferred fetches, tab
// lifecycle) out to Server-Sent Events subscribers.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Event topics.
const (
	TopicStatus = "status"
	TopicFetch  = "fetch"
	TopicTab    = "tab"
)

// Event is a single event sent via SSE.
type Event struct {
	Topic   string
	Tab     string
	Payload string
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	dropped     atomic.Int64
}

// NewBroker creates a new SSE event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. The channel is buffered; slow consumers
// have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishJSON encodes v and publishes it under topic. A nil Broker is a no-op.
func (b *Broker) PublishJSON(topic, tab string, v any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to encode relay event", "topic", topic, "error", err)
		return
	}
	b.Publish(Event{Topic: topic, Tab: tab, Payload: string(data)})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
