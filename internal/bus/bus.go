// Package bus is a small in-process pub/sub bus used to fan out test
// execution lifecycle events to the gateway's subscribe stream.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Test execution lifecycle topics.
const (
	TopicTestEnqueued  = "test.enqueued"
	TopicTestClaimed   = "test.claimed"
	TopicTestRunning   = "test.running"
	TopicTestCompleted = "test.completed"
	TopicTestFailed    = "test.failed"
	TopicTestRequeued  = "test.requeued"
	TopicTestReaped    = "test.reaped"

	TopicWindowOverflow = "window.overflow"
)

// TestEvent is the payload published for every execution lifecycle topic.
type TestEvent struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Method      string `json:"execution_method,omitempty"`
}

// OverflowEvent is published when a conversation spills to cold storage.
type OverflowEvent struct {
	ConversationID string `json:"conversation_id"`
	BlobRef        string `json:"blob_ref"`
	TrimmedTo      int    `json:"trimmed_to"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a prefix-matched pub/sub bus. Delivery is non-blocking; slow
// subscribers miss events rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events whose topic starts with
// topicPrefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
