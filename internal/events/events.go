// Package events fans out cache invalidation notices.
//
// The orchestrator publishes an event after every successful computer
// mutation; caching layers subscribe and drop whatever they keep for the
// event's scope. Delivery is best effort: a subscriber whose buffer is full
// misses the event.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what changed.
type EventType string

const (
	EventComputerMutated     EventType = "computer.mutated"
	EventComputerDeleted     EventType = "computer.deleted"
	EventPlaceholderUpserted EventType = "placeholder.upserted"
	EventPlaceholderCanceled EventType = "placeholder.canceled"
)

// Event is a single invalidation notice.
type Event struct {
	ID        string
	Type      EventType
	Scope     string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// ComputerScope is the invalidation scope for one computer.
func ComputerScope(id int) string {
	return fmt.Sprintf("computer:%d", id)
}

// Subscriber receives events.
type Subscriber chan *Event

const (
	brokerBuffer     = 100
	subscriberBuffer = 50
)

// Broker buffers published events and broadcasts them to subscribers.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, brokerBuffer),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start runs the broadcast loop in a goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop ends the broadcast loop. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new buffered subscriber.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes sub and closes it.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues event for broadcast, filling ID and Timestamp when unset.
// It returns without delivering once the broker is stopped.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
