package events

import (
	"sync"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventSandboxCreated    EventType = "sandbox.created"
	EventSandboxReady      EventType = "sandbox.ready"
	EventSandboxRunning    EventType = "sandbox.running"
	EventSandboxDestroyed  EventType = "sandbox.destroyed"
	EventSandboxFailed     EventType = "sandbox.failed"
	EventSandboxExpired    EventType = "sandbox.expired"
	EventSandboxReconciled EventType = "sandbox.reconciled"
)

// Event records one sandbox lifecycle transition
type Event struct {
	Type      EventType
	SandboxID string
	UserID    string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent builds an event from a sandbox record
func NewEvent(t EventType, sb *types.Sandbox, message string) *Event {
	return &Event{
		Type:      t,
		SandboxID: sb.ID,
		UserID:    sb.UserID,
		Message:   message,
		Metadata: map[string]string{
			"status": string(sb.Status),
		},
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LogSink subscribes to the broker and logs every event at DEBUG until
// the returned stop function is called.
func LogSink(b *Broker) (stop func()) {
	sub := b.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		logger := log.WithComponent("events")
		for event := range sub {
			logger.Debug().
				Str("type", string(event.Type)).
				Str("sandbox_id", event.SandboxID).
				Str("user_id", event.UserID).
				Str("message", event.Message).
				Msg("Sandbox event")
		}
	}()

	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}
