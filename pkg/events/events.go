package events

import (
	"sync"
	"time"

	"github.com/hutchlabs/hutch/pkg/types"
)

// Notification is the closed set of workspace lifecycle and health events.
// Subscribers switch on the concrete variant; there is no untyped payload.
type Notification interface {
	notification()
	When() time.Time
}

// Lifecycle carries the fields shared by all container lifecycle variants
type Lifecycle struct {
	ContainerID string
	TaskID      string
	Info        *types.ContainerRecord
	Timestamp   time.Time
	Success     bool
	Error       string
}

func (l Lifecycle) When() time.Time { return l.Timestamp }

// ContainerCreated is published after a create attempt, success or failure
type ContainerCreated struct{ Lifecycle }

// ContainerStarted is published after a start attempt
type ContainerStarted struct{ Lifecycle }

// ContainerStopped is published after a stop attempt
type ContainerStopped struct{ Lifecycle }

// ContainerRemoved is published after a remove attempt
type ContainerRemoved struct{ Lifecycle }

// ContainerDied is published when the runtime reports a container's main
// process exited unexpectedly
type ContainerDied struct {
	Lifecycle
	ExitCode  int
	Signal    string
	OOMKilled bool
}

// HealthChanged is published on every health status transition
type HealthChanged struct {
	ContainerID   string
	ContainerName string
	Status        types.HealthState
	Previous      types.HealthState
	FailingStreak int
	Timestamp     time.Time
}

func (h HealthChanged) When() time.Time { return h.Timestamp }

func (ContainerCreated) notification() {}
func (ContainerStarted) notification() {}
func (ContainerStopped) notification() {}
func (ContainerRemoved) notification() {}
func (ContainerDied) notification()    {}
func (HealthChanged) notification()    {}

// Subscriber is a channel that receives notifications
type Subscriber chan Notification

// Broker manages notification subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan Notification
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new notification broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan Notification, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
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

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes a notification to all subscribers
func (b *Broker) Publish(n Notification) {
	select {
	case b.eventCh <- n:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.eventCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- n:
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
