package realtime

import (
	"context"
	"sync"
)

// Notifier fans per-user events out to every live connection a user holds,
// independent of any room. Used for out-of-room notifications such as friend
// requests; a user with three open tabs receives a notification three times.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*notifierSubscriber
	nextID      int64
	bufferSize  int
}

type notifierSubscriber struct {
	id     int64
	stream chan Event
}

// NewNotifier constructs a presence notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]*notifierSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a per-user delivery stream. The subscription is torn
// down when the context is cancelled or the returned cleanup runs.
func (n *Notifier) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	if userID == "" {
		stream := make(chan Event)
		close(stream)
		return stream, func() {}
	}
	subscriber := &notifierSubscriber{
		id:     n.nextSequence(),
		stream: make(chan Event, n.bufferSize),
	}
	n.registerSubscriber(userID, subscriber)
	cleanup := func() {
		n.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every live stream of the user. Delivery is
// non-blocking; a full stream drops this event rather than stalling the
// publisher.
func (n *Notifier) Publish(userID string, event Event) {
	if userID == "" || event == nil {
		return
	}
	n.mu.RLock()
	subscribers := n.subscribers[userID]
	if len(subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*notifierSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	n.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports how many live streams the user currently holds.
func (n *Notifier) Subscribers(userID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[userID])
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) registerSubscriber(userID string, subscriber *notifierSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[userID]; !ok {
		n.subscribers[userID] = make(map[int64]*notifierSubscriber)
	}
	n.subscribers[userID][subscriber.id] = subscriber
}

func (n *Notifier) unregisterSubscriber(userID string, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, userID)
		}
	}
	n.mu.Unlock()
}
