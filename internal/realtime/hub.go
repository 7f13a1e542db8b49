package realtime

import (
	"sync"

	"go.uber.org/zap"
)

const defaultQueueSize = 32

// Subscription is one connection's membership in a room. Events arrive on a
// bounded queue; Dropped fires once if the hub evicts the subscription for
// falling behind.
type Subscription struct {
	roomID  string
	connID  string
	events  chan Event
	dropped chan struct{}
	once    sync.Once
}

// Events returns the subscription's outbound queue.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped is closed when the hub evicts this subscription.
func (s *Subscription) Dropped() <-chan struct{} {
	return s.dropped
}

// RoomID returns the room this subscription is joined to.
func (s *Subscription) RoomID() string {
	return s.roomID
}

func (s *Subscription) markDropped() {
	s.once.Do(func() { close(s.dropped) })
}

// HubConfig tunes the room hub.
type HubConfig struct {
	QueueSize int
	Logger    *zap.Logger
}

// Hub is the per-room fan-out broadcaster. Membership is a room-keyed map of
// connection ids; a connection appears in at most one room at a time, which
// the session handler guarantees through the connection registry.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*Subscription
	queueSize int
	logger    *zap.Logger
}

// NewHub constructs a room hub.
func NewHub(cfg HubConfig) *Hub {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:     make(map[string]map[string]*Subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Join adds the connection to the room's membership set and returns its
// subscription.
func (h *Hub) Join(roomID, connID string) *Subscription {
	subscription := &Subscription{
		roomID:  roomID,
		connID:  connID,
		events:  make(chan Event, h.queueSize),
		dropped: make(chan struct{}),
	}
	h.mu.Lock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Subscription)
		h.rooms[roomID] = members
	}
	members[connID] = subscription
	h.mu.Unlock()
	return subscription
}

// Leave removes the connection from the room. Leaving a room the connection
// never joined is a no-op so teardown can run unconditionally.
func (h *Hub) Leave(roomID, connID string) {
	h.mu.Lock()
	members := h.rooms[roomID]
	if members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
}

// Broadcast enqueues the event to every member of the room except exclude.
// Delivery is non-blocking: a member whose queue is full is evicted and its
// Dropped signal tripped, so one stalled consumer never delays its peers.
func (h *Hub) Broadcast(roomID string, event Event, exclude string) {
	h.mu.RLock()
	members := h.rooms[roomID]
	recipients := make([]*Subscription, 0, len(members))
	for connID, subscription := range members {
		if connID == exclude {
			continue
		}
		recipients = append(recipients, subscription)
	}
	h.mu.RUnlock()

	for _, subscription := range recipients {
		select {
		case subscription.events <- event:
		default:
			h.logger.Warn("evicting slow room subscriber",
				zap.String("room_id", roomID),
				zap.String("connection_id", subscription.connID))
			h.Leave(roomID, subscription.connID)
			subscription.markDropped()
		}
	}
}

// MemberCount reports how many connections are joined to the room.
func (h *Hub) MemberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
