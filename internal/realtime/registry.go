package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnknownConnection indicates the connection id was never registered
	// or has already been deregistered.
	ErrUnknownConnection = errors.New("realtime: unknown connection")
	// ErrAlreadyAttached indicates the connection is already bound to a
	// different room; this design allows one room per connection.
	ErrAlreadyAttached = errors.New("realtime: connection already attached to a room")
	// ErrDuplicateConnection indicates the connection id is already live.
	ErrDuplicateConnection = errors.New("realtime: connection id already registered")
)

// OnlineStatusStore receives durable online-flag writes on presence edges.
type OnlineStatusStore interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

type connection struct {
	userID      string
	roomID      string
	connectedAt time.Time
}

// RegistryConfig describes registry dependencies.
type RegistryConfig struct {
	OnlineStatus OnlineStatusStore
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Registry is the in-process source of truth for live connections. It keeps
// a per-user live-connection count so the durable online flag flips only on
// the first connect and the last disconnect, never in between. Two tabs
// from one user cannot flap presence.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*connection
	online map[string]int

	status OnlineStatusStore
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs a connection registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]*connection),
		online: make(map[string]int),
		status: cfg.OnlineStatus,
		clock:  clock,
		logger: logger,
	}
}

// Register records a new live connection for the user. The returned flag is
// true when this is the user's first live connection, meaning peers should
// be told the user came online.
func (r *Registry) Register(ctx context.Context, connID, userID string) (bool, error) {
	r.mu.Lock()
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return false, ErrDuplicateConnection
	}
	r.conns[connID] = &connection{userID: userID, connectedAt: r.clock()}
	r.online[userID]++
	wentOnline := r.online[userID] == 1
	r.mu.Unlock()

	if wentOnline {
		r.writeOnlineFlag(ctx, userID, true)
	}
	return wentOnline, nil
}

// AttachRoom binds the connection to a room. A second attach to a different
// room is a protocol violation.
func (r *Registry) AttachRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.roomID != "" && conn.roomID != roomID {
		return ErrAlreadyAttached
	}
	conn.roomID = roomID
	return nil
}

// Deregister removes the connection, detaching it from its room and
// decrementing the user's live count. It returns the previously attached
// room (empty when none) and whether the user's last connection just closed.
// Deregistering an unknown connection is a no-op so teardown never fails.
func (r *Registry) Deregister(ctx context.Context, connID string) (string, bool) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.conns, connID)
	r.online[conn.userID]--
	wentOffline := r.online[conn.userID] <= 0
	if wentOffline {
		delete(r.online, conn.userID)
	}
	r.mu.Unlock()

	if wentOffline {
		r.writeOnlineFlag(ctx, conn.userID, false)
	}
	return conn.roomID, wentOffline
}

// LiveConnections reports the user's current live-connection count.
func (r *Registry) LiveConnections(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

// The durable flag is best effort; a failed write must not block presence
// transitions or connection teardown.
func (r *Registry) writeOnlineFlag(ctx context.Context, userID string, online bool) {
	if r.status == nil {
		return
	}
	if err := r.status.SetOnline(ctx, userID, online); err != nil {
		r.logger.Warn("online flag write failed",
			zap.String("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err))
	}
}
