package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeOnlineStore struct {
	mu     sync.Mutex
	writes []bool
}

func (f *fakeOnlineStore) SetOnline(_ context.Context, _ string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, online)
	return nil
}

func (f *fakeOnlineStore) recorded() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.writes...)
}

func TestRegistryOnlineFlagFlipsOnlyOnEdges(t *testing.T) {
	store := &fakeOnlineStore{}
	registry := NewRegistry(RegistryConfig{OnlineStatus: store})
	ctx := context.Background()

	wentOnline, err := registry.Register(ctx, "conn-1", "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wentOnline {
		t.Fatal("expected first connection to bring the user online")
	}

	wentOnline, err = registry.Register(ctx, "conn-2", "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wentOnline {
		t.Fatal("second device must not re-announce online")
	}

	if _, wentOffline := registry.Deregister(ctx, "conn-1"); wentOffline {
		t.Fatal("user still has a live connection; must not go offline")
	}
	if _, wentOffline := registry.Deregister(ctx, "conn-2"); !wentOffline {
		t.Fatal("expected offline transition after the last disconnect")
	}

	writes := store.recorded()
	if len(writes) != 2 || writes[0] != true || writes[1] != false {
		t.Fatalf("expected exactly [online, offline] durable writes, got %v", writes)
	}
}

func TestRegistryRejectsDuplicateConnectionID(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	if _, err := registry.Register(ctx, "conn-1", "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := registry.Register(ctx, "conn-1", "user-b"); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected duplicate connection rejection, got %v", err)
	}
}

func TestRegistryAttachRoomOncePerConnection(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	if _, err := registry.Register(ctx, "conn-1", "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.AttachRoom("conn-1", "room-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Re-attaching the same room is tolerated.
	if err := registry.AttachRoom("conn-1", "room-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.AttachRoom("conn-1", "room-2"); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected already-attached rejection, got %v", err)
	}
	if err := registry.AttachRoom("conn-ghost", "room-1"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected unknown connection rejection, got %v", err)
	}
}

func TestRegistryDeregisterReturnsAttachedRoom(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	if _, err := registry.Register(ctx, "conn-1", "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.AttachRoom("conn-1", "room-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	roomID, wentOffline := registry.Deregister(ctx, "conn-1")
	if roomID != "room-1" {
		t.Fatalf("expected previous room room-1, got %q", roomID)
	}
	if !wentOffline {
		t.Fatal("expected offline transition for the only connection")
	}

	// Teardown paths may deregister twice; the second call is a no-op.
	roomID, wentOffline = registry.Deregister(ctx, "conn-1")
	if roomID != "" || wentOffline {
		t.Fatal("expected repeated deregister to be a no-op")
	}
}

func TestRegistryTracksLiveConnectionCount(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	for _, connID := range []string{"conn-1", "conn-2", "conn-3"} {
		if _, err := registry.Register(ctx, connID, "user-a"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if count := registry.LiveConnections("user-a"); count != 3 {
		t.Fatalf("expected 3 live connections, got %d", count)
	}
	registry.Deregister(ctx, "conn-2")
	if count := registry.LiveConnections("user-a"); count != 2 {
		t.Fatalf("expected 2 live connections, got %d", count)
	}
}
