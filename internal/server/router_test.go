package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/sealed-chat/backend/internal/realtime"
)

func TestRegisterAndLoginRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.performRequest(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "hunter22",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access token in response, got %v", body)
	}

	recorder = env.performRequest(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "hunter22",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200 on login, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	recorder = env.performRequest(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 on bad password, got %d", recorder.Code)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice", "alice@example.com")

	recorder := env.performRequest(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "other@example.com",
		"password": "hunter22",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 on duplicate username, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.performRequest(t, http.MethodGet, "/rooms", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without token, got %d", recorder.Code)
	}

	recorder = env.performRequest(t, http.MethodGet, "/rooms", "not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 with garbage token, got %d", recorder.Code)
	}
}

func TestCreateRoomIsDirectionless(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.registerUser(t, "alice", "alice@example.com")
	bob, bobToken := env.registerUser(t, "bob", "bob@example.com")

	recorder := env.performRequest(t, http.MethodPost, "/rooms", aliceToken, map[string]string{
		"participant_id": bob.ID,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	first := decodeBody(t, recorder)

	recorder = env.performRequest(t, http.MethodPost, "/rooms", bobToken, map[string]string{
		"participant_id": alice.ID,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	second := decodeBody(t, recorder)

	if first["id"] != second["id"] {
		t.Fatalf("expected the same room in both directions, got %v and %v", first["id"], second["id"])
	}

	recorder = env.performRequest(t, http.MethodPost, "/rooms", aliceToken, map[string]string{
		"participant_id": alice.ID,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for a room with oneself, got %d", recorder.Code)
	}

	recorder = env.performRequest(t, http.MethodPost, "/rooms", aliceToken, map[string]string{
		"participant_id": "missing-user",
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown participant, got %d", recorder.Code)
	}
}

func TestSendAndListMessages(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.registerUser(t, "alice", "alice@example.com")
	bob, bobToken := env.registerUser(t, "bob", "bob@example.com")
	_, carolToken := env.registerUser(t, "carol", "carol@example.com")

	room, err := env.chat.GetOrCreateRoom(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}

	recorder := env.performRequest(t, http.MethodPost, "/messages", aliceToken, map[string]string{
		"room_id": room.ID,
		"content": "Zm9vYmFy",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	sent := decodeBody(t, recorder)
	if sent["sender_id"] != alice.ID {
		t.Fatalf("expected sender %s, got %v", alice.ID, sent["sender_id"])
	}

	recorder = env.performRequest(t, http.MethodGet, "/rooms/"+room.ID+"/messages", bobToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	listed := decodeBody(t, recorder)
	messages, ok := listed["messages"].([]interface{})
	if !ok || len(messages) != 1 {
		t.Fatalf("expected one message, got %v", listed["messages"])
	}

	recorder = env.performRequest(t, http.MethodGet, "/rooms/"+room.ID+"/messages", carolToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for non-participant, got %d", recorder.Code)
	}

	recorder = env.performRequest(t, http.MethodPost, "/messages", carolToken, map[string]string{
		"room_id": room.ID,
		"content": "c3B5",
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for non-participant send, got %d", recorder.Code)
	}
}

func TestMarkReadClearsUnreadCount(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.registerUser(t, "alice", "alice@example.com")
	bob, bobToken := env.registerUser(t, "bob", "bob@example.com")

	room, err := env.chat.GetOrCreateRoom(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.chat.AppendMessage(context.Background(), room.ID, alice.ID, "Zm9v"); err != nil {
			t.Fatalf("failed to append message: %v", err)
		}
	}

	recorder := env.performRequest(t, http.MethodGet, "/rooms", bobToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	rooms := decodeBody(t, recorder)["rooms"].([]interface{})
	if len(rooms) != 1 {
		t.Fatalf("expected one room, got %d", len(rooms))
	}
	if unread := rooms[0].(map[string]interface{})["unread_count"].(float64); unread != 2 {
		t.Fatalf("expected 2 unread messages, got %v", unread)
	}

	recorder = env.performRequest(t, http.MethodPost, "/rooms/"+room.ID+"/read", bobToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	if marked := decodeBody(t, recorder)["marked_read"].(float64); marked != 2 {
		t.Fatalf("expected 2 marked read, got %v", marked)
	}

	recorder = env.performRequest(t, http.MethodGet, "/rooms", bobToken, nil)
	rooms = decodeBody(t, recorder)["rooms"].([]interface{})
	if unread := rooms[0].(map[string]interface{})["unread_count"].(float64); unread != 0 {
		t.Fatalf("expected 0 unread messages after mark read, got %v", unread)
	}
}

func TestAddFriendPublishesNotification(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.registerUser(t, "alice", "alice@example.com")
	bob, _ := env.registerUser(t, "bob", "bob@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := env.notifier.Subscribe(ctx, bob.ID)
	defer unsubscribe()

	recorder := env.performRequest(t, http.MethodPost, "/friends", aliceToken, map[string]string{
		"friend_id": bob.ID,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	select {
	case event := <-events:
		notification, ok := event.(realtime.NotificationEvent)
		if !ok {
			t.Fatalf("expected a notification event, got %T", event)
		}
		if notification.Title != "New friend request" {
			t.Fatalf("unexpected notification title %q", notification.Title)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for friend notification")
	}

	recorder = env.performRequest(t, http.MethodGet, "/friends", aliceToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	friends := decodeBody(t, recorder)["friends"].([]interface{})
	if len(friends) != 1 {
		t.Fatalf("expected one friend, got %d", len(friends))
	}

	recorder = env.performRequest(t, http.MethodPost, "/friends", aliceToken, map[string]string{
		"friend_id": bob.ID,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 on repeated add, got %d", recorder.Code)
	}
}

func TestSearchUsersExcludesSelf(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.registerUser(t, "alice", "alice@example.com")
	env.registerUser(t, "alfred", "alfred@example.com")

	recorder := env.performRequest(t, http.MethodGet, "/users/search?q=al", aliceToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	results := decodeBody(t, recorder)["results"].([]interface{})
	if len(results) != 1 {
		t.Fatalf("expected one search result, got %d", len(results))
	}
	if username := results[0].(map[string]interface{})["username"]; username != "alfred" {
		t.Fatalf("expected alfred in results, got %v", username)
	}
}
