package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/sealed-chat/backend/internal/auth"
	"github.com/sealed-chat/backend/internal/chat"
	"github.com/sealed-chat/backend/internal/realtime"
	"github.com/sealed-chat/backend/internal/users"
	"gorm.io/gorm"
)

type testEnv struct {
	handler  http.Handler
	tokens   *auth.TokenIssuer
	users    *users.Service
	chat     *chat.Store
	hub      *realtime.Hub
	registry *realtime.Registry
	notifier *realtime.Notifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:sealed_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&users.User{}, &users.Friendship{},
		&chat.Room{}, &chat.RoomParticipant{}, &chat.Message{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	idProvider := chat.NewUUIDProvider()
	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	chatStore, err := chat.NewStore(chat.StoreConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct chat store: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
	})
	hub := realtime.NewHub(realtime.HubConfig{QueueSize: 8})
	registry := realtime.NewRegistry(realtime.RegistryConfig{OnlineStatus: usersService})
	notifier := realtime.NewNotifier()

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		UsersService: usersService,
		ChatStore:    chatStore,
		Hub:          hub,
		Registry:     registry,
		Notifier:     notifier,
		IDProvider:   idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &testEnv{
		handler:  handler,
		tokens:   tokens,
		users:    usersService,
		chat:     chatStore,
		hub:      hub,
		registry: registry,
		notifier: notifier,
	}
}

func (e *testEnv) registerUser(t *testing.T, username, email string) (users.User, string) {
	t.Helper()
	user, err := e.users.Register(context.Background(), username, email, "hunter22")
	if err != nil {
		t.Fatalf("failed to register %s: %v", username, err)
	}
	token, _, err := e.tokens.IssueToken(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to issue token for %s: %v", username, err)
	}
	return user, token
}

func (e *testEnv) performRequest(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var decoded map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}
