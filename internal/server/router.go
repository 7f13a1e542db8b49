package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sealed-chat/backend/internal/chat"
	"github.com/sealed-chat/backend/internal/realtime"
	"github.com/sealed-chat/backend/internal/users"
	"go.uber.org/zap"
)

const userIDContextKey = "sealed_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingChatStore     = errors.New("chat store dependency required")
	errMissingHub           = errors.New("room hub dependency required")
	errMissingRegistry      = errors.New("connection registry dependency required")
	errMissingNotifier      = errors.New("presence notifier dependency required")
	errMissingIDProvider    = errors.New("id provider dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the access tokens used on both REST and
// WebSocket surfaces.
type TokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IDProvider produces connection identifiers for live sessions.
type IDProvider interface {
	NewID() (string, error)
}

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	TokenManager TokenManager
	UsersService *users.Service
	ChatStore    *chat.Store
	Hub          *realtime.Hub
	Registry     *realtime.Registry
	Notifier     *realtime.Notifier
	IDProvider   IDProvider
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router covering REST and WebSocket routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.ChatStore == nil {
		return nil, errMissingChatStore
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		users:    deps.UsersService,
		chat:     deps.ChatStore,
		hub:      deps.Hub,
		registry: deps.Registry,
		notifier: deps.Notifier,
		connIDs:  deps.IDProvider,
		logger:   logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	router.GET("/ws/rooms/:roomID", handler.handleRoomSocket)
	router.GET("/ws/status", handler.handleStatusSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/search", handler.handleSearchUsers)
	protected.GET("/friends", handler.handleListFriends)
	protected.POST("/friends", handler.handleAddFriend)
	protected.GET("/rooms", handler.handleListRooms)
	protected.POST("/rooms", handler.handleCreateOrGetRoom)
	protected.GET("/rooms/:roomID/messages", handler.handleRoomMessages)
	protected.POST("/rooms/:roomID/read", handler.handleMarkRead)
	protected.POST("/messages", handler.handleSendMessage)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	users    *users.Service
	chat     *chat.Store
	hub      *realtime.Hub
	registry *realtime.Registry
	notifier *realtime.Notifier
	connIDs  IDProvider
	logger   *zap.Logger
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsOnline bool   `json:"is_online"`
}

func newUserPayload(user users.User) userPayload {
	return userPayload{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		IsOnline: user.IsOnline,
	}
}

type credentialsResponse struct {
	User        userPayload `json:"user"`
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

type registerPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.Register(c.Request.Context(), request.Username, request.Email, request.Password)
	if err != nil {
		h.renderUsersError(c, err)
		return
	}
	h.renderCredentials(c, http.StatusCreated, user)
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.renderUsersError(c, err)
		return
	}
	h.renderCredentials(c, http.StatusOK, user)
}

func (h *httpHandler) renderCredentials(c *gin.Context, status int, user users.User) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, credentialsResponse{
		User:        newUserPayload(user),
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleSearchUsers(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	results, err := h.users.Search(c.Request.Context(), userID, c.Query("q"))
	if err != nil {
		h.logger.Error("user search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		return
	}
	payload := make([]userPayload, 0, len(results))
	for _, user := range results {
		payload = append(payload, newUserPayload(user))
	}
	c.JSON(http.StatusOK, gin.H{"results": payload})
}

type addFriendPayload struct {
	FriendID string `json:"friend_id"`
}

func (h *httpHandler) handleAddFriend(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request addFriendPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FriendID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.users.AddFriend(c.Request.Context(), userID, request.FriendID); err != nil {
		h.renderUsersError(c, err)
		return
	}

	// Best-effort out-of-room notification to any of the friend's live
	// connections.
	if self, err := h.users.GetByID(c.Request.Context(), userID); err == nil {
		h.notifier.Publish(request.FriendID, realtime.NotificationEvent{
			Title:   "New friend request",
			Message: self.Username + " added you as a friend",
			Data:    map[string]interface{}{"friend_id": self.ID, "friend_username": self.Username},
		})
	}

	c.JSON(http.StatusOK, gin.H{"message": "friend added"})
}

func (h *httpHandler) handleListFriends(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	friends, err := h.users.ListFriends(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("listing friends failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "friends_failed"})
		return
	}
	payload := make([]userPayload, 0, len(friends))
	for _, friend := range friends {
		payload = append(payload, newUserPayload(friend))
	}
	c.JSON(http.StatusOK, gin.H{"friends": payload})
}

type messagePayload struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"is_read"`
}

func newMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		ID:        message.ID,
		RoomID:    message.RoomID,
		SenderID:  message.SenderID,
		Content:   message.Ciphertext,
		Timestamp: message.CreatedAt,
		IsRead:    message.IsRead,
	}
}

type roomPayload struct {
	ID           string          `json:"id"`
	Participants []userPayload   `json:"participants"`
	LastMessage  *messagePayload `json:"last_message"`
	UnreadCount  int64           `json:"unread_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	summaries, err := h.chat.ListRoomsForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("listing rooms failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms_failed"})
		return
	}

	payload := make([]roomPayload, 0, len(summaries))
	for _, summary := range summaries {
		room, err := h.newRoomPayload(c.Request.Context(), summary)
		if err != nil {
			h.logger.Error("resolving room participants failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms_failed"})
			return
		}
		payload = append(payload, room)
	}
	c.JSON(http.StatusOK, gin.H{"rooms": payload})
}

func (h *httpHandler) newRoomPayload(ctx context.Context, summary chat.RoomSummary) (roomPayload, error) {
	accounts, err := h.users.GetByIDs(ctx, summary.ParticipantIDs)
	if err != nil {
		return roomPayload{}, err
	}
	participants := make([]userPayload, 0, len(summary.ParticipantIDs))
	for _, id := range summary.ParticipantIDs {
		if account, ok := accounts[id]; ok {
			participants = append(participants, newUserPayload(account))
		}
	}
	var lastMessage *messagePayload
	if summary.LastMessage != nil {
		payload := newMessagePayload(*summary.LastMessage)
		lastMessage = &payload
	}
	return roomPayload{
		ID:           summary.Room.ID,
		Participants: participants,
		LastMessage:  lastMessage,
		UnreadCount:  summary.UnreadCount,
		CreatedAt:    summary.Room.CreatedAt,
		UpdatedAt:    summary.Room.UpdatedAt,
	}, nil
}

type createRoomPayload struct {
	ParticipantID string `json:"participant_id"`
}

func (h *httpHandler) handleCreateOrGetRoom(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.users.GetByID(c.Request.Context(), request.ParticipantID); err != nil {
		h.renderUsersError(c, err)
		return
	}

	room, err := h.chat.GetOrCreateRoom(c.Request.Context(), userID, request.ParticipantID)
	if err != nil {
		h.renderChatError(c, err)
		return
	}

	summaries, err := h.chat.ListRoomsForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("listing rooms failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms_failed"})
		return
	}
	for _, summary := range summaries {
		if summary.Room.ID != room.ID {
			continue
		}
		payload, err := h.newRoomPayload(c.Request.Context(), summary)
		if err != nil {
			h.logger.Error("resolving room participants failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms_failed"})
			return
		}
		c.JSON(http.StatusOK, payload)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "rooms_failed"})
}

func (h *httpHandler) handleRoomMessages(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	participant, err := h.chat.IsParticipant(c.Request.Context(), roomID, userID)
	if err != nil {
		h.logger.Error("participant check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "messages_failed"})
		return
	}
	if !participant {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found or access denied"})
		return
	}

	messages, err := h.chat.ListMessages(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("listing messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "messages_failed"})
		return
	}
	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, newMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	count, err := h.chat.MarkRead(c.Request.Context(), roomID, userID)
	if err != nil {
		h.renderChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_read": count})
}

type sendMessagePayload struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.chat.AppendMessage(c.Request.Context(), request.RoomID, userID, request.Content)
	if err != nil {
		h.renderChatError(c, err)
		return
	}

	// REST sends fan out to live room members the same as socket sends.
	sender, err := h.users.GetByID(c.Request.Context(), userID)
	senderUsername := ""
	if err == nil {
		senderUsername = sender.Username
	}
	h.hub.Broadcast(request.RoomID, realtime.ChatMessageEvent{
		MessageID:      message.ID,
		Content:        message.Ciphertext,
		SenderID:       message.SenderID,
		SenderUsername: senderUsername,
		Timestamp:      message.CreatedAt,
	}, "")

	c.JSON(http.StatusCreated, newMessagePayload(message))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) renderUsersError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrInvalidRegistration),
		errors.Is(err, users.ErrUsernameTaken),
		errors.Is(err, users.ErrEmailTaken),
		errors.Is(err, users.ErrSelfFriendship),
		errors.Is(err, users.ErrAlreadyFriends):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		h.logger.Error("account operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) renderChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrSelfRoom),
		errors.Is(err, chat.ErrContentEmpty),
		errors.Is(err, chat.ErrContentTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrRoomNotFound),
		errors.Is(err, chat.ErrNotParticipant):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found or access denied"})
	default:
		h.logger.Error("chat operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
