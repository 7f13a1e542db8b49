package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sealed-chat/backend/internal/realtime"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is wide open on the REST surface; the socket matches it. The
	// token query parameter is the actual gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Inbound wire events form a closed set. decodeInbound maps the JSON tag to
// exactly one variant; the session loop switches over them exhaustively.
type inboundEvent interface {
	isInbound()
}

type inboundChatMessage struct {
	Content string
}

func (inboundChatMessage) isInbound() {}

type inboundTyping struct {
	IsTyping bool
}

func (inboundTyping) isInbound() {}

type inboundReadReceipt struct {
	MessageID int64
}

func (inboundReadReceipt) isInbound() {}

type inboundEnvelope struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	IsTyping  bool   `json:"is_typing"`
	MessageID int64  `json:"message_id"`
}

func decodeInbound(data []byte) (inboundEvent, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case "chat_message":
		return inboundChatMessage{Content: envelope.Content}, nil
	case "typing":
		return inboundTyping{IsTyping: envelope.IsTyping}, nil
	case "read_message":
		return inboundReadReceipt{MessageID: envelope.MessageID}, nil
	default:
		return nil, fmt.Errorf("unknown inbound event type %q", envelope.Type)
	}
}

// handleRoomSocket runs the per-connection session: authenticate, verify
// room membership, register the live connection, then pump events both ways
// until the transport closes. Teardown is unconditional.
func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	roomID := c.Param("roomID")

	userID, err := h.tokens.ValidateToken(c.Query("token"))
	if err != nil {
		h.logger.Warn("socket auth failed", zap.String("room_id", roomID), zap.Error(err))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.logger.Warn("socket auth for unknown user", zap.String("user_id", userID))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	participant, err := h.chat.IsParticipant(c.Request.Context(), roomID, userID)
	if err != nil {
		h.logger.Error("participant check failed", zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if !participant {
		h.logger.Warn("socket join refused",
			zap.String("room_id", roomID),
			zap.String("user_id", userID))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	connID, err := h.connIDs.NewID()
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}

	wentOnline, err := h.registry.Register(context.Background(), connID, userID)
	if err != nil {
		h.logger.Error("connection registration failed", zap.Error(err))
		conn.Close()
		return
	}
	if err := h.registry.AttachRoom(connID, roomID); err != nil {
		h.logger.Error("room attach failed", zap.Error(err))
		h.registry.Deregister(context.Background(), connID)
		conn.Close()
		return
	}
	subscription := h.hub.Join(roomID, connID)

	h.logger.Info("user connected to room",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.String("connection_id", connID))

	// Guaranteed-run cleanup: leave the hub, drop the live connection, and
	// tell peers the user went offline if this was their last connection.
	// Runs on every exit path out of the read loop.
	defer func() {
		h.hub.Leave(roomID, connID)
		_, wentOffline := h.registry.Deregister(context.Background(), connID)
		if wentOffline {
			h.hub.Broadcast(roomID, realtime.UserStatusEvent{
				UserID:   user.ID,
				Username: user.Username,
				IsOnline: false,
			}, connID)
		}
		conn.Close()
		h.logger.Info("user disconnected from room",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.String("connection_id", connID))
	}()

	if wentOnline {
		h.hub.Broadcast(roomID, realtime.UserStatusEvent{
			UserID:   user.ID,
			Username: user.Username,
			IsOnline: true,
		}, connID)
	}

	done := make(chan struct{})
	defer close(done)
	go h.writePump(conn, subscription, done)

	h.readLoop(conn, subscription, roomID, connID, user.ID, user.Username)
}

// readLoop processes inbound events strictly in arrival order. Validation
// and store failures are local to this connection: log, drop the event, keep
// the connection open.
func (h *httpHandler) readLoop(conn *websocket.Conn, subscription *realtime.Subscription, roomID, connID, userID, username string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("socket read failed", zap.String("connection_id", connID), zap.Error(err))
			}
			return
		}

		event, err := decodeInbound(data)
		if err != nil {
			h.logger.Warn("invalid inbound event",
				zap.String("connection_id", connID),
				zap.Error(err))
			continue
		}

		switch value := event.(type) {
		case inboundChatMessage:
			message, err := h.chat.AppendMessage(context.Background(), roomID, userID, value.Content)
			if err != nil {
				h.logger.Warn("message rejected",
					zap.String("room_id", roomID),
					zap.String("user_id", userID),
					zap.Error(err))
				continue
			}
			h.hub.Broadcast(roomID, realtime.ChatMessageEvent{
				MessageID:      message.ID,
				Content:        message.Ciphertext,
				SenderID:       userID,
				SenderUsername: username,
				Timestamp:      message.CreatedAt,
			}, "")
		case inboundTyping:
			h.hub.Broadcast(roomID, realtime.TypingIndicatorEvent{
				UserID:   userID,
				Username: username,
				IsTyping: value.IsTyping,
			}, connID)
		case inboundReadReceipt:
			if err := h.chat.MarkMessageRead(context.Background(), roomID, value.MessageID, userID); err != nil {
				h.logger.Warn("read receipt failed",
					zap.String("room_id", roomID),
					zap.Int64("message_id", value.MessageID),
					zap.Error(err))
			}
		}

		// Hub eviction surfaces here so a stalled writer ends its reader too.
		select {
		case <-subscription.Dropped():
			return
		default:
		}
	}
}

// writePump is the connection's only socket writer. It drains the hub queue
// until the session ends or the hub evicts this connection for falling
// behind.
func (h *httpHandler) writePump(conn *websocket.Conn, subscription *realtime.Subscription, done <-chan struct{}) {
	for {
		select {
		case event := <-subscription.Events():
			payload, err := realtime.EncodeEvent(event)
			if err != nil {
				h.logger.Error("event encoding failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				return
			}
		case <-subscription.Dropped():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send queue overflow"))
			conn.Close()
			return
		case <-done:
			return
		}
	}
}

// handleStatusSocket serves the room-independent notification stream: every
// live connection of a user receives its published notifications.
func (h *httpHandler) handleStatusSocket(c *gin.Context) {
	userID, err := h.tokens.ValidateToken(c.Query("token"))
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if _, err := h.users.GetByID(c.Request.Context(), userID); err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("status socket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := h.notifier.Subscribe(ctx, userID)
	defer cleanup()
	defer conn.Close()

	go func() {
		for {
			select {
			case event := <-stream:
				payload, err := realtime.EncodeEvent(event)
				if err != nil {
					h.logger.Error("event encoding failed", zap.Error(err))
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Inbound frames on the status socket are ignored; reading only detects
	// the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
