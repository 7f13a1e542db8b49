package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire type tags for outbound events.
const (
	EventTypeChatMessage  = "chat_message"
	EventTypeTyping       = "typing_indicator"
	EventTypeUserStatus   = "user_status_update"
	EventTypeNotification = "notification"
)

// Event is the closed set of outbound wire events. Adding a kind means
// adding a variant here and a case to EncodeEvent; the compiler finds every
// switch that needs updating.
type Event interface {
	eventType() string
}

// ChatMessageEvent carries one stored ciphertext entry to room peers. The
// content is opaque to the server and forwarded exactly as persisted.
type ChatMessageEvent struct {
	MessageID      int64
	Content        string
	SenderID       string
	SenderUsername string
	Timestamp      time.Time
}

func (ChatMessageEvent) eventType() string { return EventTypeChatMessage }

// TypingIndicatorEvent signals a peer starting or stopping typing. Never
// persisted and never echoed to the sender.
type TypingIndicatorEvent struct {
	UserID   string
	Username string
	IsTyping bool
}

func (TypingIndicatorEvent) eventType() string { return EventTypeTyping }

// UserStatusEvent announces a presence transition to room peers.
type UserStatusEvent struct {
	UserID   string
	Username string
	IsOnline bool
}

func (UserStatusEvent) eventType() string { return EventTypeUserStatus }

// NotificationEvent is an out-of-room, per-user notification.
type NotificationEvent struct {
	Title   string
	Message string
	Data    map[string]interface{}
}

func (NotificationEvent) eventType() string { return EventTypeNotification }

type chatMessagePayload struct {
	Type           string    `json:"type"`
	MessageID      int64     `json:"message_id"`
	Content        string    `json:"content"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Timestamp      time.Time `json:"timestamp"`
}

type typingIndicatorPayload struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type userStatusPayload struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

type notificationPayload struct {
	Type    string                 `json:"type"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// EncodeEvent renders an event as its JSON wire frame.
func EncodeEvent(event Event) ([]byte, error) {
	switch value := event.(type) {
	case ChatMessageEvent:
		return json.Marshal(chatMessagePayload{
			Type:           value.eventType(),
			MessageID:      value.MessageID,
			Content:        value.Content,
			SenderID:       value.SenderID,
			SenderUsername: value.SenderUsername,
			Timestamp:      value.Timestamp,
		})
	case TypingIndicatorEvent:
		return json.Marshal(typingIndicatorPayload{
			Type:     value.eventType(),
			UserID:   value.UserID,
			Username: value.Username,
			IsTyping: value.IsTyping,
		})
	case UserStatusEvent:
		return json.Marshal(userStatusPayload{
			Type:     value.eventType(),
			UserID:   value.UserID,
			Username: value.Username,
			IsOnline: value.IsOnline,
		})
	case NotificationEvent:
		data := value.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		return json.Marshal(notificationPayload{
			Type:    value.eventType(),
			Title:   value.Title,
			Message: value.Message,
			Data:    data,
		})
	default:
		return nil, fmt.Errorf("realtime: unknown event type %T", event)
	}
}
