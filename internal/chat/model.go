package chat

import (
	"strings"
	"time"
)

// Room is a fixed two-participant conversation scope. PairKey is the sorted
// concatenation of the two participant ids; its unique index is what makes
// duplicate rooms for the same pair impossible.
type Room struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	PairKey   string    `gorm:"column:pair_key;size:400;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "chat_rooms"
}

// RoomParticipant links a user into a room. The participant set never
// changes after room creation.
type RoomParticipant struct {
	RoomID string `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_room_participants_user"`
}

// TableName provides the explicit table binding for GORM.
func (RoomParticipant) TableName() string {
	return "chat_room_participants"
}

// Message is one entry in a room's ordered log. The ciphertext is opaque to
// the server; it is stored and forwarded exactly as received. Rows are
// immutable once created except for the IsRead flag.
type Message struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID     string    `gorm:"column:room_id;size:190;not null;index:idx_messages_room_created,priority:1"`
	SenderID   string    `gorm:"column:sender_id;size:190;not null"`
	Ciphertext string    `gorm:"column:ciphertext;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_messages_room_created,priority:2"`
	IsRead     bool      `gorm:"column:is_read;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// RoomSummary is a room plus the derived fields a conversation list needs.
type RoomSummary struct {
	Room           Room
	ParticipantIDs []string
	LastMessage    *Message
	UnreadCount    int64
}

// pairKey builds the order-independent uniqueness key for a user pair.
func pairKey(userA, userB string) string {
	if strings.Compare(userA, userB) > 0 {
		userA, userB = userB, userA
	}
	return userA + "|" + userB
}
