package users

import (
	"strings"
	"time"
)

// User is the durable account record. IsOnline is a last-writer-wins flag
// owned by the connection registry's online transitions.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	IsOnline     bool      `gorm:"column:is_online;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Friendship links two users. Rows are written in both directions so listing
// is a single equality query.
type Friendship struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	FriendID  string    `gorm:"column:friend_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Friendship) TableName() string {
	return "friendships"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
