package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxCiphertextLen = 10000

var (
	// ErrSelfRoom indicates an attempt to open a room with oneself.
	ErrSelfRoom = errors.New("chat: room requires two distinct participants")
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("chat: room not found")
	// ErrNotParticipant indicates the user is not a participant of the room.
	ErrNotParticipant = errors.New("chat: user is not a room participant")
	// ErrContentEmpty indicates a blank ciphertext payload.
	ErrContentEmpty = errors.New("chat: ciphertext is empty")
	// ErrContentTooLarge indicates the ciphertext exceeds the configured bound.
	ErrContentTooLarge = errors.New("chat: ciphertext exceeds size limit")
)

// IDProvider produces identifiers for new rooms.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies for the membership store.
type StoreConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	MaxCiphertextLen int
}

// Store is the authoritative record of rooms, participants, and the ordered
// message log. Log order is the server-assigned creation time with the
// autoincrement message id as tie-break.
type Store struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	maxCiphertext int
}

// NewStore constructs the membership store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("chat: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("chat: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxLen := cfg.MaxCiphertextLen
	if maxLen <= 0 {
		maxLen = defaultMaxCiphertextLen
	}
	return &Store{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		maxCiphertext: maxLen,
	}, nil
}

// GetOrCreateRoom returns the room for the unordered user pair, creating it
// if absent. Concurrent calls for the same pair resolve through the pair-key
// unique index: the loser of a create race re-reads the winner's row.
func (s *Store) GetOrCreateRoom(ctx context.Context, userA, userB string) (Room, error) {
	if userA == "" || userB == "" || userA == userB {
		return Room{}, ErrSelfRoom
	}
	key := pairKey(userA, userB)

	room, err := s.findRoomByPairKey(ctx, key)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, err
	}

	roomID, err := s.idProvider.NewID()
	if err != nil {
		return Room{}, err
	}
	created := Room{
		ID:        roomID,
		PairKey:   key,
		UpdatedAt: s.clock().UTC(),
	}
	createErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		participants := []RoomParticipant{
			{RoomID: roomID, UserID: userA},
			{RoomID: roomID, UserID: userB},
		}
		return tx.Create(&participants).Error
	})
	if createErr == nil {
		s.logger.Info("room created", zap.String("room_id", roomID))
		return created, nil
	}

	// Lost the race: another connection created the pair's room first.
	room, err = s.findRoomByPairKey(ctx, key)
	if err == nil {
		return room, nil
	}
	return Room{}, createErr
}

// GetRoom returns the room with the given id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

// IsParticipant reports whether the user belongs to the room. A missing room
// reads as false.
func (s *Store) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RoomParticipant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AppendMessage validates and persists one ciphertext entry, bumping the
// room's updated_at inside the same transaction.
func (s *Store) AppendMessage(ctx context.Context, roomID, senderID, ciphertext string) (Message, error) {
	if ciphertext == "" {
		return Message{}, ErrContentEmpty
	}
	if len(ciphertext) > s.maxCiphertext {
		return Message{}, ErrContentTooLarge
	}
	participant, err := s.IsParticipant(ctx, roomID, senderID)
	if err != nil {
		return Message{}, err
	}
	if !participant {
		return Message{}, ErrNotParticipant
	}

	now := s.clock().UTC()
	message := Message{
		RoomID:     roomID,
		SenderID:   senderID,
		Ciphertext: ciphertext,
		CreatedAt:  now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return tx.Model(&Room{}).Where("id = ?", roomID).Update("updated_at", now).Error
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// ListMessages returns the room's full log in ascending order.
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead flips the read flag on every unread message in the room not
// authored by the reader and returns how many rows changed. Idempotent.
func (s *Store) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	participant, err := s.IsParticipant(ctx, roomID, readerID)
	if err != nil {
		return 0, err
	}
	if !participant {
		return 0, ErrNotParticipant
	}

	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, readerID, false).
		Update("is_read", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// MarkMessageRead flips the read flag on a single message. Messages authored
// by the reader and unknown ids are left untouched.
func (s *Store) MarkMessageRead(ctx context.Context, roomID string, messageID int64, readerID string) error {
	return s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND room_id = ? AND sender_id <> ?", messageID, roomID, readerID).
		Update("is_read", true).Error
}

// ListRoomsForUser returns conversation summaries ordered by most recent
// activity.
func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]RoomSummary, error) {
	var roomIDs []string
	err := s.db.WithContext(ctx).Model(&RoomParticipant{}).
		Where("user_id = ?", userID).
		Pluck("room_id", &roomIDs).Error
	if err != nil {
		return nil, err
	}
	if len(roomIDs) == 0 {
		return nil, nil
	}

	var rooms []Room
	err = s.db.WithContext(ctx).
		Where("id IN ?", roomIDs).
		Order("updated_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summary, err := s.summarizeRoom(ctx, room, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Store) summarizeRoom(ctx context.Context, room Room, userID string) (RoomSummary, error) {
	var participantIDs []string
	err := s.db.WithContext(ctx).Model(&RoomParticipant{}).
		Where("room_id = ?", room.ID).
		Order("user_id ASC").
		Pluck("user_id", &participantIDs).Error
	if err != nil {
		return RoomSummary{}, err
	}

	var last Message
	var lastMessage *Message
	err = s.db.WithContext(ctx).
		Where("room_id = ?", room.ID).
		Order("created_at DESC, id DESC").
		First(&last).Error
	if err == nil {
		lastMessage = &last
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomSummary{}, err
	}

	var unread int64
	err = s.db.WithContext(ctx).Model(&Message{}).
		Where("room_id = ? AND sender_id <> ? AND is_read = ?", room.ID, userID, false).
		Count(&unread).Error
	if err != nil {
		return RoomSummary{}, err
	}

	return RoomSummary{
		Room:           room,
		ParticipantIDs: participantIDs,
		LastMessage:    lastMessage,
		UnreadCount:    unread,
	}, nil
}

func (s *Store) findRoomByPairKey(ctx context.Context, key string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("pair_key = ?", key).First(&room).Error
	if err != nil {
		return Room{}, err
	}
	return room, nil
}
