package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const searchResultLimit = 10

var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("users: username already taken")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("users: email already taken")
	// ErrInvalidCredentials indicates an unknown email or a password mismatch.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUserNotFound indicates the requested user does not exist.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrSelfFriendship indicates an attempt to befriend oneself.
	ErrSelfFriendship = errors.New("users: cannot add self as friend")
	// ErrAlreadyFriends indicates the friendship already exists.
	ErrAlreadyFriends = errors.New("users: already friends")
	// ErrInvalidRegistration indicates missing username, email, or password.
	ErrInvalidRegistration = errors.New("users: username, email, and password are required")
)

// IDProvider produces identifiers for new accounts.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages durable account state: registration, credential checks,
// the online flag, and friendships.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	now        func() time.Time
	logger     *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		now:        clock,
		logger:     logger,
	}, nil
}

// Register creates a new account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, email, password string) (User, error) {
	username = normalize(username)
	email = strings.ToLower(normalize(email))
	if username == "" || email == "" || password == "" {
		return User{}, ErrInvalidRegistration
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return User{}, err
	}
	if count > 0 {
		return User{}, ErrUsernameTaken
	}
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return User{}, err
	}
	if count > 0 {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Authenticate checks the email/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(normalize(email))

	var user User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GetByID returns the account for the given id.
func (s *Service) GetByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetByIDs returns the accounts for the given ids, keyed by id.
func (s *Service) GetByIDs(ctx context.Context, userIDs []string) (map[string]User, error) {
	result := make(map[string]User, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var records []User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&records).Error; err != nil {
		return nil, err
	}
	for _, record := range records {
		result[record.ID] = record
	}
	return result, nil
}

// Search returns up to ten accounts whose username or email contains the
// query, excluding the searching user. Queries shorter than two runes return
// nothing.
func (s *Service) Search(ctx context.Context, selfID, query string) ([]User, error) {
	query = normalize(query)
	if len([]rune(query)) < 2 {
		return nil, nil
	}
	pattern := "%" + query + "%"
	var records []User
	err := s.db.WithContext(ctx).
		Where("(username LIKE ? OR email LIKE ?) AND id <> ?", pattern, pattern, selfID).
		Order("username ASC").
		Limit(searchResultLimit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SetOnline writes the durable online flag. The connection registry calls
// this only on 0-to-1 and 1-to-0 live-connection transitions.
func (s *Service) SetOnline(ctx context.Context, userID string, online bool) error {
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("is_online", online).Error
}

// AddFriend records a mutual friendship between the two users.
func (s *Service) AddFriend(ctx context.Context, userID, friendID string) error {
	if userID == friendID {
		return ErrSelfFriendship
	}
	if _, err := s.GetByID(ctx, friendID); err != nil {
		return err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Friendship{}).
		Where("user_id = ? AND friend_id = ?", userID, friendID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyFriends
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		forward := Friendship{UserID: userID, FriendID: friendID}
		if err := tx.Create(&forward).Error; err != nil {
			return err
		}
		reverse := Friendship{UserID: friendID, FriendID: userID}
		return tx.Create(&reverse).Error
	})
}

// ListFriends returns the accounts befriended by the given user.
func (s *Service) ListFriends(ctx context.Context, userID string) ([]User, error) {
	var friendIDs []string
	if err := s.db.WithContext(ctx).Model(&Friendship{}).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Pluck("friend_id", &friendIDs).Error; err != nil {
		return nil, err
	}
	if len(friendIDs) == 0 {
		return nil, nil
	}
	byID, err := s.GetByIDs(ctx, friendIDs)
	if err != nil {
		return nil, err
	}
	friends := make([]User, 0, len(friendIDs))
	for _, id := range friendIDs {
		if user, ok := byID[id]; ok {
			friends = append(friends, user)
		}
	}
	return friends, nil
}
