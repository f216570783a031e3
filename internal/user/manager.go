package user

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when a username/password pair does
	// not match a known account.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUsernameTaken is returned when registering with a name that is
	// already in use.
	ErrUsernameTaken = errors.New("username already taken")

	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)
)

// Repository is the persistence surface the manager needs.
type Repository interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByName(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// Manager handles registration and authentication.
type Manager struct {
	repo       Repository
	bcryptCost int
	logger     *zap.Logger
}

// NewManager creates a user manager. bcryptCost outside the valid bcrypt
// range falls back to the library default.
func NewManager(repo Repository, bcryptCost int, logger *zap.Logger) *Manager {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Manager{
		repo:       repo,
		bcryptCost: bcryptCost,
		logger:     logger.Named("user"),
	}
}

// Register creates an account with a bcrypt-hashed password.
func (m *Manager) Register(ctx context.Context, username, email, password string, role Role) (*User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("invalid username %q: must be 3-32 characters of letters, digits, _ or -", username)
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	if existing, err := m.repo.GetUserByName(ctx, username); err == nil && existing != nil {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreateTime:   time.Now(),
	}
	if err := m.repo.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	m.logger.Info("user registered",
		zap.String("userId", u.ID),
		zap.String("username", u.Username),
		zap.String("role", string(u.Role)))
	return u, nil
}

// Authenticate verifies a username/password pair against the stored hash.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := m.repo.GetUserByName(ctx, username)
	if err != nil {
		// Same error for unknown user and bad password.
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		m.logger.Warn("failed authentication attempt", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	if err := m.repo.TouchLastSeen(ctx, u.ID, now); err != nil {
		m.logger.Warn("failed to update last seen time", zap.String("userId", u.ID), zap.Error(err))
	}
	u.LastSeenTime = now
	return u, nil
}

// GetUser returns the account with the given ID.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	return m.repo.GetUserByID(ctx, id)
}
