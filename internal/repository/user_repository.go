package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turnwatch/turnwatch-server/internal/user"
)

// ErrUserNotFound is returned when a user lookup matches no row.
var ErrUserNotFound = errors.New("user not found")

// UserRepository implements user.Repository on Postgres.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a user repository backed by db.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser inserts a new account row.
func (r *UserRepository) CreateUser(ctx context.Context, u *user.User) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.CreateTime)
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", u.Username, err)
	}
	return nil
}

// GetUserByName returns the account with the given username.
func (r *UserRepository) GetUserByName(ctx context.Context, username string) (*user.User, error) {
	return r.scanUser(r.db.Pool().QueryRow(ctx, `
		SELECT id, username, email, password_hash, role, created_at, last_seen_at
		FROM users
		WHERE username = $1`, username))
}

// GetUserByID returns the account with the given ID.
func (r *UserRepository) GetUserByID(ctx context.Context, id string) (*user.User, error) {
	return r.scanUser(r.db.Pool().QueryRow(ctx, `
		SELECT id, username, email, password_hash, role, created_at, last_seen_at
		FROM users
		WHERE id = $1`, id))
}

// TouchLastSeen records a successful authentication.
func (r *UserRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE users SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last seen for user %s: %w", id, err)
	}
	return nil
}

func (r *UserRepository) scanUser(row pgx.Row) (*user.User, error) {
	var u user.User
	var role string
	var lastSeen *time.Time
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role,
		&u.CreateTime, &lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Role = user.Role(role)
	if lastSeen != nil {
		u.LastSeenTime = *lastSeen
	}
	return &u, nil
}
