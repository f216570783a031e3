// Package session tracks authenticated connections with a lease that must be
// renewed by activity. Expired sessions are reaped by a background sweep so a
// dropped client cannot hold a seat forever.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when a session ID is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// Session is one authenticated connection.
type Session struct {
	ID        string
	UserID    string
	Username  string
	CreatedAt time.Time

	mu        sync.Mutex
	expiresAt time.Time
}

// Touch renews the lease.
func (s *Session) Touch(leasePeriod time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = time.Now().Add(leasePeriod)
}

// Expired reports whether the lease has lapsed.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.expiresAt)
}

// Manager owns all live sessions.
type Manager struct {
	leasePeriod time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. Sessions expire leasePeriod after
// their last touch.
func NewManager(leasePeriod time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		leasePeriod: leasePeriod,
		logger:      logger.Named("session"),
		sessions:    make(map[string]*Session),
	}
}

// CreateSession issues a new session for an authenticated user.
func (m *Manager) CreateSession(userID, username string) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Username:  username,
		CreatedAt: now,
		expiresAt: now.Add(m.leasePeriod),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("sessionId", s.ID),
		zap.String("username", username))
	return s
}

// GetSession returns a live session and renews its lease.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok || s.Expired() {
		return nil, ErrSessionNotFound
	}
	s.Touch(m.leasePeriod)
	return s, nil
}

// RemoveSession ends a session explicitly, e.g. on logout.
func (m *Manager) RemoveSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Count returns the number of tracked sessions, expired or not.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupExpiredSessions sweeps expired leases until ctx is cancelled.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) {
	ticker := time.NewTicker(m.leasePeriod / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.Expired() {
			delete(m.sessions, id)
			m.logger.Debug("session expired",
				zap.String("sessionId", id),
				zap.String("username", s.Username))
		}
	}
}

// CloseAll drops every session during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	if n > 0 {
		m.logger.Info("closed all sessions", zap.Int("count", n))
	}
}
