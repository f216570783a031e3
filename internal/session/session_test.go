package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCreateAndGetSession(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))

	s := m.CreateSession("user-1", "korgan")
	require.NotEmpty(t, s.ID)

	got, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "korgan", got.Username)
	assert.Equal(t, 1, m.Count())
}

func TestGetUnknownSession(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	_, err := m.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpiredSessionIsRejected(t *testing.T) {
	m := NewManager(10*time.Millisecond, zaptest.NewLogger(t))
	s := m.CreateSession("user-1", "korgan")

	time.Sleep(25 * time.Millisecond)

	_, err := m.GetSession(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSessionRenewsLease(t *testing.T) {
	m := NewManager(40*time.Millisecond, zaptest.NewLogger(t))
	s := m.CreateSession("user-1", "korgan")

	// Touch the session repeatedly past the original lease.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		_, err := m.GetSession(s.ID)
		require.NoError(t, err)
	}
}

func TestRemoveSession(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	s := m.CreateSession("user-1", "korgan")

	m.RemoveSession(s.ID)
	_, err := m.GetSession(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReapDropsExpiredSessions(t *testing.T) {
	m := NewManager(10*time.Millisecond, zaptest.NewLogger(t))
	m.CreateSession("user-1", "korgan")
	m.CreateSession("user-2", "jaheira")

	time.Sleep(25 * time.Millisecond)
	m.reap()

	assert.Equal(t, 0, m.Count())
}

func TestCloseAll(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	m.CreateSession("user-1", "korgan")
	m.CreateSession("user-2", "jaheira")

	m.CloseAll()
	assert.Equal(t, 0, m.Count())
}
