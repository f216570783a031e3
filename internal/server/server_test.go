package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/turnwatch/turnwatch-server/internal/broadcast"
	"github.com/turnwatch/turnwatch-server/internal/combat"
	"github.com/turnwatch/turnwatch-server/internal/combatlog"
	"github.com/turnwatch/turnwatch-server/internal/config"
	"github.com/turnwatch/turnwatch-server/internal/encounter"
	"github.com/turnwatch/turnwatch-server/internal/session"
	"github.com/turnwatch/turnwatch-server/internal/user"
)

// nopStore satisfies combat.Store without a database.
type nopStore struct{}

func (nopStore) LoadCombat(ctx context.Context, id string) (*combat.Snapshot, error) {
	return nil, combat.ErrNotFound
}

func (nopStore) SaveCombatMutation(ctx context.Context, c combat.Snapshot, participants []combat.ParticipantSnapshot, entries []combatlog.Entry) error {
	return nil
}

// memEncounterStore records persisted encounter snapshots keyed by ID.
type memEncounterStore struct {
	saved   map[string]encounter.Snapshot
	deleted []string
}

func (s *memEncounterStore) Save(ctx context.Context, snap encounter.Snapshot) error {
	s.saved[snap.ID] = snap
	return nil
}

func (s *memEncounterStore) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

// memUserRepo satisfies user.Repository without a database.
type memUserRepo struct {
	users map[string]*user.User
}

func (r *memUserRepo) CreateUser(ctx context.Context, u *user.User) error {
	cp := *u
	r.users[u.Username] = &cp
	return nil
}

func (r *memUserRepo) GetUserByName(ctx context.Context, username string) (*user.User, error) {
	u, ok := r.users[username]
	if !ok {
		return nil, user.ErrInvalidCredentials
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) GetUserByID(ctx context.Context, id string) (*user.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrInvalidCredentials
}

func (r *memUserRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	return nil
}

type serverFixture struct {
	srv      *Server
	token    string
	encStore *memEncounterStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	journal := combatlog.NewJournal(logger)
	broadcaster := broadcast.New(journal, 8, nil, logger)
	encounters := encounter.NewManager(logger)
	combats := combat.NewManager(nopStore{}, journal, broadcaster, encounters, combat.DefaultPolicy(), logger)
	users := user.NewManager(&memUserRepo{users: make(map[string]*user.User)}, bcrypt.MinCost, logger)
	sessions := session.NewManager(time.Minute, logger)
	encStore := &memEncounterStore{saved: make(map[string]encounter.Snapshot)}

	srv := New(config.ServerConfig{Address: ":0"}, Deps{
		Combats:        combats,
		Encounters:     encounters,
		EncounterStore: encStore,
		Broadcaster:    broadcaster,
		Journal:        journal,
		Users:          users,
		Sessions:       sessions,
	}, logger)

	f := &serverFixture{srv: srv, encStore: encStore}

	// Seed an authenticated DM session.
	u, err := users.Register(context.Background(), "dungeon-master", "", "anvil-and-axe", user.RoleDM)
	require.NoError(t, err)
	f.token = sessions.CreateSession(u.ID, u.Username).ID
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echoHeaderContentType, "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.srv.echo.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.token = ""

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newServerFixture(t)
	f.token = ""

	rec := f.do(t, http.MethodGet, "/api/v1/encounters", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterAndLoginFlow(t *testing.T) {
	f := newServerFixture(t)
	f.token = ""

	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"username": "jaheira",
		"password": "nature-warden",
		"role":     "PLAYER",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	// The bcrypt hash never appears in the response.
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	rec = f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "jaheira",
		"password": "nature-warden",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Token string `json:"token"`
	}
	decode(t, rec, &login)
	require.NotEmpty(t, login.Token)

	f.token = login.Token
	rec = f.do(t, http.MethodGet, "/api/v1/encounters", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newServerFixture(t)
	f.token = ""

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "dungeon-master",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	f := newServerFixture(t)
	f.token = ""

	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"username": "x",
		"password": "short",
		"role":     "WIZARD",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (f *serverFixture) createEncounter(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/encounters", map[string]string{
		"name":       "Goblin Ambush",
		"difficulty": "MEDIUM",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var enc struct {
		ID string `json:"ID"`
	}
	decode(t, rec, &enc)
	require.NotEmpty(t, enc.ID)
	return enc.ID
}

func (f *serverFixture) createCombat(t *testing.T, encounterID string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/encounters/"+encounterID+"/combat", map[string]interface{}{
		"participants": []map[string]interface{}{
			{"name": "Korgan", "isPlayer": true, "dexterity": 12, "maxHp": 30},
			{"name": "Goblin", "dexterity": 14, "maxHp": 7},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var cb struct {
		ID string `json:"id"`
	}
	decode(t, rec, &cb)
	require.NotEmpty(t, cb.ID)
	return cb.ID
}

func TestCombatLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	encounterID := f.createEncounter(t)
	combatID := f.createCombat(t, encounterID)

	// Starting before initiative is a conflict.
	rec := f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/initiative", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var op struct {
		Combat struct {
			Status       string                      `json:"status"`
			CurrentRound int                         `json:"currentRound"`
			Participants []combat.ParticipantSnapshot `json:"participants"`
		} `json:"combat"`
	}
	decode(t, rec, &op)
	assert.Equal(t, "ACTIVE", op.Combat.Status)
	assert.Equal(t, 1, op.Combat.CurrentRound)

	// Damage the goblin.
	var goblinID string
	for _, p := range op.Combat.Participants {
		if p.Name == "Goblin" {
			goblinID = p.ID
		}
	}
	require.NotEmpty(t, goblinID)

	rec = f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/damage", map[string]interface{}{
		"participantId": goblinID,
		"amount":        8,
		"damageType":    "slashing",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &op)
	for _, p := range op.Combat.Participants {
		if p.ID == goblinID {
			assert.Equal(t, 0, p.CurrentHP)
			assert.True(t, p.IsDead)
		}
	}

	rec = f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/next-turn", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/end", map[string]string{"outcome": "COMPLETED"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &op)
	assert.Equal(t, "COMPLETED", op.Combat.Status)

	// The log is readable over HTTP.
	rec = f.do(t, http.MethodGet, "/api/v1/combats/"+combatID+"/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []combatlog.Entry
	decode(t, rec, &entries)
	assert.NotEmpty(t, entries)
}

func TestEncounterEditsArePersisted(t *testing.T) {
	f := newServerFixture(t)
	encounterID := f.createEncounter(t)

	saved, ok := f.encStore.saved[encounterID]
	require.True(t, ok)
	assert.Equal(t, "Goblin Ambush", saved.Name)

	rec := f.do(t, http.MethodPost, "/api/v1/encounters/"+encounterID+"/participants", map[string]string{
		"characterId": "char-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, f.encStore.saved[encounterID].Participants, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/encounters/"+encounterID+"/lair-actions", map[string]interface{}{
		"name":       "Tremor",
		"initiative": 20,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, f.encStore.saved[encounterID].LairActions, 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/encounters/"+encounterID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, f.encStore.deleted, encounterID)
}

func TestUnknownCombatIs404(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/combats/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDamageValidation(t *testing.T) {
	f := newServerFixture(t)
	encounterID := f.createEncounter(t)
	combatID := f.createCombat(t, encounterID)

	rec := f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/damage", map[string]interface{}{
		"amount": 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamDeliversFrames(t *testing.T) {
	f := newServerFixture(t)
	encounterID := f.createEncounter(t)
	combatID := f.createCombat(t, encounterID)

	rec := f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/initiative", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/combats/"+combatID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts := httptest.NewServer(f.srv.echo)
	defer ts.Close()

	url := fmt.Sprintf("%s/api/v1/combats/%s/stream?token=%s", ts.URL, combatID, f.token)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Replay arrives first: the INITIATIVE_ROLLED entry leads the stream in
	// wire framing.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, string(combatlog.ActionInitiativeRolled))
}
