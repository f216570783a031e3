// Package server exposes the combat tracker over HTTP: a JSON control API for
// combat operations, a server-sent-events stream and a websocket stream for
// realtime log delivery.
package server

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/turnwatch/turnwatch-server/internal/broadcast"
	"github.com/turnwatch/turnwatch-server/internal/combat"
	"github.com/turnwatch/turnwatch-server/internal/combatlog"
	"github.com/turnwatch/turnwatch-server/internal/config"
	"github.com/turnwatch/turnwatch-server/internal/encounter"
	"github.com/turnwatch/turnwatch-server/internal/metrics"
	"github.com/turnwatch/turnwatch-server/internal/session"
	"github.com/turnwatch/turnwatch-server/internal/user"
)

// EncounterStore persists encounter snapshots as they change through the
// API.
type EncounterStore interface {
	Save(ctx context.Context, snap encounter.Snapshot) error
	Delete(ctx context.Context, id string) error
}

// Server wires the HTTP surface to the engine managers.
type Server struct {
	echo           *echo.Echo
	cfg            config.ServerConfig
	combats        *combat.Manager
	encounters     *encounter.Manager
	encounterStore EncounterStore
	broadcaster    *broadcast.Broadcaster
	journal        *combatlog.Journal
	users          *user.Manager
	sessions       *session.Manager
	metrics        *metrics.Metrics
	validate       *validator.Validate
	logger         *zap.Logger
}

// Deps carries the collaborators the server needs.
type Deps struct {
	Combats        *combat.Manager
	Encounters     *encounter.Manager
	EncounterStore EncounterStore
	Broadcaster    *broadcast.Broadcaster
	Journal        *combatlog.Journal
	Users          *user.Manager
	Sessions       *session.Manager
	Metrics        *metrics.Metrics
}

// New builds the server and registers all routes.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:           e,
		cfg:            cfg,
		combats:        deps.Combats,
		encounters:     deps.Encounters,
		encounterStore: deps.EncounterStore,
		broadcaster:    deps.Broadcaster,
		journal:        deps.Journal,
		users:          deps.Users,
		sessions:       deps.Sessions,
		metrics:        deps.Metrics,
		validate:       validator.New(),
		logger:         logger.Named("http"),
	}

	e.Use(echomw.Recover())
	e.Use(s.requestLogger())

	e.GET("/health", s.handleHealth)

	api := e.Group("/api/v1")
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/logout", s.handleLogout, s.requireSession)

	enc := api.Group("/encounters", s.requireSession)
	enc.POST("", s.handleCreateEncounter)
	enc.GET("", s.handleListEncounters)
	enc.GET("/:id", s.handleGetEncounter)
	enc.DELETE("/:id", s.handleDeleteEncounter)
	enc.POST("/:id/participants", s.handleAddEncounterParticipant)
	enc.DELETE("/:id/participants/:participantId", s.handleRemoveEncounterParticipant)
	enc.POST("/:id/lair-actions", s.handleAddLairAction)
	enc.DELETE("/:id/lair-actions/:lairActionId", s.handleRemoveLairAction)
	enc.POST("/:id/combat", s.handleCreateCombat)

	cb := api.Group("/combats", s.requireSession)
	cb.GET("/:id", s.handleGetCombat)
	cb.DELETE("/:id", s.handleRemoveCombat)
	cb.GET("/:id/log", s.handleGetLog)
	cb.POST("/:id/initiative", s.handleRollInitiative)
	cb.POST("/:id/start", s.handleStart)
	cb.POST("/:id/pause", s.handlePause)
	cb.POST("/:id/resume", s.handleResume)
	cb.POST("/:id/end", s.handleEnd)
	cb.POST("/:id/next-turn", s.handleNextTurn)
	cb.POST("/:id/damage", s.handleDamage)
	cb.POST("/:id/heal", s.handleHeal)
	cb.POST("/:id/conditions", s.handleApplyCondition)
	cb.DELETE("/:id/conditions/:condition", s.handleRemoveCondition)
	cb.POST("/:id/participants", s.handleAddCombatParticipant)
	cb.DELETE("/:id/participants/:participantId", s.handleRemoveCombatParticipant)

	// Stream endpoints authenticate via a session token query parameter
	// because EventSource cannot set headers.
	e.GET("/api/v1/combats/:id/stream", s.handleStream, s.requireSession)
	e.GET("/api/v1/combats/:id/ws", s.handleWebsocket, s.requireSession)

	return s
}

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("address", s.cfg.Address))
	if err := s.echo.Start(s.cfg.Address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
