package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turnwatch/turnwatch-server/internal/broadcast"
	"github.com/turnwatch/turnwatch-server/internal/combat"
	"github.com/turnwatch/turnwatch-server/internal/combatlog"
	"github.com/turnwatch/turnwatch-server/internal/config"
	"github.com/turnwatch/turnwatch-server/internal/encounter"
	"github.com/turnwatch/turnwatch-server/internal/metrics"
	"github.com/turnwatch/turnwatch-server/internal/repository"
	"github.com/turnwatch/turnwatch-server/internal/server"
	"github.com/turnwatch/turnwatch-server/internal/session"
	"github.com/turnwatch/turnwatch-server/internal/user"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting turnwatch server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	if cfg.Auth.AdminPassword == "" {
		logger.Warn("admin password not configured; seeded DM account disabled")
	}

	// Create context that listens for termination signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize database
	db, err := repository.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	stats := db.Stats()
	logger.Info("database connection pool initialized",
		zap.Int32("total_conns", stats.TotalConns()),
		zap.Int32("idle_conns", stats.IdleConns()),
	)

	// Initialize session manager and expiry sweep
	sessionMgr := session.NewManager(cfg.Auth.SessionTTL, logger)
	logger.Info("session manager initialized",
		zap.Duration("session_ttl", cfg.Auth.SessionTTL),
	)
	go sessionMgr.CleanupExpiredSessions(ctx)

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	combatStore := repository.NewCombatStore(db)
	encounterRepo := repository.NewEncounterRepository(db)

	// Initialize user manager
	userMgr := user.NewManager(userRepo, cfg.Auth.BcryptCost, logger)
	logger.Info("user manager initialized")

	if cfg.Auth.AdminPassword != "" {
		if _, err := userMgr.Register(ctx, "admin", "", cfg.Auth.AdminPassword, user.RoleDM); err != nil {
			if errors.Is(err, user.ErrUsernameTaken) {
				logger.Debug("admin account already exists")
			} else {
				logger.Error("failed to seed admin account", zap.Error(err))
			}
		} else {
			logger.Info("seeded admin DM account")
		}
	}

	// Initialize encounter manager and repopulate it from the database
	encounterMgr := encounter.NewManager(logger)
	encSnaps, err := encounterRepo.LoadAll(ctx)
	if err != nil {
		logger.Fatal("failed to load encounters", zap.Error(err))
	}
	for _, snap := range encSnaps {
		if err := encounterMgr.Register(encounter.FromSnapshot(snap)); err != nil {
			logger.Fatal("failed to register encounter",
				zap.String("encounter_id", snap.ID), zap.Error(err))
		}
	}
	logger.Info("encounter manager initialized", zap.Int("encounters", len(encSnaps)))

	// Initialize metrics
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// Initialize combat log journal and broadcaster
	journal := combatlog.NewJournal(logger)
	broadcaster := broadcast.New(journal, cfg.Broadcast.QueueSize, m, logger)

	// Initialize combat manager
	policy := combat.DefaultPolicy()
	policy.SkipDead = cfg.Combat.SkipDeadParticipants
	combatMgr := combat.NewManager(combatStore, journal, broadcaster, encounterMgr, policy, logger)
	logger.Info("combat manager initialized",
		zap.Bool("skip_dead_participants", policy.SkipDead),
	)

	// Resume combats that were open when the server last stopped.
	openCombats, err := combatStore.LoadOpenCombats(ctx)
	if err != nil {
		logger.Fatal("failed to load open combats", zap.Error(err))
	}
	for _, snap := range openCombats {
		enc, ok := encounterMgr.GetEncounter(snap.EncounterID)
		if !ok {
			logger.Warn("skipping combat with missing encounter",
				zap.String("combat_id", snap.ID),
				zap.String("encounter_id", snap.EncounterID))
			continue
		}
		entries, err := combatStore.LoadLogEntries(ctx, snap.ID, 0)
		if err != nil {
			logger.Fatal("failed to load combat log",
				zap.String("combat_id", snap.ID), zap.Error(err))
		}
		if _, err := combatMgr.RestoreCombat(*snap, enc, entries); err != nil {
			logger.Error("failed to restore combat",
				zap.String("combat_id", snap.ID), zap.Error(err))
			continue
		}
		if m != nil {
			m.CombatsActive.Inc()
		}
	}
	if len(openCombats) > 0 {
		logger.Info("open combats resumed", zap.Int("count", len(openCombats)))
	}

	srv := server.New(cfg.Server, server.Deps{
		Combats:        combatMgr,
		Encounters:     encounterMgr,
		EncounterStore: encounterRepo,
		Broadcaster:    broadcaster,
		Journal:        journal,
		Users:          userMgr,
		Sessions:       sessionMgr,
		Metrics:        m,
	}, logger)

	// Start HTTP server
	go func() {
		if srvErr := srv.Start(); srvErr != nil {
			logger.Error("http server error", zap.Error(srvErr))
		}
	}()

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			logger.Info("metrics server listening", zap.String("address", cfg.Metrics.Address))
			if metricsErr := http.ListenAndServe(cfg.Metrics.Address, mux); metricsErr != nil {
				logger.Error("metrics server error", zap.Error(metricsErr))
			}
		}()
	}

	logger.Info("turnwatch server initialized",
		zap.String("version", version),
		zap.String("address", cfg.Server.Address),
		zap.Int("max_sessions", cfg.Server.MaxSessions),
	)

	// Wait for termination signal
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Detach stream subscribers before draining HTTP
	broadcaster.CloseAll()
	sessionMgr.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("turnwatch server stopped")
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
