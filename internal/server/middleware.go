package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/turnwatch/turnwatch-server/internal/broadcast"
	"github.com/turnwatch/turnwatch-server/internal/combat"
	"github.com/turnwatch/turnwatch-server/internal/repository"
	"github.com/turnwatch/turnwatch-server/internal/session"
)

const sessionContextKey = "turnwatch.session"

// requestLogger logs every request with latency and status.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			s.logger.Info("request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
			)
			return err
		}
	}
}

// requireSession resolves the session token from the Authorization header or,
// for stream endpoints, the token query parameter.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = c.QueryParam("token")
		}
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing session token")
		}

		sess, err := s.sessions.GetSession(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired session")
		}
		c.Set(sessionContextKey, sess)
		return next(c)
	}
}

func currentSession(c echo.Context) *session.Session {
	sess, _ := c.Get(sessionContextKey).(*session.Session)
	return sess
}

// httpError maps engine errors onto status codes.
func httpError(err error) *echo.HTTPError {
	var invalidState *combat.InvalidStateError
	var validation *combat.ValidationError
	var persistence *combat.PersistenceError
	var serialization *broadcast.SerializationError

	switch {
	case errors.Is(err, combat.ErrNotFound),
		errors.Is(err, repository.ErrEncounterNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &serialization):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &persistence):
		return echo.NewHTTPError(http.StatusInternalServerError, "persistence failure")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
