package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// sseSink writes frames to one event-stream response. Pointer identity is the
// subscription key.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleStream attaches the client to a combat's event stream. The full
// committed log replays first, then live entries follow in commit order.
func (s *Server) handleStream(c echo.Context) error {
	combatID := c.Param("id")
	if _, ok := s.combats.GetCombat(combatID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "combat not found")
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: c.Response().Writer, flusher: flusher}
	s.broadcaster.Subscribe(combatID, sink)
	defer s.broadcaster.Unsubscribe(combatID, sink)

	s.logger.Info("stream attached",
		zap.String("combat_id", combatID),
		zap.String("session_id", currentSession(c).ID),
	)

	// The writer goroutine owns delivery; this handler just holds the
	// connection open until the client goes away.
	<-c.Request().Context().Done()
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsSink delivers the same frames over a websocket, for clients that cannot
// use EventSource.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) handleWebsocket(c echo.Context) error {
	combatID := c.Param("id")
	if _, ok := s.combats.GetCombat(combatID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "combat not found")
	}

	conn, err := upgrader.Upgrade(c.Response().Writer, c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	s.broadcaster.Subscribe(combatID, sink)
	defer s.broadcaster.Unsubscribe(combatID, sink)

	s.logger.Info("websocket attached",
		zap.String("combat_id", combatID),
		zap.String("session_id", currentSession(c).ID),
	)

	// Reads are discarded; the socket is outbound-only. A read error means
	// the client is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}
