package server

import (
	"errors"
	"net/http"
	"time"

	"command-relay/internal/relay"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleIndex(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, indexHTML)
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.relay.Len(),
		"uptime":      time.Since(s.startTime).Seconds(),
	})
}

// handleWebSocket upgrades the request and hands the connection to the relay.
// It blocks until that connection is closed.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		s.metrics.UpgradeFailures.Inc()
		s.logger.Warn("WebSocket upgrade failed", "remote_ip", c.RealIP(), "error", err)
		return nil
	}

	err = s.relay.Serve(c.Request().Context(), conn, c.RealIP())
	if err != nil && !errors.Is(err, relay.ErrShuttingDown) {
		s.logger.Error("WebSocket connection ended with error", "remote_ip", c.RealIP(), "error", err)
	}
	return nil
}
