package server

import (
	"command-relay/internal/metrics"

	"github.com/labstack/echo/v4"
)

func (s *Server) registerRoutes(connectLimiter echo.MiddlewareFunc) {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.registry)))

	s.echo.GET("/", s.handleIndex)
	s.echo.GET("/ws", s.handleWebSocket, connectLimiter)
}
