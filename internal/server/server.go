package server

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"time"

	"command-relay/internal/metrics"
	"command-relay/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

//go:embed static/index.html
var indexHTML []byte

const rateLimiterExpiry = 5 * time.Minute

type Options struct {
	Addr         string
	ConnectRate  float64
	ConnectBurst int

	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.RelayMetrics
}

type Server struct {
	echo      *echo.Echo
	relay     *relay.Relay
	upgrader  websocket.Upgrader
	addr      string
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.RelayMetrics
	startTime time.Time
}

func New(r *relay.Relay, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = metrics.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRelayMetrics(opts.Registry)
	}
	if opts.ConnectRate <= 0 {
		opts.ConnectRate = 10
	}
	if opts.ConnectBurst <= 0 {
		opts.ConnectBurst = 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(opts.Logger))

	s := &Server{
		echo:  e,
		relay: r,
		upgrader: websocket.Upgrader{
			// Origins are not checked; the relay has no notion of client identity.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		addr:      opts.Addr,
		logger:    opts.Logger,
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		startTime: time.Now(),
	}
	s.registerRoutes(newRateLimiter(opts.ConnectRate, opts.ConnectBurst))

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", "addr", s.addr)
	return s.echo.Start(s.addr)
}

// Shutdown stops accepting requests. Upgraded connections are hijacked and
// are closed by relay.Shutdown, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				logger.Warn("http request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("http request", attrs...)
			return nil
		},
	})
}
