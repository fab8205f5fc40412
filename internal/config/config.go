package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	Host      string `env:"HOST" default:"0.0.0.0"`
	Port      int    `env:"PORT" default:"8000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	SendQueueSize  int           `env:"SEND_QUEUE_SIZE" default:"16"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	PingInterval   time.Duration `env:"PING_INTERVAL" default:"30s"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" default:"65536"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`

	ConnectRate  float64 `env:"CONNECT_RATE" default:"10"`
	ConnectBurst int     `env:"CONNECT_BURST" default:"20"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Addr is the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", cfg.SendQueueSize)
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be positive, got %s", cfg.WriteTimeout)
	}
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive, got %s", cfg.PingInterval)
	}
	if cfg.MaxMessageSize < 1 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", cfg.MaxMessageSize)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", cfg.ShutdownTimeout)
	}
	if cfg.ConnectRate <= 0 || cfg.ConnectBurst < 1 {
		return fmt.Errorf("CONNECT_RATE and CONNECT_BURST must be positive")
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return nil
}
