package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	RedisHost           string        `env:"REDIS_HOST" default:"127.0.0.1"`
	RedisURL            string        `env:"REDIS_URL"`
	RedisChannels       string        `env:"REDIS_CHANNELS"` // comma-delimited patterns
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" default:"10s"`

	ListenHost string `env:"LISTEN_HOST" default:"127.0.0.1"`
	Port       string `env:"PORT" default:"9001"`

	QueueCapacity       int     `env:"QUEUE_CAPACITY" default:"10"`
	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"20"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"40"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS"` // comma-delimited; empty allows all

	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" default:"5s"`
	PingInterval time.Duration `env:"WS_PING_INTERVAL" default:"30s"`

	ReaderBreakerThreshold int           `env:"READER_BREAKER_THRESHOLD" default:"5"`
	ReaderBreakerTimeout   time.Duration `env:"READER_BREAKER_TIMEOUT" default:"5s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
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

func validate(cfg *Config) error {
	if len(cfg.ChannelPatterns()) == 0 {
		return errors.New("REDIS_CHANNELS is required")
	}
	if cfg.RedisURL == "" && cfg.RedisHost == "" {
		return errors.New("REDIS_HOST or REDIS_URL is required")
	}

	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"QUEUE_CAPACITY", cfg.QueueCapacity},
		{"MAX_CONNECTIONS", cfg.MaxConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"CONNECTION_BURST", cfg.ConnectionBurst},
		{"READER_BREAKER_THRESHOLD", cfg.ReaderBreakerThreshold},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if cfg.ConnectionRate <= 0 {
		return fmt.Errorf("CONNECTION_RATE must be positive, got %v", cfg.ConnectionRate)
	}
	if cfg.WriteTimeout <= 0 || cfg.PingInterval <= 0 || cfg.RedisConnectTimeout <= 0 || cfg.ReaderBreakerTimeout <= 0 {
		return errors.New("timeouts and intervals must be positive")
	}

	return nil
}

// ChannelPatterns splits REDIS_CHANNELS on commas, trimming blanks.
func (c *Config) ChannelPatterns() []string {
	return splitList(c.RedisChannels)
}

// Origins splits ALLOWED_ORIGINS on commas, trimming blanks.
func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// RedisAddress returns REDIS_URL when set, otherwise a URL built from REDIS_HOST.
func (c *Config) RedisAddress() string {
	if c.RedisURL != "" {
		return c.RedisURL
	}
	return fmt.Sprintf("redis://%s/", c.RedisHost)
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, c.Port)
}
