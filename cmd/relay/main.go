package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pubsub-relay/internal/broadcast"
	"github.com/pscheid92/pubsub-relay/internal/config"
	"github.com/pscheid92/pubsub-relay/internal/logging"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
	"github.com/pscheid92/pubsub-relay/internal/platform/version"
	"github.com/pscheid92/pubsub-relay/internal/redis"
	"github.com/pscheid92/pubsub-relay/internal/server"
	"github.com/pscheid92/pubsub-relay/internal/websocket"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(ctx, cfg.RedisConnectTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisAddress(), redis.DefaultConnectPolicy, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupSubscription(ctx context.Context, cfg *config.Config, rdb *goredis.Client) *goredis.PubSub {
	ctx, cancel := context.WithTimeout(ctx, cfg.RedisConnectTimeout)
	defer cancel()

	sub, err := redis.Subscribe(ctx, rdb, cfg.ChannelPatterns())
	if err != nil {
		slog.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}
	return sub
}

func healthChecks(rdb *goredis.Client, reader *redis.Reader) []server.HealthCheck {
	return []server.HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
		{Name: "subscription", Check: func(context.Context) error {
			if !reader.Healthy() {
				return errors.New("subscription reader is not running")
			}
			return nil
		}},
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "version", version.Get().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	rdb := setupRedis(ctx, cfg, m.Redis)
	sub := setupSubscription(ctx, cfg, rdb)

	bus := broadcast.NewBus(cfg.QueueCapacity, m.Bus)
	reader := redis.NewReader(sub, bus, redis.ReaderConfig{
		BreakerThreshold: uint32(cfg.ReaderBreakerThreshold),
		BreakerTimeout:   cfg.ReaderBreakerTimeout,
		Clock:            clock,
	}, m.Reader)

	limits := websocket.NewConnectionLimits(websocket.LimitsConfig{
		MaxConnections: int64(cfg.MaxConnections),
		MaxPerIP:       cfg.MaxConnectionsPerIP,
		RatePerSecond:  cfg.ConnectionRate,
		Burst:          cfg.ConnectionBurst,
		Clock:          clock,
	})
	acceptor := websocket.NewAcceptor(bus, limits, websocket.ForwarderConfig{
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
		Clock:        clock,
	}, websocket.NewCheckOrigin(cfg.Origins()), m.WebSocket)

	srv := server.New(acceptor, metrics.Handler(registry), m.HTTP, healthChecks(rdb, reader))

	ln, err := server.Listen(cfg.ListenAddr())
	if err != nil {
		slog.Error("Failed to bind listener", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reader.Run(gctx) })
	g.Go(func() error { return srv.Serve(ln) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		bus.Close()
		if err := acceptor.Wait(shutdownCtx); err != nil {
			slog.Warn("Timed out waiting for connections to close", "error", err)
		}
		if err := sub.Close(); err != nil {
			slog.Error("Failed to close subscription", "error", err)
		}
		if err := rdb.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Relay stopped")
}
