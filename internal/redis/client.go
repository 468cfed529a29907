package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pscheid92/pubsub-relay/internal/metrics"
	"github.com/pscheid92/pubsub-relay/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultConnectPolicy retries the initial ping with exponential backoff.
var DefaultConnectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// NewClient parses redisURL, attaches the metrics hook and verifies the server answers PING.
// The caller treats an error as fatal.
func NewClient(ctx context.Context, redisURL string, policy retry.Policy, m *metrics.RedisMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&MetricsHook{metrics: m})

	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Redis not reachable, retrying", "addr", opts.Addr, "attempt", attempt, "backoff", backoff, "error", err)
		}
	}

	err = retry.DoVoid(ctx, policy, classifyConnectError, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	slog.Info("Connected to Redis", "addr", opts.Addr)
	return rdb, nil
}

func classifyConnectError(err error) retry.Action {
	if isAuthError(err) {
		return retry.Stop
	}
	return retry.Retry
}

func isAuthError(err error) bool {
	var redisErr goredis.Error
	if !errors.As(err, &redisErr) {
		return false
	}
	msg := redisErr.Error()
	return strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") || strings.HasPrefix(msg, "ERR invalid password")
}
