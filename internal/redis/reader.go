package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pubsub-relay/internal/domain"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Receiver is the blocking "next message" side of a Redis subscription.
// *goredis.PubSub satisfies it.
type Receiver interface {
	ReceiveMessage(ctx context.Context) (*goredis.Message, error)
}

// Publisher accepts normalized messages. Publish must not block on slow consumers.
type Publisher interface {
	Publish(msg domain.Message)
}

type ReaderConfig struct {
	// BreakerThreshold is the number of consecutive receive failures that open the breaker.
	BreakerThreshold uint32
	// BreakerTimeout is how long the breaker stays open; the reader pauses for the same duration.
	BreakerTimeout time.Duration
	Clock          clockwork.Clock
}

// Reader pulls messages off a pattern subscription and publishes them to the bus.
type Reader struct {
	receiver  Receiver
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	pause     time.Duration
	clock     clockwork.Clock
	metrics   *metrics.ReaderMetrics
	running   atomic.Bool
}

func NewReader(receiver Receiver, publisher Publisher, cfg ReaderConfig, m *metrics.ReaderMetrics) *Reader {
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	r := &Reader{
		receiver:  receiver,
		publisher: publisher,
		pause:     cfg.BreakerTimeout,
		clock:     cfg.Clock,
		metrics:   m,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-reader",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Reader circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			m.BreakerState.Set(stateToFloat(to))
		},
	})
	return r
}

// Run reads until ctx is cancelled. Per-message errors are logged and skipped;
// Run never returns because of them.
func (r *Reader) Run(ctx context.Context) error {
	r.running.Store(true)
	r.metrics.SubscriptionActive.Set(1)
	defer func() {
		r.running.Store(false)
		r.metrics.SubscriptionActive.Set(0)
	}()

	for ctx.Err() == nil {
		msg, err := r.fetch(ctx)
		switch {
		case err == nil:
			slog.Debug("Message received", "channel", msg.Channel, "payload", msg.Payload)
			r.metrics.Received.Inc()
			r.publisher.Publish(msg)

		case ctx.Err() != nil:
			return nil

		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			r.wait(ctx)

		case errors.Is(err, domain.ErrInvalidPayload):
			slog.Warn("Skipping malformed message", "error", err)
			r.metrics.Errors.WithLabelValues("payload").Inc()

		default:
			slog.Warn("Failed to receive message, retrying", "error", err)
			r.metrics.Errors.WithLabelValues("receive").Inc()
		}
	}
	return nil
}

// Healthy reports whether the reader loop is running and its breaker is not open.
func (r *Reader) Healthy() bool {
	return r.running.Load() && r.breaker.State() != gobreaker.StateOpen
}

func (r *Reader) fetch(ctx context.Context) (domain.Message, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.receiver.ReceiveMessage(ctx)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return normalize(res.(*goredis.Message))
}

func (r *Reader) wait(ctx context.Context) {
	select {
	case <-r.clock.After(r.pause):
	case <-ctx.Done():
	}
}

// normalize maps a Redis pub/sub message onto the relay's message shape.
// Pattern subscriptions report the concrete channel in Channel.
func normalize(m *goredis.Message) (domain.Message, error) {
	if !utf8.ValidString(m.Payload) {
		return domain.Message{}, fmt.Errorf("channel %q: %w", m.Channel, domain.ErrInvalidPayload)
	}
	return domain.Message{Channel: m.Channel, Payload: m.Payload}, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
