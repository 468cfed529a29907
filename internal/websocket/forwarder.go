package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pubsub-relay/internal/broadcast"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Conn is the write side of a WebSocket connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Deregisterer removes a handle from the bus.
type Deregisterer interface {
	Deregister(h *broadcast.Handle)
}

// State is the forwarder lifecycle. Closed is terminal.
type State int32

const (
	StateActive State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "active"
}

// ForwarderConfig holds the per-connection timing. Zero values fall back to defaults.
type ForwarderConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	Clock        clockwork.Clock
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Forwarder drains one handle into one connection. It is the only writer on conn.
type Forwarder struct {
	conn    Conn
	handle  *broadcast.Handle
	bus     Deregisterer
	cfg     ForwarderConfig
	metrics *metrics.WebSocketMetrics
	logger  *slog.Logger

	state     atomic.Int32
	closeOnce sync.Once
}

// NewForwarder binds one handle to one connection. Call Run to start forwarding.
func NewForwarder(conn Conn, handle *broadcast.Handle, bus Deregisterer, cfg ForwarderConfig, m *metrics.WebSocketMetrics) *Forwarder {
	return &Forwarder{
		conn:    conn,
		handle:  handle,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  slog.With("handle_id", handle.ID()),
	}
}

// State reports whether the forwarder is still Active.
func (f *Forwarder) State() State { return State(f.state.Load()) }

// Run forwards queued messages until a write fails, the handle is closed or ctx ends.
// On return the forwarder is Closed: its handle is deregistered and conn is closed.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.close()

	ticker := f.cfg.Clock.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-f.handle.Done():
			f.writeClose(websocket.CloseGoingAway, "server shutting down")
			return

		case <-ticker.Chan():
			deadline := f.cfg.Clock.Now().Add(f.cfg.WriteTimeout)
			if err := f.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.metrics.PingFailures.Inc()
				f.logger.Debug("Ping failed, closing forwarder", "error", err)
				return
			}

		case <-f.handle.Ready():
			if err := f.drain(); err != nil {
				f.metrics.WriteFailures.Inc()
				f.logger.Info("Write failed, closing forwarder", "error", err)
				return
			}
		}
	}
}

// drain writes every queued message in order, one text frame per message.
func (f *Forwarder) drain() error {
	for {
		msg, ok := f.handle.TryNext()
		if !ok {
			return nil
		}

		data, err := msg.Encode()
		if err != nil {
			f.logger.Error("Failed to encode envelope", "channel", msg.Channel, "error", err)
			continue
		}

		start := f.cfg.Clock.Now()
		_ = f.conn.SetWriteDeadline(start.Add(f.cfg.WriteTimeout))
		if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		f.metrics.MessagesSent.Inc()
		f.metrics.SendDuration.Observe(f.cfg.Clock.Since(start).Seconds())
	}
}

func (f *Forwarder) writeClose(code int, reason string) {
	deadline := f.cfg.Clock.Now().Add(f.cfg.WriteTimeout)
	err := f.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		f.logger.Debug("Failed to send close frame", "error", err)
	}
}

func (f *Forwarder) close() {
	f.closeOnce.Do(func() {
		f.state.Store(int32(StateClosed))
		f.bus.Deregister(f.handle)
		_ = f.conn.Close()
	})
}
