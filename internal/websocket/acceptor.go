package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/pubsub-relay/internal/broadcast"
	"github.com/pscheid92/pubsub-relay/internal/domain"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
)

// Clients only receive; anything they send is read and discarded.
const maxClientMessageSize = 512

// Registrar is the part of the bus the acceptor needs.
type Registrar interface {
	Register() (*broadcast.Handle, error)
	Deregister(h *broadcast.Handle)
}

// Acceptor upgrades inbound HTTP requests to WebSocket connections and starts a
// forwarder for each. It serves one connection per ServeHTTP call.
type Acceptor struct {
	bus      Registrar
	limits   *ConnectionLimits
	cfg      ForwarderConfig
	metrics  *metrics.WebSocketMetrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// NewAcceptor builds an acceptor. A nil checkOrigin accepts every origin.
func NewAcceptor(bus Registrar, limits *ConnectionLimits, cfg ForwarderConfig, checkOrigin func(*http.Request) bool, m *metrics.WebSocketMetrics) *Acceptor {
	if checkOrigin == nil {
		checkOrigin = NewCheckOrigin(nil)
	}
	return &Acceptor{
		bus:     bus,
		limits:  limits,
		cfg:     cfg.withDefaults(),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	logger := slog.With("remote", r.RemoteAddr)

	if !a.track() {
		a.metrics.RejectedConnections.WithLabelValues("shutdown").Inc()
		logger.Info("Connection refused while draining")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer a.wg.Done()

	if ok, reason := a.limits.Acquire(ip); !ok {
		a.metrics.RejectedConnections.WithLabelValues(string(reason)).Inc()
		logger.Warn("Connection rejected", "reason", reason)
		http.Error(w, http.StatusText(reason.StatusCode()), reason.StatusCode())
		return
	}
	defer a.limits.Release(ip)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		a.metrics.RejectedConnections.WithLabelValues("handshake").Inc()
		logger.Warn("Error during WebSocket handshake", "error", err)
		return
	}

	handle, err := a.bus.Register()
	if err != nil {
		a.rejectRegistration(conn, err, logger)
		return
	}

	logger = logger.With("handle_id", handle.ID())
	logger.Info("Established a new connection")
	a.metrics.ActiveConnections.Inc()
	defer a.metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	forwarder := NewForwarder(conn, handle, a.bus, a.cfg, a.metrics)
	done := make(chan struct{})
	go func() {
		defer close(done)
		forwarder.Run(ctx)
	}()

	a.readPump(conn)

	cancel()
	<-done
	logger.Info("Removing disconnected peer")
}

// readPump consumes client frames so control frames are processed. It returns
// when the peer goes away, stops answering pings or the forwarder closes conn.
func (a *Acceptor) readPump(conn *websocket.Conn) {
	pongWait := 2 * a.cfg.PingInterval
	extend := func() {
		_ = conn.SetReadDeadline(a.cfg.Clock.Now().Add(pongWait))
	}

	conn.SetReadLimit(maxClientMessageSize)
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (a *Acceptor) rejectRegistration(conn *websocket.Conn, err error, logger *slog.Logger) {
	defer func() { _ = conn.Close() }()

	if errors.Is(err, domain.ErrBusClosed) {
		a.metrics.RejectedConnections.WithLabelValues("shutdown").Inc()
		deadline := a.cfg.Clock.Now().Add(a.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		logger.Info("Connection refused during shutdown")
		return
	}

	a.metrics.RejectedConnections.WithLabelValues("register").Inc()
	logger.Error("Failed to register connection", "error", err)
}

// track counts a request in the WaitGroup unless the acceptor is draining.
func (a *Acceptor) track() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining {
		return false
	}
	a.wg.Add(1)
	return true
}

// Wait stops admitting new connections and blocks until every accepted
// connection has finished or ctx ends.
func (a *Acceptor) Wait(ctx context.Context) error {
	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
