package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/pubsub-relay/internal/broadcast"
	"github.com/pscheid92/pubsub-relay/internal/domain"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
	"github.com/pscheid92/pubsub-relay/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRelayServer wires a real bus and acceptor behind the full middleware stack.
func newRelayServer(t *testing.T) (*broadcast.Bus, *metrics.Metrics, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	bus := broadcast.NewBus(10, m.Bus)
	t.Cleanup(bus.Close)

	limits := websocket.NewConnectionLimits(websocket.LimitsConfig{
		MaxConnections: 10, MaxPerIP: 10, RatePerSecond: 100, Burst: 100,
	})
	acceptor := websocket.NewAcceptor(bus, limits, websocket.ForwarderConfig{}, nil, m.WebSocket)

	srv := New(acceptor, metrics.Handler(prometheus.NewRegistry()), m.HTTP, nil)
	httpServer := httptest.NewServer(srv)
	t.Cleanup(httpServer.Close)

	return bus, m, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func TestRoutes_UpgradeThroughMiddleware(t *testing.T) {
	for _, path := range []string{"/", "/ws"} {
		t.Run(path, func(t *testing.T) {
			bus, m, baseURL := newRelayServer(t)

			conn, _, err := ws.DefaultDialer.Dial(baseURL+path, nil)
			require.NoError(t, err)
			t.Cleanup(func() { conn.Close() })

			require.Eventually(t, func() bool { return bus.Len() == 1 }, 2*time.Second, time.Millisecond)
			bus.Publish(domain.Message{Channel: "news", Payload: "hello"})

			conn.SetReadDeadline(time.Now().Add(time.Second))
			kind, msg, err := conn.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, ws.TextMessage, kind)
			assert.Equal(t, `{"channel":"news","message":"hello"}`, string(msg))

			assert.Equal(t, 1.0, testutil.ToFloat64(m.WebSocket.ActiveConnections))
			assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTP.InFlightGauge))
		})
	}
}
