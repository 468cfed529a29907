package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/pubsub-relay/internal/broadcast"
	"github.com/pscheid92/pubsub-relay/internal/domain"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	kind int
	data []byte
}

// fakeConn records frames and fails writes once failAfter text frames were written.
type fakeConn struct {
	mu        sync.Mutex
	frames    []frame
	failAfter int
	closed    bool
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && c.countLocked(websocket.TextMessage) >= c.failAfter {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(kind int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) countLocked(kind int) int {
	n := 0
	for _, f := range c.frames {
		if f.kind == kind {
			n++
		}
	}
	return n
}

func (c *fakeConn) framesOf(kind int) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame
	for _, f := range c.frames {
		if f.kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type forwarderFixture struct {
	bus     *broadcast.Bus
	handle  *broadcast.Handle
	conn    *fakeConn
	clock   *clockwork.FakeClock
	metrics *metrics.WebSocketMetrics
	fwd     *Forwarder
}

func newForwarderFixture(t *testing.T, conn *fakeConn) *forwarderFixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	bus := broadcast.NewBus(10, metrics.NewBusMetrics(reg))
	t.Cleanup(bus.Close)

	handle, err := bus.Register()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	m := metrics.NewWebSocketMetrics(reg)
	cfg := ForwarderConfig{WriteTimeout: time.Second, PingInterval: 10 * time.Second, Clock: clock}

	return &forwarderFixture{
		bus:     bus,
		handle:  handle,
		conn:    conn,
		clock:   clock,
		metrics: m,
		fwd:     NewForwarder(conn, handle, bus, cfg, m),
	}
}

func (f *forwarderFixture) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.fwd.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestForwarder_WritesEnvelopesInOrder(t *testing.T) {
	fx := newForwarderFixture(t, &fakeConn{})
	ctx, cancel := context.WithCancel(context.Background())
	done := fx.start(ctx)

	fx.bus.Publish(domain.Message{Channel: "news", Payload: "hello"})
	fx.bus.Publish(domain.Message{Channel: "news.eu", Payload: "<b>&</b>"})

	require.Eventually(t, func() bool {
		return len(fx.conn.framesOf(websocket.TextMessage)) == 2
	}, time.Second, time.Millisecond)

	frames := fx.conn.framesOf(websocket.TextMessage)
	assert.Equal(t, `{"channel":"news","message":"hello"}`, string(frames[0].data))
	assert.Equal(t, `{"channel":"news.eu","message":"<b>&</b>"}`, string(frames[1].data))
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.MessagesSent))
	assert.Equal(t, StateActive, fx.fwd.State())

	cancel()
	waitDone(t, done)
	assert.Equal(t, StateClosed, fx.fwd.State())
}

func TestForwarder_WriteFailureDeregisters(t *testing.T) {
	fx := newForwarderFixture(t, &fakeConn{failAfter: 1})
	done := fx.start(context.Background())

	fx.bus.Publish(domain.Message{Channel: "a", Payload: "1"})
	fx.bus.Publish(domain.Message{Channel: "a", Payload: "2"})

	waitDone(t, done)
	assert.Equal(t, StateClosed, fx.fwd.State())
	assert.True(t, fx.handle.Closed())
	assert.True(t, fx.conn.isClosed())
	assert.Equal(t, 0, fx.bus.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.WriteFailures))

	// The bus keeps working for others.
	other, err := fx.bus.Register()
	require.NoError(t, err)
	fx.bus.Publish(domain.Message{Channel: "a", Payload: "3"})
	assert.Equal(t, 1, other.Len())
}

func TestForwarder_SendsPingOnTick(t *testing.T) {
	fx := newForwarderFixture(t, &fakeConn{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := fx.start(ctx)

	require.NoError(t, fx.clock.BlockUntilContext(ctx, 1))
	fx.clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		return len(fx.conn.framesOf(websocket.PingMessage)) == 1
	}, time.Second, time.Millisecond)

	cancel()
	waitDone(t, done)
}

func TestForwarder_BusCloseSendsGoingAway(t *testing.T) {
	fx := newForwarderFixture(t, &fakeConn{})
	done := fx.start(context.Background())

	fx.bus.Close()
	waitDone(t, done)

	closes := fx.conn.framesOf(websocket.CloseMessage)
	require.Len(t, closes, 1)
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), closes[0].data)
	assert.True(t, fx.conn.isClosed())
}

func TestForwarder_ContextCancelCloses(t *testing.T) {
	fx := newForwarderFixture(t, &fakeConn{})
	ctx, cancel := context.WithCancel(context.Background())
	done := fx.start(ctx)

	cancel()
	waitDone(t, done)

	assert.True(t, fx.handle.Closed())
	assert.True(t, fx.conn.isClosed())
	assert.Empty(t, fx.conn.framesOf(websocket.CloseMessage))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
}
