package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/pubsub-relay/internal/domain"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiveResult struct {
	msg *goredis.Message
	err error
}

// fakeReceiver replays scripted results, then blocks until the context ends.
type fakeReceiver struct {
	results chan receiveResult
}

func newFakeReceiver(results ...receiveResult) *fakeReceiver {
	ch := make(chan receiveResult, len(results))
	for _, r := range results {
		ch <- r
	}
	return &fakeReceiver{results: ch}
}

func (f *fakeReceiver) ReceiveMessage(ctx context.Context) (*goredis.Message, error) {
	select {
	case r := <-f.results:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (p *recordingPublisher) Publish(msg domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) published() []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Message(nil), p.msgs...)
}

func ok(channel, payload string) receiveResult {
	return receiveResult{msg: &goredis.Message{Channel: channel, Pattern: "chat:*", Payload: payload}}
}

func fail(err error) receiveResult {
	return receiveResult{err: err}
}

func runReader(t *testing.T, r *Reader) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("reader did not stop after cancel")
		}
	}
}

func TestReader_PublishesNormalizedMessages(t *testing.T) {
	m := metrics.NewReaderMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	recv := newFakeReceiver(ok("chat:1", "hello"), ok("chat:2", "world"))

	r := NewReader(recv, pub, ReaderConfig{}, m)
	stop := runReader(t, r)
	defer stop()

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []domain.Message{
		{Channel: "chat:1", Payload: "hello"},
		{Channel: "chat:2", Payload: "world"},
	}, pub.published())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Received))
	assert.True(t, r.Healthy())
}

func TestReader_SkipsErrorsAndContinues(t *testing.T) {
	m := metrics.NewReaderMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	recv := newFakeReceiver(
		fail(errors.New("read tcp: i/o timeout")),
		ok("chat:1", "first"),
		ok("chat:1", string([]byte{0xff, 0xfe})),
		fail(errors.New("connection reset by peer")),
		ok("chat:1", "second"),
	)

	r := NewReader(recv, pub, ReaderConfig{BreakerThreshold: 5}, m)
	stop := runReader(t, r)
	defer stop()

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "first", pub.published()[0].Payload)
	assert.Equal(t, "second", pub.published()[1].Payload)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Errors.WithLabelValues("receive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("payload")))
}

func TestReader_MalformedPayloadsDoNotTripBreaker(t *testing.T) {
	m := metrics.NewReaderMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	bad := string([]byte{0xc3, 0x28})
	recv := newFakeReceiver(ok("chat:1", bad), ok("chat:1", bad), ok("chat:1", bad), ok("chat:1", "fine"))

	r := NewReader(recv, pub, ReaderConfig{BreakerThreshold: 1, BreakerTimeout: time.Hour, Clock: clockwork.NewFakeClock()}, m)
	stop := runReader(t, r)
	defer stop()

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Errors.WithLabelValues("payload")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState))
	assert.True(t, r.Healthy())
}

func TestReader_BreakerOpensThenRecovers(t *testing.T) {
	m := metrics.NewReaderMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	down := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	recv := newFakeReceiver(fail(down), fail(down), ok("chat:1", "back"))

	r := NewReader(recv, pub, ReaderConfig{
		BreakerThreshold: 2,
		BreakerTimeout:   20 * time.Millisecond,
		Clock:            clockwork.NewRealClock(),
	}, m)
	stop := runReader(t, r)
	defer stop()

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "back", pub.published()[0].Payload)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState), "breaker closes after a successful receive")
}

func TestReader_OpenBreakerWaitsOnClock(t *testing.T) {
	m := metrics.NewReaderMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	down := errors.New("connection refused")
	recv := newFakeReceiver(fail(down))
	clock := clockwork.NewFakeClock()

	r := NewReader(recv, pub, ReaderConfig{BreakerThreshold: 1, BreakerTimeout: time.Hour, Clock: clock}, m)
	stop := runReader(t, r)
	defer stop()

	// The reader parks on the fake clock instead of spinning against the open breaker.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.False(t, r.Healthy())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))
}

func TestReader_StopsOnCancel(t *testing.T) {
	m := metrics.NewReaderMetrics(prometheus.NewRegistry())
	r := NewReader(newFakeReceiver(), &recordingPublisher{}, ReaderConfig{}, m)

	stop := runReader(t, r)
	require.Eventually(t, r.Healthy, time.Second, time.Millisecond)
	stop()

	assert.False(t, r.Healthy())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SubscriptionActive))
}

func TestNormalize(t *testing.T) {
	msg, err := normalize(&goredis.Message{Channel: "news", Pattern: "n*", Payload: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.Message{Channel: "news", Payload: "hello"}, msg)

	_, err = normalize(&goredis.Message{Channel: "news", Payload: "\xc3\x28"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}
