package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/pubsub-relay/internal/domain"
	"github.com/pscheid92/pubsub-relay/internal/metrics"
)

const (
	// OverflowPolicy names the single policy applied when a handle's queue is full:
	// the oldest unread message is evicted to admit the new one.
	OverflowPolicy = "drop-oldest"

	// DefaultQueueCapacity is the per-handle queue capacity used when none is configured.
	DefaultQueueCapacity = 10
)

// Bus fans every published message out to all registered handles.
// Registry mutation and the publish snapshot share mu; the enqueue into each handle
// happens outside mu so registrations are never held up by fan-out.
type Bus struct {
	mu       sync.Mutex
	handles  map[*Handle]struct{}
	closed   bool
	capacity int

	// publishMu keeps concurrent publishers from interleaving their fan-outs,
	// so every handle observes publish order.
	publishMu sync.Mutex

	metrics *metrics.BusMetrics
}

// NewBus creates a bus whose handles buffer up to capacity messages each.
func NewBus(capacity int, m *metrics.BusMetrics) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Bus{
		handles:  make(map[*Handle]struct{}),
		capacity: capacity,
		metrics:  m,
	}
}

// Capacity returns the per-handle queue capacity.
func (b *Bus) Capacity() int { return b.capacity }

// Register adds a new live, empty handle. It receives every message whose publish
// snapshot is taken after Register returns.
func (b *Bus) Register() (*Handle, error) {
	h := newHandle(uuid.NewString(), b.capacity)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrBusClosed
	}
	b.handles[h] = struct{}{}
	b.metrics.Subscribers.Set(float64(len(b.handles)))

	slog.Debug("Handle registered", "handle_id", h.id, "total_handles", len(b.handles))
	return h, nil
}

// Deregister removes and closes the handle. Safe to call more than once and
// concurrently with Publish; a deregistered handle never receives another message.
func (b *Bus) Deregister(h *Handle) {
	if h == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.handles[h]
	delete(b.handles, h)
	remaining := len(b.handles)
	b.metrics.Subscribers.Set(float64(remaining))
	b.mu.Unlock()

	h.close()

	if ok {
		slog.Debug("Handle deregistered", "handle_id", h.id, "remaining_handles", remaining, "dropped", h.Dropped())
	}
}

// Publish enqueues msg into every handle registered at the time of the call.
// It never waits for a consumer: full queues drop their oldest entry.
func (b *Bus) Publish(msg domain.Message) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	targets := b.snapshot()
	b.metrics.Published.Inc()

	for _, h := range targets {
		delivered, evicted := h.push(msg)
		if !delivered {
			continue
		}
		if evicted {
			b.metrics.Dropped.Inc()
			slog.Debug("Lagging handle dropped oldest message", "handle_id", h.id, "channel", msg.Channel)
		}
	}
}

func (b *Bus) snapshot() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	targets := make([]*Handle, 0, len(b.handles))
	for h := range b.handles {
		targets = append(targets, h)
	}
	return targets
}

// Len returns the number of registered handles.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

// Close deregisters every handle and rejects further registrations.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	handles := b.handles
	b.handles = make(map[*Handle]struct{})
	b.metrics.Subscribers.Set(0)
	b.mu.Unlock()

	for h := range handles {
		h.close()
	}
	slog.Info("Broadcast bus closed", "closed_handles", len(handles))
}
