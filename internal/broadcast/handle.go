package broadcast

import (
	"context"
	"sync"

	"github.com/pscheid92/pubsub-relay/internal/domain"
)

// Handle is the per-connection delivery queue between the Bus and one forwarder.
// The Bus pushes, the owning forwarder pops.
type Handle struct {
	id string

	mu      sync.Mutex
	queue   *queue
	closed  bool
	dropped uint64

	ready chan struct{}
	done  chan struct{}
}

func newHandle(id string, capacity int) *Handle {
	return &Handle{
		id:    id,
		queue: newQueue(capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// ID identifies the handle in logs.
func (h *Handle) ID() string { return h.id }

// Ready receives a value whenever messages become available after the queue was drained.
// Callers must drain with TryNext until it reports false.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed once the handle is deregistered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Next blocks until a message is available, the handle is closed or ctx is done.
func (h *Handle) Next(ctx context.Context) (domain.Message, error) {
	for {
		msg, ok, closed := h.tryNext()
		if closed {
			return domain.Message{}, domain.ErrHandleClosed
		}
		if ok {
			return msg, nil
		}

		select {
		case <-h.ready:
		case <-h.done:
			return domain.Message{}, domain.ErrHandleClosed
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}
}

// TryNext pops the oldest queued message without blocking.
func (h *Handle) TryNext() (domain.Message, bool) {
	msg, ok, _ := h.tryNext()
	return msg, ok
}

func (h *Handle) tryNext() (domain.Message, bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.Message{}, false, true
	}
	msg, ok := h.queue.pop()
	return msg, ok, false
}

// Len returns the number of queued, unread messages.
func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.len()
}

// Dropped returns how many messages were evicted from this handle's queue.
func (h *Handle) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Closed reports whether the handle has been deregistered.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// push enqueues msg under the drop-oldest policy.
// Returns delivered=false when the handle is already closed.
func (h *Handle) push(msg domain.Message) (delivered, evicted bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false, false
	}
	evicted = h.queue.push(msg)
	if evicted {
		h.dropped++
	}
	h.mu.Unlock()

	select {
	case h.ready <- struct{}{}:
	default:
	}
	return true, evicted
}

// close marks the handle dead and discards anything still queued.
func (h *Handle) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.closed = true
	h.queue.reset()
	close(h.done)
	return true
}
