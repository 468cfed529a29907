package broadcast

import "github.com/pscheid92/pubsub-relay/internal/domain"

// queue is a fixed-capacity ring of messages. It is not safe for concurrent use;
// Handle guards it with its own mutex.
type queue struct {
	buf  []domain.Message
	head int
	size int
}

func newQueue(capacity int) *queue {
	return &queue{buf: make([]domain.Message, max(capacity, 1))}
}

// push appends msg, evicting the oldest entry when full. Reports whether an entry was evicted.
func (q *queue) push(msg domain.Message) bool {
	if q.size == len(q.buf) {
		q.buf[q.head] = msg
		q.head = (q.head + 1) % len(q.buf)
		return true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = msg
	q.size++
	return false
}

func (q *queue) pop() (domain.Message, bool) {
	if q.size == 0 {
		return domain.Message{}, false
	}
	msg := q.buf[q.head]
	q.buf[q.head] = domain.Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return msg, true
}

func (q *queue) len() int { return q.size }

func (q *queue) reset() {
	clear(q.buf)
	q.head = 0
	q.size = 0
}
