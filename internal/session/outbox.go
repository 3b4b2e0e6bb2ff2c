package session

import (
	"strings"
	"sync"

	"mdbroker/internal/protocol"
)

// OverflowPolicy decides what happens when an outbox is full.
type OverflowPolicy uint8

const (
	_overflow_beg OverflowPolicy = iota
	// OverflowDropOldest drops the oldest queued update to make room.
	OverflowDropOldest
	// OverflowDisconnect closes the session.
	OverflowDisconnect
	_overflow_end
)

func (p OverflowPolicy) IsAvailable() bool {
	return p > _overflow_beg && p < _overflow_end
}

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy is the inverse of String.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "drop_oldest":
		return OverflowDropOldest, true
	case "disconnect":
		return OverflowDisconnect, true
	default:
		return 0, false
	}
}

type pushResult uint8

const (
	pushed pushResult = iota
	pushedDropped
	pushOverflow
	pushClosed
)

type outboxItem struct {
	msg       protocol.Message
	droppable bool
}

// outbox is a bounded ring buffer of outbound messages. Only droppable
// items (streamed updates) are ever evicted; responses are kept or the
// push reports overflow.
type outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	buf      []outboxItem
	head     int
	size     int
	closed   bool
	policy   OverflowPolicy
}

func newOutbox(capacity int, policy OverflowPolicy) *outbox {
	if capacity <= 0 {
		capacity = 1
	}
	if !policy.IsAvailable() {
		policy = OverflowDropOldest
	}
	q := &outbox{
		buf:    make([]outboxItem, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *outbox) push(msg protocol.Message, droppable bool) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pushClosed
	}
	result := pushed
	if q.size == len(q.buf) {
		if q.policy != OverflowDropOldest || !q.dropOldest() {
			return pushOverflow
		}
		result = pushedDropped
	}
	q.buf[(q.head+q.size)%len(q.buf)] = outboxItem{msg: msg, droppable: droppable}
	q.size++
	q.notEmpty.Signal()
	return result
}

// dropOldest removes the oldest droppable item, shifting newer ones back.
func (q *outbox) dropOldest() bool {
	n := len(q.buf)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % n
		if !q.buf[idx].droppable {
			continue
		}
		for j := i; j > 0; j-- {
			q.buf[(q.head+j)%n] = q.buf[(q.head+j-1)%n]
		}
		q.buf[q.head] = outboxItem{}
		q.head = (q.head + 1) % n
		q.size--
		return true
	}
	return false
}

// pop blocks until a message is available or the outbox is closed.
func (q *outbox) pop() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.size > 0 {
			item := q.buf[q.head]
			q.buf[q.head] = outboxItem{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			return item.msg, true
		}
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

// close stops the outbox. Queued messages are discarded.
func (q *outbox) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for i := range q.buf {
		q.buf[i] = outboxItem{}
	}
	q.size = 0
	q.head = 0
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
