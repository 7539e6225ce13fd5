package sideband

import "sync"

// record is one encoded, length-prefixed message awaiting transmit.
type record struct {
	b     []byte
	off   int // bytes already written
	tries int
}

// queue is the FIFO of outbound records, bounded by total bytes.
// Many producers push; the connection's sender is the only consumer.
type queue struct {
	mu     sync.Mutex
	items  []*record
	head   int
	bytes  int
	limit  int
	closed bool

	notify chan struct{}
}

func newQueue(limit int) *queue {
	return &queue{limit: limit, notify: make(chan struct{}, 1)}
}

func (q *queue) push(b []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrDisconnected
	}
	if q.limit > 0 && q.bytes+len(b) > q.limit {
		q.mu.Unlock()
		return ErrResourceExhausted
	}
	q.items = append(q.items, &record{b: b})
	q.bytes += len(b)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pushFront returns a record taken by pop to the head of the queue. It is
// not subject to the byte limit.
func (q *queue) pushFront(r *record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.head > 0 {
		q.head--
		q.items[q.head] = r
	} else {
		q.items = append([]*record{r}, q.items...)
	}
	q.bytes += len(r.b)
	return true
}

func (q *queue) pop() *record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return nil
	}
	r := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.bytes -= len(r.b)
	return r
}

// close drops every queued record and refuses further pushes. It returns
// the number of records dropped.
func (q *queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items) - q.head
	q.items = nil
	q.head = 0
	q.bytes = 0
	q.closed = true
	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
