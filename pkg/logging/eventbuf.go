package logging

import (
	"sync"
	"time"
)

// Direction of a sideband event.
const (
	DirRx = "rx"
	DirTx = "tx"
)

// EventRecord is one sideband message or frame seen on the channel.
type EventRecord struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Dir    string    `json:"dir"`  // "rx", "tx"
	Kind   string    `json:"kind"` // message kind, or "frame"
	Xid    uint32    `json:"xid,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. C is not closed, so pending receives simply stop.
func (s *Subscription) Close() {
	s.eb.subMu.Lock()
	delete(s.eb.subs, s)
	s.eb.subMu.Unlock()
}

// NewEventBuffer creates a buffer holding the last size events.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add stores rec, overwriting the oldest event when full, and offers it
// to subscribers without blocking. A nil buffer discards events.
func (eb *EventBuffer) Add(rec EventRecord) {
	if eb == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // slow subscriber
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription with a channel of bufSize events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{C: make(chan EventRecord, bufSize), eb: eb}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	n = min(n, eb.count)
	if n <= 0 {
		return nil
	}
	out := make([]EventRecord, n)
	for i := range out {
		out[i] = eb.buf[(eb.head-1-i+eb.size)%eb.size]
	}
	return out
}

// Seq returns the sequence number of the last added event.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}
