package sideband

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/xmux/pkg/logging"
	"github.com/psaab/xmux/pkg/msg"
	"github.com/psaab/xmux/pkg/mux"
)

// ConnStats counts outbound traffic of one connection.
type ConnStats struct {
	Queued  atomic.Uint64
	Sent    atomic.Uint64
	Retried atomic.Uint64
	Dropped atomic.Uint64
}

// Conn is the connection to one switch daemon.
type Conn struct {
	nc   net.Conn
	m    *mux.Mux
	opts *Options
	q    *queue

	stats ConnStats

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(nc net.Conn, m *mux.Mux, opts *Options) *Conn {
	return &Conn{
		nc:   nc,
		m:    m,
		opts: opts,
		q:    newQueue(opts.QueueLimitBytes),
		done: make(chan struct{}),
	}
}

// Stats returns the connection counters.
func (c *Conn) Stats() *ConnStats { return &c.stats }

// QueueLen returns the number of queued records.
func (c *Conn) QueueLen() int { return c.q.len() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send queues m for transmit. It never blocks.
func (c *Conn) Send(m msg.Message) error {
	if err := c.enqueue(msg.Encode(m)); err != nil {
		return err
	}
	detail := ""
	if s, ok := m.(fmt.Stringer); ok {
		detail = s.String()
	}
	c.opts.Events.Add(logging.EventRecord{Dir: logging.DirTx, Kind: m.Kind().String(), Detail: detail})
	return nil
}

// SendRaw queues an already encoded message or frame.
func (c *Conn) SendRaw(b []byte) error {
	return c.enqueue(b)
}

func (c *Conn) enqueue(b []byte) error {
	if len(b) == 0 || len(b) > msg.MaxRecord {
		return fmt.Errorf("%w: record length %d", msg.ErrInvalidMessage, len(b))
	}
	rec := msg.AppendRecord(make([]byte, 0, msg.RecordPrefixSize+len(b)), b)
	switch err := c.q.push(rec); {
	case errors.Is(err, ErrResourceExhausted):
		c.m.Inc(mux.SbtxNoMem)
		c.stats.Dropped.Add(1)
		return err
	case err != nil:
		c.stats.Dropped.Add(1)
		return err
	}
	c.m.Inc(mux.SbtxQueued)
	c.stats.Queued.Add(1)
	return nil
}

// sendLoop is the only consumer of the queue.
func (c *Conn) sendLoop() {
	tick := time.NewTicker(c.opts.TickInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.q.notify:
		case <-tick.C:
			c.m.Inc(mux.SbtxTicks)
		}
		if err := c.drain(); err != nil {
			slog.Info("sideband: send failed", "remote", c.nc.RemoteAddr(), "err", err)
			c.close()
			return
		}
	}
}

// drain writes queued records in order until the queue is empty or a
// write times out. A record that keeps timing out is dropped after
// Retries attempts unless part of it already went out, which leaves the
// stream unrecoverable.
func (c *Conn) drain() error {
	for {
		select {
		case <-c.done:
			return nil
		default:
		}
		r := c.q.pop()
		if r == nil {
			return nil
		}
		c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		n, err := c.nc.Write(r.b[r.off:])
		r.off += n
		if err == nil {
			c.m.Inc(mux.SbtxMsgs)
			c.m.Inc(mux.SbtxFree)
			c.stats.Sent.Add(1)
			continue
		}
		timeout := isTimeout(err)
		if timeout && r.tries < c.opts.Retries {
			r.tries++
			c.m.Inc(mux.SbtxRetries)
			c.stats.Retried.Add(1)
			c.q.pushFront(r)
			return nil
		}
		c.m.Inc(mux.SbtxFree)
		c.stats.Dropped.Add(1)
		if !timeout {
			return err
		}
		if r.off > 0 {
			return fmt.Errorf("record stalled after %d of %d bytes: %w", r.off, len(r.b), err)
		}
		slog.Warn("sideband: dropping record after retries", "tries", r.tries+1)
	}
}

// close tears the connection down and discards queued records.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
		if n := c.q.close(); n > 0 {
			c.stats.Dropped.Add(uint64(n))
			c.m.Add(mux.SbtxFree, uint64(n))
			slog.Info("sideband: discarded queued records", "count", n)
		}
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
