// Package sideband carries control messages and exception frames between
// the mux and one switch daemon over a stream socket.
//
// Each record on the stream is a little-endian uint32 length followed by
// either an encoded msg.Message or a raw Ethernet frame.
package sideband

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/psaab/xmux/pkg/logging"
	"github.com/psaab/xmux/pkg/msg"
	"github.com/psaab/xmux/pkg/mux"
)

var (
	// ErrDisconnected is returned when no daemon is connected.
	ErrDisconnected = errors.New("sideband disconnected")

	// ErrResourceExhausted is returned when the outbound queue has no
	// room for a record.
	ErrResourceExhausted = errors.New("sideband queue exhausted")

	// ErrQueueFull matches ErrResourceExhausted.
	ErrQueueFull = ErrResourceExhausted
)

// Handler consumes inbound records.
type Handler interface {
	HandleMsg(m msg.Message) error
	HandleFrame(frame []byte)
}

// Options configures a Server.
type Options struct {
	Network string
	Address string

	// Retries is the number of write timeouts tolerated per record.
	Retries int
	// QueueLimitBytes bounds queued record bytes per connection; 0 is
	// unbounded.
	QueueLimitBytes int
	// ReadTimeout bounds the read of one record once it has started.
	ReadTimeout time.Duration
	// WriteTimeout bounds one write attempt.
	WriteTimeout time.Duration
	// TickInterval is the idle poll period of the send and receive loops.
	TickInterval time.Duration

	Events *logging.EventBuffer

	OnConnect    func()
	OnDisconnect func()
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = time.Second
	defaultTick         = 100 * time.Millisecond
	rxBufferSize        = 64 * 1024
)

func (o *Options) setDefaults() {
	if o.Network == "" {
		o.Network = "unix"
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTick
	}
}

// Server accepts switch daemon connections, one active at a time.
type Server struct {
	m    *mux.Mux
	opts Options
	h    Handler

	cancel   context.CancelFunc
	listener net.Listener

	mu   sync.Mutex
	conn *Conn

	wg sync.WaitGroup
}

// NewServer returns a Server for m.
func NewServer(m *mux.Mux, opts Options) *Server {
	opts.setDefaults()
	return &Server{m: m, opts: opts}
}

// Start listens and serves connections in the background, handing inbound
// records to h.
func (s *Server) Start(ctx context.Context, h Handler) error {
	ln, err := net.Listen(s.opts.Network, s.opts.Address)
	if err != nil {
		return fmt.Errorf("sideband listen: %w", err)
	}
	s.StartListener(ctx, ln, h)
	return nil
}

// StartListener serves connections accepted from ln.
func (s *Server) StartListener(ctx context.Context, ln net.Listener, h Handler) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.h = h
	s.listener = ln
	s.m.SetFlag(mux.FlagSbListen)
	slog.Info("sideband: listening", "network", ln.Addr().Network(), "addr", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and the active connection and waits for the
// receive task to finish, at most until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return &mux.TeardownError{Stage: "sideband", Err: ctx.Err()}
	}
	s.m.ClearFlag(mux.FlagSbListen)
	return nil
}

// Conn returns the active connection, or nil.
func (s *Server) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connected reports whether a daemon is connected.
func (s *Server) Connected() bool { return s.Conn() != nil }

// QueueLen returns the records waiting on the active connection.
func (s *Server) QueueLen() int {
	if c := s.Conn(); c != nil {
		return c.QueueLen()
	}
	return 0
}

// Send queues m on the active connection.
func (s *Server) Send(m msg.Message) error {
	c := s.Conn()
	if c == nil {
		return ErrDisconnected
	}
	return c.Send(m)
}

// SendRaw queues an encoded record on the active connection.
func (s *Server) SendRaw(b []byte) error {
	c := s.Conn()
	if c == nil {
		return ErrDisconnected
	}
	return c.SendRaw(b)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("sideband: accept error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		s.attach(ctx, nc)
	}
}

// attach makes nc the active connection, replacing any previous one.
func (s *Server) attach(ctx context.Context, nc net.Conn) *Conn {
	c := newConn(nc, s.m, &s.opts)

	s.mu.Lock()
	old := s.conn
	s.conn = c
	s.mu.Unlock()
	if old != nil {
		slog.Info("sideband: replacing connection", "remote", old.RemoteAddr())
		old.close()
	}

	s.m.Inc(mux.SbConnections)
	s.m.SetFlag(mux.FlagSbConnection)
	slog.Info("sideband: daemon connected", "remote", nc.RemoteAddr())
	if s.opts.OnConnect != nil {
		s.opts.OnConnect()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.sendLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.receiveLoop(ctx, c)
	}()
	return c
}

func (s *Server) detach(c *Conn) {
	c.close()
	s.mu.Lock()
	current := s.conn == c
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	s.m.ClearFlag(mux.FlagSbConnection)
	s.m.ClearFlag(mux.FlagSbrxTask)
	slog.Info("sideband: daemon disconnected", "remote", c.RemoteAddr(),
		"sent", c.stats.Sent.Load(), "dropped", c.stats.Dropped.Load())
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect()
	}
}

// receiveLoop is the receive task of a connection. It dispatches every
// record inline.
func (s *Server) receiveLoop(ctx context.Context, c *Conn) {
	s.m.SetFlag(mux.FlagSbrxTask)
	defer s.detach(c)

	br := bufio.NewReaderSize(c.nc, rxBufferSize)
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		// Wait for the first byte of a record with a short deadline so
		// that an idle connection notices cancellation.
		c.nc.SetReadDeadline(time.Now().Add(s.opts.TickInterval))
		if _, err := br.Peek(1); err != nil {
			if isTimeout(err) {
				s.m.Inc(mux.SbrxTicks)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("sideband: read error", "err", err)
			}
			return
		}

		c.nc.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		rec, err := msg.ReadRecord(br, buf)
		if err != nil {
			if errors.Is(err, msg.ErrInvalidMessage) {
				s.m.Inc(mux.SbrxInvalid)
				slog.Debug("sideband: bad record", "err", err)
				continue
			}
			slog.Debug("sideband: read record", "err", err)
			return
		}
		buf = rec
		s.m.Inc(mux.SbrxMsgs)
		s.dispatch(rec)
	}
}

func (s *Server) dispatch(rec []byte) {
	if !msg.IsMsg(rec) {
		s.opts.Events.Add(logging.EventRecord{
			Dir:    logging.DirRx,
			Kind:   "frame",
			Detail: fmt.Sprintf("%d bytes", len(rec)),
		})
		s.h.HandleFrame(rec)
		return
	}
	m, err := msg.Decode(rec)
	if err != nil {
		s.m.Inc(mux.SbrxInvalid)
		slog.Debug("sideband: invalid message", "err", err)
		return
	}
	detail := ""
	if st, ok := m.(fmt.Stringer); ok {
		detail = st.String()
	}
	s.opts.Events.Add(logging.EventRecord{Dir: logging.DirRx, Kind: m.Kind().String(), Detail: detail})
	if err := s.h.HandleMsg(m); err != nil {
		slog.Debug("sideband: message not applied", "kind", m.Kind(), "err", err)
	}
}
