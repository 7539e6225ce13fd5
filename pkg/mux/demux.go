package mux

import (
	"context"
	"fmt"
	"log/slog"
)

// Result is the outcome of classifying one frame.
type Result int

const (
	// Passed frames carry no recognized tag and are left to the host.
	Passed Result = iota
	// Forwarded frames were delivered to a proxy.
	Forwarded
	// Missed frames carried an XID with no proxy.
	Missed
	// Dropped frames matched a proxy whose interface refused them.
	Dropped
)

func (r Result) String() string {
	switch r {
	case Passed:
		return "passed"
	case Forwarded:
		return "forwarded"
	case Missed:
		return "missed"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Demux classifies a frame received on a lower link (nil for replayed
// frames) and forwards it to its proxy. It never blocks on registry
// writers and never allocates; the frame buffer is modified in place.
func (m *Mux) Demux(frame []byte, from Lower) Result {
	m.inflight.RLock()
	defer m.inflight.RUnlock()

	xid, _, payload, ok := m.encap.Decap(frame)
	if !ok {
		return Passed
	}
	p := m.Lookup(xid)
	if p == nil {
		m.statsMu.Lock()
		m.countLocked(RxErrors, 1)
		m.countLocked(RxFrameErrors, 1)
		m.statsMu.Unlock()
		return Missed
	}
	err := p.Dev.Forward(payload)

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if err != nil {
		m.countLocked(RxDropped, 1)
		p.count(RxDropped, 1)
		return Dropped
	}
	n := uint64(len(payload))
	m.countLocked(RxPackets, 1)
	m.countLocked(RxBytes, n)
	p.count(RxPackets, 1)
	p.count(RxBytes, n)
	return Forwarded
}

// Transmit tags a frame sent by p and sends it on the lower link selected
// by p's XID. Failures are counted, not returned.
func (m *Mux) Transmit(p *Proxy, frame []byte) {
	l := m.selectLower(p.Xid)
	if l == nil {
		m.count(TxErrors, 1)
		p.count(TxErrors, 1)
		return
	}

	bp := m.txBufs.Get().(*[]byte)
	defer m.txBufs.Put(bp)
	out, err := m.encap.Encap(*bp, frame, p.Xid, ClassOf(frame))
	if err != nil {
		m.count(TxErrors, 1)
		p.count(TxErrors, 1)
		return
	}
	*bp = out[:0]

	err = l.Send(out)

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if err != nil {
		m.countLocked(TxDropped, 1)
		p.count(TxDropped, 1)
		return
	}
	n := uint64(len(out))
	m.countLocked(TxPackets, 1)
	m.countLocked(TxBytes, n)
	p.count(TxPackets, 1)
	p.count(TxBytes, n)
}

// Exception replays a frame returned by the switch daemon through the
// same classification as frames received on a lower link.
func (m *Mux) Exception(frame []byte) error {
	m.Inc(ExFrames)
	m.Add(ExBytes, uint64(len(frame)))

	if len(frame) < EthHeaderLen {
		m.Inc(SbexInvalid)
		return fmt.Errorf("exception: %w: %d bytes", ErrInvalidFrame, len(frame))
	}
	if len(frame) > maxFrame+2*VlanHeaderLen {
		m.Inc(SbrxNoMem)
		return fmt.Errorf("exception: %d byte frame exceeds buffer", len(frame))
	}

	bp := m.txBufs.Get().(*[]byte)
	defer m.txBufs.Put(bp)
	buf := append((*bp)[:0], frame...)

	switch res := m.Demux(buf, nil); res {
	case Forwarded:
		return nil
	case Passed:
		if m.host != nil {
			if err := m.host(buf); err != nil {
				m.Inc(SbexDropped)
				return fmt.Errorf("exception: host: %w", err)
			}
			return nil
		}
		m.Inc(SbexDropped)
		return fmt.Errorf("exception: untagged frame: %w", ErrUnknownTarget)
	case Missed:
		m.Inc(SbexDropped)
		return fmt.Errorf("exception: %w", ErrUnknownTarget)
	default:
		m.Inc(SbexDropped)
		return fmt.Errorf("exception: %w", ErrFrameDropped)
	}
}

// Quiesce waits for frame classifications already in progress to finish.
func (m *Mux) Quiesce(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Lock()
		m.inflight.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &TeardownError{Stage: "quiesce", Err: ctx.Err()}
	}
}

// Teardown detaches every lower link, removes every proxy, waits for
// in-flight classification and releases the mux. It returns the removed
// proxies so the caller can close their interfaces.
func (m *Mux) Teardown(ctx context.Context) ([]*Proxy, error) {
	for _, l := range m.Lowers() {
		if err := m.DelLower(l); err != nil {
			slog.Warn("mux: detach lower", "name", l.Name(), "err", err)
		}
	}
	m.Range(func(p *Proxy) bool {
		m.QueueRemove(p)
		return true
	})
	removed := m.DrainRemovals()
	if err := m.Quiesce(ctx); err != nil {
		return removed, err
	}
	m.ClearFlag(FlagMainTask)
	slog.Info("mux: released", "name", m.name, "proxies", len(removed))
	return removed, nil
}

// DumpAllIfInfo calls send for every registered proxy.
func (m *Mux) DumpAllIfInfo(send func(p *Proxy)) {
	m.Range(func(p *Proxy) bool {
		send(p)
		return true
	})
}
