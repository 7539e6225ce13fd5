package daemon

import (
	"fmt"
	"log/slog"

	"github.com/psaab/xmux/pkg/bridge"
	"github.com/psaab/xmux/pkg/msg"
	"github.com/psaab/xmux/pkg/mux"
)

// Dispatcher applies records received from the switch daemon.
type Dispatcher struct {
	m  *mux.Mux
	tx bridge.Sender
	br *bridge.Bridge
}

// NewDispatcher returns a Dispatcher replying through tx.
func NewDispatcher(m *mux.Mux, tx bridge.Sender, br *bridge.Bridge) *Dispatcher {
	return &Dispatcher{m: m, tx: tx, br: br}
}

func (d *Dispatcher) send(m msg.Message) {
	if err := d.tx.Send(m); err != nil {
		slog.Debug("dispatch: reply not queued", "kind", m.Kind(), "err", err)
	}
}

// HandleMsg applies one control message. Errors are counted and returned;
// the caller keeps the connection open.
func (d *Dispatcher) HandleMsg(m msg.Message) error {
	switch m.Kind() {
	case msg.KindDumpIfInfo:
		d.m.DumpAllIfInfo(func(p *mux.Proxy) {
			d.send(bridge.IfInfo(p, msg.IfInfoReasonDump))
		})
		d.send(&msg.Break{})
		if err := d.br.StartInterfaces(); err != nil {
			slog.Warn("dispatch: interface subscriptions", "err", err)
		}
		return nil

	case msg.KindDumpFibInfo:
		if err := d.br.Routes.StartAll(); err != nil {
			slog.Warn("dispatch: route subscriptions", "err", err)
		}
		d.send(&msg.Break{})
		if err := d.br.Neighbor.Start(); err != nil {
			slog.Debug("dispatch: neighbor subscription", "err", err)
		}
		return nil

	case msg.KindCarrier:
		c := m.(*msg.Carrier)
		p, err := d.port(c.Xid, m.Kind())
		if err != nil {
			return err
		}
		return p.Dev.SetCarrier(c.On)

	case msg.KindEthtoolStat:
		s := m.(*msg.Stat)
		p, err := d.port(s.Xid, m.Kind())
		if err != nil {
			return err
		}
		return p.Dev.(mux.PortDev).SetEthtoolStat(s.Index, s.Count)

	case msg.KindLinkStat:
		s := m.(*msg.Stat)
		p := d.m.Lookup(s.Xid)
		if p == nil {
			d.m.Inc(mux.SbrxNoDev)
			slog.Error("dispatch: link stat for unknown xid", "xid", s.Xid, "index", s.Index)
			return fmt.Errorf("link stat xid %d: %w", s.Xid, mux.ErrUnknownTarget)
		}
		if err := p.LinkStat(s.Index, s.Count); err != nil {
			d.m.Inc(mux.SbrxInvalid)
			return fmt.Errorf("%w: %v", msg.ErrInvalidMessage, err)
		}
		return nil

	case msg.KindSpeed:
		s := m.(*msg.Speed)
		p, err := d.port(s.Xid, m.Kind())
		if err != nil {
			return err
		}
		return p.Dev.(mux.PortDev).SetSpeed(s.Mbps)
	}

	d.m.Inc(mux.SbrxInvalid)
	return fmt.Errorf("%w: unexpected %s from daemon", msg.ErrInvalidMessage, m.Kind())
}

// port resolves xid to a port proxy whose device takes port settings.
func (d *Dispatcher) port(xid uint32, k msg.Kind) (*mux.Proxy, error) {
	p := d.m.Lookup(xid)
	if p == nil {
		d.m.Inc(mux.SbrxInvalid)
		return nil, fmt.Errorf("%s xid %d: %w", k, xid, mux.ErrUnknownTarget)
	}
	if _, ok := p.Dev.(mux.PortDev); !ok || p.Kind != mux.KindPort {
		d.m.Inc(mux.SbrxInvalid)
		return nil, fmt.Errorf("%w: %s for %s proxy %d", msg.ErrInvalidMessage, k, p.Kind, xid)
	}
	return p, nil
}

// HandleFrame replays an exception frame through the mux.
func (d *Dispatcher) HandleFrame(frame []byte) {
	if err := d.m.Exception(frame); err != nil {
		slog.Debug("dispatch: exception frame", "len", len(frame), "err", err)
	}
}
