package bridge

import (
	"errors"
	"log/slog"

	"github.com/psaab/xmux/pkg/msg"
	"github.com/psaab/xmux/pkg/mux"
)

// Address families as carried in events.
const (
	FamilyV4 = msg.FamilyV4
	FamilyV6 = msg.FamilyV6
)

// Sender queues an outbound message without blocking.
type Sender interface {
	Send(m msg.Message) error
}

// Bridge owns the event subscriptions of one mux.
type Bridge struct {
	m   *mux.Mux
	bus Bus
	tx  Sender

	Interface *Subscription
	Addr4     *Subscription
	Addr6     *Subscription
	Neighbor  *Subscription
	Routes    *RouteSet
}

// New returns a Bridge with every subscription inactive.
func New(m *mux.Mux, bus Bus, tx Sender) *Bridge {
	b := &Bridge{m: m, bus: bus, tx: tx}
	b.Interface = newSubscription("interface", func() (Registration, error) {
		return bus.SubscribeLinks(b.handleLink)
	})
	b.Addr4 = newSubscription("addr4", func() (Registration, error) {
		return bus.SubscribeAddrs(FamilyV4, b.handleAddr4)
	})
	b.Addr6 = newSubscription("addr6", func() (Registration, error) {
		return bus.SubscribeAddrs(FamilyV6, b.handleAddr6)
	})
	b.Neighbor = newSubscription("neighbor", func() (Registration, error) {
		return bus.SubscribeNeighbors(b.handleNeigh)
	})
	b.Routes = newRouteSet(b)
	return b
}

// StartInterfaces starts the interface and address subscriptions.
// Sources already active are left as they are; other errors are joined.
func (b *Bridge) StartInterfaces() error {
	var errs []error
	for _, s := range []*Subscription{b.Interface, b.Addr4, b.Addr6} {
		if err := s.Start(); err != nil && !errors.Is(err, ErrBusy) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartDefaultRoutes follows routes of the initial namespace.
func (b *Bridge) StartDefaultRoutes() error {
	return b.Routes.Start(b.bus.DefaultNamespace())
}

// Stop ends every subscription.
func (b *Bridge) Stop() {
	b.Interface.Stop()
	b.Addr4.Stop()
	b.Addr6.Stop()
	b.Neighbor.Stop()
	b.Routes.StopAll()
}

// Subscriptions returns the state of every source by name.
func (b *Bridge) Subscriptions() map[string]State {
	return map[string]State{
		b.Interface.Name(): b.Interface.State(),
		b.Addr4.Name():     b.Addr4.State(),
		b.Addr6.Name():     b.Addr6.State(),
		b.Neighbor.Name():  b.Neighbor.State(),
	}
}

func (b *Bridge) send(m msg.Message) {
	if err := b.tx.Send(m); err != nil {
		slog.Debug("bridge: message not queued", "kind", m.Kind(), "err", err)
	}
}

// IfInfo describes p for the daemon.
func IfInfo(p *mux.Proxy, reason msg.IfInfoReason) *msg.IfInfo {
	a := p.Dev.Attrs()
	return &msg.IfInfo{
		Name:        a.Name,
		Xid:         p.Xid,
		Ifindex:     int32(a.Index),
		Net:         a.Net,
		Flags:       uint32(a.Flags),
		Iflinkindex: int32(a.IflinkIndex),
		Addr:        a.HardwareAddr,
		DevKind:     msg.DevKind(p.Kind),
		Reason:      reason,
	}
}

func fibEvent(op RouteOp) (msg.FibEvent, bool) {
	switch op {
	case RouteAdd:
		return msg.FibAdd, true
	case RouteReplace:
		return msg.FibReplace, true
	case RouteAppend:
		return msg.FibAppend, true
	case RouteDel:
		return msg.FibDel, true
	}
	return 0, false
}

// routeHandler returns the route callback for ns. The namespace marker is
// retained here when the bus does not deliver it.
func (b *Bridge) routeHandler(ns Namespace) func(RouteEvent) {
	fill := !b.bus.IncludesNamespace()
	return func(ev RouteEvent) {
		if fill {
			ev.Net = ns.ID
		}
		b.handleRoute(ev)
	}
}

func (b *Bridge) handleRoute(ev RouteEvent) {
	event, ok := fibEvent(ev.Op)
	if !ok {
		// Rules, next hop objects and multicast vifs are not forwarded.
		return
	}
	ones, _ := ev.Dst.Mask.Size()
	switch ev.Family {
	case FamilyV4:
		b.send(&msg.FibEntry{
			Net:      ev.Net,
			Address:  ev.Dst.IP.To4(),
			Mask:     ev.Dst.Mask,
			Event:    event,
			Tos:      ev.Tos,
			Type:     ev.Type,
			Table:    ev.Table,
			NextHops: ev.NextHops,
		})
	case FamilyV6:
		b.send(&msg.Fib6Entry{
			Net:      ev.Net,
			Address:  ev.Dst.IP,
			Length:   uint8(ones),
			Event:    event,
			Type:     ev.Type,
			Table:    ev.Table,
			NextHops: ev.NextHops,
		})
	}
}

func (b *Bridge) proxyOf(ifindex int) *mux.Proxy {
	p := b.m.LookupByIfindex(ifindex)
	if p == nil || p.Xid == 0 {
		return nil
	}
	return p
}

func ifaEvent(add bool) msg.IfaEvent {
	if add {
		return msg.IfaAdd
	}
	return msg.IfaDel
}

func (b *Bridge) handleAddr4(ev AddrEvent) {
	p := b.proxyOf(ev.Ifindex)
	if p == nil {
		return
	}
	b.send(&msg.Ifa{
		Xid:     p.Xid,
		Event:   ifaEvent(ev.Add),
		Address: ev.Addr.IP.To4(),
		Mask:    ev.Addr.Mask,
	})
}

func (b *Bridge) handleAddr6(ev AddrEvent) {
	p := b.proxyOf(ev.Ifindex)
	if p == nil {
		return
	}
	ones, _ := ev.Addr.Mask.Size()
	b.send(&msg.Ifa6{
		Xid:     p.Xid,
		Event:   ifaEvent(ev.Add),
		Address: ev.Addr.IP,
		Length:  uint8(ones),
	})
}

func (b *Bridge) handleLink(ev LinkEvent) {
	if ev.Ifindex == LoopbackIfindex && ev.Op != LinkChange {
		b.handleNamespace(ev)
		return
	}
	switch ev.Op {
	case LinkChange:
		b.m.CheckLowerCarrier()
	case LinkRegister:
		if p := b.proxyOf(ev.Ifindex); p != nil {
			b.send(IfInfo(p, msg.IfInfoReasonReg))
		}
	case LinkUnregister:
		// Proxy teardown reports its own removal.
	}
}

func (b *Bridge) handleNamespace(ev LinkEvent) {
	add := ev.Op == LinkRegister
	b.send(&msg.NetNs{Add: add, Net: ev.Ns.ID})
	if !add {
		b.Routes.Stop(ev.Ns.ID)
		return
	}
	if ev.Ns.ID == b.bus.DefaultNamespace().ID {
		return
	}
	if err := b.Routes.StartNew(ev.Ns); err != nil && !errors.Is(err, ErrBusy) {
		slog.Warn("bridge: namespace routes", "netns", ev.Ns.ID, "err", err)
	}
}

func (b *Bridge) handleNeigh(ev NeighEvent) {
	b.send(&msg.NeighUpdate{
		Net:     ev.Net,
		Ifindex: int32(ev.Ifindex),
		Family:  uint8(ev.Family),
		State:   ev.State,
		Dst:     ev.IP,
		Lladdr:  ev.Lladdr,
	})
}
