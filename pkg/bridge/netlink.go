package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/psaab/xmux/pkg/msg"
)

const (
	updateBacklog        = 256
	defaultNamespacePoll = 2 * time.Second
)

// NetlinkBus is the Bus of the host kernel, fed by rtnetlink multicast
// groups. Subscriptions other than routes live in the initial namespace;
// named namespaces under the netns directory are reported as loopback
// register and unregister events.
type NetlinkBus struct {
	dir  string
	def  Namespace
	poll time.Duration
}

// NewNetlinkBus returns a bus for the current namespace that discovers
// named namespaces under netnsDir.
func NewNetlinkBus(netnsDir string) (*NetlinkBus, error) {
	h, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("current netns: %w", err)
	}
	defer h.Close()
	id, err := nsID(h)
	if err != nil {
		return nil, err
	}
	return &NetlinkBus{dir: netnsDir, def: Namespace{ID: id}, poll: defaultNamespacePoll}, nil
}

func nsID(h netns.NsHandle) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(h), &st); err != nil {
		return 0, fmt.Errorf("stat netns: %w", err)
	}
	return st.Ino, nil
}

func namespaceAt(path string) (Namespace, error) {
	h, err := netns.GetFromPath(path)
	if err != nil {
		return Namespace{}, err
	}
	defer h.Close()
	id, err := nsID(h)
	if err != nil {
		return Namespace{}, err
	}
	return Namespace{ID: id, Path: path}, nil
}

func (b *NetlinkBus) DefaultNamespace() Namespace { return b.def }

// IncludesNamespace is false: rtnetlink updates carry no namespace.
func (b *NetlinkBus) IncludesNamespace() bool { return false }

// Namespaces lists the named namespaces.
func (b *NetlinkBus) Namespaces() ([]Namespace, error) {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Namespace
	for _, e := range entries {
		ns, err := namespaceAt(filepath.Join(b.dir, e.Name()))
		if err != nil {
			slog.Debug("bridge: skipping netns", "name", e.Name(), "err", err)
			continue
		}
		if ns.ID == b.def.ID {
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

type registration struct {
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newRegistration() *registration {
	return &registration{done: make(chan struct{})}
}

func (r *registration) Close() {
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
}

// follow delivers updates from ch until the subscription is closed and
// netlink closes ch.
func follow[T any](r *registration, ch <-chan T, fn func(T)) {
	go func() {
		for u := range ch {
			if r.closed.Load() {
				continue
			}
			fn(u)
		}
	}()
}

func subscribeError(source string) func(error) {
	return func(err error) {
		slog.Warn("bridge: netlink subscription error", "source", source, "err", err)
	}
}

func (b *NetlinkBus) SubscribeRoutes(ns Namespace, fn func(RouteEvent)) (Registration, error) {
	opts := netlink.RouteSubscribeOptions{ErrorCallback: subscribeError("route")}
	var h *netlink.Handle
	var err error
	if ns.Path != "" {
		nsh, err := netns.GetFromPath(ns.Path)
		if err != nil {
			return nil, err
		}
		defer nsh.Close()
		opts.Namespace = &nsh
		h, err = netlink.NewHandleAt(nsh)
		if err != nil {
			return nil, err
		}
	} else if h, err = netlink.NewHandle(); err != nil {
		return nil, err
	}
	defer h.Close()

	r := newRegistration()
	ch := make(chan netlink.RouteUpdate, updateBacklog)
	if err := netlink.RouteSubscribeWithOptions(ch, r.done, opts); err != nil {
		return nil, err
	}
	routes, err := h.RouteListFiltered(netlink.FAMILY_ALL,
		&netlink.Route{Table: unix.RT_TABLE_UNSPEC}, netlink.RT_FILTER_TABLE)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("list routes: %w", err)
	}
	for _, rt := range routes {
		if ev, ok := routeEvent(netlink.RouteUpdate{Type: unix.RTM_NEWROUTE, Route: rt}); ok {
			fn(ev)
		}
	}
	follow(r, ch, func(u netlink.RouteUpdate) {
		if ev, ok := routeEvent(u); ok {
			fn(ev)
		}
	})
	return r, nil
}

func routeEvent(u netlink.RouteUpdate) (RouteEvent, bool) {
	var ev RouteEvent
	switch u.Type {
	case unix.RTM_NEWROUTE:
		switch {
		case u.NlFlags&unix.NLM_F_REPLACE != 0:
			ev.Op = RouteReplace
		case u.NlFlags&unix.NLM_F_APPEND != 0:
			ev.Op = RouteAppend
		default:
			ev.Op = RouteAdd
		}
	case unix.RTM_DELROUTE:
		ev.Op = RouteDel
	default:
		return ev, false
	}

	rt := &u.Route
	ev.Family = rt.Family
	if ev.Family == 0 {
		ev.Family = FamilyV4
		if rt.Dst != nil && rt.Dst.IP.To4() == nil {
			ev.Family = FamilyV6
		}
	}
	if rt.Dst != nil {
		ev.Dst = *rt.Dst
	} else if ev.Family == FamilyV4 {
		ev.Dst = net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
	} else {
		ev.Dst = net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
	}
	ev.Tos = uint8(rt.Tos)
	ev.Type = uint8(rt.Type)
	ev.Table = uint32(rt.Table)
	ev.NextHops = nextHops(rt)
	return ev, true
}

func nextHops(rt *netlink.Route) []msg.NextHop {
	if len(rt.MultiPath) == 0 {
		if rt.LinkIndex == 0 && rt.Gw == nil {
			return nil
		}
		return []msg.NextHop{{
			Ifindex: int32(rt.LinkIndex),
			Weight:  1,
			Flags:   uint32(rt.Flags),
			Gw:      rt.Gw,
			Scope:   uint8(rt.Scope),
		}}
	}
	out := make([]msg.NextHop, 0, min(len(rt.MultiPath), msg.MaxNextHops))
	for _, nh := range rt.MultiPath {
		if len(out) == msg.MaxNextHops {
			break
		}
		out = append(out, msg.NextHop{
			Ifindex: int32(nh.LinkIndex),
			Weight:  int32(nh.Hops) + 1,
			Flags:   uint32(nh.Flags),
			Gw:      nh.Gw,
			Scope:   uint8(rt.Scope),
		})
	}
	return out
}

func (b *NetlinkBus) SubscribeAddrs(family int, fn func(AddrEvent)) (Registration, error) {
	r := newRegistration()
	ch := make(chan netlink.AddrUpdate, updateBacklog)
	opts := netlink.AddrSubscribeOptions{ErrorCallback: subscribeError("addr")}
	if err := netlink.AddrSubscribeWithOptions(ch, r.done, opts); err != nil {
		return nil, err
	}
	follow(r, ch, func(u netlink.AddrUpdate) {
		v4 := u.LinkAddress.IP.To4() != nil
		if v4 != (family == FamilyV4) {
			return
		}
		fn(AddrEvent{Add: u.NewAddr, Ifindex: u.LinkIndex, Addr: u.LinkAddress})
	})
	return r, nil
}

func (b *NetlinkBus) SubscribeLinks(fn func(LinkEvent)) (Registration, error) {
	r := newRegistration()
	ch := make(chan netlink.LinkUpdate, updateBacklog)
	opts := netlink.LinkSubscribeOptions{
		ListExisting:  true,
		ErrorCallback: subscribeError("link"),
	}
	if err := netlink.LinkSubscribeWithOptions(ch, r.done, opts); err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	follow(r, ch, func(u netlink.LinkUpdate) {
		if ev, ok := linkEvent(seen, u); ok {
			ev.Ns = b.def
			fn(ev)
		}
	})
	go b.watchNamespaces(r, fn)
	return r, nil
}

// linkEvent classifies u. A new link message for an ifindex not seen
// before is a registration.
func linkEvent(seen map[int]bool, u netlink.LinkUpdate) (LinkEvent, bool) {
	if u.Link == nil {
		return LinkEvent{}, false
	}
	a := u.Link.Attrs()
	ev := LinkEvent{Ifindex: a.Index, Name: a.Name}
	switch u.Header.Type {
	case unix.RTM_NEWLINK:
		if seen[a.Index] {
			ev.Op = LinkChange
		} else {
			seen[a.Index] = true
			ev.Op = LinkRegister
		}
	case unix.RTM_DELLINK:
		delete(seen, a.Index)
		ev.Op = LinkUnregister
	default:
		return ev, false
	}
	return ev, true
}

// watchNamespaces reports named namespaces appearing and disappearing as
// their loopback links registering and unregistering.
func (b *NetlinkBus) watchNamespaces(r *registration, fn func(LinkEvent)) {
	known := make(map[uint64]Namespace)
	scan := func() {
		list, err := b.Namespaces()
		if err != nil {
			slog.Debug("bridge: netns scan", "err", err)
			return
		}
		now := make(map[uint64]Namespace, len(list))
		for _, ns := range list {
			now[ns.ID] = ns
			if _, ok := known[ns.ID]; !ok && !r.closed.Load() {
				fn(LinkEvent{Op: LinkRegister, Ifindex: LoopbackIfindex, Name: "lo", Ns: ns})
			}
		}
		for id, ns := range known {
			if _, ok := now[id]; !ok && !r.closed.Load() {
				fn(LinkEvent{Op: LinkUnregister, Ifindex: LoopbackIfindex, Name: "lo", Ns: ns})
			}
		}
		known = now
	}

	scan()
	tick := time.NewTicker(b.poll)
	defer tick.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-tick.C:
			scan()
		}
	}
}

func (b *NetlinkBus) SubscribeNeighbors(fn func(NeighEvent)) (Registration, error) {
	r := newRegistration()
	ch := make(chan netlink.NeighUpdate, updateBacklog)
	opts := netlink.NeighSubscribeOptions{ErrorCallback: subscribeError("neighbor")}
	if err := netlink.NeighSubscribeWithOptions(ch, r.done, opts); err != nil {
		return nil, err
	}
	follow(r, ch, func(u netlink.NeighUpdate) {
		fn(NeighEvent{
			Net:     b.def.ID,
			Ifindex: u.LinkIndex,
			Family:  u.Family,
			State:   uint16(u.State),
			IP:      u.IP,
			Lladdr:  u.HardwareAddr,
		})
	})
	return r, nil
}
