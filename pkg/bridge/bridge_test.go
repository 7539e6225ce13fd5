package bridge

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/xmux/pkg/msg"
	"github.com/psaab/xmux/pkg/mux"
)

type stubDev struct{ attrs mux.DevAttrs }

func (d *stubDev) Attrs() mux.DevAttrs   { return d.attrs }
func (d *stubDev) Forward([]byte) error  { return nil }
func (d *stubDev) SetCarrier(bool) error { return nil }

type stubLower struct {
	name    string
	carrier bool
}

func (l *stubLower) Name() string                { return l.name }
func (l *stubLower) Index() int                  { return 2 }
func (l *stubLower) Carrier() bool               { return l.carrier }
func (l *stubLower) Send([]byte) error           { return nil }
func (l *stubLower) RegisterHook(mux.Hook) error { return nil }
func (l *stubLower) UnregisterHook()             {}

type sink struct {
	mu   sync.Mutex
	msgs []msg.Message
}

func (s *sink) Send(m msg.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sink) take() []msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.msgs
	s.msgs = nil
	return out
}

type fakeReg struct {
	bus    *fakeBus
	source string
}

func (r *fakeReg) Close() {
	r.bus.mu.Lock()
	r.bus.closed[r.source]++
	r.bus.mu.Unlock()
}

// fakeBus records callbacks so tests can raise events synchronously.
type fakeBus struct {
	mu         sync.Mutex
	def        Namespace
	named      []Namespace
	includesNs bool
	existing   []RouteEvent
	fail       error

	routes     map[uint64]func(RouteEvent)
	addrs      map[int]func(AddrEvent)
	links      func(LinkEvent)
	neigh      func(NeighEvent)
	subscribed map[string]int
	closed     map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		def:        Namespace{ID: 4026531840},
		routes:     make(map[uint64]func(RouteEvent)),
		addrs:      make(map[int]func(AddrEvent)),
		subscribed: make(map[string]int),
		closed:     make(map[string]int),
	}
}

func (f *fakeBus) DefaultNamespace() Namespace      { return f.def }
func (f *fakeBus) Namespaces() ([]Namespace, error) { return f.named, nil }
func (f *fakeBus) IncludesNamespace() bool          { return f.includesNs }

func (f *fakeBus) reg(source string) (Registration, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.subscribed[source]++
	return &fakeReg{bus: f, source: source}, nil
}

func (f *fakeBus) SubscribeRoutes(ns Namespace, fn func(RouteEvent)) (Registration, error) {
	f.mu.Lock()
	r, err := f.reg("route")
	if err == nil {
		f.routes[ns.ID] = fn
	}
	f.mu.Unlock()
	if err == nil {
		for _, ev := range f.existing {
			fn(ev)
		}
	}
	return r, err
}

func (f *fakeBus) SubscribeAddrs(family int, fn func(AddrEvent)) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[family] = fn
	if family == FamilyV4 {
		return f.reg("addr4")
	}
	return f.reg("addr6")
}

func (f *fakeBus) SubscribeLinks(fn func(LinkEvent)) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = fn
	return f.reg("link")
}

func (f *fakeBus) SubscribeNeighbors(fn func(NeighEvent)) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neigh = fn
	return f.reg("neighbor")
}

func (f *fakeBus) route(ns uint64, ev RouteEvent) {
	f.mu.Lock()
	fn := f.routes[ns]
	f.mu.Unlock()
	fn(ev)
}

func setup(t *testing.T) (*Bridge, *fakeBus, *sink, *mux.Mux) {
	t.Helper()
	m := mux.New(mux.Options{Name: "test"})
	for _, p := range []struct {
		xid   uint32
		index int
		kind  mux.Kind
	}{{1, 101, mux.KindPort}, {2, 102, mux.KindPort}, {0, 100, mux.KindPort}, {3000, 103, mux.KindBridge}} {
		dev := &stubDev{attrs: mux.DevAttrs{
			Name:         "xeth" + string(rune('a'+p.index-100)),
			Index:        p.index,
			HardwareAddr: net.HardwareAddr{2, 0, 0, 0, 0, byte(p.index)},
			Flags:        net.FlagUp,
			Net:          7,
		}}
		if err := m.Insert(m.NewProxy(p.xid, p.kind, dev)); err != nil {
			t.Fatalf("Insert %d: %v", p.xid, err)
		}
	}
	bus := newFakeBus()
	tx := &sink{}
	return New(m, bus, tx), bus, tx, m
}

func TestSubscriptionIdempotence(t *testing.T) {
	b, bus, _, _ := setup(t)

	if err := b.Neighbor.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Neighbor.Start(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
	if bus.subscribed["neighbor"] != 1 {
		t.Errorf("subscriptions = %d, want 1", bus.subscribed["neighbor"])
	}
	if b.Neighbor.State() != Active {
		t.Errorf("state = %v", b.Neighbor.State())
	}
	b.Neighbor.Stop()
	b.Neighbor.Stop()
	if bus.closed["neighbor"] != 1 {
		t.Errorf("closes = %d, want 1", bus.closed["neighbor"])
	}
	if b.Neighbor.State() != Inactive {
		t.Errorf("state after stop = %v", b.Neighbor.State())
	}
	if err := b.Neighbor.Start(); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestSubscriptionStartError(t *testing.T) {
	b, bus, _, _ := setup(t)
	bus.fail = errors.New("no socket")
	if err := b.StartInterfaces(); err == nil {
		t.Fatal("StartInterfaces succeeded")
	}
	for name, st := range b.Subscriptions() {
		if st != Inactive {
			t.Errorf("%s = %v after failed start", name, st)
		}
	}
}

// A v4 route added in the default namespace becomes one FibEntry carrying
// the namespace marker.
func TestDefaultRouteAdd(t *testing.T) {
	b, bus, tx, _ := setup(t)
	if err := b.StartDefaultRoutes(); err != nil {
		t.Fatal(err)
	}
	_, dst, _ := net.ParseCIDR("10.1.0.0/16")
	bus.route(bus.def.ID, RouteEvent{
		Op:     RouteAdd,
		Family: FamilyV4,
		Dst:    *dst,
		Table:  254,
		Type:   1,
		NextHops: []msg.NextHop{
			{Ifindex: 101, Weight: 1, Gw: net.ParseIP("10.0.0.1").To4()},
		},
	})
	got := tx.take()
	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	fe, ok := got[0].(*msg.FibEntry)
	if !ok {
		t.Fatalf("message = %T", got[0])
	}
	if fe.Net != bus.def.ID || fe.Event != msg.FibAdd || !fe.Address.Equal(dst.IP) || fe.Table != 254 {
		t.Errorf("fib entry = %v", fe)
	}
	if len(fe.NextHops) != 1 || fe.NextHops[0].Ifindex != 101 {
		t.Errorf("next hops = %v", fe.NextHops)
	}
}

func TestRouteEvents(t *testing.T) {
	b, bus, tx, _ := setup(t)
	bus.includesNs = true
	if err := b.StartDefaultRoutes(); err != nil {
		t.Fatal(err)
	}
	_, v6, _ := net.ParseCIDR("2001:db8::/48")
	bus.route(bus.def.ID, RouteEvent{Op: RouteReplace, Net: 99, Family: FamilyV6, Dst: *v6})
	for _, op := range []RouteOp{RouteRule, RouteNextHop, RouteVif} {
		bus.route(bus.def.ID, RouteEvent{Op: op, Family: FamilyV4})
	}
	_, v4, _ := net.ParseCIDR("0.0.0.0/0")
	bus.route(bus.def.ID, RouteEvent{Op: RouteDel, Family: FamilyV4, Dst: *v4})

	got := tx.take()
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2: %v", len(got), got)
	}
	f6, ok := got[0].(*msg.Fib6Entry)
	if !ok || f6.Length != 48 || f6.Event != msg.FibReplace || f6.Net != 99 {
		t.Errorf("fib6 = %v", got[0])
	}
	if fe, ok := got[1].(*msg.FibEntry); !ok || fe.Event != msg.FibDel {
		t.Errorf("del = %v", got[1])
	}
}

func TestRouteSet(t *testing.T) {
	b, bus, tx, _ := setup(t)
	ns1 := Namespace{ID: 300, Path: "/run/netns/a"}
	ns2 := Namespace{ID: 200, Path: "/run/netns/b"}
	bus.named = []Namespace{ns1}
	_, dst, _ := net.ParseCIDR("192.168.0.0/24")
	bus.existing = []RouteEvent{{Op: RouteAdd, Family: FamilyV4, Dst: *dst}}

	if err := b.Routes.StartNew(ns2); err != nil {
		t.Fatal(err)
	}
	if len(b.Routes.Active()) != 0 {
		t.Fatalf("StartNew before a dump subscribed: %v", b.Routes.Active())
	}

	if err := b.StartDefaultRoutes(); err != nil {
		t.Fatal(err)
	}
	if err := b.StartDefaultRoutes(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second default start = %v", err)
	}
	tx.take()

	if err := b.Routes.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	got := tx.take()
	if len(got) != 1 || got[0].(*msg.FibEntry).Net != ns1.ID {
		t.Fatalf("replayed = %v", got)
	}
	if err := b.Routes.StartNew(ns2); err != nil {
		t.Fatal(err)
	}
	want := []uint64{ns2.ID, ns1.ID, bus.def.ID}
	active := b.Routes.Active()
	if len(active) != len(want) {
		t.Fatalf("active = %v", active)
	}
	for i := range want {
		if active[i] != want[i] {
			t.Fatalf("active = %v, want %v", active, want)
		}
	}

	b.Routes.Stop(ns1.ID)
	b.Routes.Stop(ns1.ID)
	if n := len(b.Routes.Active()); n != 2 {
		t.Errorf("active after stop = %d", n)
	}
	b.Routes.StopAll()
	if n := len(b.Routes.Active()); n != 0 {
		t.Errorf("active after StopAll = %d", n)
	}
	if bus.closed["route"] != 3 {
		t.Errorf("route closes = %d", bus.closed["route"])
	}
}

func TestAddressFilter(t *testing.T) {
	b, bus, tx, _ := setup(t)
	if err := b.StartInterfaces(); err != nil {
		t.Fatal(err)
	}
	ip4, net4, _ := net.ParseCIDR("10.0.0.5/24")
	net4.IP = ip4
	ip6, net6, _ := net.ParseCIDR("2001:db8::5/64")
	net6.IP = ip6

	bus.addrs[FamilyV4](AddrEvent{Add: true, Ifindex: 101, Addr: *net4})
	bus.addrs[FamilyV4](AddrEvent{Add: true, Ifindex: 100, Addr: *net4}) // xid 0
	bus.addrs[FamilyV4](AddrEvent{Add: true, Ifindex: 555, Addr: *net4}) // foreign
	bus.addrs[FamilyV6](AddrEvent{Add: false, Ifindex: 102, Addr: *net6})

	got := tx.take()
	if len(got) != 2 {
		t.Fatalf("got %d messages: %v", len(got), got)
	}
	ifa, ok := got[0].(*msg.Ifa)
	if !ok || ifa.Xid != 1 || ifa.Event != msg.IfaAdd || !ifa.Address.Equal(ip4) {
		t.Errorf("ifa = %v", got[0])
	}
	ifa6, ok := got[1].(*msg.Ifa6)
	if !ok || ifa6.Xid != 2 || ifa6.Event != msg.IfaDel || ifa6.Length != 64 {
		t.Errorf("ifa6 = %v", got[1])
	}
}

func TestLinkEvents(t *testing.T) {
	b, bus, tx, m := setup(t)
	lower := &stubLower{name: "eth1", carrier: false}
	if err := m.AddLower(lower); err != nil {
		t.Fatal(err)
	}
	if err := b.Routes.StartAll(); err != nil {
		t.Fatal(err)
	}
	if err := b.Interface.Start(); err != nil {
		t.Fatal(err)
	}
	tx.take()

	lower.carrier = true
	bus.links(LinkEvent{Op: LinkChange, Ifindex: 2})
	if !m.Carrier() {
		t.Error("link change did not recompute carrier")
	}

	bus.links(LinkEvent{Op: LinkRegister, Ifindex: 103, Name: "xethd"})
	bus.links(LinkEvent{Op: LinkRegister, Ifindex: 900, Name: "eth9"})
	bus.links(LinkEvent{Op: LinkUnregister, Ifindex: 103})

	ns := Namespace{ID: 500, Path: "/run/netns/blue"}
	bus.links(LinkEvent{Op: LinkRegister, Ifindex: LoopbackIfindex, Ns: ns})

	got := tx.take()
	if len(got) != 2 {
		t.Fatalf("got %d messages: %v", len(got), got)
	}
	ifi, ok := got[0].(*msg.IfInfo)
	if !ok || ifi.Xid != 3000 || ifi.Reason != msg.IfInfoReasonReg || ifi.DevKind != msg.DevKindBridge || ifi.Ifindex != 103 {
		t.Errorf("ifinfo = %v", got[0])
	}
	if nn, ok := got[1].(*msg.NetNs); !ok || !nn.Add || nn.Net != ns.ID || nn.Kind() != msg.KindNetNsAdd {
		t.Errorf("netns = %v", got[1])
	}
	found := false
	for _, id := range b.Routes.Active() {
		found = found || id == ns.ID
	}
	if !found {
		t.Errorf("namespace routes not followed: %v", b.Routes.Active())
	}

	bus.links(LinkEvent{Op: LinkUnregister, Ifindex: LoopbackIfindex, Ns: ns})
	got = tx.take()
	if len(got) != 1 || got[0].Kind() != msg.KindNetNsDel {
		t.Fatalf("unregister = %v", got)
	}
	for _, id := range b.Routes.Active() {
		if id == ns.ID {
			t.Error("routes still followed after namespace removal")
		}
	}
}

func TestNeighborForwarded(t *testing.T) {
	b, bus, tx, _ := setup(t)
	if err := b.Neighbor.Start(); err != nil {
		t.Fatal(err)
	}
	mac := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	bus.neigh(NeighEvent{Net: 7, Ifindex: 555, Family: FamilyV4, State: 2, IP: net.ParseIP("10.0.0.9"), Lladdr: mac})
	got := tx.take()
	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	nu := got[0].(*msg.NeighUpdate)
	if nu.Ifindex != 555 || nu.State != 2 || nu.Lladdr.String() != mac.String() {
		t.Errorf("neigh = %v", nu)
	}
}

func TestIfInfo(t *testing.T) {
	_, _, _, m := setup(t)
	p := m.Lookup(1)
	ifi := IfInfo(p, msg.IfInfoReasonDump)
	if ifi.Name != p.Dev.Attrs().Name || ifi.Ifindex != 101 || ifi.Net != 7 || ifi.DevKind != msg.DevKindPort {
		t.Errorf("ifinfo = %v", ifi)
	}
	if ifi.Flags&uint32(net.FlagUp) == 0 {
		t.Error("flags lost")
	}
}

func TestRouteEventConversion(t *testing.T) {
	_, dst, _ := net.ParseCIDR("10.2.0.0/16")
	u := netlink.RouteUpdate{
		Type:    unix.RTM_NEWROUTE,
		NlFlags: unix.NLM_F_REPLACE,
		Route: netlink.Route{
			Family: unix.AF_INET,
			Dst:    dst,
			Table:  254,
			MultiPath: []*netlink.NexthopInfo{
				{LinkIndex: 3, Hops: 0, Gw: net.ParseIP("10.0.0.1")},
				{LinkIndex: 4, Hops: 2, Gw: net.ParseIP("10.0.0.2")},
			},
		},
	}
	ev, ok := routeEvent(u)
	if !ok || ev.Op != RouteReplace || ev.Family != FamilyV4 || ev.Table != 254 {
		t.Fatalf("event = %+v ok=%v", ev, ok)
	}
	if len(ev.NextHops) != 2 || ev.NextHops[1].Weight != 3 || ev.NextHops[1].Ifindex != 4 {
		t.Errorf("next hops = %v", ev.NextHops)
	}

	u = netlink.RouteUpdate{Type: unix.RTM_DELROUTE, Route: netlink.Route{Family: unix.AF_INET6, LinkIndex: 9}}
	ev, ok = routeEvent(u)
	if !ok || ev.Op != RouteDel || ev.Family != FamilyV6 {
		t.Fatalf("default v6 = %+v", ev)
	}
	if ones, bits := ev.Dst.Mask.Size(); ones != 0 || bits != 128 {
		t.Errorf("default dst mask = %d/%d", ones, bits)
	}

	if _, ok := routeEvent(netlink.RouteUpdate{Type: unix.RTM_NEWLINK}); ok {
		t.Error("non-route update converted")
	}
}

func TestLinkEventClassification(t *testing.T) {
	seen := make(map[int]bool)
	link := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 12, Name: "d0"}}
	newLink := netlink.LinkUpdate{Link: link}
	newLink.Header.Type = unix.RTM_NEWLINK
	delLink := netlink.LinkUpdate{Link: link}
	delLink.Header.Type = unix.RTM_DELLINK

	for i, want := range []LinkOp{LinkRegister, LinkChange} {
		ev, ok := linkEvent(seen, newLink)
		if !ok || ev.Op != want || ev.Ifindex != 12 || ev.Name != "d0" {
			t.Fatalf("new link %d = %+v", i, ev)
		}
	}
	if ev, _ := linkEvent(seen, delLink); ev.Op != LinkUnregister {
		t.Fatalf("del link = %v", ev.Op)
	}
	if ev, _ := linkEvent(seen, newLink); ev.Op != LinkRegister {
		t.Errorf("re-added link = %v", ev.Op)
	}
}
