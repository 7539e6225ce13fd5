// Package bridge translates host network stack events into sideband
// messages for the switch daemon.
package bridge

import (
	"net"

	"github.com/psaab/xmux/pkg/msg"
)

// Registration is an active subscription on a Bus.
type Registration interface {
	Close()
}

// Namespace identifies a network namespace. ID is the marker carried in
// route and neighbor messages; Path is empty for the initial namespace.
type Namespace struct {
	ID   uint64
	Path string
}

// Bus is the host event source. Callbacks run on the bus's own goroutines
// and must not block.
type Bus interface {
	DefaultNamespace() Namespace
	Namespaces() ([]Namespace, error)

	// IncludesNamespace reports whether events carry their namespace. When
	// false, route events leave Net zero and the bridge supplies it.
	IncludesNamespace() bool

	// SubscribeRoutes replays the routes already in ns as RouteAdd events
	// before returning, then follows changes.
	SubscribeRoutes(ns Namespace, fn func(RouteEvent)) (Registration, error)
	SubscribeAddrs(family int, fn func(AddrEvent)) (Registration, error)
	// SubscribeLinks reports every existing link as registered, then
	// follows changes.
	SubscribeLinks(fn func(LinkEvent)) (Registration, error)
	SubscribeNeighbors(fn func(NeighEvent)) (Registration, error)
}

// RouteOp is the kind of a route event.
type RouteOp int

const (
	RouteAdd RouteOp = iota + 1
	RouteReplace
	RouteAppend
	RouteDel
	RouteRule
	RouteNextHop
	RouteVif
)

var routeOpNames = map[RouteOp]string{
	RouteAdd:     "add",
	RouteReplace: "replace",
	RouteAppend:  "append",
	RouteDel:     "del",
	RouteRule:    "rule",
	RouteNextHop: "nexthop",
	RouteVif:     "vif",
}

func (o RouteOp) String() string {
	if s, ok := routeOpNames[o]; ok {
		return s
	}
	return "unknown"
}

// RouteEvent is a route change in one namespace.
type RouteEvent struct {
	Op       RouteOp
	Net      uint64
	Family   int
	Dst      net.IPNet
	Tos      uint8
	Type     uint8
	Table    uint32
	NextHops []msg.NextHop
}

// AddrEvent is an interface address change.
type AddrEvent struct {
	Add     bool
	Ifindex int
	Addr    net.IPNet
}

// LinkOp is the kind of a link event.
type LinkOp int

const (
	LinkRegister LinkOp = iota + 1
	LinkUnregister
	LinkChange
)

func (o LinkOp) String() string {
	switch o {
	case LinkRegister:
		return "register"
	case LinkUnregister:
		return "unregister"
	case LinkChange:
		return "change"
	}
	return "unknown"
}

// LoopbackIfindex is the ifindex of the loopback link of every namespace.
// Its registration marks the namespace lifecycle.
const LoopbackIfindex = 1

// LinkEvent is an interface lifecycle or state change.
type LinkEvent struct {
	Op      LinkOp
	Ifindex int
	Name    string
	Ns      Namespace
}

// NeighEvent is a neighbor table update.
type NeighEvent struct {
	Net     uint64
	Ifindex int
	Family  int
	State   uint16
	IP      net.IP
	Lladdr  net.HardwareAddr
}
