package mux

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Kind is the kind of construct a proxy stands for.
type Kind uint8

const (
	KindPort Kind = iota + 1
	KindVlan
	KindBridge
	KindLag
)

func (k Kind) String() string {
	switch k {
	case KindPort:
		return "port"
	case KindVlan:
		return "vlan"
	case KindBridge:
		return "bridge"
	case KindLag:
		return "lag"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "port", "":
		return KindPort, nil
	case "vlan":
		return KindVlan, nil
	case "bridge":
		return KindBridge, nil
	case "lag":
		return KindLag, nil
	}
	return 0, fmt.Errorf("unknown proxy kind %q", s)
}

// DevAttrs describes the interface backing a proxy.
type DevAttrs struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr
	Flags        net.Flags
	MTU          int
	Net          uint64
	IflinkIndex  int
}

// Netdev is the virtual interface backing a proxy.
type Netdev interface {
	Attrs() DevAttrs
	// Forward delivers a demultiplexed frame as received on the interface.
	Forward(frame []byte) error
	SetCarrier(on bool) error
}

// PortDev is a Netdev that also tracks port settings reported by the
// switch daemon.
type PortDev interface {
	Netdev
	SetEthtoolStat(index uint32, count uint64) error
	SetSpeed(mbps uint32) error
}

// Proxy is one virtual port.
type Proxy struct {
	Xid  uint32
	Kind Kind
	Dev  Netdev

	mux *Mux

	// guarded by the registry lock
	linked  bool
	pending bool

	stats [NumStats]atomic.Uint64
}

// NewProxy returns an unregistered proxy owned by m.
func (m *Mux) NewProxy(xid uint32, kind Kind, dev Netdev) *Proxy {
	return &Proxy{Xid: xid, Kind: kind, Dev: dev, mux: m}
}

// Mux returns the owning mux.
func (p *Proxy) Mux() *Mux { return p.mux }

func (p *Proxy) String() string {
	return fmt.Sprintf("%s(%d)", p.Dev.Attrs().Name, p.Xid)
}

// LinkStat sets statistic index to count.
func (p *Proxy) LinkStat(index uint32, count uint64) error {
	if index >= uint32(NumStats) {
		return fmt.Errorf("link stat index %d out of range", index)
	}
	p.stats[index].Store(count)
	return nil
}

// Stats returns a snapshot of the proxy's link statistics.
func (p *Proxy) Stats() LinkStats {
	var s LinkStats
	for i := range p.stats {
		s[i] = p.stats[i].Load()
	}
	return s
}

func (p *Proxy) count(s Stat, n uint64) { p.stats[s].Add(n) }
