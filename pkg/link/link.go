// Package link binds the mux to host interfaces: physical lower links
// through packet sockets and proxy interfaces through TAP devices.
package link

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/xmux/pkg/mux"
)

// Carrier reports whether the named interface has carrier.
func Carrier(name string) (bool, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return false, err
	}
	return hasCarrier(l.Attrs()), nil
}

func hasCarrier(a *netlink.LinkAttrs) bool {
	return a.OperState == netlink.OperUp || a.RawFlags&unix.IFF_LOWER_UP != 0
}

// SetMTU sets the MTU of the named interface.
func SetMTU(name string, mtu int) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetMTU(l, mtu); err != nil {
		return fmt.Errorf("set mtu %s: %w", name, err)
	}
	return nil
}

func devAttrs(a *netlink.LinkAttrs, ns uint64) mux.DevAttrs {
	return mux.DevAttrs{
		Name:         a.Name,
		Index:        a.Index,
		HardwareAddr: a.HardwareAddr,
		Flags:        a.Flags,
		MTU:          a.MTU,
		Net:          ns,
		IflinkIndex:  a.ParentIndex,
	}
}

// attrCache serves interface attributes, refreshing them from netlink and
// keeping the last good copy when the query fails.
type attrCache struct {
	index int
	ns    uint64

	mu    sync.Mutex
	attrs mux.DevAttrs
}

func (c *attrCache) load() mux.DevAttrs {
	l, err := netlink.LinkByIndex(c.index)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.attrs = devAttrs(l.Attrs(), c.ns)
	}
	return c.attrs
}

// portState holds the settings the switch daemon reports for a port.
type portState struct {
	speed atomic.Uint32

	mu    sync.Mutex
	stats map[uint32]uint64
}

func (s *portState) SetEthtoolStat(index uint32, count uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		s.stats = make(map[uint32]uint64)
	}
	s.stats[index] = count
	return nil
}

func (s *portState) SetSpeed(mbps uint32) error {
	s.speed.Store(mbps)
	return nil
}

// EthtoolStats returns the reported ethtool statistics by index.
func (s *portState) EthtoolStats() map[uint32]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.stats)
}

// Speed returns the reported link speed in Mb/s.
func (s *portState) Speed() uint32 { return s.speed.Load() }

// setLinkCarrier models carrier with the administrative state when the
// device has no carrier control of its own.
func setLinkCarrier(index int, on bool) error {
	l, err := netlink.LinkByIndex(index)
	if err != nil {
		return err
	}
	if on {
		return netlink.LinkSetUp(l)
	}
	return netlink.LinkSetDown(l)
}

// ExternalDev backs a proxy with an existing interface, such as one end of
// a veth pair. Demultiplexed frames are sent out of it and frames arriving
// on it are transmitted on the proxy's behalf.
type ExternalDev struct {
	portState
	pl    *PacketLink
	attrs attrCache
}

// OpenExternal opens the named interface.
func OpenExternal(name string, ns uint64) (*ExternalDev, error) {
	pl, err := OpenPacketLink(name)
	if err != nil {
		return nil, err
	}
	d := &ExternalDev{pl: pl, attrs: attrCache{index: pl.Index(), ns: ns}}
	d.attrs.attrs = mux.DevAttrs{Name: name, Index: pl.Index(), Net: ns}
	d.attrs.load()
	return d, nil
}

func (d *ExternalDev) Attrs() mux.DevAttrs { return d.attrs.load() }

func (d *ExternalDev) Forward(frame []byte) error { return d.pl.Send(frame) }

func (d *ExternalDev) SetCarrier(on bool) error { return setLinkCarrier(d.pl.Index(), on) }

// Start hands frames arriving on the interface to tx.
func (d *ExternalDev) Start(tx func(frame []byte)) error {
	return d.pl.RegisterHook(mux.Hook(tx))
}

func (d *ExternalDev) Close() error { return d.pl.Close() }
