package msg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// FibEvent is a route change direction.
type FibEvent uint8

const (
	FibAdd FibEvent = iota + 1
	FibReplace
	FibAppend
	FibDel
)

func (e FibEvent) String() string {
	switch e {
	case FibAdd:
		return "add"
	case FibReplace:
		return "replace"
	case FibAppend:
		return "append"
	case FibDel:
		return "del"
	}
	return fmt.Sprintf("fib-event(%d)", uint8(e))
}

// MaxNextHops bounds the next-hop array of a route message.
const MaxNextHops = 255

// nextHopSize is Ifindex(4) + Weight(4) + Flags(4) + Gw(16) + Scope(1) + pad(3).
const nextHopSize = 32

// NextHop is one route next hop.
type NextHop struct {
	Ifindex int32
	Weight  int32
	Flags   uint32
	Gw      net.IP
	Scope   uint8
}

func (nh *NextHop) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(nh.Ifindex))
	binary.LittleEndian.PutUint32(b[4:8], uint32(nh.Weight))
	binary.LittleEndian.PutUint32(b[8:12], nh.Flags)
	if nh.Gw != nil {
		copy(b[12:28], nh.Gw.To16())
	}
	b[28] = nh.Scope
}

func (nh *NextHop) get(b []byte, v4 bool) {
	nh.Ifindex = int32(binary.LittleEndian.Uint32(b[0:4]))
	nh.Weight = int32(binary.LittleEndian.Uint32(b[4:8]))
	nh.Flags = binary.LittleEndian.Uint32(b[8:12])
	gw := net.IP(bytes.Clone(b[12:28]))
	switch {
	case gw.IsUnspecified():
		nh.Gw = nil
	case v4:
		nh.Gw = gw.To4()
	default:
		nh.Gw = gw
	}
	nh.Scope = b[28]
}

func (nh NextHop) String() string {
	if nh.Gw == nil {
		return fmt.Sprintf("dev %d", nh.Ifindex)
	}
	return fmt.Sprintf("via %s dev %d", nh.Gw, nh.Ifindex)
}

func putNextHops(b []byte, nhs []NextHop) {
	for i := range nhs {
		nhs[i].put(b[i*nextHopSize:])
	}
}

func getNextHops(b []byte, n int, v4 bool) ([]NextHop, error) {
	if len(b) < n*nextHopSize {
		return nil, fmt.Errorf("%w: next hops truncated: have %d, need %d",
			ErrInvalidMessage, len(b), n*nextHopSize)
	}
	if n == 0 {
		return nil, nil
	}
	nhs := make([]NextHop, n)
	for i := range nhs {
		nhs[i].get(b[i*nextHopSize:], v4)
	}
	return nhs, nil
}

func formatNextHops(nhs []NextHop) string {
	parts := make([]string, len(nhs))
	for i, nh := range nhs {
		parts[i] = nh.String()
	}
	return strings.Join(parts, ", ")
}

// FibEntry is an IPv4 route change.
//
//	[0:8]   Net
//	[8:12]  Address
//	[12:16] Mask
//	[16]    Event
//	[17]    NextHop count
//	[18]    Tos
//	[19]    Type
//	[20:24] Table
//	[24..]  NextHops
type FibEntry struct {
	Net      uint64
	Address  net.IP
	Mask     net.IPMask
	Event    FibEvent
	Tos      uint8
	Type     uint8
	Table    uint32
	NextHops []NextHop
}

func (*FibEntry) Kind() Kind { return KindFibEntry }

func (m *FibEntry) size() int {
	return 24 + min(len(m.NextHops), MaxNextHops)*nextHopSize
}

func (m *FibEntry) put(b []byte) {
	nhs := m.NextHops[:min(len(m.NextHops), MaxNextHops)]
	binary.LittleEndian.PutUint64(b[0:8], m.Net)
	copy(b[8:12], m.Address.To4())
	copy(b[12:16], m.Mask)
	b[16] = uint8(m.Event)
	b[17] = uint8(len(nhs))
	b[18] = m.Tos
	b[19] = m.Type
	binary.LittleEndian.PutUint32(b[20:24], m.Table)
	putNextHops(b[24:], nhs)
}

func (m *FibEntry) get(b []byte) error {
	m.Net = binary.LittleEndian.Uint64(b[0:8])
	m.Address = net.IP(bytes.Clone(b[8:12]))
	m.Mask = net.IPMask(bytes.Clone(b[12:16]))
	m.Event = FibEvent(b[16])
	m.Tos = b[18]
	m.Type = b[19]
	m.Table = binary.LittleEndian.Uint32(b[20:24])
	nhs, err := getNextHops(b[24:], int(b[17]), true)
	if err != nil {
		return err
	}
	m.NextHops = nhs
	return nil
}

func (m *FibEntry) String() string {
	return fmt.Sprintf("fib-entry %s %s table %d net %d [%s]", m.Event,
		&net.IPNet{IP: m.Address, Mask: m.Mask}, m.Table, m.Net, formatNextHops(m.NextHops))
}

// Fib6Entry is an IPv6 route change.
//
//	[0:8]   Net
//	[8:24]  Address
//	[24]    Length
//	[25]    Event
//	[26]    NextHop count
//	[27]    Type
//	[28:32] Table
//	[32..]  NextHops
type Fib6Entry struct {
	Net      uint64
	Address  net.IP
	Length   uint8
	Event    FibEvent
	Type     uint8
	Table    uint32
	NextHops []NextHop
}

func (*Fib6Entry) Kind() Kind { return KindFib6Entry }

func (m *Fib6Entry) size() int {
	return 32 + min(len(m.NextHops), MaxNextHops)*nextHopSize
}

func (m *Fib6Entry) put(b []byte) {
	nhs := m.NextHops[:min(len(m.NextHops), MaxNextHops)]
	binary.LittleEndian.PutUint64(b[0:8], m.Net)
	copy(b[8:24], m.Address.To16())
	b[24] = m.Length
	b[25] = uint8(m.Event)
	b[26] = uint8(len(nhs))
	b[27] = m.Type
	binary.LittleEndian.PutUint32(b[28:32], m.Table)
	putNextHops(b[32:], nhs)
}

func (m *Fib6Entry) get(b []byte) error {
	m.Net = binary.LittleEndian.Uint64(b[0:8])
	m.Address = net.IP(bytes.Clone(b[8:24]))
	m.Length = b[24]
	m.Event = FibEvent(b[25])
	m.Type = b[27]
	m.Table = binary.LittleEndian.Uint32(b[28:32])
	nhs, err := getNextHops(b[32:], int(b[26]), false)
	if err != nil {
		return err
	}
	m.NextHops = nhs
	return nil
}

func (m *Fib6Entry) String() string {
	return fmt.Sprintf("fib6-entry %s %s/%d table %d net %d [%s]", m.Event,
		m.Address, m.Length, m.Table, m.Net, formatNextHops(m.NextHops))
}

// Address families carried in NeighUpdate.
const (
	FamilyV4 = 2
	FamilyV6 = 10
)

// NeighUpdate is a neighbor table change.
//
//	[0:8]   Net
//	[8:12]  Ifindex
//	[12]    Family
//	[13]    pad
//	[14:16] State
//	[16:32] Dst
//	[32:38] Lladdr
//	[38:40] pad
type NeighUpdate struct {
	Net     uint64
	Ifindex int32
	Family  uint8
	State   uint16
	Dst     net.IP
	Lladdr  net.HardwareAddr
}

func (*NeighUpdate) Kind() Kind { return KindNeighUpdate }
func (*NeighUpdate) size() int  { return 40 }

func (m *NeighUpdate) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], m.Net)
	binary.LittleEndian.PutUint32(b[8:12], uint32(m.Ifindex))
	b[12] = m.Family
	binary.LittleEndian.PutUint16(b[14:16], m.State)
	if m.Dst != nil {
		copy(b[16:32], m.Dst.To16())
	}
	copy(b[32:38], m.Lladdr)
}

func (m *NeighUpdate) get(b []byte) error {
	m.Net = binary.LittleEndian.Uint64(b[0:8])
	m.Ifindex = int32(binary.LittleEndian.Uint32(b[8:12]))
	m.Family = b[12]
	m.State = binary.LittleEndian.Uint16(b[14:16])
	m.Dst = net.IP(bytes.Clone(b[16:32]))
	if m.Family == FamilyV4 {
		m.Dst = m.Dst.To4()
	}
	m.Lladdr = net.HardwareAddr(bytes.Clone(b[32:38]))
	return nil
}

func (m *NeighUpdate) String() string {
	return fmt.Sprintf("neigh-update %s lladdr %s dev %d state %#x net %d",
		m.Dst, m.Lladdr, m.Ifindex, m.State, m.Net)
}
