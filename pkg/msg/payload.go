package msg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// IfNameSize is the fixed width of interface names on the wire.
const IfNameSize = 16

// Break marks the end of a dump.
type Break struct{}

func (*Break) Kind() Kind       { return KindBreak }
func (*Break) size() int        { return 0 }
func (*Break) put([]byte)       {}
func (*Break) get([]byte) error { return nil }
func (*Break) String() string   { return "break" }

// DumpIfInfo requests an interface snapshot.
type DumpIfInfo struct{}

func (*DumpIfInfo) Kind() Kind       { return KindDumpIfInfo }
func (*DumpIfInfo) size() int        { return 0 }
func (*DumpIfInfo) put([]byte)       {}
func (*DumpIfInfo) get([]byte) error { return nil }
func (*DumpIfInfo) String() string   { return "dump ifinfo" }

// DumpFibInfo requests route and neighbor dumps.
type DumpFibInfo struct{}

func (*DumpFibInfo) Kind() Kind       { return KindDumpFibInfo }
func (*DumpFibInfo) size() int        { return 0 }
func (*DumpFibInfo) put([]byte)       {}
func (*DumpFibInfo) get([]byte) error { return nil }
func (*DumpFibInfo) String() string   { return "dump fibinfo" }

// Carrier sets the carrier of a port.
//
//	[0:4] Xid
//	[4]   On (0 or 1)
//	[5:8] pad
type Carrier struct {
	Xid uint32
	On  bool
}

func (*Carrier) Kind() Kind { return KindCarrier }
func (*Carrier) size() int  { return 8 }

func (m *Carrier) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Xid)
	if m.On {
		b[4] = 1
	}
}

func (m *Carrier) get(b []byte) error {
	m.Xid = binary.LittleEndian.Uint32(b[0:4])
	switch b[4] {
	case 0:
		m.On = false
	case 1:
		m.On = true
	default:
		return fmt.Errorf("%w: carrier flag %d", ErrInvalidMessage, b[4])
	}
	return nil
}

func (m *Carrier) String() string {
	if m.On {
		return fmt.Sprintf("carrier %d on", m.Xid)
	}
	return fmt.Sprintf("carrier %d off", m.Xid)
}

// Stat carries one ethtool or link statistic, depending on its kind.
//
//	[0:4]  Xid
//	[4:8]  Index
//	[8:16] Count
type Stat struct {
	kind  Kind
	Xid   uint32
	Index uint32
	Count uint64
}

// NewEthtoolStat returns an ethtool statistic update.
func NewEthtoolStat(xid, index uint32, count uint64) *Stat {
	return &Stat{kind: KindEthtoolStat, Xid: xid, Index: index, Count: count}
}

// NewLinkStat returns a link statistic update.
func NewLinkStat(xid, index uint32, count uint64) *Stat {
	return &Stat{kind: KindLinkStat, Xid: xid, Index: index, Count: count}
}

func (m *Stat) Kind() Kind { return m.kind }
func (*Stat) size() int    { return 16 }

func (m *Stat) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Xid)
	binary.LittleEndian.PutUint32(b[4:8], m.Index)
	binary.LittleEndian.PutUint64(b[8:16], m.Count)
}

func (m *Stat) get(b []byte) error {
	m.Xid = binary.LittleEndian.Uint32(b[0:4])
	m.Index = binary.LittleEndian.Uint32(b[4:8])
	m.Count = binary.LittleEndian.Uint64(b[8:16])
	return nil
}

func (m *Stat) String() string {
	return fmt.Sprintf("%s %d [%d]=%d", m.kind, m.Xid, m.Index, m.Count)
}

// Speed sets the reported link speed of a port.
type Speed struct {
	Xid  uint32
	Mbps uint32
}

func (*Speed) Kind() Kind { return KindSpeed }
func (*Speed) size() int  { return 8 }

func (m *Speed) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Xid)
	binary.LittleEndian.PutUint32(b[4:8], m.Mbps)
}

func (m *Speed) get(b []byte) error {
	m.Xid = binary.LittleEndian.Uint32(b[0:4])
	m.Mbps = binary.LittleEndian.Uint32(b[4:8])
	return nil
}

func (m *Speed) String() string { return fmt.Sprintf("speed %d %dMb/s", m.Xid, m.Mbps) }

// DevKind is the kind of the device an IfInfo describes.
type DevKind uint8

const (
	DevKindPort DevKind = iota + 1
	DevKindVlan
	DevKindBridge
	DevKindLag
)

func (k DevKind) String() string {
	switch k {
	case DevKindPort:
		return "port"
	case DevKindVlan:
		return "vlan"
	case DevKindBridge:
		return "bridge"
	case DevKindLag:
		return "lag"
	}
	return fmt.Sprintf("devkind(%d)", uint8(k))
}

// IfInfoReason says why an IfInfo was sent.
type IfInfoReason uint8

const (
	IfInfoReasonNew IfInfoReason = iota + 1
	IfInfoReasonDel
	IfInfoReasonUp
	IfInfoReasonDown
	IfInfoReasonDump
	IfInfoReasonReg
	IfInfoReasonUnreg
)

func (r IfInfoReason) String() string {
	switch r {
	case IfInfoReasonNew:
		return "new"
	case IfInfoReasonDel:
		return "del"
	case IfInfoReasonUp:
		return "up"
	case IfInfoReasonDown:
		return "down"
	case IfInfoReasonDump:
		return "dump"
	case IfInfoReasonReg:
		return "reg"
	case IfInfoReasonUnreg:
		return "unreg"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// IfInfo describes one proxy interface.
//
//	[0:16]  Name (NUL padded)
//	[16:20] Xid
//	[20:24] Ifindex
//	[24:32] Net (namespace id)
//	[32:36] Flags (net.Flags)
//	[36:40] Iflinkindex
//	[40:46] Addr
//	[46]    Kind
//	[47]    Reason
type IfInfo struct {
	Name        string
	Xid         uint32
	Ifindex     int32
	Net         uint64
	Flags       uint32
	Iflinkindex int32
	Addr        net.HardwareAddr
	DevKind     DevKind
	Reason      IfInfoReason
}

func (*IfInfo) Kind() Kind { return KindIfInfo }
func (*IfInfo) size() int  { return 48 }

func (m *IfInfo) put(b []byte) {
	copy(b[0:IfNameSize-1], m.Name)
	binary.LittleEndian.PutUint32(b[16:20], m.Xid)
	binary.LittleEndian.PutUint32(b[20:24], uint32(m.Ifindex))
	binary.LittleEndian.PutUint64(b[24:32], m.Net)
	binary.LittleEndian.PutUint32(b[32:36], m.Flags)
	binary.LittleEndian.PutUint32(b[36:40], uint32(m.Iflinkindex))
	copy(b[40:46], m.Addr)
	b[46] = uint8(m.DevKind)
	b[47] = uint8(m.Reason)
}

func (m *IfInfo) get(b []byte) error {
	name := b[0:IfNameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	m.Name = string(name)
	m.Xid = binary.LittleEndian.Uint32(b[16:20])
	m.Ifindex = int32(binary.LittleEndian.Uint32(b[20:24]))
	m.Net = binary.LittleEndian.Uint64(b[24:32])
	m.Flags = binary.LittleEndian.Uint32(b[32:36])
	m.Iflinkindex = int32(binary.LittleEndian.Uint32(b[36:40]))
	m.Addr = net.HardwareAddr(bytes.Clone(b[40:46]))
	m.DevKind = DevKind(b[46])
	m.Reason = IfInfoReason(b[47])
	return nil
}

func (m *IfInfo) String() string {
	return fmt.Sprintf("ifinfo %s xid %d index %d %s %s net %d %s",
		m.Name, m.Xid, m.Ifindex, m.DevKind, m.Reason, m.Net, net.Flags(m.Flags))
}

// IfaEvent is an address change direction.
type IfaEvent uint32

const (
	IfaAdd IfaEvent = iota + 1
	IfaDel
)

func (e IfaEvent) String() string {
	switch e {
	case IfaAdd:
		return "add"
	case IfaDel:
		return "del"
	}
	return fmt.Sprintf("ifa-event(%d)", uint32(e))
}

// Ifa is an IPv4 address change of a proxy.
type Ifa struct {
	Xid     uint32
	Event   IfaEvent
	Address net.IP
	Mask    net.IPMask
}

func (*Ifa) Kind() Kind { return KindIfa }
func (*Ifa) size() int  { return 16 }

func (m *Ifa) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Xid)
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.Event))
	copy(b[8:12], m.Address.To4())
	copy(b[12:16], m.Mask)
}

func (m *Ifa) get(b []byte) error {
	m.Xid = binary.LittleEndian.Uint32(b[0:4])
	m.Event = IfaEvent(binary.LittleEndian.Uint32(b[4:8]))
	m.Address = net.IP(bytes.Clone(b[8:12]))
	m.Mask = net.IPMask(bytes.Clone(b[12:16]))
	return nil
}

func (m *Ifa) String() string {
	return fmt.Sprintf("ifa %d %s %s", m.Xid, m.Event, &net.IPNet{IP: m.Address, Mask: m.Mask})
}

// Ifa6 is an IPv6 address change of a proxy.
//
//	[0:4]   Xid
//	[4:8]   Event
//	[8:24]  Address
//	[24]    Length
//	[25:28] pad
type Ifa6 struct {
	Xid     uint32
	Event   IfaEvent
	Address net.IP
	Length  uint8
}

func (*Ifa6) Kind() Kind { return KindIfa6 }
func (*Ifa6) size() int  { return 28 }

func (m *Ifa6) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Xid)
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.Event))
	copy(b[8:24], m.Address.To16())
	b[24] = m.Length
}

func (m *Ifa6) get(b []byte) error {
	m.Xid = binary.LittleEndian.Uint32(b[0:4])
	m.Event = IfaEvent(binary.LittleEndian.Uint32(b[4:8]))
	m.Address = net.IP(bytes.Clone(b[8:24]))
	m.Length = b[24]
	return nil
}

func (m *Ifa6) String() string {
	return fmt.Sprintf("ifa6 %d %s %s/%d", m.Xid, m.Event, m.Address, m.Length)
}

// NetNs reports a network namespace lifecycle change.
type NetNs struct {
	Add bool
	Net uint64
}

func (m *NetNs) Kind() Kind {
	if m.Add {
		return KindNetNsAdd
	}
	return KindNetNsDel
}

func (*NetNs) size() int { return 8 }

func (m *NetNs) put(b []byte) { binary.LittleEndian.PutUint64(b[0:8], m.Net) }

func (m *NetNs) get(b []byte) error {
	m.Net = binary.LittleEndian.Uint64(b[0:8])
	return nil
}

func (m *NetNs) String() string {
	if m.Add {
		return fmt.Sprintf("netns add %d", m.Net)
	}
	return fmt.Sprintf("netns del %d", m.Net)
}
