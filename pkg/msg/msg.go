// Package msg implements the sideband control message codec.
//
// Every message starts with an 18 byte header:
//
//	[0:8]   zero sentinel (uint64, must be 0)
//	[8:12]  zero sentinel (uint32, must be 0)
//	[12:14] zero sentinel (uint16, must be 0)
//	[14:16] Version (little-endian uint16)
//	[16:18] Kind (little-endian uint16)
//
// followed by a kind-specific payload. A record whose sentinels are not
// all zero is a raw Ethernet frame instead of a message.
package msg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the current protocol version.
	Version = 1

	// HeaderSize is the fixed size of a message header.
	HeaderSize = 18

	// MaxRecord is the largest record accepted on a sideband stream.
	MaxRecord = 64 * 1024
)

// ErrInvalidMessage is returned for malformed headers, version mismatch,
// unknown kinds and short payloads.
var ErrInvalidMessage = errors.New("invalid message")

// Kind discriminates message payloads.
type Kind uint16

const (
	KindBreak Kind = iota + 1
	KindCarrier
	KindEthtoolStat
	KindLinkStat
	KindDumpIfInfo
	KindDumpFibInfo
	KindSpeed
	KindIfInfo
	KindIfa
	KindIfa6
	KindFibEntry
	KindFib6Entry
	KindNeighUpdate
	KindNetNsAdd
	KindNetNsDel
)

var kindNames = map[Kind]string{
	KindBreak:       "break",
	KindCarrier:     "carrier",
	KindEthtoolStat: "ethtool-stat",
	KindLinkStat:    "link-stat",
	KindDumpIfInfo:  "dump-ifinfo",
	KindDumpFibInfo: "dump-fibinfo",
	KindSpeed:       "speed",
	KindIfInfo:      "ifinfo",
	KindIfa:         "ifa",
	KindIfa6:        "ifa6",
	KindFibEntry:    "fib-entry",
	KindFib6Entry:   "fib6-entry",
	KindNeighUpdate: "neigh-update",
	KindNetNsAdd:    "netns-add",
	KindNetNsDel:    "netns-del",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Valid reports whether k names a known message kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
	size() int
	put(b []byte)
	get(b []byte) error
}

// Header is the fixed message prefix.
type Header struct {
	Z64     uint64
	Z32     uint32
	Z16     uint16
	Version uint16
	Kind    Kind
}

func putHeader(b []byte, k Kind) {
	clear(b[:14])
	binary.LittleEndian.PutUint16(b[14:16], Version)
	binary.LittleEndian.PutUint16(b[16:18], uint16(k))
}

// ParseHeader returns the header of b without validating it.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short: %d bytes", ErrInvalidMessage, len(b))
	}
	return Header{
		Z64:     binary.LittleEndian.Uint64(b[0:8]),
		Z32:     binary.LittleEndian.Uint32(b[8:12]),
		Z16:     binary.LittleEndian.Uint16(b[12:14]),
		Version: binary.LittleEndian.Uint16(b[14:16]),
		Kind:    Kind(binary.LittleEndian.Uint16(b[16:18])),
	}, nil
}

// IsMsg reports whether b carries the zero sentinels of a control message.
func IsMsg(b []byte) bool {
	h, err := ParseHeader(b)
	return err == nil && h.Z64 == 0 && h.Z32 == 0 && h.Z16 == 0
}

// KindOf returns the kind of the message in b, or 0 if b is not a message.
func KindOf(b []byte) Kind {
	if !IsMsg(b) {
		return 0
	}
	return Kind(binary.LittleEndian.Uint16(b[16:18]))
}

// Encode returns the wire form of m.
func Encode(m Message) []byte {
	b := make([]byte, HeaderSize+m.size())
	putHeader(b, m.Kind())
	m.put(b[HeaderSize:])
	return b
}

// Decode parses a message. Trailing bytes beyond a kind's payload are
// ignored so that newer peers may extend payloads.
func Decode(b []byte) (Message, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Z64 != 0 || h.Z32 != 0 || h.Z16 != 0 {
		return nil, fmt.Errorf("%w: nonzero sentinel", ErrInvalidMessage)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidMessage, h.Version)
	}
	m := newMessage(h.Kind)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, uint16(h.Kind))
	}
	payload := b[HeaderSize:]
	if len(payload) < m.size() {
		return nil, fmt.Errorf("%w: %s payload too short: have %d, need %d",
			ErrInvalidMessage, h.Kind, len(payload), m.size())
	}
	if err := m.get(payload); err != nil {
		return nil, err
	}
	return m, nil
}

func newMessage(k Kind) Message {
	switch k {
	case KindBreak:
		return &Break{}
	case KindCarrier:
		return &Carrier{}
	case KindEthtoolStat:
		return &Stat{kind: KindEthtoolStat}
	case KindLinkStat:
		return &Stat{kind: KindLinkStat}
	case KindDumpIfInfo:
		return &DumpIfInfo{}
	case KindDumpFibInfo:
		return &DumpFibInfo{}
	case KindSpeed:
		return &Speed{}
	case KindIfInfo:
		return &IfInfo{}
	case KindIfa:
		return &Ifa{}
	case KindIfa6:
		return &Ifa6{}
	case KindFibEntry:
		return &FibEntry{}
	case KindFib6Entry:
		return &Fib6Entry{}
	case KindNeighUpdate:
		return &NeighUpdate{}
	case KindNetNsAdd:
		return &NetNs{Add: true}
	case KindNetNsDel:
		return &NetNs{}
	}
	return nil
}
