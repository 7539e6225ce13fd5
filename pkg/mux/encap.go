package mux

import (
	"encoding/binary"
	"fmt"
)

const (
	EtherTypeIPv4   = 0x0800
	EtherTypeIPv6   = 0x86dd
	EtherType8021Q  = 0x8100
	EtherType8021AD = 0x88a8

	// EthHeaderLen is dst(6) + src(6) + ethertype(2).
	EthHeaderLen = 14

	// VlanHeaderLen is TPID(2) + TCI(2).
	VlanHeaderLen = 4

	VidMask = 0x0fff
	NVid    = 4096
	MaxVid  = NVid - 2

	maxFrame = 9216 + EthHeaderLen
)

// Encap selects the tagging scheme.
type Encap int

const (
	// EncapVlan uses one 802.1Q tag; XIDs are 1..4094.
	EncapVlan Encap = iota
	// EncapVlanDouble carries wide XIDs as an 802.1ad outer tag with the
	// low 12 bits and an 802.1Q inner tag with the rest,
	// xid = inner*4096 | outer. XIDs below 4096 keep a single 802.1Q tag.
	EncapVlanDouble
)

func (e Encap) String() string {
	switch e {
	case EncapVlan:
		return "vlan"
	case EncapVlanDouble:
		return "vlan_double"
	}
	return fmt.Sprintf("encap(%d)", int(e))
}

// ParseEncap parses an encapsulation name.
func ParseEncap(s string) (Encap, error) {
	switch s {
	case "vlan", "":
		return EncapVlan, nil
	case "vlan_double":
		return EncapVlanDouble, nil
	}
	return 0, fmt.Errorf("unknown encapsulation %q", s)
}

// ValidXid reports whether xid can be carried by e.
func (e Encap) ValidXid(xid uint32) bool {
	if xid < NVid {
		return xid >= 1 && xid <= MaxVid
	}
	if e != EncapVlanDouble {
		return false
	}
	outer, inner := xid&VidMask, xid/NVid
	return outer <= MaxVid && inner <= MaxVid
}

// Decap classifies frame by its outer tag. When the tag is recognized it
// strips the tag(s) in place, moving dst/src up against the exposed
// ethertype, and returns the XID, the tag priority and the untagged frame
// (a suffix of frame). Otherwise frame is left unmodified and ok is false.
func (e Encap) Decap(frame []byte) (xid uint32, prio uint8, payload []byte, ok bool) {
	if len(frame) < EthHeaderLen+VlanHeaderLen {
		return 0, 0, nil, false
	}
	tpid := binary.BigEndian.Uint16(frame[12:14])
	if tpid != EtherType8021Q && tpid != EtherType8021AD {
		return 0, 0, nil, false
	}
	tci := binary.BigEndian.Uint16(frame[14:16])
	xid = uint32(tci & VidMask)
	prio = uint8(tci >> 13)
	taglen := VlanHeaderLen
	if e == EncapVlanDouble && tpid == EtherType8021AD && len(frame) >= EthHeaderLen+2*VlanHeaderLen &&
		binary.BigEndian.Uint16(frame[16:18]) == EtherType8021Q {
		inner := binary.BigEndian.Uint16(frame[18:20]) & VidMask
		xid |= uint32(inner) * NVid
		taglen += VlanHeaderLen
	}
	copy(frame[taglen:taglen+12], frame[:12])
	return xid, prio, frame[taglen:], true
}

// Encap appends frame to dst[:0] with the tag(s) for xid inserted after
// the source address and returns the result.
func (e Encap) Encap(dst, frame []byte, xid uint32, prio uint8) ([]byte, error) {
	if len(frame) < EthHeaderLen {
		return nil, fmt.Errorf("encap: %w: %d bytes", ErrInvalidFrame, len(frame))
	}
	if !e.ValidXid(xid) {
		return nil, fmt.Errorf("encap: xid %d not encodable as %s", xid, e)
	}
	pcp := uint16(prio&7) << 13
	dst = append(dst[:0], frame[:12]...)
	if xid < NVid {
		tpid := uint16(EtherType8021Q)
		if e == EncapVlan && binary.BigEndian.Uint16(frame[12:14]) == EtherType8021Q {
			tpid = EtherType8021AD
		}
		dst = binary.BigEndian.AppendUint16(dst, tpid)
		dst = binary.BigEndian.AppendUint16(dst, pcp|uint16(xid))
	} else {
		dst = binary.BigEndian.AppendUint16(dst, EtherType8021AD)
		dst = binary.BigEndian.AppendUint16(dst, pcp|uint16(xid&VidMask))
		dst = binary.BigEndian.AppendUint16(dst, EtherType8021Q)
		dst = binary.BigEndian.AppendUint16(dst, pcp|uint16(xid/NVid))
	}
	return append(dst, frame[12:]...), nil
}

// ClassOf returns the class of service of an untagged or tagged frame:
// the PCP of a tag, or the precedence bits of an IPv4/IPv6 header.
func ClassOf(frame []byte) uint8 {
	if len(frame) < EthHeaderLen+2 {
		return 0
	}
	switch binary.BigEndian.Uint16(frame[12:14]) {
	case EtherType8021Q, EtherType8021AD:
		return frame[14] >> 5
	case EtherTypeIPv4:
		return frame[15] >> 5
	case EtherTypeIPv6:
		tc := frame[14]<<4 | frame[15]>>4
		return tc >> 5
	}
	return 0
}
