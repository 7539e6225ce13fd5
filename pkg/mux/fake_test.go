package mux

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type fakeDev struct {
	attrs DevAttrs

	mu      sync.Mutex
	frames  [][]byte
	err     error
	carrier bool
}

func newFakeDev(name string, index int) *fakeDev {
	return &fakeDev{attrs: DevAttrs{
		Name:         name,
		Index:        index,
		HardwareAddr: net.HardwareAddr{0x02, 0, 0, 0, byte(index >> 8), byte(index)},
		MTU:          1500,
	}}
}

func (d *fakeDev) Attrs() DevAttrs { return d.attrs }

func (d *fakeDev) Forward(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.frames = append(d.frames, bytes.Clone(frame))
	return nil
}

func (d *fakeDev) SetCarrier(on bool) error {
	d.mu.Lock()
	d.carrier = on
	d.mu.Unlock()
	return nil
}

func (d *fakeDev) received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

type fakeLower struct {
	name    string
	index   int
	carrier atomic.Bool

	mu           sync.Mutex
	hook         Hook
	unregistered int
	sent         [][]byte
	err          error
}

func newFakeLower(name string, index int) *fakeLower {
	l := &fakeLower{name: name, index: index}
	l.carrier.Store(true)
	return l
}

func (l *fakeLower) Name() string  { return l.name }
func (l *fakeLower) Index() int    { return l.index }
func (l *fakeLower) Carrier() bool { return l.carrier.Load() }

func (l *fakeLower) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, bytes.Clone(frame))
	return nil
}

func (l *fakeLower) RegisterHook(h Hook) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hook != nil {
		return ErrBusy
	}
	l.hook = h
	return nil
}

func (l *fakeLower) UnregisterHook() {
	l.mu.Lock()
	l.hook = nil
	l.unregistered++
	l.mu.Unlock()
}

// receive feeds frame through the installed hook, as the link would.
func (l *fakeLower) receive(frame []byte) bool {
	l.mu.Lock()
	h := l.hook
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(frame)
	return true
}

func (l *fakeLower) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

var (
	testSrc = net.HardwareAddr{0x02, 0xaa, 0, 0, 0, 0x01}
	testDst = net.HardwareAddr{0x02, 0xbb, 0, 0, 0, 0x02}
)

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

// untaggedFrame builds an IPv4-typed Ethernet frame. Payloads shorter than
// 46 bytes are padded by the serializer.
func untaggedFrame(t testing.TB, payload []byte) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: testSrc, DstMAC: testDst, EthernetType: layers.EthernetTypeIPv4}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return bytes.Clone(buf.Bytes())
}

// taggedFrame builds an 802.1Q tagged IPv4 frame.
func taggedFrame(t testing.TB, vid uint16, prio uint8, payload []byte) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: testSrc, DstMAC: testDst, EthernetType: layers.EthernetTypeDot1Q}
	tag := &layers.Dot1Q{Priority: prio, VLANIdentifier: vid, Type: layers.EthernetTypeIPv4}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, tag, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return bytes.Clone(buf.Bytes())
}

func newTestMux(t testing.TB, encap Encap) *Mux {
	t.Helper()
	return New(Options{Name: "xeth", Encap: encap})
}

func addProxy(t testing.TB, m *Mux, xid uint32, kind Kind) (*Proxy, *fakeDev) {
	t.Helper()
	dev := newFakeDev(fmt.Sprintf("xeth%d", xid), int(100+xid))
	p := m.NewProxy(xid, kind, dev)
	if err := m.Insert(p); err != nil {
		t.Fatalf("Insert(%d): %v", xid, err)
	}
	return p, dev
}

var errRefused = errors.New("refused")
