package mux

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestDemuxHit(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	p, dev := addProxy(t, m, 42, KindPort)
	l := newFakeLower("eth0", 2)
	if err := m.AddLower(l); err != nil {
		t.Fatal(err)
	}

	payload := testPayload(80)
	if !l.receive(taggedFrame(t, 42, 0, payload)) {
		t.Fatal("no hook installed")
	}
	frames := dev.received()
	if len(frames) != 1 {
		t.Fatalf("forwarded %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], untaggedFrame(t, payload)) {
		t.Error("forwarded frame still tagged")
	}
	if s := p.Stats(); s[RxPackets] != 1 || s[RxBytes] != uint64(len(frames[0])) {
		t.Errorf("proxy rx = %d/%d", s[RxPackets], s[RxBytes])
	}
	if s := m.LinkStats(); s[RxPackets] != 1 || s[RxFrameErrors] != 0 {
		t.Errorf("mux stats = %v", s.Map())
	}
}

func TestDemuxMiss(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	_, dev := addProxy(t, m, 42, KindPort)

	if res := m.Demux(taggedFrame(t, 43, 0, testPayload(46)), nil); res != Missed {
		t.Fatalf("result = %v, want missed", res)
	}
	if n := len(dev.received()); n != 0 {
		t.Errorf("forwarded %d frames", n)
	}
	s := m.LinkStats()
	if s[RxFrameErrors] != 1 || s[RxErrors] != 1 {
		t.Errorf("frame errors = %d, errors = %d", s[RxFrameErrors], s[RxErrors])
	}
}

func TestDemuxPassAndDrop(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	p, dev := addProxy(t, m, 42, KindPort)

	if res := m.Demux(untaggedFrame(t, testPayload(46)), nil); res != Passed {
		t.Errorf("untagged result = %v, want passed", res)
	}

	dev.err = errRefused
	if res := m.Demux(taggedFrame(t, 42, 0, testPayload(46)), nil); res != Dropped {
		t.Errorf("refused result = %v, want dropped", res)
	}
	if s := p.Stats(); s[RxDropped] != 1 || s[RxPackets] != 0 {
		t.Errorf("proxy stats = %v", s.Map())
	}
	if s := m.LinkStats(); s[RxDropped] != 1 {
		t.Errorf("mux rx_dropped = %d", s[RxDropped])
	}
}

func TestTransmitFanout(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	lowers := []*fakeLower{newFakeLower("eth0", 2), newFakeLower("eth1", 3), newFakeLower("eth2", 4)}
	for _, l := range lowers {
		if err := m.AddLower(l); err != nil {
			t.Fatal(err)
		}
	}
	frame := untaggedFrame(t, testPayload(46))
	for xid := uint32(1); xid <= uint32(len(lowers)); xid++ {
		p, _ := addProxy(t, m, xid, KindPort)
		m.Transmit(p, frame)
	}
	for _, l := range lowers {
		if l.sentCount() == 0 {
			t.Errorf("%s sent nothing", l.name)
		}
	}

	// The same XID always takes the same link.
	p := m.Lookup(2)
	before := make([]int, len(lowers))
	for i, l := range lowers {
		before[i] = l.sentCount()
	}
	for i := 0; i < 10; i++ {
		m.Transmit(p, frame)
	}
	moved := 0
	for i, l := range lowers {
		if d := l.sentCount() - before[i]; d != 0 {
			moved++
			if d != 10 {
				t.Errorf("%s got %d of 10 frames", l.name, d)
			}
		}
	}
	if moved != 1 {
		t.Errorf("xid spread over %d links", moved)
	}
	if s := p.Stats(); s[TxPackets] != 11 {
		t.Errorf("proxy tx_packets = %d, want 11", s[TxPackets])
	}
}

func TestTransmitCarrier(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	up, down := newFakeLower("eth0", 2), newFakeLower("eth1", 3)
	down.carrier.Store(false)
	m.AddLower(up)
	m.AddLower(down)
	if !m.Carrier() {
		t.Fatal("mux carrier down with one link up")
	}

	frame := untaggedFrame(t, testPayload(46))
	for xid := uint32(1); xid <= 16; xid++ {
		p, _ := addProxy(t, m, xid, KindPort)
		m.Transmit(p, frame)
	}
	if down.sentCount() != 0 || up.sentCount() != 16 {
		t.Errorf("sent up=%d down=%d", up.sentCount(), down.sentCount())
	}

	up.carrier.Store(false)
	if m.CheckLowerCarrier() {
		t.Fatal("mux carrier up with all links down")
	}
	p := m.Lookup(1)
	m.Transmit(p, frame)
	if s := m.LinkStats(); s[TxErrors] != 1 {
		t.Errorf("tx_errors = %d, want 1", s[TxErrors])
	}
}

func TestTransmitSendFailure(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	l := newFakeLower("eth0", 2)
	l.err = errRefused
	m.AddLower(l)
	p, _ := addProxy(t, m, 9, KindPort)
	m.Transmit(p, untaggedFrame(t, testPayload(46)))
	if s := m.LinkStats(); s[TxDropped] != 1 || s[TxPackets] != 0 {
		t.Errorf("stats = %v", s.Map())
	}
}

func TestTransmitTagged(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	l := newFakeLower("eth0", 2)
	m.AddLower(l)
	p, _ := addProxy(t, m, 77, KindPort)
	frame := untaggedFrame(t, testPayload(46))
	m.Transmit(p, frame)
	if l.sentCount() != 1 {
		t.Fatalf("sent %d", l.sentCount())
	}
	xid, _, payload, ok := EncapVlan.Decap(bytes.Clone(l.sent[0]))
	if !ok || xid != 77 || !bytes.Equal(payload, frame) {
		t.Errorf("sent frame decap = %d %v", xid, ok)
	}
}

func TestLowerLifecycle(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	l := newFakeLower("eth0", 2)
	if err := m.AddLower(l); err != nil {
		t.Fatal(err)
	}
	if err := m.AddLower(l); !errors.Is(err, ErrBusy) {
		t.Errorf("second AddLower err = %v", err)
	}
	other := newFakeLower("eth1", 3)
	other.hook = func([]byte) {}
	if err := m.AddLower(other); !errors.Is(err, ErrBusy) {
		t.Errorf("AddLower with foreign hook err = %v", err)
	}
	if err := m.DelLower(l); err != nil {
		t.Fatal(err)
	}
	if l.unregistered != 1 || l.receive(taggedFrame(t, 1, 0, testPayload(46))) {
		t.Error("hook survived DelLower")
	}
	if err := m.DelLower(l); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DelLower err = %v", err)
	}
	if m.Carrier() {
		t.Error("carrier up with no lowers")
	}
}

func TestTooManyLowers(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	for i := 0; i < fanoutSlots; i++ {
		if err := m.AddLower(newFakeLower("eth", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.AddLower(newFakeLower("eth", 99)); !errors.Is(err, ErrTooManyLowers) {
		t.Errorf("err = %v", err)
	}
}

func TestException(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	_, dev := addProxy(t, m, 5, KindPort)

	frame := taggedFrame(t, 5, 0, testPayload(46))
	orig := bytes.Clone(frame)
	if err := m.Exception(frame); err != nil {
		t.Fatalf("Exception: %v", err)
	}
	if !bytes.Equal(frame, orig) {
		t.Error("caller buffer modified")
	}
	if len(dev.received()) != 1 {
		t.Errorf("forwarded %d", len(dev.received()))
	}

	if err := m.Exception(frame[:5]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short err = %v", err)
	}
	if err := m.Exception(taggedFrame(t, 6, 0, testPayload(46))); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("miss err = %v", err)
	}
	if err := m.Exception(untaggedFrame(t, testPayload(46))); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("untagged err = %v", err)
	}

	c := m.Counters()
	if c["ex_frames"] != 4 || c["sbex_invalid"] != 1 || c["sbex_dropped"] != 2 {
		t.Errorf("counters = %v", c)
	}
	if c["ex_bytes"] == 0 {
		t.Error("ex_bytes not counted")
	}
}

func TestExceptionHost(t *testing.T) {
	var got []byte
	m := New(Options{Host: func(f []byte) error {
		got = bytes.Clone(f)
		return nil
	}})
	frame := untaggedFrame(t, testPayload(46))
	if err := m.Exception(frame); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("host did not receive untagged exception")
	}
}

func TestTeardown(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	l := newFakeLower("eth0", 2)
	m.AddLower(l)
	for xid := uint32(1); xid <= 8; xid++ {
		addProxy(t, m, xid, KindPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	removed, err := m.Teardown(ctx)
	if err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if len(removed) != 8 || m.Len() != 0 {
		t.Errorf("removed %d, left %d", len(removed), m.Len())
	}
	if l.unregistered != 1 || len(m.Lowers()) != 0 {
		t.Error("lower not detached")
	}
	if m.HasFlag(FlagMainTask) {
		t.Error("main_task still set")
	}
}

func TestQuiesceWaitsForDemux(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	block := make(chan struct{})
	entered := make(chan struct{})
	dev := &blockingDev{fakeDev: newFakeDev("x", 1), entered: entered, block: block}
	p := m.NewProxy(1, KindPort, dev)
	m.Insert(p)

	go m.Demux(taggedFrame(t, 1, 0, testPayload(46)), nil)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var te *TeardownError
	if err := m.Quiesce(ctx); !errors.As(err, &te) || te.Stage != "quiesce" {
		t.Fatalf("Quiesce err = %v, want TeardownError", err)
	}

	close(block)
	if err := m.Quiesce(context.Background()); err != nil {
		t.Fatalf("Quiesce after release: %v", err)
	}
}

type blockingDev struct {
	*fakeDev
	entered chan struct{}
	block   chan struct{}
}

func (d *blockingDev) Forward(frame []byte) error {
	close(d.entered)
	<-d.block
	return nil
}

func TestCountersAndFlags(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	m.Inc(SbrxMsgs)
	m.Add(SbtxQueued, 3)
	if v, ok := m.Counter("sbrx_msgs"); !ok || v != 1 {
		t.Errorf("sbrx_msgs = %d %v", v, ok)
	}
	if v, _ := m.Counter("sbtx_queued"); v != 3 {
		t.Errorf("sbtx_queued = %d", v)
	}
	if _, ok := m.Counter("bogus"); ok {
		t.Error("unknown counter found")
	}
	if len(m.Counters()) != len(CounterNames()) {
		t.Error("Counters size mismatch")
	}

	if !m.HasFlag(FlagMainTask) {
		t.Error("main_task not set by New")
	}
	m.SetFlag(FlagSbListen)
	m.ClearFlag(FlagMainTask)
	f := m.Flags()
	if !f["sb_listen"] || f["main_task"] || f["sb_connection"] {
		t.Errorf("flags = %v", f)
	}
}

func TestProxyLinkStat(t *testing.T) {
	m := newTestMux(t, EncapVlan)
	p, _ := addProxy(t, m, 1, KindPort)
	if err := p.LinkStat(uint32(RxCrcErrors), 12); err != nil {
		t.Fatal(err)
	}
	if err := p.LinkStat(uint32(NumStats), 1); err == nil {
		t.Error("out of range index accepted")
	}
	if s := p.Stats(); s[RxCrcErrors] != 12 {
		t.Errorf("rx_crc_errors = %d", s[RxCrcErrors])
	}
}
