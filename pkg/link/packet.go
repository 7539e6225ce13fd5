package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/xmux/pkg/mux"
)

const (
	// auxdataLen is sizeof(struct tpacket_auxdata).
	auxdataLen    = 20
	rxFrameLen    = 16 * 1024
	rxPollTimeout = 200 * time.Millisecond
)

// PacketLink is a physical link opened with an AF_PACKET socket. A reader
// goroutine hands every received frame to the installed hook, with any
// VLAN tag stripped by the NIC restored in the frame.
type PacketLink struct {
	name  string
	index int
	fd    int

	hook atomic.Pointer[mux.Hook]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenPacketLink opens the named interface.
func OpenPacketLink(name string) (*PacketLink, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	index := l.Attrs().Index

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("packet socket %s: %w", name, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  index,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_AUXDATA, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("auxdata %s: %w", name, err)
	}
	// Bounded receive so Close is noticed.
	tv := unix.NsecToTimeval(rxPollTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rcvtimeo %s: %w", name, err)
	}

	pl := &PacketLink{name: name, index: index, fd: fd, done: make(chan struct{})}
	pl.wg.Add(1)
	go pl.readLoop()
	slog.Info("link: opened", "name", name, "ifindex", index)
	return pl, nil
}

func (pl *PacketLink) Name() string { return pl.name }
func (pl *PacketLink) Index() int   { return pl.index }

func (pl *PacketLink) Carrier() bool {
	ok, err := Carrier(pl.name)
	if err != nil {
		slog.Debug("link: carrier query", "name", pl.name, "err", err)
	}
	return ok
}

// Send transmits one frame.
func (pl *PacketLink) Send(frame []byte) error {
	return unix.Sendto(pl.fd, frame, unix.MSG_DONTWAIT, &unix.SockaddrLinklayer{Ifindex: pl.index})
}

func (pl *PacketLink) RegisterHook(h mux.Hook) error {
	if !pl.hook.CompareAndSwap(nil, &h) {
		return fmt.Errorf("link %s hook: %w", pl.name, mux.ErrBusy)
	}
	return nil
}

func (pl *PacketLink) UnregisterHook() { pl.hook.Store(nil) }

// Close removes the hook, stops the reader and closes the socket.
func (pl *PacketLink) Close() error {
	pl.UnregisterHook()
	pl.closeOnce.Do(func() {
		close(pl.done)
		pl.wg.Wait()
		unix.Close(pl.fd)
	})
	return nil
}

func (pl *PacketLink) readLoop() {
	defer pl.wg.Done()
	buf := make([]byte, rxFrameLen+mux.VlanHeaderLen)
	oob := make([]byte, unix.CmsgSpace(auxdataLen))
	for {
		select {
		case <-pl.done:
			return
		default:
		}
		n, oobn, _, from, err := unix.Recvmsg(pl.fd, buf[:rxFrameLen], oob, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			slog.Warn("link: receive failed", "name", pl.name, "err", err)
			return
		}
		if sa, ok := from.(*unix.SockaddrLinklayer); ok && sa.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		frame := restoreVlan(buf, n, oob[:oobn])
		if h := pl.hook.Load(); h != nil {
			(*h)(frame)
		}
	}
}

// restoreVlan reinserts the tag the kernel moved to auxdata. buf must have
// room for one more tag past n.
func restoreVlan(buf []byte, n int, oob []byte) []byte {
	if n < mux.EthHeaderLen {
		return buf[:n]
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return buf[:n]
	}
	for _, c := range cmsgs {
		if c.Header.Level != unix.SOL_PACKET || c.Header.Type != unix.PACKET_AUXDATA || len(c.Data) < auxdataLen {
			continue
		}
		status := binary.NativeEndian.Uint32(c.Data[0:4])
		if status&unix.TP_STATUS_VLAN_VALID == 0 {
			return buf[:n]
		}
		tci := binary.NativeEndian.Uint16(c.Data[16:18])
		tpid := uint16(mux.EtherType8021Q)
		if status&unix.TP_STATUS_VLAN_TPID_VALID != 0 {
			tpid = binary.NativeEndian.Uint16(c.Data[18:20])
		}
		copy(buf[16:n+mux.VlanHeaderLen], buf[12:n])
		binary.BigEndian.PutUint16(buf[12:14], tpid)
		binary.BigEndian.PutUint16(buf[14:16], tci)
		return buf[:n+mux.VlanHeaderLen]
	}
	return buf[:n]
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}
