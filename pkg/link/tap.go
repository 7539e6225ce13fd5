package link

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/xmux/pkg/mux"
)

// TapConfig describes a TAP interface to create.
type TapConfig struct {
	Name string
	MTU  int
	// Net is the namespace marker reported for the interface.
	Net uint64
}

// TapDev backs a proxy with a TAP interface. Forwarded frames appear as
// received on the interface; frames the host sends through it are read
// and handed to the transmit function given to Start.
type TapDev struct {
	portState
	ifce  *water.Interface
	attrs attrCache

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTap creates the TAP interface and brings it up with carrier off.
func NewTap(cfg TapConfig) (*TapDev, error) {
	ifce, err := water.New(water.Config{
		DeviceType:             water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: cfg.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("create tap %s: %w", cfg.Name, err)
	}
	l, err := netlink.LinkByName(ifce.Name())
	if err != nil {
		ifce.Close()
		return nil, fmt.Errorf("tap %s: %w", ifce.Name(), err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(l, cfg.MTU); err != nil {
			ifce.Close()
			return nil, fmt.Errorf("tap %s mtu: %w", ifce.Name(), err)
		}
	}
	d := &TapDev{ifce: ifce, attrs: attrCache{index: l.Attrs().Index, ns: cfg.Net}}
	d.attrs.attrs = devAttrs(l.Attrs(), cfg.Net)
	if err := d.setTunCarrier(false); err != nil {
		slog.Debug("link: tap carrier control unavailable", "name", ifce.Name(), "err", err)
	}
	if err := netlink.LinkSetUp(l); err != nil {
		ifce.Close()
		return nil, fmt.Errorf("tap %s up: %w", ifce.Name(), err)
	}
	slog.Info("link: tap created", "name", ifce.Name(), "ifindex", l.Attrs().Index)
	return d, nil
}

func (d *TapDev) Attrs() mux.DevAttrs { return d.attrs.load() }

// Forward writes one frame into the host stack.
func (d *TapDev) Forward(frame []byte) error {
	_, err := d.ifce.Write(frame)
	return err
}

// SetCarrier sets the TAP carrier, or the administrative state on kernels
// without TUNSETCARRIER.
func (d *TapDev) SetCarrier(on bool) error {
	if err := d.setTunCarrier(on); err == nil {
		return nil
	}
	return setLinkCarrier(d.attrs.index, on)
}

func (d *TapDev) setTunCarrier(on bool) error {
	f, ok := d.ifce.ReadWriteCloser.(*os.File)
	if !ok {
		return errors.ErrUnsupported
	}
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	var ioErr error
	if err := rc.Control(func(fd uintptr) {
		ioErr = unix.IoctlSetPointerInt(int(fd), unix.TUNSETCARRIER, v)
	}); err != nil {
		return err
	}
	return ioErr
}

// Start reads frames sent by the host and hands each to tx. The buffer is
// reused after tx returns.
func (d *TapDev) Start(tx func(frame []byte)) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		buf := make([]byte, rxFrameLen)
		for {
			n, err := d.ifce.Read(buf)
			if err != nil {
				if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
					slog.Warn("link: tap read failed", "name", d.ifce.Name(), "err", err)
				}
				return
			}
			if n >= mux.EthHeaderLen {
				tx(buf[:n])
			}
		}
	}()
	return nil
}

// Close removes the interface and waits for the reader.
func (d *TapDev) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.ifce.Close()
		d.wg.Wait()
	})
	return err
}
