// Package mux multiplexes virtual ports (proxies) over physical lower
// links by 802.1Q tag.
package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrBusy is returned when a resource is already claimed.
	ErrBusy = errors.New("busy")

	// ErrDuplicateKey is returned when inserting a proxy whose XID is
	// already registered. It matches ErrBusy.
	ErrDuplicateKey = fmt.Errorf("duplicate xid: %w", ErrBusy)

	// ErrNotFound is returned when removing a proxy or lower that is not
	// registered.
	ErrNotFound = errors.New("not found")

	// ErrUnknownTarget is returned when an XID resolves to no proxy.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrNoDevice is returned when inserting a proxy without a device.
	ErrNoDevice = errors.New("proxy has no device")

	// ErrNoLowerLink is returned when no physical link can transmit.
	ErrNoLowerLink = errors.New("no lower link")

	// ErrTooManyLowers is returned when the fan-out table is full.
	ErrTooManyLowers = errors.New("too many lower links")

	// ErrInvalidFrame is returned for frames too short to classify.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrFrameDropped is returned when a classified frame could not be
	// delivered.
	ErrFrameDropped = errors.New("frame dropped")
)

// TeardownError reports a stop stage that did not complete in time.
type TeardownError struct {
	Stage string
	Err   error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s: %v", e.Stage, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// Observer is notified of registry changes while the registry lock is held.
// Implementations must not call back into the registry.
type Observer interface {
	ProxyAdded(p *Proxy)
	ProxyRemoved(p *Proxy)
}

// Options configures a Mux.
type Options struct {
	// Name of the mux device, e.g. "xeth".
	Name string

	// Encap selects single or double tagging.
	Encap Encap

	// Host receives replayed exception frames that carry no recognized
	// tag. Nil drops them.
	Host func(frame []byte) error

	// Observer, if set, mirrors registry changes.
	Observer Observer
}

// Mux is the multiplexing device. There is one per process; it is passed
// to every component that needs it.
type Mux struct {
	name  string
	encap Encap
	host  func(frame []byte) error

	reg registry

	// topoMu serializes lower link changes and fan-out rebuilds.
	topoMu  sync.Mutex
	lowers  []Lower
	fanout  atomic.Pointer[fanout]
	carrier atomic.Bool

	statsMu sync.Mutex
	stats   LinkStats

	flagMu sync.Mutex
	flags  uint32

	counters [numCounters]atomic.Uint64

	// inflight is read-held by every frame classification; Quiesce
	// write-acquires it to wait them out.
	inflight sync.RWMutex

	txBufs sync.Pool
}

// New creates a Mux.
func New(opts Options) *Mux {
	if opts.Name == "" {
		opts.Name = "xeth"
	}
	m := &Mux{
		name:  opts.Name,
		encap: opts.Encap,
		host:  opts.Host,
	}
	m.reg.observer = opts.Observer
	m.fanout.Store(&fanout{})
	m.txBufs.New = func() any {
		b := make([]byte, 0, maxFrame+2*VlanHeaderLen)
		return &b
	}
	m.SetFlag(FlagMainTask)
	slog.Debug("mux: created", "name", m.name, "encap", m.encap)
	return m
}

// Name returns the mux device name.
func (m *Mux) Name() string { return m.name }

// Encap returns the encapsulation in use.
func (m *Mux) Encap() Encap { return m.encap }

// Carrier reports whether any lower link has carrier.
func (m *Mux) Carrier() bool { return m.carrier.Load() }
