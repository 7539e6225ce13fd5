package mux

import (
	"fmt"
	"log/slog"
	"slices"
)

// Hook receives every frame intercepted on a lower link.
type Hook func(frame []byte)

// Lower is a physical link carrying tagged frames.
type Lower interface {
	Name() string
	Index() int
	Carrier() bool
	Send(frame []byte) error
	// RegisterHook installs the frame interception hook. It fails with
	// ErrBusy when a hook is already installed.
	RegisterHook(h Hook) error
	// UnregisterHook removes the hook; no new frames reach it afterwards.
	UnregisterHook()
}

const fanoutSlots = 16

// fanout maps a flow slot to an active lower link, nil when none.
type fanout [fanoutSlots]Lower

// AddLower attaches l to the mux and installs its interception hook.
func (m *Mux) AddLower(l Lower) error {
	m.topoMu.Lock()
	defer m.topoMu.Unlock()

	if slices.Contains(m.lowers, l) {
		return fmt.Errorf("add lower %s: %w", l.Name(), ErrBusy)
	}
	if len(m.lowers) >= fanoutSlots {
		return fmt.Errorf("add lower %s: %w", l.Name(), ErrTooManyLowers)
	}
	if err := l.RegisterHook(func(frame []byte) { m.Demux(frame, l) }); err != nil {
		return fmt.Errorf("add lower %s: %w", l.Name(), err)
	}
	m.lowers = append(m.lowers, l)
	m.rebuildLocked()
	slog.Info("mux: lower attached", "name", l.Name(), "ifindex", l.Index(),
		"lowers", len(m.lowers))
	return nil
}

// DelLower removes l's interception hook, then detaches it.
func (m *Mux) DelLower(l Lower) error {
	m.topoMu.Lock()
	defer m.topoMu.Unlock()

	i := slices.Index(m.lowers, l)
	if i < 0 {
		return fmt.Errorf("del lower %s: %w", l.Name(), ErrNotFound)
	}
	l.UnregisterHook()
	m.lowers = slices.Delete(m.lowers, i, i+1)
	m.rebuildLocked()
	slog.Info("mux: lower detached", "name", l.Name(), "lowers", len(m.lowers))
	return nil
}

// Lowers returns the attached lower links in attach order.
func (m *Mux) Lowers() []Lower {
	m.topoMu.Lock()
	defer m.topoMu.Unlock()
	return slices.Clone(m.lowers)
}

// CheckLowerCarrier recomputes the mux carrier and the fan-out table from
// the current lower carriers, and returns the mux carrier.
func (m *Mux) CheckLowerCarrier() bool {
	m.topoMu.Lock()
	defer m.topoMu.Unlock()
	was := m.carrier.Load()
	m.rebuildLocked()
	now := m.carrier.Load()
	if was != now {
		slog.Info("mux: carrier changed", "name", m.name, "carrier", now)
	}
	return now
}

// rebuildLocked must be called with topoMu held. With n active links,
// link i takes every n-th slot starting at slot i.
func (m *Mux) rebuildLocked() {
	var active []Lower
	for _, l := range m.lowers {
		if l.Carrier() {
			active = append(active, l)
		}
	}
	t := new(fanout)
	if n := len(active); n > 0 {
		for s := range t {
			t[s] = active[s%n]
		}
	}
	m.fanout.Store(t)
	m.carrier.Store(len(active) > 0)
}

// selectLower returns the lower link for xid without locking.
func (m *Mux) selectLower(xid uint32) Lower {
	return m.fanout.Load()[xid%fanoutSlots]
}
