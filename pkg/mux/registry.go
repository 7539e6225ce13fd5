package mux

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

const (
	bucketBits = 4
	numBuckets = 1 << bucketBits

	goldenRatio32 = 0x61C88647
)

// bucketOf is the kernel's hash_min for a 32 bit key.
func bucketOf(xid uint32) uint32 {
	return (xid * goldenRatio32) >> (32 - bucketBits)
}

// entry is an immutable chain node; a bucket is replaced, never edited.
type entry struct {
	p    *Proxy
	next *entry
}

type registry struct {
	mu      sync.Mutex
	buckets [numBuckets]atomic.Pointer[entry]
	kin     map[Kind][]*Proxy
	pending []*Proxy
	n       int

	observer Observer
}

// Insert registers p.
func (m *Mux) Insert(p *Proxy) error {
	r := &m.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Dev == nil {
		return fmt.Errorf("insert xid %d: %w", p.Xid, ErrNoDevice)
	}
	if p.linked {
		return fmt.Errorf("insert xid %d: %w", p.Xid, ErrBusy)
	}
	b := &r.buckets[bucketOf(p.Xid)]
	head := b.Load()
	for e := head; e != nil; e = e.next {
		if e.p.Xid == p.Xid {
			return fmt.Errorf("insert xid %d: %w", p.Xid, ErrDuplicateKey)
		}
	}
	p.mux = m
	b.Store(&entry{p: p, next: head})
	p.linked = true
	if r.kin == nil {
		r.kin = make(map[Kind][]*Proxy)
	}
	r.kin[p.Kind] = append(r.kin[p.Kind], p)
	r.n++
	if r.observer != nil {
		r.observer.ProxyAdded(p)
	}
	return nil
}

// Lookup returns the proxy with the given XID. It takes no lock.
func (m *Mux) Lookup(xid uint32) *Proxy {
	for e := m.reg.buckets[bucketOf(xid)].Load(); e != nil; e = e.next {
		if e.p.Xid == xid {
			return e.p
		}
	}
	return nil
}

// LookupByIfindex returns the proxy whose interface has the given index.
func (m *Mux) LookupByIfindex(ifindex int) *Proxy {
	if ifindex <= 0 {
		return nil
	}
	for i := range m.reg.buckets {
		for e := m.reg.buckets[i].Load(); e != nil; e = e.next {
			if e.p.Dev != nil && e.p.Dev.Attrs().Index == ifindex {
				return e.p
			}
		}
	}
	return nil
}

// Remove unregisters p. A second Remove of the same proxy fails with
// ErrNotFound.
func (m *Mux) Remove(p *Proxy) error {
	r := &m.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(p)
}

func (r *registry) removeLocked(p *Proxy) error {
	if !p.linked {
		slog.Error("mux: remove of unregistered proxy", "xid", p.Xid)
		return fmt.Errorf("remove xid %d: %w", p.Xid, ErrNotFound)
	}
	b := &r.buckets[bucketOf(p.Xid)]
	b.Store(without(b.Load(), p))
	p.linked = false
	p.pending = false
	r.kin[p.Kind] = slices.DeleteFunc(r.kin[p.Kind], func(q *Proxy) bool { return q == p })
	r.pending = slices.DeleteFunc(r.pending, func(q *Proxy) bool { return q == p })
	r.n--
	if r.observer != nil {
		r.observer.ProxyRemoved(p)
	}
	return nil
}

// without returns the chain minus p, copying the nodes ahead of it and
// sharing the tail behind it.
func without(head *entry, p *Proxy) *entry {
	if head == nil {
		return nil
	}
	if head.p == p {
		return head.next
	}
	return &entry{p: head.p, next: without(head.next, p)}
}

// Range calls fn for each registered proxy until fn returns false.
func (m *Mux) Range(fn func(p *Proxy) bool) {
	for i := range m.reg.buckets {
		for e := m.reg.buckets[i].Load(); e != nil; e = e.next {
			if !fn(e.p) {
				return
			}
		}
	}
}

// Proxies returns all registered proxies.
func (m *Mux) Proxies() []*Proxy {
	var out []*Proxy
	m.Range(func(p *Proxy) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Kin returns the registered proxies of the given kind in insertion order.
func (m *Mux) Kin(kind Kind) []*Proxy {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return slices.Clone(m.reg.kin[kind])
}

// Len returns the number of registered proxies.
func (m *Mux) Len() int {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.reg.n
}

// QueueRemove marks p for removal by the next DrainRemovals. Lookups keep
// finding p until then.
func (m *Mux) QueueRemove(p *Proxy) {
	r := &m.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.linked && !p.pending {
		p.pending = true
		r.pending = append(r.pending, p)
	}
}

// DrainRemovals removes every queued proxy and returns them.
func (m *Mux) DrainRemovals() []*Proxy {
	r := &m.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.pending
	r.pending = nil
	for _, p := range queued {
		r.removeLocked(p)
	}
	return queued
}
