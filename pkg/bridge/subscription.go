package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/psaab/xmux/pkg/mux"
)

// ErrBusy is returned when starting an active subscription.
var ErrBusy = mux.ErrBusy

// State is the lifecycle of a subscription.
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Subscription is one start/stoppable event source.
type Subscription struct {
	name  string
	start func() (Registration, error)

	mu  sync.Mutex
	reg Registration
}

func newSubscription(name string, start func() (Registration, error)) *Subscription {
	return &Subscription{name: name, start: start}
}

// Name returns the source name.
func (s *Subscription) Name() string { return s.name }

// Start subscribes. It returns ErrBusy if already active.
func (s *Subscription) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg != nil {
		return fmt.Errorf("%s subscription: %w", s.name, ErrBusy)
	}
	reg, err := s.start()
	if err != nil {
		return fmt.Errorf("%s subscription: %w", s.name, err)
	}
	s.reg = reg
	slog.Debug("bridge: subscribed", "source", s.name)
	return nil
}

// Stop unsubscribes. Stopping an inactive subscription does nothing.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return
	}
	s.reg.Close()
	s.reg = nil
	slog.Debug("bridge: unsubscribed", "source", s.name)
}

// State reports whether the subscription is active.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg != nil {
		return Active
	}
	return Inactive
}

// RouteSet holds the per-namespace route subscriptions.
type RouteSet struct {
	b *Bridge

	mu      sync.Mutex
	subs    map[uint64]*routeSub
	dumping bool
}

type routeSub struct {
	ns  Namespace
	reg Registration
}

func newRouteSet(b *Bridge) *RouteSet {
	return &RouteSet{b: b, subs: make(map[uint64]*routeSub)}
}

// Start follows routes in ns. It returns ErrBusy if ns is already
// followed.
func (rs *RouteSet) Start(ns Namespace) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.startLocked(ns)
}

func (rs *RouteSet) startLocked(ns Namespace) error {
	if _, ok := rs.subs[ns.ID]; ok {
		return fmt.Errorf("route subscription netns %d: %w", ns.ID, ErrBusy)
	}
	reg, err := rs.b.bus.SubscribeRoutes(ns, rs.b.routeHandler(ns))
	if err != nil {
		return fmt.Errorf("route subscription netns %d: %w", ns.ID, err)
	}
	rs.subs[ns.ID] = &routeSub{ns: ns, reg: reg}
	slog.Debug("bridge: following routes", "netns", ns.ID, "path", ns.Path)
	return nil
}

// StartAll follows routes in every namespace not yet followed, and from
// then on StartNew follows namespaces as they appear.
func (rs *RouteSet) StartAll() error {
	all, err := rs.b.bus.Namespaces()
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	all = append([]Namespace{rs.b.bus.DefaultNamespace()}, all...)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.dumping = true
	var errs []error
	for _, ns := range all {
		if _, ok := rs.subs[ns.ID]; ok {
			continue
		}
		if err := rs.startLocked(ns); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartNew follows a namespace that just appeared, but only once routes
// have been requested with StartAll.
func (rs *RouteSet) StartNew(ns Namespace) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.dumping {
		return nil
	}
	return rs.startLocked(ns)
}

// Stop drops the subscription of namespace id.
func (rs *RouteSet) Stop(id uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if sub, ok := rs.subs[id]; ok {
		sub.reg.Close()
		delete(rs.subs, id)
		slog.Debug("bridge: stopped following routes", "netns", id)
	}
}

// StopAll drops every route subscription.
func (rs *RouteSet) StopAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, id := range rs.idsLocked() {
		rs.subs[id].reg.Close()
		delete(rs.subs, id)
	}
	rs.dumping = false
}

// Active returns the followed namespace IDs in ascending order.
func (rs *RouteSet) Active() []uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.idsLocked()
}

func (rs *RouteSet) idsLocked() []uint64 {
	ids := make([]uint64, 0, len(rs.subs))
	for id := range rs.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
