// Package dataplane mirrors the proxy registry into a pinned eBPF map so
// XDP and TC programs can resolve proxy interfaces to XIDs.
package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cilium/ebpf"

	"github.com/psaab/xmux/pkg/mux"
)

// MaxProxies bounds the map size.
const MaxProxies = 4096

// mapName is the kernel name of the map; at most 15 bytes.
const mapName = "xmux_proxies"

// ProxyValue is the map value keyed by XID.
type ProxyValue struct {
	Ifindex uint32
	Kind    uint8
	Pad     [3]uint8
}

// proxyMapSpec describes the map created when no pin exists.
var proxyMapSpec = ebpf.MapSpec{
	Name:       mapName,
	Type:       ebpf.Hash,
	KeySize:    4,
	ValueSize:  8,
	MaxEntries: MaxProxies,
}

// kvMap is the subset of *ebpf.Map used here.
type kvMap interface {
	Update(key, value any, flags ebpf.MapUpdateFlags) error
	Delete(key any) error
	Close() error
}

// ProxyMap keeps the pinned map in step with the registry. It implements
// mux.Observer.
type ProxyMap struct {
	m      kvMap
	path   string
	errors atomic.Uint64
}

// OpenProxyMap loads the map pinned at path, creating and pinning it if
// absent.
func OpenProxyMap(path string) (*ProxyMap, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if errors.Is(err, os.ErrNotExist) {
		m, err = createPinned(path)
	}
	if err != nil {
		return nil, fmt.Errorf("proxy map %s: %w", path, err)
	}
	slog.Info("dataplane: proxy map ready", "path", path)
	return &ProxyMap{m: m, path: path}, nil
}

func createPinned(path string) (*ebpf.Map, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	spec := proxyMapSpec
	m, err := ebpf.NewMap(&spec)
	if err != nil {
		return nil, err
	}
	if err := m.Pin(path); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func valueOf(p *mux.Proxy) ProxyValue {
	return ProxyValue{Ifindex: uint32(p.Dev.Attrs().Index), Kind: uint8(p.Kind)}
}

// Put writes the entry for p.
func (pm *ProxyMap) Put(p *mux.Proxy) error {
	return pm.m.Update(p.Xid, valueOf(p), ebpf.UpdateAny)
}

// Delete removes the entry for xid. A missing entry is not an error.
func (pm *ProxyMap) Delete(xid uint32) error {
	err := pm.m.Delete(xid)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

// Sync writes an entry for every proxy.
func (pm *ProxyMap) Sync(proxies []*mux.Proxy) error {
	var errs []error
	for _, p := range proxies {
		if err := pm.Put(p); err != nil {
			errs = append(errs, fmt.Errorf("xid %d: %w", p.Xid, err))
		}
	}
	return errors.Join(errs...)
}

func (pm *ProxyMap) ProxyAdded(p *mux.Proxy) {
	if err := pm.Put(p); err != nil {
		pm.errors.Add(1)
		slog.Warn("dataplane: proxy map update failed", "xid", p.Xid, "err", err)
	}
}

func (pm *ProxyMap) ProxyRemoved(p *mux.Proxy) {
	if err := pm.Delete(p.Xid); err != nil {
		pm.errors.Add(1)
		slog.Warn("dataplane: proxy map delete failed", "xid", p.Xid, "err", err)
	}
}

// Errors returns the number of failed map writes.
func (pm *ProxyMap) Errors() uint64 { return pm.errors.Load() }

// Path returns the pin path.
func (pm *ProxyMap) Path() string { return pm.path }

// Close releases the map. The pin stays so the dataplane keeps its view.
func (pm *ProxyMap) Close() error { return pm.m.Close() }

// Cleanup removes the pin at path. A missing pin is not an error.
func Cleanup(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pin %s: %w", path, err)
	}
	return nil
}
