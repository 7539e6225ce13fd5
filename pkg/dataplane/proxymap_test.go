package dataplane

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf"

	"github.com/psaab/xmux/pkg/mux"
)

type fakeMap struct {
	entries map[uint32]ProxyValue
	fail    error
	closed  bool
}

func (f *fakeMap) Update(key, value any, _ ebpf.MapUpdateFlags) error {
	if f.fail != nil {
		return f.fail
	}
	f.entries[key.(uint32)] = value.(ProxyValue)
	return nil
}

func (f *fakeMap) Delete(key any) error {
	k := key.(uint32)
	if _, ok := f.entries[k]; !ok {
		return ebpf.ErrKeyNotExist
	}
	delete(f.entries, k)
	return nil
}

func (f *fakeMap) Close() error {
	f.closed = true
	return nil
}

type dev struct{ index int }

func (d dev) Attrs() mux.DevAttrs   { return mux.DevAttrs{Name: "p", Index: d.index} }
func (d dev) Forward([]byte) error  { return nil }
func (d dev) SetCarrier(bool) error { return nil }

func newTestMap() (*ProxyMap, *fakeMap) {
	f := &fakeMap{entries: make(map[uint32]ProxyValue)}
	return &ProxyMap{m: f}, f
}

func TestObserverMirrorsRegistry(t *testing.T) {
	pm, f := newTestMap()
	m := mux.New(mux.Options{Observer: pm})

	p := m.NewProxy(10, mux.KindPort, dev{index: 31})
	if err := m.Insert(p); err != nil {
		t.Fatal(err)
	}
	v, ok := f.entries[10]
	if !ok {
		t.Fatal("entry not written on insert")
	}
	if v.Ifindex != 31 || v.Kind != uint8(mux.KindPort) {
		t.Errorf("value = %+v", v)
	}

	if err := m.Remove(p); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.entries[10]; ok {
		t.Error("entry not deleted on remove")
	}
	if pm.Errors() != 0 {
		t.Errorf("errors = %d", pm.Errors())
	}
}

func TestDeleteMissing(t *testing.T) {
	pm, _ := newTestMap()
	if err := pm.Delete(99); err != nil {
		t.Errorf("Delete missing = %v", err)
	}
}

func TestUpdateFailureCounted(t *testing.T) {
	pm, f := newTestMap()
	f.fail = errors.New("map full")
	m := mux.New(mux.Options{Observer: pm})
	if err := m.Insert(m.NewProxy(5, mux.KindVlan, dev{index: 2})); err != nil {
		t.Fatal(err)
	}
	if pm.Errors() != 1 {
		t.Errorf("errors = %d, want 1", pm.Errors())
	}
}

func TestSync(t *testing.T) {
	pm, f := newTestMap()
	m := mux.New(mux.Options{})
	ps := []*mux.Proxy{
		m.NewProxy(1, mux.KindPort, dev{index: 11}),
		m.NewProxy(2, mux.KindBridge, dev{index: 12}),
	}
	if err := pm.Sync(ps); err != nil {
		t.Fatal(err)
	}
	if len(f.entries) != 2 || f.entries[2].Kind != uint8(mux.KindBridge) {
		t.Errorf("entries = %v", f.entries)
	}
	pm.Close()
	if !f.closed {
		t.Error("map not closed")
	}
}

func TestCleanup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xmux_proxies")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Cleanup(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("pin still present: %v", err)
	}
	if err := Cleanup(path); err != nil {
		t.Errorf("second cleanup: %v", err)
	}
}
