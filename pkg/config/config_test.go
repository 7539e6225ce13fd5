package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
name: xeth
encap: vlan_double
lowers: [eth1, eth2]
proxies:
  - name: xeth1
    xid: 1
  - name: xeth2
    xid: 8193
    kind: port
    mtu: 9000
  - name: br0
    xid: 4000
    kind: bridge
    tap: false
sideband:
  retries: 5
  read_timeout: 250ms
bridge:
  eager_default_fib: false
log:
  level: Debug
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.Lowers) != 2 || len(c.Proxies) != 3 {
		t.Fatalf("lowers=%v proxies=%d", c.Lowers, len(c.Proxies))
	}
	if c.Proxies[0].Kind != "port" || !c.Proxies[0].UseTap() {
		t.Errorf("proxy defaults = %+v", c.Proxies[0])
	}
	if c.Proxies[2].UseTap() {
		t.Error("tap: false ignored")
	}
	if c.Sideband.Network != "unix" || c.Sideband.Address != "@xeth" {
		t.Errorf("sideband = %s %s", c.Sideband.Network, c.Sideband.Address)
	}
	if c.Sideband.Retries != 5 || c.Sideband.ReadTimeout != 250*time.Millisecond {
		t.Errorf("retries=%d read_timeout=%v", c.Sideband.Retries, c.Sideband.ReadTimeout)
	}
	if c.Sideband.QueueLimitBytes != DefaultQueueLimitBytes || c.Sideband.StopTimeout != DefaultStopTimeout {
		t.Errorf("sideband defaults = %+v", c.Sideband)
	}
	if c.Bridge.EagerFib() {
		t.Error("eager_default_fib: false ignored")
	}
	if c.Log.Level != "debug" {
		t.Errorf("log level = %q", c.Log.Level)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Name != DefaultName || c.API.Addr != DefaultAPIAddr || c.API.GRPCAddr != DefaultGRPCAddr {
		t.Errorf("defaults = %+v", c)
	}
	if !c.Bridge.EagerFib() {
		t.Error("eager fib off by default")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"encap", "encap: vxlan", "unknown encapsulation"},
		{"network", "sideband: {network: udp, address: x}", "unix or tcp"},
		{"tcp address", "sideband: {network: tcp}", "address required"},
		{"dup lower", "lowers: [eth0, eth0]", "listed twice"},
		{"xid zero", "proxies: [{name: a, xid: 0}]", "not valid"},
		{"wide xid single", "proxies: [{name: a, xid: 5000}]", "not valid"},
		{"dup xid", "proxies: [{name: a, xid: 3}, {name: b, xid: 3}]", "already used"},
		{"dup name", "proxies: [{name: a, xid: 3}, {name: a, xid: 4}]", "name in use"},
		{"long name", "proxies: [{name: abcdefghijklmnop, xid: 3}]", "longer than"},
		{"kind", "proxies: [{name: a, xid: 3, kind: tunnel}]", "unknown proxy kind"},
		{"format", "log: {format: xml}", "text or json"},
		{"level", "log: {level: loud}", "unknown log level"},
		{"syslog severity", "log: {syslog: 10.0.0.1, syslog_severity: notice}", "syslog_severity"},
		{"mux name", "proxies: [{name: xeth, xid: 3}]", "name in use"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xmux.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.Contains(c.String(), "xeth2") {
		t.Errorf("String missing proxy:\n%s", c)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
