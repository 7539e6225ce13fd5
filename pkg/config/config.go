// Package config loads the xmuxd YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psaab/xmux/pkg/logging"
	"github.com/psaab/xmux/pkg/mux"
)

// Config is the daemon configuration.
type Config struct {
	Name     string         `yaml:"name"`
	Encap    string         `yaml:"encap"`
	Lowers   []string       `yaml:"lowers"`
	Proxies  []ProxyConfig  `yaml:"proxies"`
	Sideband SidebandConfig `yaml:"sideband"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	API      APIConfig      `yaml:"api"`
	BPF      BPFConfig      `yaml:"bpf"`
	Log      LogConfig      `yaml:"log"`
}

// ProxyConfig describes one virtual port.
type ProxyConfig struct {
	Name string `yaml:"name"`
	Xid  uint32 `yaml:"xid"`
	Kind string `yaml:"kind"`
	// Tap creates a TAP interface for the proxy; otherwise Name must
	// already exist.
	Tap *bool `yaml:"tap"`
	MTU int   `yaml:"mtu"`
}

// UseTap reports whether the proxy is backed by a TAP interface.
func (p ProxyConfig) UseTap() bool { return p.Tap == nil || *p.Tap }

// SidebandConfig configures the daemon channel.
type SidebandConfig struct {
	Network         string        `yaml:"network"`
	Address         string        `yaml:"address"`
	Retries         int           `yaml:"retries"`
	QueueLimitBytes int           `yaml:"queue_limit_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// BridgeConfig configures event subscriptions.
type BridgeConfig struct {
	EagerDefaultFib *bool  `yaml:"eager_default_fib"`
	NetnsDir        string `yaml:"netns_dir"`
}

// EagerFib reports whether default namespace routes are followed from
// startup rather than from the first fib dump request.
func (b BridgeConfig) EagerFib() bool { return b.EagerDefaultFib == nil || *b.EagerDefaultFib }

// APIConfig configures the observability listeners. Empty disables.
type APIConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// APIKeys, if set, are required on /api/ requests.
	APIKeys []string `yaml:"api_keys"`
}

// BPFConfig configures the pinned proxy map mirror. Empty disables.
type BPFConfig struct {
	PinPath string `yaml:"pin_path"`
}

// LogConfig configures logging. Command line flags take precedence.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Syslog, if set, is a host[:port] that also receives log records
	// over UDP.
	Syslog         string `yaml:"syslog"`
	SyslogSeverity string `yaml:"syslog_severity"`
}

const (
	DefaultName            = "xeth"
	DefaultRetries         = 3
	DefaultQueueLimitBytes = 4 << 20
	DefaultReadTimeout     = 5 * time.Second
	DefaultStopTimeout     = 2 * time.Second
	DefaultNetnsDir        = "/var/run/netns"
	DefaultAPIAddr         = "127.0.0.1:9095"
	DefaultGRPCAddr        = "127.0.0.1:9096"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML document.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Encap == "" {
		c.Encap = "vlan"
	}
	sb := &c.Sideband
	if sb.Network == "" {
		sb.Network = "unix"
	}
	if sb.Address == "" && sb.Network == "unix" {
		sb.Address = "@" + c.Name
	}
	if sb.Retries == 0 {
		sb.Retries = DefaultRetries
	}
	if sb.QueueLimitBytes == 0 {
		sb.QueueLimitBytes = DefaultQueueLimitBytes
	}
	if sb.ReadTimeout == 0 {
		sb.ReadTimeout = DefaultReadTimeout
	}
	if sb.StopTimeout == 0 {
		sb.StopTimeout = DefaultStopTimeout
	}
	if c.Bridge.NetnsDir == "" {
		c.Bridge.NetnsDir = DefaultNetnsDir
	}
	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}
	if c.API.GRPCAddr == "" {
		c.API.GRPCAddr = DefaultGRPCAddr
	}
	for i := range c.Proxies {
		if c.Proxies[i].Kind == "" {
			c.Proxies[i].Kind = "port"
		}
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks field values and cross references.
func (c *Config) Validate() error {
	encap, err := mux.ParseEncap(c.Encap)
	if err != nil {
		return err
	}
	switch c.Sideband.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("sideband.network must be unix or tcp, got %q", c.Sideband.Network)
	}
	if c.Sideband.Address == "" {
		return fmt.Errorf("sideband.address required for %s", c.Sideband.Network)
	}
	if c.Sideband.Retries < 0 {
		return fmt.Errorf("sideband.retries must not be negative")
	}
	if c.Sideband.QueueLimitBytes < 0 {
		return fmt.Errorf("sideband.queue_limit_bytes must not be negative")
	}

	seen := make(map[string]bool)
	for _, l := range c.Lowers {
		if l == "" {
			return fmt.Errorf("lowers: empty interface name")
		}
		if seen[l] {
			return fmt.Errorf("lowers: %s listed twice", l)
		}
		seen[l] = true
	}

	xids := make(map[uint32]string)
	names := make(map[string]bool)
	for i, p := range c.Proxies {
		if p.Name == "" {
			return fmt.Errorf("proxies[%d]: name required", i)
		}
		if len(p.Name) >= 16 {
			return fmt.Errorf("proxy %s: name longer than 15 bytes", p.Name)
		}
		if names[p.Name] || seen[p.Name] || p.Name == c.Name {
			return fmt.Errorf("proxy %s: name in use", p.Name)
		}
		names[p.Name] = true
		if _, err := mux.ParseKind(p.Kind); err != nil {
			return fmt.Errorf("proxy %s: %w", p.Name, err)
		}
		if !encap.ValidXid(p.Xid) {
			return fmt.Errorf("proxy %s: xid %d not valid for %s encapsulation", p.Name, p.Xid, encap)
		}
		if other, ok := xids[p.Xid]; ok {
			return fmt.Errorf("proxy %s: xid %d already used by %s", p.Name, p.Xid, other)
		}
		xids[p.Xid] = p.Name
		if p.MTU < 0 || p.MTU > 9216 {
			return fmt.Errorf("proxy %s: mtu %d out of range", p.Name, p.MTU)
		}
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := logging.ParseSpec(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.SyslogSeverity != "" && logging.ParseSeverity(c.Log.SyslogSeverity) == 0 {
		return fmt.Errorf("log.syslog_severity must be error, warning, info or debug, got %q", c.Log.SyslogSeverity)
	}
	return nil
}

// String renders the effective configuration as YAML.
func (c *Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(b)
}
