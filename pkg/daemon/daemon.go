// Package daemon implements the xmuxd lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/xmux/pkg/api"
	"github.com/psaab/xmux/pkg/bridge"
	"github.com/psaab/xmux/pkg/config"
	"github.com/psaab/xmux/pkg/dataplane"
	"github.com/psaab/xmux/pkg/grpcapi"
	"github.com/psaab/xmux/pkg/link"
	"github.com/psaab/xmux/pkg/logging"
	"github.com/psaab/xmux/pkg/mux"
	"github.com/psaab/xmux/pkg/sideband"
)

// quiesceTimeout bounds the wait for in-flight frames at teardown.
const quiesceTimeout = 2 * time.Second

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// Config, if set, is used instead of reading ConfigFile.
	Config *config.Config
	// APIAddr and GRPCAddr override the configured listeners. "-"
	// disables the listener.
	APIAddr  string
	GRPCAddr string
	// LogHandler, if set, replaces the configured level and format.
	LogHandler slog.Handler
}

// proxyDev is a proxy interface the daemon owns.
type proxyDev interface {
	mux.PortDev
	Start(tx func(frame []byte)) error
	Close() error
}

// Daemon is the main xmux daemon.
type Daemon struct {
	opts Options
	cfg  *config.Config

	m        *mux.Mux
	host     *link.TapDev
	proxyMap *dataplane.ProxyMap
	lowers   []*link.PacketLink
	devs     []proxyDev
	sb       *sideband.Server
	br       *bridge.Bridge
	health   *grpcapi.Server
	events   *logging.EventBuffer
	syslog   *logging.SyslogClient
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/xmux/xmuxd.yaml"
	}
	return &Daemon{opts: opts}
}

func (d *Daemon) loadConfig() (*config.Config, error) {
	cfg := d.opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(d.opts.ConfigFile); err != nil {
			return nil, err
		}
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}
	if d.opts.APIAddr != "" {
		cfg.API.Addr = d.opts.APIAddr
	}
	if d.opts.GRPCAddr != "" {
		cfg.API.GRPCAddr = d.opts.GRPCAddr
	}
	return cfg, nil
}

// Run starts the daemon and blocks until ctx is cancelled or a signal
// arrives, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting xmux daemon", "config", d.opts.ConfigFile, "pid", os.Getpid())

	cfg, err := d.loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	d.cfg = cfg
	if err := d.setupLogging(cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.start(ctx); err != nil {
		d.shutdown()
		return err
	}

	// Observability listeners run until ctx is done.
	var wg sync.WaitGroup
	if addr := cfg.API.Addr; addr != "-" {
		srv := api.NewServer(api.Config{
			Addr:     addr,
			Mux:      d.m,
			Sideband: d.sb,
			Bridge:   d.br,
			EventBuf: d.events,
			APIKeys:  cfg.API.APIKeys,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Warn("api: server stopped", "err", err)
			}
		}()
	}
	if d.health != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.health.Run(ctx); err != nil {
				slog.Warn("grpc: server stopped", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("signal received, shutting down")
	wg.Wait()

	err = d.shutdown()
	slog.Info("shutdown complete")
	return err
}

// setupLogging installs the log handler for the rest of the run.
func (d *Daemon) setupLogging(lc config.LogConfig) error {
	base := d.opts.LogHandler
	if base == nil {
		spec, err := logging.ParseSpec(lc.Level)
		if err != nil {
			return err
		}
		if base, err = logging.NewHandler(os.Stderr, spec, lc.Format); err != nil {
			return err
		}
	}
	h := base
	if lc.Syslog != "" {
		c, err := logging.NewSyslogClient(lc.Syslog)
		if err != nil {
			slog.Warn("failed to set up syslog forwarding", "err", err)
		} else {
			c.MinSeverity = logging.ParseSeverity(lc.SyslogSeverity)
			d.syslog = c
			h = logging.NewSyslogHandler(base, c)
		}
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// start builds the mux and its collaborators from d.cfg.
func (d *Daemon) start(ctx context.Context) error {
	cfg := d.cfg
	encap, err := mux.ParseEncap(cfg.Encap)
	if err != nil {
		return err
	}
	d.events = logging.NewEventBuffer(1000)

	var observer mux.Observer
	if cfg.BPF.PinPath != "" {
		pm, err := dataplane.OpenProxyMap(cfg.BPF.PinPath)
		if err != nil {
			slog.Warn("failed to open proxy map, continuing without it", "err", err)
		} else {
			d.proxyMap = pm
			observer = pm
		}
	}

	bus, err := bridge.NewNetlinkBus(cfg.Bridge.NetnsDir)
	if err != nil {
		return fmt.Errorf("netlink: %w", err)
	}
	netID := bus.DefaultNamespace().ID

	// Untagged exception frames go to the mux's own interface.
	host, err := link.NewTap(link.TapConfig{Name: cfg.Name, Net: netID})
	if err != nil {
		slog.Warn("failed to create mux interface, untagged exception frames dropped", "err", err)
	} else {
		d.host = host
	}
	opts := mux.Options{Name: cfg.Name, Encap: encap, Observer: observer}
	if d.host != nil {
		opts.Host = d.host.Forward
	}
	d.m = mux.New(opts)

	for _, name := range cfg.Lowers {
		pl, err := link.OpenPacketLink(name)
		if err != nil {
			return err
		}
		d.lowers = append(d.lowers, pl)
		if err := d.m.AddLower(pl); err != nil {
			return err
		}
	}

	for _, pc := range cfg.Proxies {
		if err := d.addProxy(pc, netID); err != nil {
			return fmt.Errorf("proxy %s: %w", pc.Name, err)
		}
	}
	slog.Info("mux ready", "name", d.m.Name(), "encap", encap,
		"lowers", len(d.lowers), "proxies", d.m.Len(), "carrier", d.m.Carrier())

	if cfg.API.GRPCAddr != "-" {
		d.health = grpcapi.NewServer(cfg.API.GRPCAddr)
	}
	sc := cfg.Sideband
	d.sb = sideband.NewServer(d.m, sideband.Options{
		Network:         sc.Network,
		Address:         sc.Address,
		Retries:         sc.Retries,
		QueueLimitBytes: sc.QueueLimitBytes,
		ReadTimeout:     sc.ReadTimeout,
		Events:          d.events,
		OnConnect:       func() { d.setHealth(true) },
		OnDisconnect:    func() { d.setHealth(false) },
	})

	d.br = bridge.New(d.m, bus, d.sb)
	if cfg.Bridge.EagerFib() {
		if err := d.br.StartDefaultRoutes(); err != nil {
			slog.Warn("failed to follow default namespace routes", "err", err)
		}
	}

	if err := d.sb.Start(ctx, NewDispatcher(d.m, d.sb, d.br)); err != nil {
		return fmt.Errorf("sideband: %w", err)
	}
	return nil
}

func (d *Daemon) setHealth(up bool) {
	if d.health != nil {
		d.health.SetSidebandConnected(up)
	}
}

func (d *Daemon) addProxy(pc config.ProxyConfig, netID uint64) error {
	kind, err := mux.ParseKind(pc.Kind)
	if err != nil {
		return err
	}
	var dev proxyDev
	if pc.UseTap() {
		dev, err = link.NewTap(link.TapConfig{Name: pc.Name, MTU: pc.MTU, Net: netID})
	} else {
		dev, err = link.OpenExternal(pc.Name, netID)
	}
	if err != nil {
		return err
	}
	d.devs = append(d.devs, dev)

	p := d.m.NewProxy(pc.Xid, kind, dev)
	if err := d.m.Insert(p); err != nil {
		return err
	}
	return dev.Start(func(frame []byte) { d.m.Transmit(p, frame) })
}

// shutdown stops the receive task first so no new control message is
// applied, then the bridge, then the mux, then releases interfaces.
func (d *Daemon) shutdown() error {
	var errs []error
	if d.sb != nil {
		timeout := d.cfg.Sideband.StopTimeout
		if timeout <= 0 {
			timeout = config.DefaultStopTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := d.sb.Stop(ctx); err != nil {
			var te *mux.TeardownError
			if errors.As(err, &te) {
				slog.Error("sideband did not stop in time", "stage", te.Stage, "err", te.Err)
			}
			errs = append(errs, err)
		}
		cancel()
	}
	if d.br != nil {
		d.br.Stop()
	}
	if d.m != nil {
		ctx, cancel := context.WithTimeout(context.Background(), quiesceTimeout)
		removed, err := d.m.Teardown(ctx)
		cancel()
		if err != nil {
			slog.Error("mux teardown incomplete", "err", err)
			errs = append(errs, err)
		}
		logFinalCounters(d.m, len(removed))
	}
	for _, dev := range d.devs {
		if err := dev.Close(); err != nil {
			slog.Warn("failed to close proxy interface", "name", dev.Attrs().Name, "err", err)
		}
	}
	for _, pl := range d.lowers {
		pl.Close()
	}
	if d.host != nil {
		d.host.Close()
	}
	if d.proxyMap != nil {
		d.proxyMap.Close()
	}
	if d.syslog != nil {
		d.syslog.Close()
	}
	return errors.Join(errs...)
}

// logFinalCounters logs the nonzero counters before shutdown.
func logFinalCounters(m *mux.Mux, removed int) {
	attrs := []any{"proxies_removed", removed}
	for _, name := range mux.CounterNames() {
		if v, _ := m.Counter(name); v != 0 {
			attrs = append(attrs, name, v)
		}
	}
	slog.Info("final statistics", attrs...)
}
