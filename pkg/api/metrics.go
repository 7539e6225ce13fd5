package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/xmux/pkg/mux"
)

// xmuxCollector implements prometheus.Collector, reading mux state on each
// scrape.
type xmuxCollector struct {
	srv *Server

	events        *prometheus.Desc
	flag          *prometheus.Desc
	linkStat      *prometheus.Desc
	proxyLinkStat *prometheus.Desc
	proxies       *prometheus.Desc
	lowerCarrier  *prometheus.Desc
	carrier       *prometheus.Desc
	sbConnected   *prometheus.Desc
	sbQueue       *prometheus.Desc
}

func newCollector(srv *Server) *xmuxCollector {
	return &xmuxCollector{
		srv: srv,

		events: prometheus.NewDesc(
			"xmux_events_total",
			"Mux event counters.",
			[]string{"counter"}, nil,
		),
		flag: prometheus.NewDesc(
			"xmux_flag",
			"Mux lifecycle flags (1 = set).",
			[]string{"flag"}, nil,
		),
		linkStat: prometheus.NewDesc(
			"xmux_link_stat",
			"Link statistics of the mux device.",
			[]string{"stat"}, nil,
		),
		proxyLinkStat: prometheus.NewDesc(
			"xmux_proxy_link_stat",
			"Link statistics reported for each proxy.",
			[]string{"xid", "name", "stat"}, nil,
		),
		proxies: prometheus.NewDesc(
			"xmux_proxies",
			"Registered proxies by kind.",
			[]string{"kind"}, nil,
		),
		lowerCarrier: prometheus.NewDesc(
			"xmux_lower_carrier",
			"Carrier of each lower link (1 = up).",
			[]string{"lower"}, nil,
		),
		carrier: prometheus.NewDesc(
			"xmux_carrier",
			"Mux carrier (1 = at least one lower link up).",
			nil, nil,
		),
		sbConnected: prometheus.NewDesc(
			"xmux_sideband_connected",
			"Whether a switch daemon is connected.",
			nil, nil,
		),
		sbQueue: prometheus.NewDesc(
			"xmux_sideband_queue_records",
			"Records waiting to be sent to the switch daemon.",
			nil, nil,
		),
	}
}

func (c *xmuxCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.flag
	ch <- c.linkStat
	ch <- c.proxyLinkStat
	ch <- c.proxies
	ch <- c.lowerCarrier
	ch <- c.carrier
	ch <- c.sbConnected
	ch <- c.sbQueue
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *xmuxCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.srv.m
	for name, v := range m.Counters() {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(v), name)
	}
	for name, set := range m.Flags() {
		ch <- prometheus.MustNewConstMetric(c.flag, prometheus.GaugeValue, boolValue(set), name)
	}
	ls := m.LinkStats()
	for i, v := range ls {
		ch <- prometheus.MustNewConstMetric(c.linkStat, prometheus.CounterValue, float64(v), mux.Stat(i).String())
	}

	kinds := make(map[mux.Kind]int)
	for _, p := range m.Proxies() {
		kinds[p.Kind]++
		xid := strconv.FormatUint(uint64(p.Xid), 10)
		name := p.Dev.Attrs().Name
		st := p.Stats()
		for i, v := range st {
			if v == 0 {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.proxyLinkStat, prometheus.GaugeValue, float64(v), xid, name, mux.Stat(i).String())
		}
	}
	for _, k := range []mux.Kind{mux.KindPort, mux.KindVlan, mux.KindBridge, mux.KindLag} {
		ch <- prometheus.MustNewConstMetric(c.proxies, prometheus.GaugeValue, float64(kinds[k]), k.String())
	}

	for _, l := range m.Lowers() {
		ch <- prometheus.MustNewConstMetric(c.lowerCarrier, prometheus.GaugeValue, boolValue(l.Carrier()), l.Name())
	}
	ch <- prometheus.MustNewConstMetric(c.carrier, prometheus.GaugeValue, boolValue(m.Carrier()))

	if sb := c.srv.sideband; sb != nil {
		ch <- prometheus.MustNewConstMetric(c.sbConnected, prometheus.GaugeValue, boolValue(sb.Connected()))
		ch <- prometheus.MustNewConstMetric(c.sbQueue, prometheus.GaugeValue, float64(sb.QueueLen()))
	}
}
