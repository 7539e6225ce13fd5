package mux

// Stat indexes the 24 counter link statistics block, in the order of the
// kernel's rtnl_link_stats64.
type Stat int

const (
	RxPackets Stat = iota
	TxPackets
	RxBytes
	TxBytes
	RxErrors
	TxErrors
	RxDropped
	TxDropped
	Multicast
	Collisions
	RxLengthErrors
	RxOverErrors
	RxCrcErrors
	RxFrameErrors
	RxFifoErrors
	RxMissedErrors
	TxAbortedErrors
	TxCarrierErrors
	TxFifoErrors
	TxHeartbeatErrors
	TxWindowErrors
	RxCompressed
	TxCompressed
	RxNohandler
	NumStats
)

var statNames = [NumStats]string{
	"rx_packets", "tx_packets", "rx_bytes", "tx_bytes",
	"rx_errors", "tx_errors", "rx_dropped", "tx_dropped",
	"multicast", "collisions",
	"rx_length_errors", "rx_over_errors", "rx_crc_errors", "rx_frame_errors",
	"rx_fifo_errors", "rx_missed_errors",
	"tx_aborted_errors", "tx_carrier_errors", "tx_fifo_errors",
	"tx_heartbeat_errors", "tx_window_errors",
	"rx_compressed", "tx_compressed", "rx_nohandler",
}

func (s Stat) String() string {
	if s < 0 || s >= NumStats {
		return "invalid"
	}
	return statNames[s]
}

// StatNames returns the link statistic names in index order.
func StatNames() []string {
	return append([]string(nil), statNames[:]...)
}

// LinkStats is a snapshot of a link statistics block.
type LinkStats [NumStats]uint64

// Map returns s keyed by statistic name.
func (s *LinkStats) Map() map[string]uint64 {
	out := make(map[string]uint64, NumStats)
	for i, v := range s {
		out[statNames[i]] = v
	}
	return out
}

// LinkStats returns a snapshot of the aggregate mux statistics.
func (m *Mux) LinkStats() LinkStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// countLocked must be called with statsMu held.
func (m *Mux) countLocked(s Stat, n uint64) {
	m.stats[s] += n
}

func (m *Mux) count(s Stat, n uint64) {
	m.statsMu.Lock()
	m.stats[s] += n
	m.statsMu.Unlock()
}
