package mux

// Counter identifies one of the mux event counters.
type Counter int

const (
	ExFrames Counter = iota
	ExBytes
	SbConnections
	SbexInvalid
	SbexDropped
	SbrxInvalid
	SbrxNoDev
	SbrxNoMem
	SbrxMsgs
	SbrxTicks
	SbtxMsgs
	SbtxRetries
	SbtxNoMem
	SbtxQueued
	SbtxFree
	SbtxTicks
	numCounters
)

var counterNames = [numCounters]string{
	ExFrames:      "ex_frames",
	ExBytes:       "ex_bytes",
	SbConnections: "sb_connections",
	SbexInvalid:   "sbex_invalid",
	SbexDropped:   "sbex_dropped",
	SbrxInvalid:   "sbrx_invalid",
	SbrxNoDev:     "sbrx_no_dev",
	SbrxNoMem:     "sbrx_no_mem",
	SbrxMsgs:      "sbrx_msgs",
	SbrxTicks:     "sbrx_ticks",
	SbtxMsgs:      "sbtx_msgs",
	SbtxRetries:   "sbtx_retries",
	SbtxNoMem:     "sbtx_no_mem",
	SbtxQueued:    "sbtx_queued",
	SbtxFree:      "sbtx_free",
	SbtxTicks:     "sbtx_ticks",
}

func (c Counter) String() string { return counterNames[c] }

// CounterNames returns all counter names in declaration order.
func CounterNames() []string {
	return append([]string(nil), counterNames[:]...)
}

// Inc increments counter c.
func (m *Mux) Inc(c Counter) { m.counters[c].Add(1) }

// Add adds n to counter c.
func (m *Mux) Add(c Counter, n uint64) { m.counters[c].Add(n) }

// Count returns the value of counter c.
func (m *Mux) Count(c Counter) uint64 { return m.counters[c].Load() }

// Counter returns the value of the counter with the given name.
func (m *Mux) Counter(name string) (uint64, bool) {
	for i, n := range counterNames {
		if n == name {
			return m.counters[i].Load(), true
		}
	}
	return 0, false
}

// Counters returns a snapshot of all counters by name.
func (m *Mux) Counters() map[string]uint64 {
	out := make(map[string]uint64, numCounters)
	for i, n := range counterNames {
		out[n] = m.counters[i].Load()
	}
	return out
}

// Flag is a mux lifecycle flag.
type Flag uint

const (
	FlagMainTask Flag = iota
	FlagSbListen
	FlagSbConnection
	FlagSbrxTask
	numFlags
)

var flagNames = [numFlags]string{
	FlagMainTask:     "main_task",
	FlagSbListen:     "sb_listen",
	FlagSbConnection: "sb_connection",
	FlagSbrxTask:     "sbrx_task",
}

func (f Flag) String() string { return flagNames[f] }

// SetFlag sets f.
func (m *Mux) SetFlag(f Flag) {
	m.flagMu.Lock()
	m.flags |= 1 << f
	m.flagMu.Unlock()
}

// ClearFlag clears f.
func (m *Mux) ClearFlag(f Flag) {
	m.flagMu.Lock()
	m.flags &^= 1 << f
	m.flagMu.Unlock()
}

// HasFlag reports whether f is set.
func (m *Mux) HasFlag(f Flag) bool {
	m.flagMu.Lock()
	defer m.flagMu.Unlock()
	return m.flags&(1<<f) != 0
}

// Flags returns the state of every flag by name.
func (m *Mux) Flags() map[string]bool {
	m.flagMu.Lock()
	defer m.flagMu.Unlock()
	out := make(map[string]bool, numFlags)
	for i, n := range flagNames {
		out[n] = m.flags&(1<<i) != 0
	}
	return out
}
