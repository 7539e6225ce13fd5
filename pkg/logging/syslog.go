package logging

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// syslogFacility is daemon (3).
const syslogFacility = 3

// syslogTag is the RFC 3164 TAG field.
const syslogTag = "xmuxd"

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn     net.Conn
	hostname string
	// MinSeverity drops messages less severe than it. 0 sends everything.
	MinSeverity int
}

// NewSyslogClient returns a client sending to addr, "host:port". A missing
// port is 514.
func NewSyslogClient(addr string) (*SyslogClient, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), "514")
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = syslogTag
	}
	return &SyslogClient{conn: conn, hostname: hostname}, nil
}

// Send sends msg with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := syslogFacility*8 + severity
	ts := time.Now().Format(time.Stamp)
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, ts, s.hostname, syslogTag, os.Getpid(), msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend reports whether severity passes the client's filter.
// Lower numbers are more severe.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name to its value. Unknown names are
// 0, no filter.
func ParseSeverity(name string) int {
	switch strings.ToLower(name) {
	case "error":
		return SyslogError
	case "warning", "warn":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	}
	return 0
}

// Close closes the connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}
