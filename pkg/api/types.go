// Package api implements the HTTP status API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime            string `json:"uptime"`
	Name              string `json:"name"`
	Encap             string `json:"encap"`
	Carrier           bool   `json:"carrier"`
	Proxies           int    `json:"proxies"`
	Lowers            int    `json:"lowers"`
	SidebandConnected bool   `json:"sideband_connected"`
	SidebandQueue     int    `json:"sideband_queue"`
}

// ProxyInfo describes one registered proxy.
type ProxyInfo struct {
	Xid     uint32            `json:"xid"`
	Kind    string            `json:"kind"`
	Name    string            `json:"name"`
	Ifindex int               `json:"ifindex"`
	Net     uint64            `json:"net"`
	Stats   map[string]uint64 `json:"stats,omitempty"`
}

// LowerInfo describes one attached lower link.
type LowerInfo struct {
	Name    string `json:"name"`
	Ifindex int    `json:"ifindex"`
	Carrier bool   `json:"carrier"`
}

// EventEntry is one sideband event as served over HTTP.
type EventEntry struct {
	Seq    uint64 `json:"seq"`
	Time   string `json:"time"`
	Dir    string `json:"dir"`
	Kind   string `json:"kind"`
	Xid    uint32 `json:"xid,omitempty"`
	Detail string `json:"detail,omitempty"`
}
