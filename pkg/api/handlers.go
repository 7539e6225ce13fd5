package api

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/psaab/xmux/pkg/logging"
	"github.com/psaab/xmux/pkg/mux"
)

const (
	defaultEventCount = 100
	maxEventCount     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime:  time.Since(s.startTime).Truncate(time.Second).String(),
		Name:    s.m.Name(),
		Encap:   s.m.Encap().String(),
		Carrier: s.m.Carrier(),
		Proxies: s.m.Len(),
		Lowers:  len(s.m.Lowers()),
	}
	if s.sideband != nil {
		resp.SidebandConnected = s.sideband.Connected()
		resp.SidebandQueue = s.sideband.QueueLen()
	}
	writeOK(w, resp)
}

func (s *Server) countersHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.m.Counters())
}

func (s *Server) flagsHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.m.Flags())
}

func proxyInfo(p *mux.Proxy, withStats bool) ProxyInfo {
	a := p.Dev.Attrs()
	info := ProxyInfo{
		Xid:     p.Xid,
		Kind:    p.Kind.String(),
		Name:    a.Name,
		Ifindex: a.Index,
		Net:     a.Net,
	}
	if withStats {
		st := p.Stats()
		info.Stats = st.Map()
	}
	return info
}

func (s *Server) proxiesHandler(w http.ResponseWriter, r *http.Request) {
	proxies := s.m.Proxies()
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := mux.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		proxies = s.m.Kin(kind)
	}
	slices.SortFunc(proxies, func(a, b *mux.Proxy) int { return cmp.Compare(a.Xid, b.Xid) })
	out := make([]ProxyInfo, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, proxyInfo(p, false))
	}
	writeOK(w, out)
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	xid, err := strconv.ParseUint(r.PathValue("xid"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid xid")
		return
	}
	p := s.m.Lookup(uint32(xid))
	if p == nil {
		writeError(w, http.StatusNotFound, "no such proxy")
		return
	}
	writeOK(w, proxyInfo(p, true))
}

func (s *Server) lowersHandler(w http.ResponseWriter, _ *http.Request) {
	lowers := s.m.Lowers()
	out := make([]LowerInfo, 0, len(lowers))
	for _, l := range lowers {
		out = append(out, LowerInfo{Name: l.Name(), Ifindex: l.Index(), Carrier: l.Carrier()})
	}
	writeOK(w, out)
}

func (s *Server) subscriptionsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge not running")
		return
	}
	out := make(map[string]string)
	for name, st := range s.bridge.Subscriptions() {
		out[name] = st.String()
	}
	writeOK(w, out)
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Seq:    rec.Seq,
		Time:   rec.Time.Format(time.RFC3339Nano),
		Dir:    rec.Dir,
		Kind:   rec.Kind,
		Xid:    rec.Xid,
		Detail: rec.Detail,
	}
}

// eventsHandler returns the most recent events, newest first. ?n= bounds
// the count.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	n := defaultEventCount
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = min(parsed, maxEventCount)
	}
	recs := s.eventBuf.Latest(n)
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventEntryFromRecord(rec))
	}
	writeOK(w, out)
}
