package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/xmux/pkg/bridge"
	"github.com/psaab/xmux/pkg/logging"
	"github.com/psaab/xmux/pkg/mux"
)

// Sideband reports the switch daemon connection.
type Sideband interface {
	Connected() bool
	QueueLen() int
}

// Subscriptions reports event subscription state.
type Subscriptions interface {
	Subscriptions() map[string]bridge.State
}

// Config configures the API server.
type Config struct {
	Addr     string
	Mux      *mux.Mux
	Sideband Sideband      // nil when not running
	Bridge   Subscriptions // nil when not running
	EventBuf *logging.EventBuffer
	// APIKeys, if non-empty, are required on every /api/ request.
	APIKeys []string
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	m          *mux.Mux
	sideband   Sideband
	bridge     Subscriptions
	eventBuf   *logging.EventBuffer
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		m:         cfg.Mux,
		sideband:  cfg.Sideband,
		bridge:    cfg.Bridge,
		eventBuf:  cfg.EventBuf,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/counters", s.countersHandler)
	mux.HandleFunc("GET /api/v1/flags", s.flagsHandler)
	mux.HandleFunc("GET /api/v1/proxies", s.proxiesHandler)
	mux.HandleFunc("GET /api/v1/proxies/{xid}", s.proxyHandler)
	mux.HandleFunc("GET /api/v1/lowers", s.lowersHandler)
	mux.HandleFunc("GET /api/v1/subscriptions", s.subscriptionsHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if len(cfg.APIKeys) > 0 {
		handler = authMiddleware(cfg.APIKeys, mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled. Request contexts derive from
// ctx so event streams end with it.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: listening", "addr", lis.Addr())
		if err := s.httpServer.Serve(lis); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
