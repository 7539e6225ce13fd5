// Package grpcapi serves the standard gRPC health service for xmuxd. The
// sideband service reports SERVING while a switch daemon is connected.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SidebandService is the health service name tracking the switch daemon
// connection.
const SidebandService = "xmux.sideband"

// Server is the gRPC health server.
type Server struct {
	addr   string
	health *health.Server
}

// NewServer creates a server for addr. The sideband service starts
// NOT_SERVING; the overall service is SERVING.
func NewServer(addr string) *Server {
	hs := health.NewServer()
	hs.SetServingStatus(SidebandService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{addr: addr, health: hs}
}

// SetSidebandConnected updates the sideband service status.
func (s *Server) SetSidebandConnected(up bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SidebandService, st)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("grpc: health server listening", "addr", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	srv.GracefulStop()
	return nil
}
