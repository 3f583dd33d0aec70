// Package health serves grpc.health.v1 for the agent session so that
// orchestrators can probe whether the console is attached to its backend.
package health

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/omnidesk/internal/session"
)

// Service is the health service name that tracks the agent connection.
const Service = "omnidesk.session"

// Server wraps a gRPC server exposing only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer creates a server reporting NOT_SERVING until the first
// ConnectionChanged(session.Connected).
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		PermitWithoutStream: true,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, logger: logger}
}

// ConnectionChanged is fed from the transport's OnStateChange hook.
func (s *Server) ConnectionChanged(state session.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == session.Connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, status)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
