// Package health exposes the standard gRPC health service so load balancers
// can probe a process that otherwise speaks only HTTP.
package health

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type Checker func(ctx context.Context) error

type Server struct {
	gs     *grpc.Server
	health *health.Server
	check  Checker
}

func NewServer(check Checker) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return &Server{gs: gs, health: hs, check: check}
}

// Refresh runs the checker and publishes the overall serving status.
func (s *Server) Refresh(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	return err
}

func (s *Server) Serve(lis net.Listener) error {
	return s.gs.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.gs.GracefulStop()
}
