package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"prjsdr.xyz/relay/internal/obs"
)

// HealthService mirrors the readiness probe into the standard gRPC health
// protocol under "" and "relay".
type HealthService struct {
	*health.Server
	readiness readinessChecker
}

// NewHealthService creates the service in NOT_SERVING until Refresh runs.
func NewHealthService(r readinessChecker) *HealthService {
	s := &HealthService{Server: health.NewServer(), readiness: r}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh runs the readiness check once and publishes the result.
func (s *HealthService) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Poll refreshes every interval until ctx ends, then marks the service
// as shutting down.
func (s *HealthService) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.Warn("readiness check failed", map[string]any{"err": err})
		}
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (s *HealthService) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", status)
	s.SetServingStatus(serviceName, status)
}

// NewGRPCServer registers health and reflection on a fresh server.
func NewGRPCServer(h *HealthService, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h)
	reflection.Register(srv)
	return srv
}
