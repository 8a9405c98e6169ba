// Package health exposes per-provider health over the standard gRPC
// health checking protocol, so orchestrators can gate traffic on the same
// classification the router uses.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/malorod/llmrouter/internal/metrics"
)

// Service implements the gRPC health checking protocol over provider
// health classifications.
type Service struct {
	grpc_health_v1.UnimplementedHealthServer

	mu        sync.RWMutex
	statusMap map[string]grpc_health_v1.HealthCheckResponse_ServingStatus

	server *grpc.Server
}

// NewService creates a health service.
func NewService() *Service {
	return &Service{
		statusMap: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
}

// Check implements the health check method. The service name is the
// provider name; the empty name aggregates all providers.
func (s *Service) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req.Service == "" {
		for _, st := range s.statusMap {
			if st != grpc_health_v1.HealthCheckResponse_SERVING {
				return &grpc_health_v1.HealthCheckResponse{
					Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
				}, nil
			}
		}
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_SERVING,
		}, nil
	}

	servingStatus, exists := s.statusMap[req.Service]
	if !exists {
		return nil, status.Errorf(codes.NotFound, "provider %s not found", req.Service)
	}
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus}, nil
}

// Watch implements the health check streaming method. It sends the current
// status and holds the stream open.
func (s *Service) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	resp, err := s.Check(stream.Context(), req)
	if err != nil {
		return err
	}
	if err := stream.Send(resp); err != nil {
		return err
	}
	<-stream.Context().Done()
	return nil
}

// SetProviderHealth maps a provider's derived classification onto the gRPC
// serving status. Degraded still serves; unhealthy does not.
func (s *Service) SetProviderHealth(provider string, h metrics.HealthStatus) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if h == metrics.Unhealthy {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}

	s.mu.Lock()
	s.statusMap[provider] = st
	s.mu.Unlock()
}

// Start serves the health protocol on the given port.
func (s *Service) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind health port %d: %w", port, err)
	}

	s.server = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.server, s)

	go s.server.Serve(listener)
	return nil
}

// Stop tears down the gRPC server if it was started.
func (s *Service) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}
