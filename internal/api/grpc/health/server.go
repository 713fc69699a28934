package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the crx server.
const ServiceName = "crx-server"

// defaultProbeTimeout bounds Probe when the context has no deadline.
const defaultProbeTimeout = 5 * time.Second

// errAddressRequired is returned when Probe gets no address.
var errAddressRequired = errors.New("address must be provided")

// Server serves grpc.health.v1 for ServiceName.
type Server struct {
	// grpcServer carries the health service.
	grpcServer *grpc.Server
	// health tracks serving status.
	health *grpchealth.Server
}

// NewServer creates a Server reporting NOT_SERVING.
func NewServer() *Server {
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     grpchealth.NewServer(),
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)

	return s
}

// SetServing flips the reported status of ServiceName and the overall server.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Serving reports whether ServiceName is currently SERVING.
func (s *Server) Serving(ctx context.Context) bool {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})

	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}

	return nil
}

// Stop marks the service as not serving and stops the gRPC server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Probe asks the health service at address for the status of ServiceName.
func Probe(ctx context.Context, address string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if address == "" {
		return healthpb.HealthCheckResponse_UNKNOWN, errAddressRequired
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial control endpoint: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("check health: %w", err)
	}

	return resp.GetStatus(), nil
}
