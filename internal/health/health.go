// Package health exposes the standard gRPC health service. The engine
// service reports NOT_SERVING while the circuit breaker is tripped so
// orchestrators can see a halted engine without scraping metrics.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gatekeeper/internal/events"
)

// ServiceName is the health service key of the trading engine.
const ServiceName = "gatekeeper.Engine"

// DefaultResync bounds how long a missed bus event can leave the status stale.
const DefaultResync = 15 * time.Second

// BreakerView is satisfied by *breaker.Breaker.
type BreakerView interface {
	Tripped() bool
}

// Server hosts grpc.health.v1.Health.
type Server struct {
	grpc    *grpc.Server
	health  *grpchealth.Server
	breaker BreakerView
	resync  time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithResync sets the periodic re-sync interval of Watch.
func WithResync(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.resync = d
		}
	}
}

// NewServer registers the health service and sets the initial status.
func NewServer(b BreakerView, opts ...Option) *Server {
	s := &Server{
		grpc:    grpc.NewServer(),
		health:  grpchealth.NewServer(),
		breaker: b,
		resync:  DefaultResync,
	}
	for _, opt := range opts {
		opt(s)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Sync()
	return s
}

// GRPC returns the underlying server for registering more services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Sync copies the breaker state into the health status.
func (s *Server) Sync() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.breaker != nil && s.breaker.Tripped() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return status
}

// Watch re-syncs on breaker events and on a timer until ctx is done.
func (s *Server) Watch(ctx context.Context, bus *events.Bus) {
	var trips, resets <-chan events.Envelope
	if bus != nil {
		var unsubTrip, unsubReset func()
		trips, unsubTrip = bus.Subscribe(events.EventCircuitBreakerTripped, 8)
		resets, unsubReset = bus.Subscribe(events.EventCircuitBreakerReset, 8)
		defer unsubTrip()
		defer unsubReset()
	}

	ticker := time.NewTicker(s.resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trips:
			log.Printf("[health] %s NOT_SERVING: breaker tripped", ServiceName)
			s.Sync()
		case <-resets:
			log.Printf("[health] %s SERVING: breaker reset", ServiceName)
			s.Sync()
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Serve listens on addr until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	log.Printf("[health] gRPC health on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
