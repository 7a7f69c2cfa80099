// Package healthcheck exposes dependency readiness over the standard gRPC
// health protocol.
package healthcheck

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the aggregate service reported alongside the overall "" status.
const ServiceName = "foamline.Analyzer"

const probeTimeout = 3 * time.Second

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Check is a named dependency probe. Each check is also served as its own
// health service under Name.
type Check struct {
	Name  string
	Probe Probe
}

// Server runs the probes periodically and serves the results.
type Server struct {
	health   *health.Server
	grpc     *grpc.Server
	checks   []Check
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewServer registers the health service on a fresh gRPC server. Until the
// first evaluation every service reports NOT_SERVING.
func NewServer(checks []Check, interval time.Duration, logger *zap.Logger) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		health:   hs,
		grpc:     gs,
		checks:   checks,
		interval: interval,
		logger:   logger.Named("healthcheck"),
		last:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	s.setAll(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Evaluate runs every probe once and publishes the statuses. It reports
// whether all probes passed.
func (s *Server) Evaluate(ctx context.Context) bool {
	healthy := true
	for _, check := range s.checks {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := check.Probe(probeCtx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			healthy = false
		}
		s.set(check.Name, status, err)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.set("", overall, nil)
	s.set(ServiceName, overall, nil)
	return healthy
}

// Run evaluates the probes immediately and then on every interval until ctx
// is done.
func (s *Server) Run(ctx context.Context) {
	s.Evaluate(ctx)
	if s.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// Serve accepts health RPCs on lis until GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and drains open RPCs.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) setAll(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	for _, check := range s.checks {
		s.health.SetServingStatus(check.Name, status)
	}
}

func (s *Server) set(service string, status healthpb.HealthCheckResponse_ServingStatus, err error) {
	s.health.SetServingStatus(service, status)

	s.mu.Lock()
	prev, seen := s.last[service]
	s.last[service] = status
	s.mu.Unlock()

	if seen && prev == status || service == "" {
		return
	}
	fields := []zap.Field{zap.String("service", service), zap.String("status", status.String())}
	if err != nil {
		s.logger.Warn("dependency unhealthy", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("health status changed", fields...)
}
