package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/patentradar/patent-signals/internal/config"
	"github.com/patentradar/patent-signals/internal/engine"
	"github.com/patentradar/patent-signals/internal/models"
)

// RunKinds lists the batch runs that get their own health entry.
var RunKinds = []models.RunKind{
	models.RunAggregation,
	models.RunDetection,
	models.RunScoring,
	models.RunEvaluation,
}

// RunHealthName is the health service name that tracks the last outcome of kind.
func RunHealthName(kind models.RunKind) string {
	return ServiceName + "/" + string(kind)
}

// Server hosts the signal engine service next to health and, optionally, reflection.
// Each run kind reports its last outcome under RunHealthName.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener

	mu      sync.Mutex
	stopped bool
}

// NewServer listens on cfg.Address and builds the server on that listener.
func NewServer(cfg config.ServerConfig, service SignalEngineServer, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	return NewServerWithListener(cfg, lis, service, opts...), nil
}

// NewServerWithListener builds the server on an existing listener.
func NewServerWithListener(cfg config.ServerConfig, lis net.Listener, service SignalEngineServer, opts ...grpc.ServerOption) *Server {
	grpc_prometheus.EnableHandlingTimeHistogram()
	gs := grpc.NewServer(append(serverOptions(cfg), opts...)...)

	RegisterSignalEngineServer(gs, service)
	grpc_prometheus.Register(gs)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	for _, kind := range RunKinds {
		hs.SetServingStatus(RunHealthName(kind), healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(gs, hs)

	if cfg.Reflection {
		reflection.Register(gs)
	}

	return &Server{grpc: gs, health: hs, lis: lis}
}

func serverOptions(cfg config.ServerConfig) []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	if cfg.MaxRecvMsgBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgBytes))
	}
	return opts
}

// ReportRun flips the health entry of kind. A run refused because another
// instance holds the lease, or cut short by shutdown, leaves the entry as is.
// It has the engine.RunObserver signature.
func (s *Server) ReportRun(kind models.RunKind, _ models.RunSummary, err error) {
	if errors.Is(err, engine.ErrRunInProgress) || errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(RunHealthName(kind), status)
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	if s.grpc == nil || s.lis == nil {
		return errors.New("server not initialised")
	}
	return s.grpc.Serve(s.lis)
}

// Shutdown reports every entry as not serving and drains in-flight calls.
// When ctx expires first the remaining calls are cut.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpc == nil {
		return
	}
	s.mu.Lock()
	s.stopped = true
	s.health.Shutdown()
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

// Address is the bound listener address.
func (s *Server) Address() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}
