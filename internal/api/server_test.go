package api

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/patentradar/patent-signals/internal/config"
	"github.com/patentradar/patent-signals/internal/engine"
	"github.com/patentradar/patent-signals/internal/models"
)

type idleService struct{ SignalEngineServer }

func newBufServer(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()
	srv := NewServerWithListener(cfg, bufconn.Listen(1<<16), idleService{})
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func healthOf(t *testing.T, srv *Server, name string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServerReflectionFollowsConfig(t *testing.T) {
	const reflectionService = "grpc.reflection.v1.ServerReflection"

	on := newBufServer(t, config.ServerConfig{Address: "bufnet", Reflection: true})
	assert.Contains(t, on.grpc.GetServiceInfo(), reflectionService)
	assert.Contains(t, on.grpc.GetServiceInfo(), ServiceName)

	off := newBufServer(t, config.ServerConfig{Address: "bufnet"})
	assert.NotContains(t, off.grpc.GetServiceInfo(), reflectionService)
	assert.Contains(t, off.grpc.GetServiceInfo(), ServiceName)
}

func TestServerRunHealthTracksLastOutcome(t *testing.T) {
	srv := newBufServer(t, config.ServerConfig{Address: "bufnet"})
	for _, kind := range RunKinds {
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthOf(t, srv, RunHealthName(kind)), kind)
	}

	var observer engine.RunObserver = srv.ReportRun
	observer(models.RunScoring, models.RunSummary{}, errors.New("index unreachable"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthOf(t, srv, RunHealthName(models.RunScoring)))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthOf(t, srv, RunHealthName(models.RunAggregation)))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthOf(t, srv, ServiceName))

	// A run refused by the lease or cut by shutdown says nothing about the pipeline.
	observer(models.RunScoring, models.RunSummary{}, engine.ErrRunInProgress)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthOf(t, srv, RunHealthName(models.RunScoring)))

	observer(models.RunScoring, models.RunSummary{Processed: 3}, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthOf(t, srv, RunHealthName(models.RunScoring)))

	srv.Shutdown(context.Background())
	observer(models.RunEvaluation, models.RunSummary{}, errors.New("late failure"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthOf(t, srv, RunHealthName(models.RunEvaluation)))
}
