package services

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/patentradar/patent-signals/internal/api"
	"github.com/patentradar/patent-signals/internal/config"
	"github.com/patentradar/patent-signals/internal/engine"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

type engineStub struct {
	upTo      time.Time
	periodEnd time.Time
	batch     []models.PatentRecord
	since     time.Time
	watchlist string
	err       error
	alerts    []models.Alert
	trendQ    engine.TrendQuery
	novelDays int
	novelTop  int
}

func (e *engineStub) RunAggregation(_ context.Context, upTo time.Time) (models.RunSummary, error) {
	e.upTo = upTo
	return models.RunSummary{Run: models.RunAggregation, Processed: 2}, e.err
}

func (e *engineStub) RunAccelerationDetection(_ context.Context, periodEnd time.Time) (models.RunSummary, error) {
	e.periodEnd = periodEnd
	return models.RunSummary{Run: models.RunDetection}, e.err
}

func (e *engineStub) RunNoveltyScoring(_ context.Context, batch []models.PatentRecord) (models.RunSummary, error) {
	e.batch = batch
	return models.RunSummary{Run: models.RunScoring, Produced: len(batch)}, e.err
}

func (e *engineStub) ScoreNewPatents(_ context.Context, since time.Time) (models.RunSummary, error) {
	e.since = since
	return models.RunSummary{Run: models.RunScoring}, e.err
}

func (e *engineStub) RunWatchlistEvaluation(_ context.Context, id string) (models.RunSummary, error) {
	e.watchlist = id
	return models.RunSummary{Run: models.RunEvaluation, Produced: 1, Suppressed: 1}, e.err
}

func (e *engineStub) AcknowledgeAlert(_ context.Context, id string) (models.Alert, error) {
	return models.Alert{ID: id, Status: models.StatusAcknowledged}, e.err
}

func (e *engineStub) DismissAlert(_ context.Context, id string) (models.Alert, error) {
	return models.Alert{ID: id, Status: models.StatusDismissed}, e.err
}

func (e *engineStub) GetActiveAlerts(_ context.Context, _ string) ([]models.Alert, error) {
	return e.alerts, e.err
}

func (e *engineStub) ListTrends(_ context.Context, q engine.TrendQuery) ([]models.TrendSignal, error) {
	e.trendQ = q
	return []models.TrendSignal{{Key: models.GroupingKey{Kind: models.KeyKindCPC, Value: "H01M"}, ZScore: 10.8, IsSignificant: true}}, e.err
}

func (e *engineStub) TopNovelPatents(_ context.Context, days, limit int) ([]models.NoveltyScore, error) {
	e.novelDays, e.novelTop = days, limit
	return []models.NoveltyScore{{PatentID: "US-9", Score: 91, Active: true}}, e.err
}

func dial(t *testing.T, e Engine) (*api.SignalEngineClient, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := api.NewServerWithListener(config.ServerConfig{Address: "bufnet"}, lis, NewSignalService(nil, e))
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return api.NewSignalEngineClient(conn), conn
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestRunMethodsOverGRPC(t *testing.T) {
	stub := &engineStub{}
	client, _ := dial(t, stub)
	ctx := context.Background()

	out, err := client.Call(ctx, api.MethodRunAggregation, request(t, map[string]any{"up_to": "2024-07-01"}))
	require.NoError(t, err)
	assert.Equal(t, 2.0, out.AsMap()["processed"])
	assert.Equal(t, time.Date(2024, 7, 1, 23, 59, 59, 999999999, time.UTC), stub.upTo)

	_, err = client.Call(ctx, api.MethodRunAccelerationDetection, request(t, map[string]any{"period_end": "2024-06-30"}))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), stub.periodEnd)

	out, err = client.Call(ctx, api.MethodRunNoveltyScoring, request(t, map[string]any{
		"patents": []any{map[string]any{"patent_id": "US-1", "filing_date": "2024-06-01", "cpc_codes": []any{"H01M"}}},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.AsMap()["produced"])
	require.Len(t, stub.batch, 1)

	_, err = client.Call(ctx, api.MethodRunNoveltyScoring, request(t, map[string]any{"since": "2024-06-01"}))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), stub.since)

	out, err = client.Call(ctx, api.MethodRunWatchlistEvaluation, request(t, map[string]any{"watchlist_id": "wl-1"}))
	require.NoError(t, err)
	assert.Equal(t, "wl-1", stub.watchlist)
	assert.Equal(t, 1.0, out.AsMap()["suppressed"])
}

func TestAlertMethodsOverGRPC(t *testing.T) {
	stub := &engineStub{alerts: []models.Alert{{ID: "a-1", Status: models.StatusActive}}}
	client, _ := dial(t, stub)
	ctx := context.Background()

	out, err := client.Call(ctx, api.MethodAcknowledgeAlert, request(t, map[string]any{"alert_id": "a-1"}))
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", out.AsMap()["status"])

	out, err = client.Call(ctx, api.MethodGetActiveAlerts, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.AsMap()["count"])

	_, err = client.Call(ctx, api.MethodDismissAlert, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestReadMethodsOverGRPC(t *testing.T) {
	stub := &engineStub{}
	client, _ := dial(t, stub)
	ctx := context.Background()

	out, err := client.Call(ctx, api.MethodListTrends, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.TrendQuery{MinZScore: 1.5, PeriodDays: 90, Limit: 20}, stub.trendQ)
	assert.Equal(t, 1.0, out.AsMap()["count"])

	_, err = client.Call(ctx, api.MethodListTrends, request(t, map[string]any{"min_z_score": 0, "period_days": 30, "limit": 5}))
	require.NoError(t, err)
	assert.Equal(t, engine.TrendQuery{MinZScore: 0, PeriodDays: 30, Limit: 5}, stub.trendQ)

	_, err = client.Call(ctx, api.MethodListTrends, request(t, map[string]any{"period_days": 3}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	out, err = client.Call(ctx, api.MethodTopNovelPatents, request(t, map[string]any{"days": 14}))
	require.NoError(t, err)
	assert.Equal(t, 14, stub.novelDays)
	assert.Equal(t, 10, stub.novelTop)
	patents, ok := out.AsMap()["patents"].([]any)
	require.True(t, ok)
	require.Len(t, patents, 1)
	assert.Equal(t, "US-9", patents[0].(map[string]any)["patent_id"])
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{utils.Configuration("op", "bad watchlist", nil), codes.InvalidArgument},
		{utils.NotFound("op", "missing", nil), codes.NotFound},
		{utils.InvalidTransition("op", "not active", nil), codes.FailedPrecondition},
		{utils.Invariant("op", "two active alerts", nil), codes.Internal},
		{utils.Transient("op", "store busy", nil), codes.Unavailable},
		{utils.NewAppError("op", utils.KindInvalidTransition, "held", engine.ErrRunInProgress), codes.Aborted},
	}
	for _, tc := range cases {
		client, _ := dial(t, &engineStub{err: tc.err})
		_, err := client.Call(context.Background(), api.MethodDismissAlert, request(t, map[string]any{"alert_id": "a-1"}))
		assert.Equal(t, tc.code, status.Code(err), tc.err.Error())
	}
}

func TestHealthService(t *testing.T) {
	_, conn := dial(t, &engineStub{})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: api.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
