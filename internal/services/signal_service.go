package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/patentradar/patent-signals/internal/api"
	"github.com/patentradar/patent-signals/internal/engine"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

// Engine is the set of operations the gRPC facade exposes.
type Engine interface {
	RunAggregation(ctx context.Context, upTo time.Time) (models.RunSummary, error)
	RunAccelerationDetection(ctx context.Context, periodEnd time.Time) (models.RunSummary, error)
	RunNoveltyScoring(ctx context.Context, batch []models.PatentRecord) (models.RunSummary, error)
	ScoreNewPatents(ctx context.Context, since time.Time) (models.RunSummary, error)
	RunWatchlistEvaluation(ctx context.Context, watchlistID string) (models.RunSummary, error)
	AcknowledgeAlert(ctx context.Context, alertID string) (models.Alert, error)
	DismissAlert(ctx context.Context, alertID string) (models.Alert, error)
	GetActiveAlerts(ctx context.Context, watchlistID string) ([]models.Alert, error)
	ListTrends(ctx context.Context, q engine.TrendQuery) ([]models.TrendSignal, error)
	TopNovelPatents(ctx context.Context, days, limit int) ([]models.NoveltyScore, error)
}

// SignalService implements the gRPC SignalEngine service.
type SignalService struct {
	logger *slog.Logger
	engine Engine
}

var _ api.SignalEngineServer = (*SignalService)(nil)

// NewSignalService constructs the service facade.
func NewSignalService(logger *slog.Logger, e Engine) *SignalService {
	return &SignalService{logger: utils.LoggerOrDefault(logger), engine: e}
}

func (s *SignalService) RunAggregation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.RunRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	upTo, err := api.OptionalDate("up_to", in.UpTo)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !upTo.IsZero() {
		upTo = upTo.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return s.summary(s.engine.RunAggregation(ctx, upTo))
}

func (s *SignalService) RunAccelerationDetection(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.RunRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	periodEnd, err := api.OptionalDate("period_end", in.PeriodEnd)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.summary(s.engine.RunAccelerationDetection(ctx, periodEnd))
}

// RunNoveltyScoring scores the patents in the request, or every patent published since
// the request's since date (or the scoring cursor) when the batch is empty.
func (s *SignalService) RunNoveltyScoring(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.RunRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(in.Patents) == 0 {
		since, err := api.OptionalDate("since", in.Since)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return s.summary(s.engine.ScoreNewPatents(ctx, since))
	}
	batch, err := in.Batch()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.summary(s.engine.RunNoveltyScoring(ctx, batch))
}

func (s *SignalService) RunWatchlistEvaluation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.RunRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.summary(s.engine.RunWatchlistEvaluation(ctx, in.WatchlistID))
}

func (s *SignalService) AcknowledgeAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.AlertRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.alert(s.engine.AcknowledgeAlert(ctx, in.AlertID))
}

func (s *SignalService) DismissAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.AlertRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.alert(s.engine.DismissAlert(ctx, in.AlertID))
}

func (s *SignalService) GetActiveAlerts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.ListAlertsRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	alerts, err := s.engine.GetActiveAlerts(ctx, in.WatchlistID)
	if err != nil {
		return nil, s.toStatus("get active alerts", err)
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return s.encode(api.AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

// ListTrends lists accelerating grouping keys by their newest estimate.
func (s *SignalService) ListTrends(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.TrendsRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	trends, err := s.engine.ListTrends(ctx, in.Query())
	if err != nil {
		return nil, s.toStatus("list trends", err)
	}
	if trends == nil {
		trends = []models.TrendSignal{}
	}
	return s.encode(api.TrendsResponse{Trends: trends, Count: len(trends)})
}

// TopNovelPatents ranks recently published patents by active novelty score.
func (s *SignalService) TopNovelPatents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.NovelPatentsRequest
	if err := api.Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	days, limit := in.Window()
	scores, err := s.engine.TopNovelPatents(ctx, days, limit)
	if err != nil {
		return nil, s.toStatus("top novel patents", err)
	}
	if scores == nil {
		scores = []models.NoveltyScore{}
	}
	return s.encode(api.NovelPatentsResponse{Patents: scores, Count: len(scores)})
}

func (s *SignalService) summary(sum models.RunSummary, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, s.toStatus("run", err)
	}
	return s.encode(sum)
}

func (s *SignalService) alert(a models.Alert, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, s.toStatus("alert transition", err)
	}
	return s.encode(a)
}

func (s *SignalService) encode(v any) (*structpb.Struct, error) {
	out, err := api.Encode(v)
	if err != nil {
		s.logger.Error("encode response failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// toStatus maps the error taxonomy onto gRPC status codes.
func (s *SignalService) toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		switch utils.KindOf(err) {
		case utils.KindConfiguration, utils.KindDataIncomplete:
			code = codes.InvalidArgument
		case utils.KindNotFound:
			code = codes.NotFound
		case utils.KindInvalidTransition:
			code = codes.FailedPrecondition
		case utils.KindTransient:
			code = codes.Unavailable
		}
	}
	if code == codes.Internal {
		s.logger.Error("request failed", slog.String("op", op), slog.Any("error", err))
	} else {
		s.logger.Info("request rejected", slog.String("op", op), slog.String("code", code.String()), slog.Any("error", err))
	}
	return status.Error(code, err.Error())
}
