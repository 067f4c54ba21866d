package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/pipeline"
	"github.com/sells-group/pricewatch/internal/review"
	"github.com/sells-group/pricewatch/internal/store"
)

type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) Prepare(ctx context.Context, req pipeline.Request) (*pipeline.PreparedRun, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.PreparedRun), args.Error(1)
}

func (m *mockPipeline) Execute(ctx context.Context, prepared *pipeline.PreparedRun) (*model.RunStatusView, error) {
	args := m.Called(ctx, prepared)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunStatusView), args.Error(1)
}

func (m *mockPipeline) Cancel(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *mockPipeline) Status(ctx context.Context, runID string) (*model.RunStatusView, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunStatusView), args.Error(1)
}

type mockReviewer struct {
	mock.Mock
}

func (m *mockReviewer) Accept(ctx context.Context, recommendationID, actor string) error {
	args := m.Called(ctx, recommendationID, actor)
	return args.Error(0)
}

func (m *mockReviewer) Reject(ctx context.Context, recommendationID, actor string) error {
	args := m.Called(ctx, recommendationID, actor)
	return args.Error(0)
}

func (m *mockReviewer) BulkAccept(ctx context.Context, ids []string, actor string) (*review.BulkResult, error) {
	args := m.Called(ctx, ids, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*review.BulkResult), args.Error(1)
}

type mockCollector struct {
	mock.Mock
}

func (m *mockCollector) Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error) {
	args := m.Called(ctx, lookbackHours)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*monitoring.MetricsSnapshot), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestionRun, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.IngestionRun), args.Error(1)
}

func (m *mockStore) ListRecommendations(ctx context.Context, filter store.RecommendationFilter) ([]model.Recommendation, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Recommendation), args.Error(1)
}

// --- Ensure interface compliance ---

var (
	_ Pipeline  = (*mockPipeline)(nil)
	_ Reviewer  = (*mockReviewer)(nil)
	_ Collector = (*mockCollector)(nil)
	_ Store     = (*mockStore)(nil)
)
