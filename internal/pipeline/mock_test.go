package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/pkg/anthropic"
	"github.com/sells-group/pricewatch/pkg/pricelookup"
)

// --- Lookup Oracle Mock ---

type mockLookupClient struct {
	mock.Mock
}

func (m *mockLookupClient) Lookup(ctx context.Context, req pricelookup.LookupRequest) (*pricelookup.LookupResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pricelookup.LookupResponse), args.Error(1)
}

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateRun(ctx context.Context, triggeredBy, productID string, totalProducts, totalLookups int) (*model.IngestionRun, error) {
	args := m.Called(ctx, triggeredBy, productID, totalProducts, totalLookups)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IngestionRun), args.Error(1)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.IngestionRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IngestionRun), args.Error(1)
}

func (m *mockStore) GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(model.RunStatus), args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestionRun, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.IngestionRun), args.Error(1)
}

func (m *mockStore) MarkRunRunning(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *mockStore) MarkRunCompleted(ctx context.Context, runID string, summary model.RunSummary) error {
	args := m.Called(ctx, runID, summary)
	return args.Error(0)
}

func (m *mockStore) MarkRunFailed(ctx context.Context, runID, message, stack string) error {
	args := m.Called(ctx, runID, message, stack)
	return args.Error(0)
}

func (m *mockStore) MarkRunCancelled(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *mockStore) AppendLookupResult(ctx context.Context, runID string, result model.LookupResult) error {
	args := m.Called(ctx, runID, result)
	return args.Error(0)
}

func (m *mockStore) ListLookupResults(ctx context.Context, runID string) ([]model.LookupResult, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.LookupResult), args.Error(1)
}

func (m *mockStore) UpdateRunProgress(ctx context.Context, runID string, processedProducts int) error {
	args := m.Called(ctx, runID, processedProducts)
	return args.Error(0)
}

func (m *mockStore) RunProductCounts(ctx context.Context, runID string) (int, int, error) {
	args := m.Called(ctx, runID)
	return args.Int(0), args.Int(1), args.Error(2)
}

func (m *mockStore) CreatePrice(ctx context.Context, price *model.Price) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *mockStore) GetFirstPartyPrice(ctx context.Context, productID string) (*model.Price, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Price), args.Error(1)
}

func (m *mockStore) ListRunPrices(ctx context.Context, runID string, productIDs []string) ([]model.Price, error) {
	args := m.Called(ctx, runID, productIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Price), args.Error(1)
}

func (m *mockStore) ListPriceHistory(ctx context.Context, productID string) ([]model.PriceHistory, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PriceHistory), args.Error(1)
}

func (m *mockStore) UpsertRecommendation(ctx context.Context, rec *model.Recommendation) (*model.Recommendation, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Recommendation), args.Error(1)
}

func (m *mockStore) GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Recommendation), args.Error(1)
}

func (m *mockStore) ListRecommendations(ctx context.Context, filter store.RecommendationFilter) ([]model.Recommendation, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Recommendation), args.Error(1)
}

func (m *mockStore) CountRecommendations(ctx context.Context, runID string) (int, error) {
	args := m.Called(ctx, runID)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) ApplyRecommendation(ctx context.Context, recommendationID, actor string, price *model.Price, history *model.PriceHistory) error {
	args := m.Called(ctx, recommendationID, actor, price, history)
	return args.Error(0)
}

func (m *mockStore) RejectRecommendation(ctx context.Context, id, actor string) error {
	args := m.Called(ctx, id, actor)
	return args.Error(0)
}

func (m *mockStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Product), args.Error(1)
}

func (m *mockStore) ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error) {
	args := m.Called(ctx, activeOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Product), args.Error(1)
}

func (m *mockStore) UpsertCompetitorProduct(ctx context.Context, cp *model.CompetitorProduct) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}

func (m *mockStore) ListCompetitorProducts(ctx context.Context, productID string) ([]model.CompetitorProduct, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CompetitorProduct), args.Error(1)
}

func (m *mockStore) UpsertMarketplace(ctx context.Context, mp *model.Marketplace) error {
	args := m.Called(ctx, mp)
	return args.Error(0)
}

func (m *mockStore) ListMarketplaces(ctx context.Context, indexableOnly bool) ([]model.Marketplace, error) {
	args := m.Called(ctx, indexableOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Marketplace), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Ensure interface compliance ---
var (
	_ pricelookup.Client = (*mockLookupClient)(nil)
	_ anthropic.Client   = (*mockAnthropicClient)(nil)
	_ store.Store        = (*mockStore)(nil)
)
