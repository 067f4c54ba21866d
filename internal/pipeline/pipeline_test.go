package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/pkg/pricelookup"
)

func testConfig() *config.Config {
	return &config.Config{
		Lookup: config.LookupConfig{
			TimeoutSecs: 5,
			Concurrency: 1,
		},
		Anthropic: config.AnthropicConfig{
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 1024,
		},
		Pipeline: config.PipelineConfig{
			ConfidenceThreshold: 0.6,
			ProgressFlushEvery:  5,
		},
	}
}

func TestPipeline_Run_FullFlow(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}
	oracle := &mockLookupClient{}
	ai := &mockAnthropicClient{}

	product := testProduct()
	competitor := testCompetitor()
	marketplace := testMarketplace()

	// Prepare: resolve catalog, build the task matrix, record the run.
	st.On("ListProducts", mock.Anything, true).Return([]model.Product{product}, nil)
	st.On("ListMarketplaces", mock.Anything, true).Return([]model.Marketplace{marketplace}, nil)
	st.On("ListCompetitorProducts", mock.Anything, "prod-1").Return([]model.CompetitorProduct{competitor}, nil)
	st.On("CreateRun", mock.Anything, "manual", "", 1, 1).Return(&model.IngestionRun{
		ID:            "run-100",
		Status:        model.RunStatusPending,
		TotalProducts: 1,
		TotalLookups:  1,
	}, nil)

	// Lookup stage.
	st.On("MarkRunRunning", mock.Anything, "run-100").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-100").Return(model.RunStatusRunning, nil)
	oracle.On("Lookup", mock.Anything, mock.MatchedBy(func(req pricelookup.LookupRequest) bool {
		return req.ProductName == "Vitamina C 500mg x 100" && req.MarketplaceName == "MarketA"
	})).Return(&pricelookup.LookupResponse{
		Found:       true,
		ProductURL:  "https://www.marketa.com.co/producto/vitamina-c-500mg-x-100",
		PriceIncTax: floatPtr(49900),
		Currency:    "COP",
		InStock:     true,
	}, nil)
	st.On("AppendLookupResult", mock.Anything, "run-100", mock.MatchedBy(func(r model.LookupResult) bool {
		return r.Status == model.LookupStatusSuccess
	})).Return(nil)
	st.On("CreatePrice", mock.Anything, mock.AnythingOfType("*model.Price")).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-100", 1).Return(nil)

	// Aggregation stage.
	st.On("ListMarketplaces", mock.Anything, false).Return([]model.Marketplace{marketplace}, nil)
	st.On("GetFirstPartyPrice", mock.Anything, "prod-1").Return(firstPartyPrice(), nil)
	st.On("ListRunPrices", mock.Anything, "run-100", []string{"cp-1"}).Return([]model.Price{
		competitorPrice("mkt-a", 49900, 0.93),
	}, nil)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(adviceResponse(
		`{"recommendation": "lower", "reasoning": "A cheaper competitor is in stock.", "suggestedPrice": 49900}`,
	), nil)
	var upserted *model.Recommendation
	st.On("UpsertRecommendation", mock.Anything, mock.MatchedBy(func(rec *model.Recommendation) bool {
		upserted = rec
		return true
	})).Return(&model.Recommendation{ID: "rec-1"}, nil)

	// Settlement.
	st.On("RunProductCounts", mock.Anything, "run-100").Return(1, 0, nil)
	st.On("CountRecommendations", mock.Anything, "run-100").Return(1, nil)
	st.On("MarkRunCompleted", mock.Anything, "run-100", model.RunSummary{
		ProductsWithPrices:          1,
		ProductsNotFound:            0,
		ProductsWithRecommendations: 1,
	}).Return(nil)
	completedAt := time.Now().UTC()
	st.On("GetRun", mock.Anything, "run-100").Return(&model.IngestionRun{
		ID:                          "run-100",
		Status:                      model.RunStatusCompleted,
		TotalProducts:               1,
		ProcessedProducts:           1,
		TotalLookups:                1,
		CompletedLookups:            1,
		ProductsWithPrices:          1,
		ProductsWithRecommendations: 1,
		TriggeredBy:                 "manual",
		CompletedAt:                 &completedAt,
	}, nil)

	p := New(testConfig(), st, oracle, ai)
	view, err := p.Run(ctx, Request{})

	require.NoError(t, err)
	assert.Equal(t, "run-100", view.ID)
	assert.Equal(t, model.RunStatusCompleted, view.Status)
	assert.Equal(t, 1, view.Progress.ProcessedProducts)
	assert.Equal(t, 1, view.Progress.CompletedLookups)
	assert.Equal(t, 1, view.Summary.ProductsWithRecommendations)

	require.NotNil(t, upserted)
	assert.Equal(t, "prod-1", upserted.ProductID)
	assert.Equal(t, "run-100", upserted.IngestionRunID)
	assert.Equal(t, model.RecommendationLower, upserted.Action)
	require.NotNil(t, upserted.RecommendedPrice)
	assert.Equal(t, 49900.0, *upserted.RecommendedPrice)

	st.AssertExpectations(t)
	oracle.AssertExpectations(t)
	ai.AssertExpectations(t)
}

func TestPipeline_Prepare_ScopedToProduct(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}

	product := testProduct()
	st.On("GetProduct", mock.Anything, "prod-1").Return(&product, nil)
	st.On("ListMarketplaces", mock.Anything, true).Return([]model.Marketplace{testMarketplace()}, nil)
	st.On("ListCompetitorProducts", mock.Anything, "prod-1").Return([]model.CompetitorProduct{testCompetitor()}, nil)
	st.On("CreateRun", mock.Anything, "scheduled", "prod-1", 1, 1).Return(&model.IngestionRun{
		ID:     "run-101",
		Status: model.RunStatusPending,
	}, nil)

	p := New(testConfig(), st, &mockLookupClient{}, &mockAnthropicClient{})
	prepared, err := p.Prepare(ctx, Request{TriggeredBy: "scheduled", ProductID: "prod-1"})

	require.NoError(t, err)
	assert.Equal(t, "run-101", prepared.Run.ID)
	require.Len(t, prepared.Products, 1)
	assert.Len(t, prepared.Tasks, 1)
	st.AssertNotCalled(t, "ListProducts", mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestPipeline_Prepare_ProductNotFound(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}
	st.On("GetProduct", mock.Anything, "prod-x").Return(nil, eris.Wrap(store.ErrNotFound, "store: get product"))

	p := New(testConfig(), st, &mockLookupClient{}, &mockAnthropicClient{})
	prepared, err := p.Prepare(ctx, Request{ProductID: "prod-x"})

	assert.Nil(t, prepared)
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNotFound))
	assert.Contains(t, err.Error(), "prod-x")
	st.AssertNotCalled(t, "CreateRun",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_Execute_FailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}

	st.On("MarkRunRunning", mock.Anything, "run-100").Return(nil)
	st.On("ListMarketplaces", mock.Anything, false).Return(nil, eris.New("db down"))
	st.On("MarkRunFailed", mock.Anything, "run-100",
		mock.MatchedBy(func(msg string) bool { return strings.Contains(msg, "db down") }),
		mock.MatchedBy(func(stack string) bool { return strings.Contains(stack, "db down") }),
	).Return(nil)

	p := New(testConfig(), st, &mockLookupClient{}, &mockAnthropicClient{})
	view, err := p.Execute(ctx, &PreparedRun{
		Run:      &model.IngestionRun{ID: "run-100", Status: model.RunStatusPending},
		Products: []model.Product{testProduct()},
	})

	assert.Nil(t, view)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	st.AssertExpectations(t)
}

func TestPipeline_Execute_CancelledBeforeStart(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}

	st.On("MarkRunRunning", mock.Anything, "run-100").
		Return(eris.Wrap(store.ErrInvalidTransition, "store: mark run running"))
	st.On("GetRun", mock.Anything, "run-100").Return(&model.IngestionRun{
		ID:     "run-100",
		Status: model.RunStatusCancelled,
	}, nil)

	p := New(testConfig(), st, &mockLookupClient{}, &mockAnthropicClient{})
	view, err := p.Execute(ctx, &PreparedRun{
		Run:      &model.IngestionRun{ID: "run-100", Status: model.RunStatusPending},
		Products: []model.Product{testProduct()},
		Tasks:    BuildTasks([]model.CompetitorProduct{testCompetitor()}, []model.Marketplace{testMarketplace()}),
	})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, view.Status)
	st.AssertNotCalled(t, "MarkRunFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "ListMarketplaces", mock.Anything, mock.Anything)
}

func TestPipeline_Execute_CancelledMidRunSkipsAggregation(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}
	oracle := &mockLookupClient{}
	ai := &mockAnthropicClient{}

	st.On("MarkRunRunning", mock.Anything, "run-100").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-100").Return(model.RunStatusRunning, nil).Once()
	st.On("GetRunStatus", mock.Anything, "run-100").Return(model.RunStatusCancelled, nil)
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(&pricelookup.LookupResponse{Found: false}, nil)
	st.On("AppendLookupResult", mock.Anything, "run-100", mock.Anything).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-100", 1).Return(nil)
	st.On("GetRun", mock.Anything, "run-100").Return(&model.IngestionRun{
		ID:     "run-100",
		Status: model.RunStatusCancelled,
	}, nil)

	p := New(testConfig(), st, oracle, ai)
	view, err := p.Execute(ctx, &PreparedRun{
		Run:      &model.IngestionRun{ID: "run-100", Status: model.RunStatusPending},
		Products: []model.Product{testProduct()},
		Tasks:    BuildTasks([]model.CompetitorProduct{testCompetitor()}, []model.Marketplace{testMarketplace()}),
	})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, view.Status)
	st.AssertNotCalled(t, "ListMarketplaces", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "MarkRunCompleted", mock.Anything, mock.Anything, mock.Anything)
	ai.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestPipeline_Cancel(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}
	st.On("MarkRunCancelled", ctx, "run-100").Return(nil)

	p := New(testConfig(), st, &mockLookupClient{}, &mockAnthropicClient{})
	require.NoError(t, p.Cancel(ctx, "run-100"))
	st.AssertExpectations(t)
}

func TestPipeline_Cancel_RefusedWhenTerminal(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}
	st.On("MarkRunCancelled", ctx, "run-100").
		Return(eris.Wrap(store.ErrInvalidTransition, "store: mark run cancelled"))

	p := New(testConfig(), st, &mockLookupClient{}, &mockAnthropicClient{})
	err := p.Cancel(ctx, "run-100")

	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
}

func TestRatesFromConfig(t *testing.T) {
	rates := ratesFromConfig(config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{
			"claude-sonnet-4-5-20250929": {Input: 1, Output: 2},
		},
		Lookup: config.LookupPricing{PerQuery: 0.01},
	})

	assert.Equal(t, 1.0, rates.Anthropic["claude-sonnet-4-5-20250929"].Input)
	assert.Equal(t, 2.0, rates.Anthropic["claude-sonnet-4-5-20250929"].Output)
	assert.Equal(t, 0.01, rates.Lookup.PerQuery)

	// Models without overrides keep their standard prices.
	assert.Equal(t, 15.0, rates.Anthropic["claude-opus-4-6"].Input)
}
