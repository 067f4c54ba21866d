package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/pkg/pricelookup"
)

func TestBuildTasks(t *testing.T) {
	active := testCompetitor()
	inactive := testCompetitor()
	inactive.ID = "cp-2"
	inactive.Active = false

	indexable := testMarketplace()
	hidden := testMarketplaceB()
	hidden.Indexable = false

	tasks := BuildTasks(
		[]model.CompetitorProduct{active, inactive},
		[]model.Marketplace{indexable, hidden},
	)

	require.Len(t, tasks, 1)
	assert.Equal(t, "cp-1", tasks[0].Product.ID)
	assert.Equal(t, "mkt-a", tasks[0].Marketplace.ID)
}

func TestCountTaskProducts(t *testing.T) {
	cp1 := testCompetitor()
	cp2 := testCompetitor()
	cp2.ID = "cp-2"

	tasks := BuildTasks(
		[]model.CompetitorProduct{cp1, cp2},
		[]model.Marketplace{testMarketplace(), testMarketplaceB()},
	)

	assert.Len(t, tasks, 4)
	assert.Equal(t, 2, CountTaskProducts(tasks))
	assert.Equal(t, 0, CountTaskProducts(nil))
}

func TestScheduler_Run_SuccessfulLookup(t *testing.T) {
	ctx := context.Background()
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace()},
	)

	// Use mock.Anything for contexts: workers run under the errgroup's ctx.
	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil)

	var appended model.LookupResult
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.MatchedBy(func(r model.LookupResult) bool {
		appended = r
		return true
	})).Return(nil)

	var created *model.Price
	st.On("CreatePrice", mock.Anything, mock.MatchedBy(func(p *model.Price) bool {
		created = p
		return true
	})).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-001", 1).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.MatchedBy(func(req pricelookup.LookupRequest) bool {
		return req.ProductName == "Vitamina C 500mg x 100" && req.MarketplaceName == "MarketA"
	})).Return(&pricelookup.LookupResponse{
		Found:       true,
		ProductName: "Vitamina C 500mg x 100",
		ProductURL:  "https://www.marketa.com.co/producto/vitamina-c-500mg",
		PriceIncTax: floatPtr(52900),
		Currency:    "COP",
		InStock:     true,
	}, nil)

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	cancelled, err := sched.Run(ctx, "run-001", tasks)

	require.NoError(t, err)
	assert.False(t, cancelled)

	assert.Equal(t, model.LookupStatusSuccess, appended.Status)
	assert.Equal(t, "cp-1", appended.ProductID)
	assert.Equal(t, "mkt-a", appended.MarketplaceID)
	assert.Equal(t, model.URLTypeProductDetail, appended.URLType)
	assert.True(t, appended.IsCanonicalURL)
	require.NotNil(t, appended.PriceIncTax)
	assert.Equal(t, 52900.0, *appended.PriceIncTax)
	require.NotNil(t, appended.PriceExTax)
	assert.InDelta(t, 44453.78, *appended.PriceExTax, 0.01)
	assert.True(t, appended.PriceExTaxDerived)
	assert.InDelta(t, 88.91, appended.PricePerIngredientContent["vitamin_c_mg"], 0.01)
	// Derived tax earns 0.3 of the tax weight: 0.35+0.30+0.25+0.03.
	assert.Equal(t, 0.93, appended.PriceConfidence)

	require.NotNil(t, created)
	assert.Equal(t, "cp-1", created.ProductID)
	require.NotNil(t, created.MarketplaceID)
	assert.Equal(t, "mkt-a", *created.MarketplaceID)
	require.NotNil(t, created.IngestionRunID)
	assert.Equal(t, "run-001", *created.IngestionRunID)
	assert.Equal(t, 52900.0, created.PriceIncTax)
	assert.InDelta(t, 44453.78, created.PriceExTax, 0.01)
	assert.Equal(t, appended.PriceConfidence, created.PriceConfidence)

	st.AssertExpectations(t)
	oracle.AssertExpectations(t)
}

func TestScheduler_Run_ExTaxOnlyDerivesIncTax(t *testing.T) {
	ctx := context.Background()
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace()},
	)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil)

	var appended model.LookupResult
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.MatchedBy(func(r model.LookupResult) bool {
		appended = r
		return true
	})).Return(nil)
	st.On("CreatePrice", mock.Anything, mock.Anything).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-001", 1).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(&pricelookup.LookupResponse{
		Found:      true,
		ProductURL: "https://www.marketa.com.co/producto/vitamina-c",
		PriceExTax: floatPtr(40000),
		Currency:   "COP",
		InStock:    true,
	}, nil)

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	cancelled, err := sched.Run(ctx, "run-001", tasks)

	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, model.LookupStatusSuccess, appended.Status)
	require.NotNil(t, appended.PriceIncTax)
	assert.InDelta(t, 47600.0, *appended.PriceIncTax, 0.01)
	assert.False(t, appended.PriceExTaxDerived)
	// A reported tax-exclusive price earns the full tax weight.
	assert.Equal(t, 1.0, appended.PriceConfidence)
}

func TestScheduler_Run_TimeoutBecomesNotFound(t *testing.T) {
	ctx := context.Background()
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace()},
	)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil)

	var appended model.LookupResult
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.MatchedBy(func(r model.LookupResult) bool {
		appended = r
		return true
	})).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-001", 1).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	cancelled, err := sched.Run(ctx, "run-001", tasks)

	// A timeout settles as a graceful miss, not a run failure.
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, model.LookupStatusNotFound, appended.Status)
	assert.Empty(t, appended.ErrorMessage)
	assert.Nil(t, appended.PriceIncTax)
	st.AssertNotCalled(t, "CreatePrice", mock.Anything, mock.Anything)
}

func TestScheduler_Run_OracleErrorRecordsError(t *testing.T) {
	ctx := context.Background()
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace()},
	)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil)

	var appended model.LookupResult
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.MatchedBy(func(r model.LookupResult) bool {
		appended = r
		return true
	})).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-001", 1).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(nil, eris.New("connection refused"))

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	cancelled, err := sched.Run(ctx, "run-001", tasks)

	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, model.LookupStatusError, appended.Status)
	assert.Contains(t, appended.ErrorMessage, "connection refused")
	st.AssertNotCalled(t, "CreatePrice", mock.Anything, mock.Anything)
}

func TestScheduler_Run_CurrencyMismatchDiscardsPrice(t *testing.T) {
	ctx := context.Background()
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace()},
	)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil)

	var appended model.LookupResult
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.MatchedBy(func(r model.LookupResult) bool {
		appended = r
		return true
	})).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-001", 1).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(&pricelookup.LookupResponse{
		Found:       true,
		ProductURL:  "https://www.marketa.com.co/producto/vitamina-c",
		PriceIncTax: floatPtr(12.99),
		Currency:    "USD",
		InStock:     true,
	}, nil)

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	cancelled, err := sched.Run(ctx, "run-001", tasks)

	require.NoError(t, err)
	assert.False(t, cancelled)
	// The observation survives as a miss; the foreign-currency price does not.
	assert.Equal(t, model.LookupStatusNotFound, appended.Status)
	assert.True(t, appended.InStock)
	assert.Nil(t, appended.Price)
	assert.Nil(t, appended.PriceIncTax)
	assert.Nil(t, appended.PriceExTax)
	st.AssertNotCalled(t, "CreatePrice", mock.Anything, mock.Anything)
}

func TestScheduler_Run_FoundWithoutPriceIsMiss(t *testing.T) {
	ctx := context.Background()
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace()},
	)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil)

	var appended model.LookupResult
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.MatchedBy(func(r model.LookupResult) bool {
		appended = r
		return true
	})).Return(nil)
	st.On("UpdateRunProgress", mock.Anything, "run-001", 1).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(&pricelookup.LookupResponse{
		Found:      true,
		ProductURL: "https://www.marketa.com.co/producto/vitamina-c",
		Currency:   "COP",
		InStock:    true,
	}, nil)

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	_, err := sched.Run(ctx, "run-001", tasks)

	require.NoError(t, err)
	assert.Equal(t, model.LookupStatusNotFound, appended.Status)
	st.AssertNotCalled(t, "CreatePrice", mock.Anything, mock.Anything)
}

func TestScheduler_Run_CancellationStopsDispatch(t *testing.T) {
	ctx := context.Background()
	// One product on two marketplaces, drained by a single worker: the
	// cancellation lands while the first lookup is in flight.
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace(), testMarketplaceB()},
	)
	require.Len(t, tasks, 2)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil).Once()
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusCancelled, nil).Once()
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.Anything).Return(nil)
	st.On("CreatePrice", mock.Anything, mock.Anything).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(&pricelookup.LookupResponse{
		Found:       true,
		ProductURL:  "https://www.marketa.com.co/producto/vitamina-c",
		PriceIncTax: floatPtr(52900),
		Currency:    "COP",
		InStock:     true,
	}, nil)

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	cancelled, err := sched.Run(ctx, "run-001", tasks)

	require.NoError(t, err)
	assert.True(t, cancelled)
	// The in-flight task committed; the second was never dispatched.
	oracle.AssertNumberOfCalls(t, "Lookup", 1)
	st.AssertNumberOfCalls(t, "AppendLookupResult", 1)
	st.AssertNotCalled(t, "UpdateRunProgress", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_Run_CancelledBeforeStart(t *testing.T) {
	ctx := context.Background()
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor()},
		[]model.Marketplace{testMarketplace()},
	)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").
		Return(eris.Wrap(store.ErrInvalidTransition, "run run-001 is cancelled, cannot transition to running"))

	oracle := &mockLookupClient{}

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	cancelled, err := sched.Run(ctx, "run-001", tasks)

	assert.False(t, cancelled)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
	oracle.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestScheduler_Run_EmptyTaskMatrix(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)

	oracle := &mockLookupClient{}

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{})
	cancelled, err := sched.Run(ctx, "run-001", nil)

	require.NoError(t, err)
	assert.False(t, cancelled)
	oracle.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "AppendLookupResult", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_Run_ProgressFlushedOnFinalProduct(t *testing.T) {
	ctx := context.Background()
	cp2 := testCompetitor()
	cp2.ID = "cp-2"
	tasks := BuildTasks(
		[]model.CompetitorProduct{testCompetitor(), cp2},
		[]model.Marketplace{testMarketplace()},
	)
	require.Len(t, tasks, 2)

	st := &mockStore{}
	st.On("MarkRunRunning", mock.Anything, "run-001").Return(nil)
	st.On("GetRunStatus", mock.Anything, "run-001").Return(model.RunStatusRunning, nil)
	st.On("AppendLookupResult", mock.Anything, "run-001", mock.Anything).Return(nil)
	// With the default flush cadence of 5, two products flush only once, at
	// the final one.
	st.On("UpdateRunProgress", mock.Anything, "run-001", 2).Return(nil)

	oracle := &mockLookupClient{}
	oracle.On("Lookup", mock.Anything, mock.Anything).Return(&pricelookup.LookupResponse{Found: false}, nil)

	sched := NewScheduler(NewCoordinator(st), st, oracle, SchedulerConfig{Concurrency: 1})
	_, err := sched.Run(ctx, "run-001", tasks)

	require.NoError(t, err)
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "UpdateRunProgress", mock.Anything, "run-001", 1)
}

func TestSameCurrency(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "COP", "COP", true},
		{"different", "COP", "USD", false},
		{"case insensitive", "cop", "COP", true},
		{"whitespace trimmed", " COP ", "COP", true},
		{"unknown code matches itself", "XYZ", "XYZ", true},
		{"unknown codes differ", "XYZ", "XYW", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameCurrency(tt.a, tt.b))
		})
	}
}

func TestPerIngredientPrices(t *testing.T) {
	prices := perIngredientPrices(map[string]float64{
		"vitamin_c_mg": 500,
		"zinc_mg":      10,
		"filler":       0,
	}, 44453.78)

	require.NotNil(t, prices)
	assert.InDelta(t, 88.91, prices["vitamin_c_mg"], 0.01)
	assert.InDelta(t, 4445.38, prices["zinc_mg"], 0.01)
	assert.NotContains(t, prices, "filler")

	assert.Nil(t, perIngredientPrices(nil, 100))
	assert.Nil(t, perIngredientPrices(map[string]float64{"x": 0}, 100))
}

func TestProgressTracker(t *testing.T) {
	tasks := []LookupTask{
		{Product: model.CompetitorProduct{ID: "a"}},
		{Product: model.CompetitorProduct{ID: "a"}},
		{Product: model.CompetitorProduct{ID: "b"}},
	}
	tracker := newProgressTracker(tasks)
	assert.Equal(t, 2, tracker.total)

	assert.Equal(t, 0, tracker.settle("a"))
	assert.Equal(t, 1, tracker.settle("a"))
	assert.Equal(t, 2, tracker.settle("b"))
	assert.Equal(t, 0, tracker.settle("unknown"))
	assert.Equal(t, 2, tracker.processedCount())
}
