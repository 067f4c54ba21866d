package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

func TestCoordinator_Create(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("CreateRun", ctx, "manual", "", 3, 12).Return(&model.IngestionRun{
		ID:            "run-001",
		Status:        model.RunStatusPending,
		TriggeredBy:   "manual",
		TotalProducts: 3,
		TotalLookups:  12,
	}, nil)

	coord := NewCoordinator(st)
	run, err := coord.Create(ctx, "manual", "", 3, 12)

	require.NoError(t, err)
	assert.Equal(t, "run-001", run.ID)
	assert.Equal(t, model.RunStatusPending, run.Status)
	st.AssertExpectations(t)
}

func TestCoordinator_Create_StoreError(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("CreateRun", ctx, "api", "prod-1", 1, 2).Return(nil, eris.New("insert failed"))

	coord := NewCoordinator(st)
	run, err := coord.Create(ctx, "api", "prod-1", 1, 2)

	assert.Error(t, err)
	assert.Nil(t, run)
	assert.Contains(t, err.Error(), "create run")
}

func TestCoordinator_MarkCompleted_DerivesSummary(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("RunProductCounts", ctx, "run-001").Return(3, 1, nil)
	st.On("CountRecommendations", ctx, "run-001").Return(4, nil)
	st.On("MarkRunCompleted", ctx, "run-001", model.RunSummary{
		ProductsWithPrices:          3,
		ProductsNotFound:            1,
		ProductsWithRecommendations: 4,
	}).Return(nil)

	coord := NewCoordinator(st)
	err := coord.MarkCompleted(ctx, "run-001")

	assert.NoError(t, err)
	st.AssertExpectations(t)
}

func TestCoordinator_MarkCompleted_CancelledRunStaysCancelled(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("RunProductCounts", ctx, "run-001").Return(0, 0, nil)
	st.On("CountRecommendations", ctx, "run-001").Return(0, nil)
	st.On("MarkRunCompleted", ctx, "run-001", mock.AnythingOfType("model.RunSummary")).
		Return(eris.Wrap(store.ErrInvalidTransition, "run run-001 is cancelled"))
	st.On("GetRunStatus", ctx, "run-001").Return(model.RunStatusCancelled, nil)

	coord := NewCoordinator(st)
	err := coord.MarkCompleted(ctx, "run-001")

	// The cancellation won the race; completion is a no-op, not a failure.
	assert.NoError(t, err)
	st.AssertExpectations(t)
}

func TestCoordinator_MarkCompleted_RefusedForOtherTerminalStates(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("RunProductCounts", ctx, "run-001").Return(0, 0, nil)
	st.On("CountRecommendations", ctx, "run-001").Return(0, nil)
	st.On("MarkRunCompleted", ctx, "run-001", mock.AnythingOfType("model.RunSummary")).
		Return(eris.Wrap(store.ErrInvalidTransition, "run run-001 is failed"))
	st.On("GetRunStatus", ctx, "run-001").Return(model.RunStatusFailed, nil)

	coord := NewCoordinator(st)
	err := coord.MarkCompleted(ctx, "run-001")

	assert.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
}

func TestCoordinator_MarkFailed(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("MarkRunFailed", ctx, "run-001", "lookup exploded", "stack trace here").Return(nil)

	coord := NewCoordinator(st)
	err := coord.MarkFailed(ctx, "run-001", "lookup exploded", "stack trace here")

	assert.NoError(t, err)
	st.AssertExpectations(t)
}

func TestCoordinator_Cancel_RefusedWhenTerminal(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("MarkRunCancelled", ctx, "run-001").
		Return(eris.Wrap(store.ErrInvalidTransition, "run run-001 is completed, cannot transition to cancelled"))

	coord := NewCoordinator(st)
	err := coord.Cancel(ctx, "run-001")

	assert.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
}

func TestCoordinator_IsCancelled(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("GetRunStatus", ctx, "run-cancelled").Return(model.RunStatusCancelled, nil)
	st.On("GetRunStatus", ctx, "run-running").Return(model.RunStatusRunning, nil)

	coord := NewCoordinator(st)

	cancelled, err := coord.IsCancelled(ctx, "run-cancelled")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = coord.IsCancelled(ctx, "run-running")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCoordinator_Status(t *testing.T) {
	ctx := context.Background()

	started := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	st := &mockStore{}
	st.On("GetRun", ctx, "run-001").Return(&model.IngestionRun{
		ID:                          "run-001",
		Status:                      model.RunStatusRunning,
		TriggeredBy:                 "api",
		TriggeredAt:                 started,
		StartedAt:                   &started,
		TotalProducts:               10,
		ProcessedProducts:           4,
		TotalLookups:                40,
		CompletedLookups:            14,
		FailedLookups:               2,
		ProductsWithPrices:          3,
		ProductsNotFound:            1,
		ProductsWithRecommendations: 0,
	}, nil)

	coord := NewCoordinator(st)
	view, err := coord.Status(ctx, "run-001")

	require.NoError(t, err)
	assert.Equal(t, "run-001", view.ID)
	assert.Equal(t, model.RunStatusRunning, view.Status)
	assert.Equal(t, 10, view.Progress.TotalProducts)
	assert.Equal(t, 4, view.Progress.ProcessedProducts)
	assert.Equal(t, 40, view.Progress.TotalLookups)
	assert.Equal(t, 14, view.Progress.CompletedLookups)
	assert.Equal(t, 2, view.Progress.FailedLookups)
	assert.Equal(t, 3, view.Summary.ProductsWithPrices)
	assert.Equal(t, "api", view.TriggeredBy)
	assert.Equal(t, &started, view.StartedAt)
	assert.Nil(t, view.CompletedAt)
}

func TestCoordinator_Status_NotFound(t *testing.T) {
	ctx := context.Background()

	st := &mockStore{}
	st.On("GetRun", ctx, "missing").Return(nil, eris.Wrap(store.ErrNotFound, "run missing"))

	coord := NewCoordinator(st)
	view, err := coord.Status(ctx, "missing")

	assert.Nil(t, view)
	assert.True(t, eris.Is(err, store.ErrNotFound))
}
