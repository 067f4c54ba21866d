package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

// ErrInvalidTransition is the store's refusal sentinel re-exported at the
// pipeline boundary. Terminal run statuses are sticky; asking a completed
// run to cancel, or a cancelled run to restart, matches this with errors.Is.
var ErrInvalidTransition = store.ErrInvalidTransition

// Coordinator owns the IngestionRun lifecycle. All run mutations flow
// through it; counters move by store-side increments so concurrent writers
// never clobber each other.
type Coordinator struct {
	store store.Store
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(st store.Store) *Coordinator {
	return &Coordinator{store: st}
}

// Create records a new pending run, optionally scoped to one first-party
// product.
func (c *Coordinator) Create(ctx context.Context, triggeredBy, productID string, totalProducts, totalLookups int) (*model.IngestionRun, error) {
	run, err := c.store.CreateRun(ctx, triggeredBy, productID, totalProducts, totalLookups)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	zap.L().Info("run created",
		zap.String("run_id", run.ID),
		zap.String("triggered_by", triggeredBy),
		zap.Int("total_products", totalProducts),
		zap.Int("total_lookups", totalLookups),
	)
	return run, nil
}

// MarkRunning transitions pending → running and stamps startedAt.
func (c *Coordinator) MarkRunning(ctx context.Context, runID string) error {
	if err := c.store.MarkRunRunning(ctx, runID); err != nil {
		return eris.Wrap(err, "pipeline: mark run running")
	}
	return nil
}

// MarkCompleted transitions running → completed, deriving the results
// summary from the run's settled lookup results and recommendation count.
// A run that was concurrently cancelled stays cancelled: the refusal is
// swallowed, not surfaced.
func (c *Coordinator) MarkCompleted(ctx context.Context, runID string) error {
	withPrices, notFound, err := c.store.RunProductCounts(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "pipeline: derive product counts")
	}
	recCount, err := c.store.CountRecommendations(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "pipeline: count recommendations")
	}

	summary := model.RunSummary{
		ProductsWithPrices:          withPrices,
		ProductsNotFound:            notFound,
		ProductsWithRecommendations: recCount,
	}
	if err := c.store.MarkRunCompleted(ctx, runID, summary); err != nil {
		if eris.Is(err, store.ErrInvalidTransition) {
			status, statusErr := c.store.GetRunStatus(ctx, runID)
			if statusErr == nil && status == model.RunStatusCancelled {
				zap.L().Info("run cancelled before completion, leaving terminal state",
					zap.String("run_id", runID),
				)
				return nil
			}
		}
		return eris.Wrap(err, "pipeline: mark run completed")
	}

	zap.L().Info("run completed",
		zap.String("run_id", runID),
		zap.Int("products_with_prices", withPrices),
		zap.Int("products_not_found", notFound),
		zap.Int("recommendations", recCount),
	)
	return nil
}

// MarkFailed transitions pending/running → failed, retaining the failure
// message and stack.
func (c *Coordinator) MarkFailed(ctx context.Context, runID, message, stack string) error {
	if err := c.store.MarkRunFailed(ctx, runID, message, stack); err != nil {
		return eris.Wrap(err, "pipeline: mark run failed")
	}
	zap.L().Error("run failed",
		zap.String("run_id", runID),
		zap.String("error", message),
	)
	return nil
}

// Cancel requests cancellation. Only pending and running runs can cancel;
// anything else is refused with ErrInvalidTransition.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	if err := c.store.MarkRunCancelled(ctx, runID); err != nil {
		return eris.Wrap(err, "pipeline: cancel run")
	}
	zap.L().Info("run cancelled", zap.String("run_id", runID))
	return nil
}

// IsCancelled is the scheduler's cheap cancellation poll.
func (c *Coordinator) IsCancelled(ctx context.Context, runID string) (bool, error) {
	status, err := c.store.GetRunStatus(ctx, runID)
	if err != nil {
		return false, eris.Wrap(err, "pipeline: poll run status")
	}
	return status == model.RunStatusCancelled, nil
}

// AddLookupResult appends one settled lookup to the run. The results
// sequence is append-only and ordered by completion; the store bumps
// completedLookups or failedLookups in the same transaction. not_found is a
// settled outcome and counts as completed.
func (c *Coordinator) AddLookupResult(ctx context.Context, runID string, result model.LookupResult) error {
	if err := c.store.AppendLookupResult(ctx, runID, result); err != nil {
		return eris.Wrap(err, "pipeline: append lookup result")
	}
	return nil
}

// UpdateProgress flushes the processed-product counter. The store applies
// greatest-wins so late flushes from slower workers never move it backward.
func (c *Coordinator) UpdateProgress(ctx context.Context, runID string, processedProducts int) error {
	if err := c.store.UpdateRunProgress(ctx, runID, processedProducts); err != nil {
		return eris.Wrap(err, "pipeline: update run progress")
	}
	return nil
}

// Status assembles the live status view for one run: progress counters,
// results summary, and failure reason, valid at any point in the lifecycle.
func (c *Coordinator) Status(ctx context.Context, runID string) (*model.RunStatusView, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load run")
	}

	return &model.RunStatusView{
		ID:     run.ID,
		Status: run.Status,
		Progress: model.RunProgress{
			TotalProducts:     run.TotalProducts,
			ProcessedProducts: run.ProcessedProducts,
			TotalLookups:      run.TotalLookups,
			CompletedLookups:  run.CompletedLookups,
			FailedLookups:     run.FailedLookups,
		},
		Summary: model.RunSummary{
			ProductsWithPrices:          run.ProductsWithPrices,
			ProductsNotFound:            run.ProductsNotFound,
			ProductsWithRecommendations: run.ProductsWithRecommendations,
		},
		FailureReason: run.ErrorMessage,
		TriggeredBy:   run.TriggeredBy,
		TriggeredAt:   run.TriggeredAt,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
	}, nil
}
