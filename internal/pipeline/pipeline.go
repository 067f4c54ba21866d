package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/pkg/anthropic"
	"github.com/sells-group/pricewatch/pkg/pricelookup"
)

// Request describes an ingestion run to start.
type Request struct {
	// TriggeredBy records who or what started the run. Empty means manual.
	TriggeredBy string
	// ProductID scopes the run to a single product. Empty runs the full
	// active catalog.
	ProductID string
}

// PreparedRun is a created run together with the work derived for it.
type PreparedRun struct {
	Run      *model.IngestionRun
	Products []model.Product
	Tasks    []LookupTask
}

// Pipeline drives an ingestion run end to end: create, schedule lookups,
// aggregate recommendations, close out.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	coord      *Coordinator
	scheduler  *Scheduler
	aggregator *Aggregator
	costCalc   *cost.Calculator
}

// New wires a Pipeline from its external dependencies.
func New(cfg *config.Config, st store.Store, oracle pricelookup.Client, ai anthropic.Client) *Pipeline {
	coord := NewCoordinator(st)
	scheduler := NewScheduler(coord, st, oracle, SchedulerConfig{
		Concurrency: cfg.Lookup.Concurrency,
		TaskTimeout: time.Duration(cfg.Lookup.TimeoutSecs) * time.Second,
		FlushEvery:  cfg.Pipeline.ProgressFlushEvery,
	})
	advisor := NewAdvisor(ai, cfg.Anthropic.Model, int64(cfg.Anthropic.MaxTokens))
	aggregator := NewAggregator(st, advisor, cfg.Pipeline.ConfidenceThreshold)

	return &Pipeline{
		cfg:        cfg,
		store:      st,
		coord:      coord,
		scheduler:  scheduler,
		aggregator: aggregator,
		costCalc:   cost.NewCalculator(ratesFromConfig(cfg.Pricing)),
	}
}

// Run prepares and executes an ingestion run in one call.
func (p *Pipeline) Run(ctx context.Context, req Request) (*model.RunStatusView, error) {
	prepared, err := p.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, prepared)
}

// Prepare resolves the products and lookup tasks for a run and records it
// in pending state. The returned PreparedRun is ready to Execute.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*PreparedRun, error) {
	products, err := p.loadProducts(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	marketplaces, err := p.store.ListMarketplaces(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list marketplaces")
	}

	var tasks []LookupTask
	for _, product := range products {
		competitors, err := p.store.ListCompetitorProducts(ctx, product.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: list competitors for %s", product.ID)
		}
		tasks = append(tasks, BuildTasks(competitors, marketplaces)...)
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	run, err := p.coord.Create(ctx, triggeredBy, req.ProductID, CountTaskProducts(tasks), len(tasks))
	if err != nil {
		return nil, err
	}

	return &PreparedRun{Run: run, Products: products, Tasks: tasks}, nil
}

// Execute runs the lookup and aggregation stages of a prepared run and
// settles its terminal state. The returned view reflects the run after
// settlement.
func (p *Pipeline) Execute(ctx context.Context, prepared *PreparedRun) (*model.RunStatusView, error) {
	runID := prepared.Run.ID
	log := zap.L().With(zap.String("run_id", runID))

	cancelled, err := p.scheduler.Run(ctx, runID, prepared.Tasks)
	if err != nil {
		if eris.Is(err, ErrInvalidTransition) {
			// The run was cancelled before it left pending.
			return p.coord.Status(context.WithoutCancel(ctx), runID)
		}
		return p.fail(ctx, runID, err)
	}
	if cancelled {
		log.Info("run cancelled, skipping aggregation")
		return p.coord.Status(context.WithoutCancel(ctx), runID)
	}

	written, usage, err := p.aggregator.Aggregate(ctx, runID, prepared.Products)
	if err != nil {
		return p.fail(ctx, runID, err)
	}

	if err := p.coord.MarkCompleted(ctx, runID); err != nil {
		return p.fail(ctx, runID, err)
	}

	spend := p.costCalc.Lookups(len(prepared.Tasks)) + p.costCalc.Claude(
		p.cfg.Anthropic.Model,
		usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationInputTokens, usage.CacheReadInputTokens,
	)
	log.Info("run completed",
		zap.Int("recommendations", written),
		zap.Int("lookup_queries", len(prepared.Tasks)),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Float64("estimated_spend_usd", spend))

	return p.coord.Status(ctx, runID)
}

// Cancel requests cancellation of a run.
func (p *Pipeline) Cancel(ctx context.Context, runID string) error {
	return p.coord.Cancel(ctx, runID)
}

// Status reports the current state of a run.
func (p *Pipeline) Status(ctx context.Context, runID string) (*model.RunStatusView, error) {
	return p.coord.Status(ctx, runID)
}

func (p *Pipeline) loadProducts(ctx context.Context, productID string) ([]model.Product, error) {
	if productID != "" {
		product, err := p.store.GetProduct(ctx, productID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load product %s", productID)
		}
		return []model.Product{*product}, nil
	}
	products, err := p.store.ListProducts(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list products")
	}
	return products, nil
}

// fail records the failure on the run and passes the cause through. The
// bookkeeping write survives cancellation of the caller's context.
func (p *Pipeline) fail(ctx context.Context, runID string, cause error) (*model.RunStatusView, error) {
	ctx = context.WithoutCancel(ctx)
	if markErr := p.coord.MarkFailed(ctx, runID, cause.Error(), eris.ToString(cause, true)); markErr != nil {
		zap.L().Error("could not mark run failed",
			zap.String("run_id", runID),
			zap.Error(markErr))
	}
	return nil, cause
}

func ratesFromConfig(pc config.PricingConfig) cost.Rates {
	overrides := make(map[string]cost.TokenPrice, len(pc.Anthropic))
	for name, price := range pc.Anthropic {
		overrides[name] = cost.TokenPrice{Input: price.Input, Output: price.Output}
	}
	return cost.DefaultRates().WithOverrides(overrides, pc.Lookup.PerQuery)
}
