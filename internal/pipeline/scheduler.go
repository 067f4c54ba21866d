package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/currency"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/pkg/pricelookup"
)

const (
	defaultConcurrency = 20
	defaultTaskTimeout = 5 * time.Minute
	defaultFlushEvery  = 5
)

// LookupTask pairs one competitor product with one marketplace to resolve
// it on.
type LookupTask struct {
	Product     model.CompetitorProduct
	Marketplace model.Marketplace
}

// BuildTasks crosses active competitor products with indexable marketplaces
// into the run's task matrix. Eligibility lives here: inactive competitors
// and non-indexable marketplaces never produce a task.
func BuildTasks(competitors []model.CompetitorProduct, marketplaces []model.Marketplace) []LookupTask {
	var tasks []LookupTask
	for _, cp := range competitors {
		if !cp.Active {
			continue
		}
		for _, m := range marketplaces {
			if !m.Indexable {
				continue
			}
			tasks = append(tasks, LookupTask{Product: cp, Marketplace: m})
		}
	}
	return tasks
}

// CountTaskProducts counts the distinct competitor products in a task
// matrix, the denominator for processedProducts.
func CountTaskProducts(tasks []LookupTask) int {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		seen[t.Product.ID] = struct{}{}
	}
	return len(seen)
}

// SchedulerConfig tunes the lookup pool. Zero values fall back to the
// defaults (20 workers, 5 minute task timeout, flush every 5 products).
type SchedulerConfig struct {
	Concurrency int
	TaskTimeout time.Duration
	FlushEvery  int
}

// Scheduler drains a run's task matrix through one bounded worker pool
// shared across the whole matrix. Tasks settle independently and in any
// order; per-task failures degrade to not_found or error results and never
// abort the run.
type Scheduler struct {
	coord  *Coordinator
	store  store.Store
	oracle pricelookup.Client
	cfg    SchedulerConfig
}

// NewScheduler creates a Scheduler over the coordinator, store, and Market
// Lookup Oracle client.
func NewScheduler(coord *Coordinator, st store.Store, oracle pricelookup.Client, cfg SchedulerConfig) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	return &Scheduler{coord: coord, store: st, oracle: oracle, cfg: cfg}
}

// Run marks the run running and drains the task matrix. It returns
// cancelled=true when the run was cancelled underneath it, in which case
// in-flight tasks have committed but no new work was dispatched and the
// caller must not aggregate or complete the run. The returned error is
// non-nil only when the surrounding context died.
func (s *Scheduler) Run(ctx context.Context, runID string, tasks []LookupTask) (bool, error) {
	log := zap.L().With(zap.String("run_id", runID))

	if err := s.coord.MarkRunning(ctx, runID); err != nil {
		return false, err
	}
	log.Info("scheduler started",
		zap.Int("tasks", len(tasks)),
		zap.Int("products", CountTaskProducts(tasks)),
		zap.Int("concurrency", s.cfg.Concurrency),
	)

	var cancelled atomic.Bool
	tracker := newProgressTracker(tasks)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, task := range tasks {
		if gCtx.Err() != nil || cancelled.Load() {
			break
		}
		g.Go(func() error {
			if gCtx.Err() != nil || s.checkCancelled(gCtx, runID, &cancelled) {
				return nil
			}

			result := s.executeTask(gCtx, task)

			// Cancellation noticed here stops further dispatch, but this
			// task's already-computed result still commits.
			s.checkCancelled(gCtx, runID, &cancelled)
			s.commitResult(gCtx, runID, task, result)

			if done := tracker.settle(task.Product.ID); done > 0 {
				if done%s.cfg.FlushEvery == 0 || done == tracker.total {
					if err := s.coord.UpdateProgress(gCtx, runID, done); err != nil {
						log.Warn("progress flush failed", zap.Error(err))
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return cancelled.Load(), eris.Wrap(err, "pipeline: scheduler interrupted")
	}
	log.Info("scheduler drained",
		zap.Int("processed_products", tracker.processedCount()),
		zap.Bool("cancelled", cancelled.Load()),
	)
	return cancelled.Load(), nil
}

// checkCancelled consults the sticky flag before polling the store, so at
// most one poll per call site observes the transition.
func (s *Scheduler) checkCancelled(ctx context.Context, runID string, flag *atomic.Bool) bool {
	if flag.Load() {
		return true
	}
	isCancelled, err := s.coord.IsCancelled(ctx, runID)
	if err != nil {
		zap.L().Warn("cancellation poll failed", zap.String("run_id", runID), zap.Error(err))
		return false
	}
	if isCancelled {
		flag.Store(true)
		zap.L().Info("run cancellation observed, stopping dispatch", zap.String("run_id", runID))
	}
	return isCancelled
}

// executeTask resolves one lookup to a settled LookupResult. Every failure
// mode maps to a not_found or error result; nothing escapes this boundary.
func (s *Scheduler) executeTask(ctx context.Context, task LookupTask) model.LookupResult {
	result := s.resolveLookup(ctx, task)
	result.PriceConfidence = ScoreConfidence(scoreInputFor(result, task))
	return result
}

func (s *Scheduler) resolveLookup(ctx context.Context, task LookupTask) model.LookupResult {
	result := model.LookupResult{
		ProductID:         task.Product.ID,
		ProductName:       task.Product.Name,
		ProductBrand:      task.Product.Brand,
		MarketplaceID:     task.Marketplace.ID,
		MarketplaceName:   task.Marketplace.Name,
		URLType:           model.URLTypeUnknown,
		TaxRate:           task.Marketplace.TaxRate,
		Currency:          task.Marketplace.Currency,
		Country:           task.Marketplace.Country,
		IngredientContent: task.Product.IngredientContent,
		ScrapedAt:         time.Now().UTC(),
		Status:            model.LookupStatusNotFound,
	}
	log := zap.L().With(
		zap.String("product", task.Product.Name),
		zap.String("marketplace", task.Marketplace.Name),
	)

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	resp, err := s.oracle.Lookup(lookupCtx, pricelookup.LookupRequest{
		ProductName:     task.Product.Name,
		ProductBrand:    task.Product.Brand,
		MarketplaceName: task.Marketplace.Name,
		MarketplaceURL:  task.Marketplace.BaseURL,
		Country:         task.Marketplace.Country,
		Currency:        task.Marketplace.Currency,
	})
	switch {
	case err == nil:
	case eris.Is(err, context.DeadlineExceeded) || eris.Is(lookupCtx.Err(), context.DeadlineExceeded):
		// The oracle overran the task budget: a graceful miss, not an error.
		log.Warn("lookup timed out", zap.Duration("timeout", s.cfg.TaskTimeout))
		return result
	default:
		log.Warn("lookup failed", zap.Error(err))
		result.Status = model.LookupStatusError
		result.ErrorMessage = err.Error()
		return result
	}

	// The landing URL is kept on misses too, so diagnostics show where the
	// oracle ended up.
	result.URL = resp.ProductURL
	result.URLType = ClassifyURL(resp.ProductURL)
	result.IsCanonicalURL = IsCanonical(result.URLType)
	result.InStock = resp.InStock

	if !resp.Found {
		return result
	}

	// Cross-currency prices are never persisted. An absent reported
	// currency is taken as the marketplace's own.
	reported := strings.TrimSpace(resp.Currency)
	if reported == "" {
		reported = task.Marketplace.Currency
	}
	if !sameCurrency(reported, task.Marketplace.Currency) {
		log.Warn("currency mismatch, discarding price",
			zap.String("reported", resp.Currency),
			zap.String("expected", task.Marketplace.Currency),
		)
		return result
	}

	inc, ex := resp.PriceIncTax, resp.PriceExTax
	derived := false
	switch {
	case inc != nil && ex == nil:
		v := *inc / (1 + task.Marketplace.TaxRate)
		ex = &v
		derived = true
	case inc == nil && ex != nil:
		v := *ex * (1 + task.Marketplace.TaxRate)
		inc = &v
	}
	if inc == nil && ex == nil {
		// A listing with no extractable price is a miss.
		return result
	}

	result.Status = model.LookupStatusSuccess
	result.Price = inc
	result.PriceIncTax = inc
	result.PriceExTax = ex
	result.PriceExTaxDerived = derived
	result.PricePerIngredientContent = perIngredientPrices(task.Product.IngredientContent, *ex)
	return result
}

// commitResult records the settled lookup and, for successes, the Price row
// behind it. Store failures are logged and swallowed: one lost write never
// aborts the run.
func (s *Scheduler) commitResult(ctx context.Context, runID string, task LookupTask, result model.LookupResult) {
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("product", task.Product.Name),
		zap.String("marketplace", task.Marketplace.Name),
	)

	if err := s.coord.AddLookupResult(ctx, runID, result); err != nil {
		log.Error("failed to record lookup result", zap.Error(err))
		return
	}
	if result.Status != model.LookupStatusSuccess {
		return
	}

	price := &model.Price{
		ProductID:                 task.Product.ID,
		MarketplaceID:             &task.Marketplace.ID,
		IngestionRunID:            &runID,
		PriceExTax:                *result.PriceExTax,
		PriceIncTax:               *result.PriceIncTax,
		Currency:                  result.Currency,
		InStock:                   result.InStock,
		URL:                       result.URL,
		IngredientContent:         result.IngredientContent,
		PricePerIngredientContent: result.PricePerIngredientContent,
		PriceConfidence:           result.PriceConfidence,
	}
	if err := s.store.CreatePrice(ctx, price); err != nil {
		log.Error("failed to persist price", zap.Error(err))
		return
	}
	log.Debug("lookup committed",
		zap.Float64("price_inc_tax", price.PriceIncTax),
		zap.Float64("confidence", price.PriceConfidence),
	)
}

// scoreInputFor maps a settled result to the scorer's input. Misses and
// errors score naturally low: no price, usually no stock, rarely canonical.
func scoreInputFor(result model.LookupResult, task LookupTask) ScoreInput {
	return ScoreInput{
		InStock:            result.InStock,
		HasPrice:           result.PriceIncTax != nil || result.PriceExTax != nil,
		HasPriceExTax:      result.PriceExTax != nil,
		PriceExTaxDerived:  result.PriceExTaxDerived,
		URL:                result.URL,
		URLType:            result.URLType,
		MarketplaceBaseURL: task.Marketplace.BaseURL,
	}
}

// perIngredientPrices divides the tax-exclusive price by each ingredient's
// content. Ingredients with zero or unknown content are omitted.
func perIngredientPrices(content map[string]float64, priceExTax float64) map[string]float64 {
	if len(content) == 0 {
		return nil
	}
	prices := make(map[string]float64, len(content))
	for ingredient, amount := range content {
		if amount <= 0 {
			continue
		}
		prices[ingredient] = priceExTax / amount
	}
	if len(prices) == 0 {
		return nil
	}
	return prices
}

// sameCurrency compares two ISO 4217 codes after normalization, so case and
// stray whitespace never cause a spurious mismatch. A code the ISO table
// does not know only matches itself verbatim.
func sameCurrency(a, b string) bool {
	ua, errA := currency.ParseISO(strings.TrimSpace(a))
	ub, errB := currency.ParseISO(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return ua == ub
}

// progressTracker owns the per-product remaining counts for one run. A
// product is processed once all of its marketplace lookups have settled.
type progressTracker struct {
	mu        sync.Mutex
	remaining map[string]int
	processed atomic.Int64
	total     int
}

func newProgressTracker(tasks []LookupTask) *progressTracker {
	remaining := make(map[string]int)
	for _, t := range tasks {
		remaining[t.Product.ID]++
	}
	return &progressTracker{
		remaining: remaining,
		total:     len(remaining),
	}
}

// settle records one settled lookup. It returns the number of fully
// processed products when this settlement finished a product, and 0
// otherwise.
func (p *progressTracker) settle(productID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.remaining[productID]
	if !ok {
		return 0
	}
	n--
	if n > 0 {
		p.remaining[productID] = n
		return 0
	}
	delete(p.remaining, productID)
	p.processed.Add(1)
	return int(p.processed.Load())
}

func (p *progressTracker) processedCount() int {
	return int(p.processed.Load())
}
