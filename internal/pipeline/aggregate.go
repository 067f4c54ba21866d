package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/pkg/anthropic"
)

// Reasoning texts for the keep verdicts that never reach the oracle.
const (
	reasonNoCurrentPrice = "Current price is not configured; there is nothing to compare competitor prices against."
	reasonNoCompetitors  = "No competitors linked to this product."
	reasonNoPrices       = "No competitor prices found in this run."
	reasonOracleDegraded = "Competitor prices were collected but the pricing advisor was unavailable; keeping the current price."
)

// Aggregator turns a run's settled competitor prices into one
// recommendation per first-party product. Products that cannot be judged
// (no price, no competitors, nothing above the confidence threshold)
// resolve to keep without consulting the oracle.
type Aggregator struct {
	store     store.Store
	advisor   *Advisor
	threshold float64
}

// NewAggregator creates an Aggregator. Observations scoring below threshold
// are collected but treated as unusable.
func NewAggregator(st store.Store, advisor *Advisor, threshold float64) *Aggregator {
	return &Aggregator{store: st, advisor: advisor, threshold: threshold}
}

// Aggregate upserts one recommendation per product. Per-product failures
// are logged and skipped; only a failure loading shared reference data
// aborts. Returns the number of recommendations written and the oracle
// token usage across all advised products.
func (a *Aggregator) Aggregate(ctx context.Context, runID string, products []model.Product) (int, anthropic.TokenUsage, error) {
	var usage anthropic.TokenUsage

	marketplaces, err := a.store.ListMarketplaces(ctx, false)
	if err != nil {
		return 0, usage, eris.Wrap(err, "pipeline: list marketplaces")
	}
	marketplaceNames := make(map[string]string, len(marketplaces))
	for _, m := range marketplaces {
		marketplaceNames[m.ID] = m.Name
	}

	written := 0
	for _, product := range products {
		u, err := a.aggregateProduct(ctx, runID, product, marketplaceNames)
		usage.Add(u)
		if err != nil {
			zap.L().Warn("recommendation aggregation failed",
				zap.String("run_id", runID),
				zap.String("product", product.Name),
				zap.Error(err),
			)
			continue
		}
		written++
	}

	zap.L().Info("aggregation finished",
		zap.String("run_id", runID),
		zap.Int("recommendations", written),
		zap.Int("products", len(products)),
	)
	return written, usage, nil
}

func (a *Aggregator) aggregateProduct(ctx context.Context, runID string, product model.Product, marketplaceNames map[string]string) (anthropic.TokenUsage, error) {
	var usage anthropic.TokenUsage

	rec := &model.Recommendation{
		ProductID:      product.ID,
		IngestionRunID: runID,
		Action:         model.RecommendationKeep,
		Status:         model.RecommendationStatusNotApproved,
	}

	current, err := a.store.GetFirstPartyPrice(ctx, product.ID)
	if err != nil {
		return usage, err
	}
	if current == nil {
		rec.Reasoning = reasonNoCurrentPrice
		return usage, a.upsert(ctx, rec)
	}
	rec.CurrentPrice = &current.PriceIncTax

	competitors, err := a.store.ListCompetitorProducts(ctx, product.ID)
	if err != nil {
		return usage, err
	}
	if len(competitors) == 0 {
		rec.Reasoning = reasonNoCompetitors
		return usage, a.upsert(ctx, rec)
	}

	competitorNames := make(map[string]string, len(competitors))
	competitorIDs := make([]string, 0, len(competitors))
	for _, cp := range competitors {
		competitorNames[cp.ID] = cp.Name
		competitorIDs = append(competitorIDs, cp.ID)
	}

	prices, err := a.store.ListRunPrices(ctx, runID, competitorIDs)
	if err != nil {
		return usage, err
	}

	usable, rejected := a.partition(latestPerListing(prices))
	if len(usable) == 0 {
		rec.Reasoning = lowConfidenceReasoning(rejected, marketplaceNames, a.threshold)
		return usage, a.upsert(ctx, rec)
	}

	observations := toObservations(usable, competitorNames, marketplaceNames)
	stats := computeStats(observations)

	advice, adviceUsage, err := a.advisor.Advise(ctx, AdviceRequest{
		ProductName:       product.Name,
		Currency:          product.Currency,
		CurrentPrice:      current.PriceIncTax,
		IngredientContent: product.IngredientContent,
		Observations:      observations,
		Stats:             stats,
	})
	usage.Add(adviceUsage)
	if err != nil {
		// The oracle never fails a run: fall back to keeping the price.
		zap.L().Warn("pricing advisor degraded to keep",
			zap.String("product", product.Name),
			zap.Error(err),
		)
		rec.Reasoning = reasonOracleDegraded
		return usage, a.upsert(ctx, rec)
	}

	rec.Action = advice.Recommendation
	rec.Reasoning = advice.Reasoning
	rec.RecommendedPrice = advice.SuggestedPrice
	return usage, a.upsert(ctx, rec)
}

func (a *Aggregator) upsert(ctx context.Context, rec *model.Recommendation) error {
	_, err := a.store.UpsertRecommendation(ctx, rec)
	return err
}

// latestPerListing keeps only the most recent Price per (competitor
// product, marketplace). Rows arrive ordered by creation time, so the last
// row for a key wins. The result is sorted for deterministic oracle prompts.
func latestPerListing(prices []model.Price) []model.Price {
	latest := make(map[string]model.Price)
	for _, p := range prices {
		marketplaceID := ""
		if p.MarketplaceID != nil {
			marketplaceID = *p.MarketplaceID
		}
		latest[p.ProductID+"|"+marketplaceID] = p
	}

	out := make([]model.Price, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return derefStr(out[i].MarketplaceID) < derefStr(out[j].MarketplaceID)
	})
	return out
}

func (a *Aggregator) partition(prices []model.Price) (usable, rejected []model.Price) {
	for _, p := range prices {
		if p.PriceConfidence >= a.threshold {
			usable = append(usable, p)
		} else {
			rejected = append(rejected, p)
		}
	}
	return usable, rejected
}

// lowConfidenceReasoning explains a keep verdict reached without usable
// observations: either nothing was found at all, or everything found scored
// below the threshold (listing up to three offenders).
func lowConfidenceReasoning(rejected []model.Price, marketplaceNames map[string]string, threshold float64) string {
	if len(rejected) == 0 {
		return reasonNoPrices
	}

	sorted := make([]model.Price, len(rejected))
	copy(sorted, rejected)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PriceConfidence > sorted[j].PriceConfidence
	})

	shown := sorted
	if len(shown) > 3 {
		shown = shown[:3]
	}
	pairs := make([]string, 0, len(shown))
	for _, p := range shown {
		name := derefStr(p.MarketplaceID)
		if n, ok := marketplaceNames[name]; ok {
			name = n
		}
		pairs = append(pairs, fmt.Sprintf("%s (%.2f)", name, p.PriceConfidence))
	}

	return fmt.Sprintf("%d low-confidence prices found below threshold %.2f: %s.",
		len(rejected), threshold, strings.Join(pairs, ", "))
}

func toObservations(prices []model.Price, competitorNames, marketplaceNames map[string]string) []model.CompetitorObservation {
	obs := make([]model.CompetitorObservation, 0, len(prices))
	for _, p := range prices {
		marketplaceID := derefStr(p.MarketplaceID)
		o := model.CompetitorObservation{
			ProductID:                 p.ProductID,
			ProductName:               competitorNames[p.ProductID],
			MarketplaceID:             marketplaceID,
			MarketplaceName:           marketplaceNames[marketplaceID],
			PriceIncTax:               p.PriceIncTax,
			PriceExTax:                p.PriceExTax,
			Confidence:                p.PriceConfidence,
			InStock:                   p.InStock,
			PricePerIngredientContent: p.PricePerIngredientContent,
		}
		if o.ProductName == "" {
			o.ProductName = p.ProductID
		}
		if o.MarketplaceName == "" {
			o.MarketplaceName = marketplaceID
		}
		obs = append(obs, o)
	}
	return obs
}

// computeStats summarizes observations on the tax-inclusive price, the one
// consumers actually see. The weighted mean is Σ price·confidence / Σ
// confidence; when total confidence is zero it falls back to the unweighted
// mean so a permissive threshold still yields a usable center.
func computeStats(obs []model.CompetitorObservation) model.CompetitorStats {
	stats := model.CompetitorStats{Observations: len(obs)}
	if len(obs) == 0 {
		return stats
	}

	stats.Min = obs[0].PriceIncTax
	stats.Max = obs[0].PriceIncTax

	var weightedSum, confidenceSum, plainSum float64
	ingredientTotals := make(map[string]float64)
	ingredientCounts := make(map[string]int)

	for _, o := range obs {
		if o.PriceIncTax < stats.Min {
			stats.Min = o.PriceIncTax
		}
		if o.PriceIncTax > stats.Max {
			stats.Max = o.PriceIncTax
		}
		weightedSum += o.PriceIncTax * o.Confidence
		confidenceSum += o.Confidence
		plainSum += o.PriceIncTax
		for ingredient, price := range o.PricePerIngredientContent {
			ingredientTotals[ingredient] += price
			ingredientCounts[ingredient]++
		}
	}

	if confidenceSum > 0 {
		stats.WeightedMean = weightedSum / confidenceSum
	} else {
		stats.WeightedMean = plainSum / float64(len(obs))
	}

	if len(ingredientTotals) > 0 {
		stats.PerIngredient = make(map[string]float64, len(ingredientTotals))
		for ingredient, total := range ingredientTotals {
			stats.PerIngredient[ingredient] = total / float64(ingredientCounts[ingredient])
		}
	}
	return stats
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
