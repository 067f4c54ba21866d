// Package review applies human verdicts to pricing recommendations. An
// accept rewrites the product's first-party price and leaves an immutable
// audit row behind; a reject touches nothing but the recommendation itself.
package review

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

// ErrNoRecommendedPrice marks an accept of a recommendation that carries no
// price, typically a keep verdict. Callers match it with errors.Is.
var ErrNoRecommendedPrice = eris.New("recommendation has no recommended price")

// Store is the slice of persistence the review workflow needs.
type Store interface {
	GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	GetFirstPartyPrice(ctx context.Context, productID string) (*model.Price, error)
	ApplyRecommendation(ctx context.Context, recommendationID, actor string, price *model.Price, history *model.PriceHistory) error
	RejectRecommendation(ctx context.Context, id, actor string) error
}

// Service drives the accept and reject transitions.
type Service struct {
	store Store
}

// NewService creates a Service over the given store.
func NewService(st Store) *Service {
	return &Service{store: st}
}

// Accept applies a recommendation to the product's first-party price. The
// new tax-exclusive and per-ingredient prices derive from the recommended
// tax-inclusive price and the product's tax rate; the price history row,
// the price row, and the recommendation's approval commit together. The
// history row is keyed by recommendation id, so retrying a half-applied
// accept never duplicates the audit trail.
func (s *Service) Accept(ctx context.Context, recommendationID, actor string) error {
	rec, err := s.store.GetRecommendation(ctx, recommendationID)
	if err != nil {
		return eris.Wrapf(err, "review: load recommendation %s", recommendationID)
	}
	if rec.RecommendedPrice == nil {
		return eris.Wrapf(ErrNoRecommendedPrice, "recommendation %s is a %s", rec.ID, rec.Action)
	}

	product, err := s.store.GetProduct(ctx, rec.ProductID)
	if err != nil {
		return eris.Wrapf(err, "review: load product %s", rec.ProductID)
	}
	current, err := s.store.GetFirstPartyPrice(ctx, rec.ProductID)
	if err != nil {
		return eris.Wrapf(err, "review: load current price for %s", rec.ProductID)
	}

	newIncTax := *rec.RecommendedPrice
	newExTax := newIncTax / (1 + product.TaxRate)

	price := buildPrice(rec, product, current, newIncTax, newExTax, actor)
	history := buildHistory(rec, current, newIncTax, newExTax, actor)

	if err := s.store.ApplyRecommendation(ctx, rec.ID, actor, price, history); err != nil {
		return eris.Wrapf(err, "review: apply recommendation %s", rec.ID)
	}

	zap.L().Info("recommendation accepted",
		zap.String("recommendation_id", rec.ID),
		zap.String("product_id", rec.ProductID),
		zap.String("action", string(rec.Action)),
		zap.Float64("new_price_inc_tax", newIncTax),
		zap.String("actor", actor),
	)
	return nil
}

// Reject marks a recommendation rejected. Prices are untouched.
func (s *Service) Reject(ctx context.Context, recommendationID, actor string) error {
	if err := s.store.RejectRecommendation(ctx, recommendationID, actor); err != nil {
		return eris.Wrapf(err, "review: reject recommendation %s", recommendationID)
	}
	zap.L().Info("recommendation rejected",
		zap.String("recommendation_id", recommendationID),
		zap.String("actor", actor),
	)
	return nil
}

// BulkFailure is one recommendation a bulk accept could not apply.
type BulkFailure struct {
	RecommendationID string
	Err              error
}

// BulkResult summarizes a bulk accept.
type BulkResult struct {
	Accepted int
	Failed   int
	Failures []BulkFailure
}

// BulkAccept applies Accept to each id independently. One bad
// recommendation never aborts the batch; its failure is collected and the
// rest proceed.
func (s *Service) BulkAccept(ctx context.Context, ids []string, actor string) (*BulkResult, error) {
	result := &BulkResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, eris.Wrap(err, "review: bulk accept interrupted")
		}
		if err := s.Accept(ctx, id, actor); err != nil {
			result.Failed++
			result.Failures = append(result.Failures, BulkFailure{RecommendationID: id, Err: err})
			zap.L().Warn("bulk accept: recommendation skipped",
				zap.String("recommendation_id", id),
				zap.Error(err),
			)
			continue
		}
		result.Accepted++
	}
	zap.L().Info("bulk accept finished",
		zap.Int("accepted", result.Accepted),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// buildPrice assembles the first-party price row the accept writes. An
// existing row keeps its id so the store updates it in place; a missing one
// is left without an id so the store inserts it.
func buildPrice(rec *model.Recommendation, product *model.Product, current *model.Price, newIncTax, newExTax float64, actor string) *model.Price {
	price := &model.Price{}
	if current != nil {
		*price = *current
	}
	price.ProductID = product.ID
	price.MarketplaceID = nil
	price.PriceExTax = newExTax
	price.PriceIncTax = newIncTax
	price.Currency = product.Currency
	price.InStock = true
	price.IngredientContent = product.IngredientContent
	price.PricePerIngredientContent = perIngredientPrices(product.IngredientContent, newExTax)
	price.PriceConfidence = 1

	approvedAt := time.Now().UTC()
	price.Recommendation = rec.Action
	price.RecommendationReasoning = rec.Reasoning
	price.RecommendedPrice = rec.RecommendedPrice
	price.RecommendationStatus = model.RecommendationStatusApproved
	price.RecommendationApprovedAt = &approvedAt
	price.RecommendationApprovedBy = actor
	return price
}

func buildHistory(rec *model.Recommendation, current *model.Price, newIncTax, newExTax float64, actor string) *model.PriceHistory {
	history := &model.PriceHistory{
		ProductID:        rec.ProductID,
		RecommendationID: rec.ID,
		NewPriceIncTax:   newIncTax,
		NewPriceExTax:    newExTax,
		ChangeReason:     "recommendation accepted",
		Recommendation:   rec.Action,
		Reasoning:        rec.Reasoning,
		RecommendedPrice: rec.RecommendedPrice,
		ChangedBy:        actor,
	}
	if current != nil {
		oldInc, oldEx := current.PriceIncTax, current.PriceExTax
		history.PriceID = current.ID
		history.OldPriceIncTax = &oldInc
		history.OldPriceExTax = &oldEx
	}
	return history
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
