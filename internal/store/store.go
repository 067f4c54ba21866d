package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// ErrNotFound marks lookups for ids that do not exist. Callers match it
// with errors.Is.
var ErrNotFound = eris.New("not found")

// ErrInvalidTransition marks a refused run or recommendation status change,
// e.g. cancelling a completed run. Terminal statuses never revert.
var ErrInvalidTransition = eris.New("invalid status transition")

// RunFilter specifies criteria for listing ingestion runs.
type RunFilter struct {
	Status         model.RunStatus `json:"status,omitempty"`
	ProductID      string          `json:"product_id,omitempty"`
	TriggeredAfter time.Time       `json:"triggered_after,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Offset         int             `json:"offset,omitempty"`
}

// RecommendationFilter specifies criteria for listing recommendations.
type RecommendationFilter struct {
	RunID     string                     `json:"run_id,omitempty"`
	ProductID string                     `json:"product_id,omitempty"`
	Status    model.RecommendationStatus `json:"status,omitempty"`
	Limit     int                        `json:"limit,omitempty"`
	Offset    int                        `json:"offset,omitempty"`
}

// Store defines the persistence interface for the price ingestion pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, triggeredBy, productID string, totalProducts, totalLookups int) (*model.IngestionRun, error)
	GetRun(ctx context.Context, runID string) (*model.IngestionRun, error)
	GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error)
	MarkRunRunning(ctx context.Context, runID string) error
	MarkRunCompleted(ctx context.Context, runID string, summary model.RunSummary) error
	MarkRunFailed(ctx context.Context, runID, message, stack string) error
	MarkRunCancelled(ctx context.Context, runID string) error

	// Lookup results: append-only, completion order; each append bumps the
	// run's completed or failed counter in the same transaction.
	AppendLookupResult(ctx context.Context, runID string, result model.LookupResult) error
	ListLookupResults(ctx context.Context, runID string) ([]model.LookupResult, error)
	UpdateRunProgress(ctx context.Context, runID string, processedProducts int) error
	RunProductCounts(ctx context.Context, runID string) (withPrices, notFound int, err error)

	// Prices
	CreatePrice(ctx context.Context, price *model.Price) error
	GetFirstPartyPrice(ctx context.Context, productID string) (*model.Price, error)
	ListRunPrices(ctx context.Context, runID string, productIDs []string) ([]model.Price, error)
	ListPriceHistory(ctx context.Context, productID string) ([]model.PriceHistory, error)

	// Recommendations
	UpsertRecommendation(ctx context.Context, rec *model.Recommendation) (*model.Recommendation, error)
	GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error)
	ListRecommendations(ctx context.Context, filter RecommendationFilter) ([]model.Recommendation, error)
	CountRecommendations(ctx context.Context, runID string) (int, error)
	ApplyRecommendation(ctx context.Context, recommendationID, actor string, price *model.Price, history *model.PriceHistory) error
	RejectRecommendation(ctx context.Context, id, actor string) error

	// Catalog
	UpsertProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error)
	UpsertCompetitorProduct(ctx context.Context, cp *model.CompetitorProduct) error
	ListCompetitorProducts(ctx context.Context, productID string) ([]model.CompetitorProduct, error)
	UpsertMarketplace(ctx context.Context, m *model.Marketplace) error
	ListMarketplaces(ctx context.Context, indexableOnly bool) ([]model.Marketplace, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Column lists shared by both drivers so SELECT order and the scan helpers
// below stay aligned.
const (
	runColumns = `id, status, triggered_by, triggered_at, product_id, started_at, completed_at, failed_at,
	total_products, processed_products, total_lookups, completed_lookups, failed_lookups,
	products_with_prices, products_not_found, products_with_recommendations,
	error_message, error_stack, created_at, updated_at`

	priceColumns = `id, product_id, marketplace_id, ingestion_run_id, price_ex_tax, price_inc_tax,
	currency, in_stock, url, ingredient_content, price_per_ingredient_content, price_confidence,
	recommendation, recommendation_reasoning, recommended_price, recommendation_status,
	recommendation_approved_at, recommendation_approved_by, created_at, updated_at`

	recommendationColumns = `id, product_id, ingestion_run_id, current_price, recommendation, reasoning,
	recommended_price, status, approved_at, approved_by, created_at, updated_at`

	priceHistoryColumns = `id, price_id, product_id, recommendation_id, old_price_inc_tax, old_price_ex_tax,
	new_price_inc_tax, new_price_ex_tax, change_reason, recommendation, reasoning, recommended_price,
	changed_by, created_at`
)

// isNoRows matches the no-result sentinel of either driver.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// refusedTransition reports why a conditional status UPDATE matched no row:
// either the run does not exist or its current status does not allow the
// requested transition.
func refusedTransition(ctx context.Context, s Store, runID string, to model.RunStatus) error {
	current, err := s.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "run %s is %s, cannot transition to %s", runID, current, to)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.IngestionRun, error) {
	var r model.IngestionRun
	var productID, errMsg, errStack sql.NullString
	var startedAt, completedAt, failedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.Status, &r.TriggeredBy, &r.TriggeredAt, &productID, &startedAt, &completedAt, &failedAt,
		&r.TotalProducts, &r.ProcessedProducts, &r.TotalLookups, &r.CompletedLookups, &r.FailedLookups,
		&r.ProductsWithPrices, &r.ProductsNotFound, &r.ProductsWithRecommendations,
		&errMsg, &errStack, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ProductID = productID.String
	r.ErrorMessage = errMsg.String
	r.ErrorStack = errStack.String
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.FailedAt = timePtr(failedAt)
	return &r, nil
}

func scanPrice(row scannable) (*model.Price, error) {
	var p model.Price
	var marketplaceID, runID, url, recAction, recReasoning, recStatus, approvedBy sql.NullString
	var recommendedPrice sql.NullFloat64
	var approvedAt sql.NullTime
	var ingredientJSON, perIngredientJSON []byte

	err := row.Scan(
		&p.ID, &p.ProductID, &marketplaceID, &runID, &p.PriceExTax, &p.PriceIncTax,
		&p.Currency, &p.InStock, &url, &ingredientJSON, &perIngredientJSON, &p.PriceConfidence,
		&recAction, &recReasoning, &recommendedPrice, &recStatus,
		&approvedAt, &approvedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.MarketplaceID = strPtr(marketplaceID)
	p.IngestionRunID = strPtr(runID)
	p.URL = url.String
	p.Recommendation = model.RecommendationAction(recAction.String)
	p.RecommendationReasoning = recReasoning.String
	p.RecommendedPrice = floatPtr(recommendedPrice)
	p.RecommendationStatus = model.RecommendationStatus(recStatus.String)
	p.RecommendationApprovedAt = timePtr(approvedAt)
	p.RecommendationApprovedBy = approvedBy.String
	if err := unmarshalMap(ingredientJSON, &p.IngredientContent); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal ingredient content")
	}
	if err := unmarshalMap(perIngredientJSON, &p.PricePerIngredientContent); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal per-ingredient prices")
	}
	return &p, nil
}

func scanRecommendation(row scannable) (*model.Recommendation, error) {
	var r model.Recommendation
	var currentPrice, recommendedPrice sql.NullFloat64
	var approvedAt sql.NullTime
	var approvedBy sql.NullString

	err := row.Scan(
		&r.ID, &r.ProductID, &r.IngestionRunID, &currentPrice, &r.Action, &r.Reasoning,
		&recommendedPrice, &r.Status, &approvedAt, &approvedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.CurrentPrice = floatPtr(currentPrice)
	r.RecommendedPrice = floatPtr(recommendedPrice)
	r.ApprovedAt = timePtr(approvedAt)
	r.ApprovedBy = approvedBy.String
	return &r, nil
}

func scanPriceHistory(row scannable) (*model.PriceHistory, error) {
	var h model.PriceHistory
	var oldInc, oldEx, recommendedPrice sql.NullFloat64
	var reasoning sql.NullString

	err := row.Scan(
		&h.ID, &h.PriceID, &h.ProductID, &h.RecommendationID, &oldInc, &oldEx,
		&h.NewPriceIncTax, &h.NewPriceExTax, &h.ChangeReason, &h.Recommendation, &reasoning,
		&recommendedPrice, &h.ChangedBy, &h.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	h.OldPriceIncTax = floatPtr(oldInc)
	h.OldPriceExTax = floatPtr(oldEx)
	h.RecommendedPrice = floatPtr(recommendedPrice)
	h.Reasoning = reasoning.String
	return &h, nil
}

func scanProduct(row scannable) (*model.Product, error) {
	var p model.Product
	var ingredientJSON []byte

	err := row.Scan(&p.ID, &p.Name, &p.Brand, &ingredientJSON, &p.TaxRate, &p.Currency, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalMap(ingredientJSON, &p.IngredientContent); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal ingredient content")
	}
	return &p, nil
}

func scanCompetitorProduct(row scannable) (*model.CompetitorProduct, error) {
	var cp model.CompetitorProduct
	var ingredientJSON []byte

	err := row.Scan(&cp.ID, &cp.ProductID, &cp.Name, &cp.Brand, &ingredientJSON, &cp.Active, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalMap(ingredientJSON, &cp.IngredientContent); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal ingredient content")
	}
	return &cp, nil
}

func scanMarketplace(row scannable) (*model.Marketplace, error) {
	var m model.Marketplace
	err := row.Scan(&m.ID, &m.Name, &m.BaseURL, &m.Country, &m.Currency, &m.TaxRate, &m.Indexable, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// marshalMap serializes an ingredient map, keeping NULL for empty maps so
// both drivers round-trip nil as nil. Returning a string keeps SQLite
// storage TEXT; the pgx jsonb codec accepts it as raw JSON.
func marshalMap(m map[string]float64) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(data []byte, dst *map[string]float64) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// nullIfEmpty maps "" to NULL for optional text columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// derefOrNil maps a nil pointer to NULL.
func derefOrNil[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
