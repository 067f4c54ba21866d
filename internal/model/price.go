package model

import "time"

// Price is one price observation. Competitor observations carry the
// marketplace that produced them; a nil MarketplaceID marks the product's
// own first-party price. Rows are append-only except for the
// accept-recommendation transition, which updates the first-party row in
// place.
type Price struct {
	ID             string  `json:"id"`
	ProductID      string  `json:"product_id"`
	MarketplaceID  *string `json:"marketplace_id,omitempty"`
	IngestionRunID *string `json:"ingestion_run_id,omitempty"` // nil for manual entries

	PriceExTax  float64 `json:"price_ex_tax"`
	PriceIncTax float64 `json:"price_inc_tax"`
	Currency    string  `json:"currency"`
	InStock     bool    `json:"in_stock"`
	URL         string  `json:"url,omitempty"`

	IngredientContent         map[string]float64 `json:"ingredient_content,omitempty"`
	PricePerIngredientContent map[string]float64 `json:"price_per_ingredient_content,omitempty"`

	PriceConfidence float64 `json:"price_confidence"`

	// Recommendation snapshot, present on first-party rows whose price was
	// set by accepting a recommendation.
	Recommendation           RecommendationAction `json:"recommendation,omitempty"`
	RecommendationReasoning  string               `json:"recommendation_reasoning,omitempty"`
	RecommendedPrice         *float64             `json:"recommended_price,omitempty"`
	RecommendationStatus     RecommendationStatus `json:"recommendation_status,omitempty"`
	RecommendationApprovedAt *time.Time           `json:"recommendation_approved_at,omitempty"`
	RecommendationApprovedBy string               `json:"recommendation_approved_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PriceHistory is an immutable audit row recording one applied price change.
// Written only by the accept-recommendation transition; RecommendationID is
// unique so a retried accept never duplicates the audit trail.
type PriceHistory struct {
	ID               string `json:"id"`
	PriceID          string `json:"price_id"`
	ProductID        string `json:"product_id"`
	RecommendationID string `json:"recommendation_id"`

	OldPriceIncTax *float64 `json:"old_price_inc_tax,omitempty"`
	OldPriceExTax  *float64 `json:"old_price_ex_tax,omitempty"`
	NewPriceIncTax float64  `json:"new_price_inc_tax"`
	NewPriceExTax  float64  `json:"new_price_ex_tax"`

	ChangeReason string `json:"change_reason"`

	// Snapshot of the recommendation as it was applied.
	Recommendation   RecommendationAction `json:"recommendation"`
	Reasoning        string               `json:"reasoning,omitempty"`
	RecommendedPrice *float64             `json:"recommended_price,omitempty"`

	ChangedBy string    `json:"changed_by"`
	CreatedAt time.Time `json:"created_at"`
}
