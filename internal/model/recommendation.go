package model

import "time"

// RecommendationAction is the direction a recommendation points in.
type RecommendationAction string

const (
	RecommendationRaise RecommendationAction = "raise"
	RecommendationLower RecommendationAction = "lower"
	RecommendationKeep  RecommendationAction = "keep"
)

// Valid reports whether the action is one of raise/lower/keep. Oracle
// output that fails this check degrades to keep.
func (a RecommendationAction) Valid() bool {
	switch a {
	case RecommendationRaise, RecommendationLower, RecommendationKeep:
		return true
	}
	return false
}

// RecommendationStatus tracks the review state of a recommendation.
type RecommendationStatus string

const (
	RecommendationStatusNotApproved RecommendationStatus = "not_approved"
	RecommendationStatusApproved    RecommendationStatus = "approved"
	RecommendationStatusRejected    RecommendationStatus = "rejected"
)

// Recommendation is a directional pricing suggestion for one first-party
// product from one ingestion run. Exactly one row exists per
// (ProductID, IngestionRunID); the aggregator's upsert keeps it that way
// under retries.
type Recommendation struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	IngestionRunID string `json:"ingestion_run_id"`

	CurrentPrice     *float64             `json:"current_price,omitempty"`
	Action           RecommendationAction `json:"recommendation"`
	Reasoning        string               `json:"reasoning"`
	RecommendedPrice *float64             `json:"recommended_price,omitempty"`

	Status     RecommendationStatus `json:"recommendation_status"`
	ApprovedAt *time.Time           `json:"approved_at,omitempty"`
	ApprovedBy string               `json:"approved_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompetitorObservation is one usable competitor price feeding a
// recommendation: the most recent observation for a (competitor product,
// marketplace) pair that passed the confidence threshold.
type CompetitorObservation struct {
	ProductID       string  `json:"product_id"`
	ProductName     string  `json:"product_name"`
	MarketplaceID   string  `json:"marketplace_id"`
	MarketplaceName string  `json:"marketplace_name"`
	PriceIncTax     float64 `json:"price_inc_tax"`
	PriceExTax      float64 `json:"price_ex_tax"`
	Confidence      float64 `json:"confidence"`
	InStock         bool    `json:"in_stock"`

	PricePerIngredientContent map[string]float64 `json:"price_per_ingredient_content,omitempty"`
}

// CompetitorStats are the aggregate figures handed to the recommendation
// oracle alongside the raw observations.
type CompetitorStats struct {
	Min           float64            `json:"min"`
	Max           float64            `json:"max"`
	WeightedMean  float64            `json:"weighted_mean"`
	PerIngredient map[string]float64 `json:"per_ingredient,omitempty"`
	Observations  int                `json:"observations"`
}
