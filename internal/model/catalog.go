package model

import "time"

// Product is a first-party catalog entry: something we sell and want to
// price against the market.
type Product struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Brand string `json:"brand"`

	// IngredientContent maps ingredient name to quantity per unit, used for
	// per-ingredient price comparison across differently sized products.
	IngredientContent map[string]float64 `json:"ingredient_content,omitempty"`

	TaxRate  float64 `json:"tax_rate"`
	Currency string  `json:"currency"`
	Active   bool    `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompetitorProduct is a rival product linked to one of our products. Each
// linked competitor is looked up on every eligible marketplace during a run.
type CompetitorProduct struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"` // the first-party product it competes with
	Name      string `json:"name"`
	Brand     string `json:"brand"`

	IngredientContent map[string]float64 `json:"ingredient_content,omitempty"`

	Active bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Marketplace is an external site competitor prices are collected from.
// Only marketplaces with indexable product pages take part in lookups.
type Marketplace struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	BaseURL  string  `json:"base_url"`
	Country  string  `json:"country"`
	Currency string  `json:"currency"`
	TaxRate  float64 `json:"tax_rate"`

	Indexable bool `json:"indexable"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
