package model

import "time"

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: a run never leaves completed, failed, or cancelled.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// LookupStatus classifies the outcome of a single price lookup.
type LookupStatus string

const (
	LookupStatusSuccess  LookupStatus = "success"
	LookupStatusNotFound LookupStatus = "not_found"
	LookupStatusError    LookupStatus = "error"
)

// URLType classifies the kind of page a lookup URL points at.
type URLType string

const (
	URLTypeProductDetail URLType = "product_detail"
	URLTypeSearch        URLType = "search"
	URLTypeCategory      URLType = "category"
	URLTypeRedirect      URLType = "redirect"
	URLTypeUnknown       URLType = "unknown"
)

// IngestionRun represents one execution of the price ingestion pipeline
// across a competitor-product × marketplace matrix.
type IngestionRun struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	TriggeredBy string     `json:"triggered_by"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ProductID   string     `json:"product_id,omitempty"` // non-empty when scoped to one first-party product
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	TotalProducts     int `json:"total_products"`
	ProcessedProducts int `json:"processed_products"`
	TotalLookups      int `json:"total_lookups"`
	CompletedLookups  int `json:"completed_lookups"`
	FailedLookups     int `json:"failed_lookups"`

	ProductsWithPrices          int `json:"products_with_prices"`
	ProductsNotFound            int `json:"products_not_found"`
	ProductsWithRecommendations int `json:"products_with_recommendations"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LookupResult is one settled price lookup for a competitor product on a
// marketplace. Results are immutable once appended to a run; their order
// reflects completion, not submission.
type LookupResult struct {
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name"`
	ProductBrand    string `json:"product_brand"`
	MarketplaceID   string `json:"marketplace_id"`
	MarketplaceName string `json:"marketplace_name"`

	URL            string  `json:"url,omitempty"`
	URLType        URLType `json:"url_type"`
	IsCanonicalURL bool    `json:"is_canonical_url"`

	Price             *float64 `json:"price,omitempty"`
	PriceExTax        *float64 `json:"price_ex_tax,omitempty"`
	PriceExTaxDerived bool     `json:"price_ex_tax_derived"`
	PriceIncTax       *float64 `json:"price_inc_tax,omitempty"`
	TaxRate           float64  `json:"tax_rate"`
	Currency          string   `json:"currency"`
	Country           string   `json:"country"`

	IngredientContent         map[string]float64 `json:"ingredient_content,omitempty"`
	PricePerIngredientContent map[string]float64 `json:"price_per_ingredient_content,omitempty"`

	InStock         bool         `json:"in_stock"`
	ScrapedAt       time.Time    `json:"scraped_at"`
	Status          LookupStatus `json:"lookup_status"`
	PriceConfidence float64      `json:"price_confidence"`
	ErrorMessage    string       `json:"error_message,omitempty"`
}

// RunProgress is the live progress view of a run, served by get-run-status.
type RunProgress struct {
	TotalProducts     int `json:"total_products"`
	ProcessedProducts int `json:"processed_products"`
	TotalLookups      int `json:"total_lookups"`
	CompletedLookups  int `json:"completed_lookups"`
	FailedLookups     int `json:"failed_lookups"`
}

// RunSummary condenses a run's outcome for status responses and listings.
type RunSummary struct {
	ProductsWithPrices          int `json:"products_with_prices"`
	ProductsNotFound            int `json:"products_not_found"`
	ProductsWithRecommendations int `json:"products_with_recommendations"`
}

// RunStatusView is the full status payload for one run: always reflects the
// best-available partial results, even mid-flight or after a failure.
type RunStatusView struct {
	ID            string      `json:"id"`
	Status        RunStatus   `json:"status"`
	Progress      RunProgress `json:"progress"`
	Summary       RunSummary  `json:"summary"`
	FailureReason string      `json:"failure_reason,omitempty"`
	TriggeredBy   string      `json:"triggered_by"`
	TriggeredAt   time.Time   `json:"triggered_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}
