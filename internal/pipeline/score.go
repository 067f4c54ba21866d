package pipeline

import (
	"math"
	"net/url"
	"strings"

	"github.com/sells-group/pricewatch/internal/model"
)

// Confidence weights. They sum to 1.0 so a fully corroborated in-stock
// observation on a canonical marketplace URL scores exactly 1.
const (
	weightInStock     = 0.35
	weightHasPrice    = 0.30
	weightDomainMatch = 0.25
	weightTaxSource   = 0.10

	// A derived tax-exclusive price earns a fraction of the tax weight; a
	// directly reported one earns it in full.
	derivedTaxFactor = 0.3

	// Non-canonical URLs are penalized after the base computation but never
	// pushed below the floor while any signal exists.
	nonCanonicalFactor = 0.85
	nonCanonicalFloor  = 0.05
)

// ScoreInput carries the observation facts the confidence score is computed
// from. The scheduler fills it after currency and tax normalization.
type ScoreInput struct {
	InStock            bool
	HasPrice           bool
	HasPriceExTax      bool
	PriceExTaxDerived  bool
	URL                string
	URLType            model.URLType
	MarketplaceBaseURL string
}

// ScoreBreakdown itemizes the contribution of each dimension to one
// observation's confidence score.
type ScoreBreakdown struct {
	InStock     float64 `json:"in_stock"`
	HasPrice    float64 `json:"has_price"`
	DomainMatch float64 `json:"domain_match"`
	TaxSource   float64 `json:"tax_source"`
	Penalized   bool    `json:"penalized"`
	Total       float64 `json:"total"`
}

// ScoreConfidence computes the price confidence for one observation,
// in [0,1] rounded to two decimals. The score is recorded on every
// observation; the aggregation threshold decides usability separately.
func ScoreConfidence(in ScoreInput) float64 {
	return ConfidenceBreakdown(in).Total
}

// ConfidenceBreakdown computes the confidence score along with its
// per-dimension contributions.
func ConfidenceBreakdown(in ScoreInput) ScoreBreakdown {
	var b ScoreBreakdown

	if in.InStock {
		b.InStock = weightInStock
	}
	if in.HasPrice {
		b.HasPrice = weightHasPrice
	}

	canonical := IsCanonical(in.URLType)
	if canonical && domainMatches(in.URL, in.MarketplaceBaseURL) {
		b.DomainMatch = weightDomainMatch
	}

	switch {
	case in.HasPriceExTax && !in.PriceExTaxDerived:
		b.TaxSource = weightTaxSource
	case in.HasPriceExTax && in.PriceExTaxDerived:
		b.TaxSource = weightTaxSource * derivedTaxFactor
	}

	total := b.InStock + b.HasPrice + b.DomainMatch + b.TaxSource
	if !canonical && total > 0 {
		total = math.Max(nonCanonicalFloor, total*nonCanonicalFactor)
		b.Penalized = true
	}

	b.Total = math.Round(total*100) / 100
	return b
}

// domainMatches reports whether the observation URL's hostname equals, or is
// a subdomain of, the marketplace's base hostname. A leading www. on the
// base is ignored so store subdomains still match.
func domainMatches(rawURL, baseURL string) bool {
	host := hostnameOf(rawURL)
	base := strings.TrimPrefix(hostnameOf(baseURL), "www.")
	if host == "" || base == "" {
		return false
	}
	return host == base || strings.HasSuffix(host, "."+base)
}

func hostnameOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
