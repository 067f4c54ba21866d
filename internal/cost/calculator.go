package cost

const (
	defaultCacheWriteMul = 1.25
	defaultCacheReadMul  = 0.1
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Lookup    LookupRate           `yaml:"lookup" mapstructure:"lookup"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// LookupRate holds marketplace lookup pricing.
type LookupRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// TokenPrice overrides the input/output token prices for one model.
type TokenPrice struct {
	Input  float64
	Output float64
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Lookups computes the cost for n marketplace lookup queries.
func (c *Calculator) Lookups(n int) float64 {
	return float64(n) * c.rates.Lookup.PerQuery
}

// WithOverrides returns a copy of r with configured prices layered on top.
// Zero-valued overrides leave the corresponding default in place; models
// absent from r get the standard cache multipliers.
func (r Rates) WithOverrides(models map[string]TokenPrice, perQuery float64) Rates {
	out := Rates{
		Anthropic: make(map[string]ModelRate, len(r.Anthropic)),
		Lookup:    r.Lookup,
	}
	for model, rate := range r.Anthropic {
		out.Anthropic[model] = rate
	}
	for model, price := range models {
		rate, ok := out.Anthropic[model]
		if !ok {
			rate = ModelRate{CacheWriteMul: defaultCacheWriteMul, CacheReadMul: defaultCacheReadMul}
		}
		if price.Input > 0 {
			rate.Input = price.Input
		}
		if price.Output > 0 {
			rate.Output = price.Output
		}
		out.Anthropic[model] = rate
	}
	if perQuery > 0 {
		out.Lookup.PerQuery = perQuery
	}
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: defaultCacheWriteMul, CacheReadMul: defaultCacheReadMul,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: defaultCacheWriteMul, CacheReadMul: defaultCacheReadMul,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: defaultCacheWriteMul, CacheReadMul: defaultCacheReadMul,
			},
		},
		Lookup: LookupRate{PerQuery: 0.005},
	}
}
