package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/pkg/anthropic"
)

const advisorSystemPrompt = `You are a pricing analyst for an online supplement retailer. Given a product's current price and competitor price observations, decide whether to raise, lower, or keep the price. All prices are tax-inclusive consumer prices in the stated currency. Be conservative: recommend a change only when the competitor evidence clearly supports it. Respond with a valid JSON object:
{"recommendation": "raise" | "lower" | "keep", "reasoning": "<one short paragraph>", "suggestedPrice": <number, omit when keeping>}`

// AdviceRequest is everything the Recommendation Oracle sees for one
// product.
type AdviceRequest struct {
	ProductName       string
	Currency          string
	CurrentPrice      float64
	IngredientContent map[string]float64
	Observations      []model.CompetitorObservation
	Stats             model.CompetitorStats
}

// Advice is the oracle's parsed verdict.
type Advice struct {
	Recommendation model.RecommendationAction
	Reasoning      string
	SuggestedPrice *float64
}

// Advisor drives the Recommendation Oracle. The system prompt is shared
// across every product in a run and marked cacheable, so only the first
// call in a run pays for it.
type Advisor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAdvisor creates an Advisor speaking to the given model.
func NewAdvisor(client anthropic.Client, modelName string, maxTokens int64) *Advisor {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Advisor{client: client, model: modelName, maxTokens: maxTokens}
}

// Advise asks the oracle for a verdict on one product. The returned usage
// is reported even on failure so callers can account for spend on calls
// whose output could not be parsed.
func (a *Advisor) Advise(ctx context.Context, req AdviceRequest) (*Advice, anthropic.TokenUsage, error) {
	var usage anthropic.TokenUsage

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.SystemBlock{
			{Text: advisorSystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: buildAdvicePrompt(req)},
		},
	})
	if err != nil {
		return nil, usage, eris.Wrap(err, "pipeline: advise")
	}
	usage = resp.Usage

	advice, err := parseAdvice(resp.Text())
	if err != nil {
		return nil, usage, err
	}
	return advice, usage, nil
}

// buildAdvicePrompt renders the product, its competitor breakdown, and the
// aggregate statistics into the oracle's user prompt. Maps are emitted in
// sorted key order so identical requests produce identical prompts.
func buildAdvicePrompt(req AdviceRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Product: %s\n", req.ProductName)
	fmt.Fprintf(&b, "Current price: %.2f %s\n", req.CurrentPrice, req.Currency)

	if len(req.IngredientContent) > 0 {
		b.WriteString("Ingredient content per unit:\n")
		for _, ingredient := range sortedKeys(req.IngredientContent) {
			fmt.Fprintf(&b, "- %s: %g\n", ingredient, req.IngredientContent[ingredient])
		}
	}

	b.WriteString("\nCompetitor observations (tax-inclusive):\n")
	for _, o := range req.Observations {
		stock := "in stock"
		if !o.InStock {
			stock = "out of stock"
		}
		fmt.Fprintf(&b, "- %s on %s: %.2f (confidence %.2f, %s)\n",
			o.ProductName, o.MarketplaceName, o.PriceIncTax, o.Confidence, stock)
	}

	fmt.Fprintf(&b, "\nCompetitor statistics across %d observations:\n", req.Stats.Observations)
	fmt.Fprintf(&b, "- Min: %.2f\n", req.Stats.Min)
	fmt.Fprintf(&b, "- Max: %.2f\n", req.Stats.Max)
	fmt.Fprintf(&b, "- Confidence-weighted mean: %.2f\n", req.Stats.WeightedMean)
	if len(req.Stats.PerIngredient) > 0 {
		b.WriteString("- Average competitor price per ingredient unit:\n")
		for _, ingredient := range sortedKeys(req.Stats.PerIngredient) {
			fmt.Fprintf(&b, "  - %s: %.2f\n", ingredient, req.Stats.PerIngredient[ingredient])
		}
	}

	return b.String()
}

// parseAdvice extracts the oracle's JSON verdict, tolerating markdown
// fences and prose around the object. Verdicts outside raise/lower/keep are
// rejected so the caller can degrade to keep.
func parseAdvice(text string) (*Advice, error) {
	text = extractJSON(text)

	var out struct {
		Recommendation string   `json:"recommendation"`
		Reasoning      string   `json:"reasoning"`
		SuggestedPrice *float64 `json:"suggestedPrice"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse advice")
	}

	action := model.RecommendationAction(strings.ToLower(strings.TrimSpace(out.Recommendation)))
	if !action.Valid() {
		return nil, eris.Errorf("pipeline: invalid recommendation %q", out.Recommendation)
	}

	return &Advice{
		Recommendation: action,
		Reasoning:      strings.TrimSpace(out.Reasoning),
		SuggestedPrice: out.SuggestedPrice,
	}, nil
}

// extractJSON strips markdown code fences and any prose around the first
// top-level JSON object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
