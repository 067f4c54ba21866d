// Package pricelookup is the HTTP client for the Market Lookup Oracle,
// the external search service that resolves a competitor product on a
// marketplace to a priced listing.
package pricelookup

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricewatch/internal/resilience"
)

const defaultBaseURL = "https://api.pricesearch.dev/v1"

// Client performs product lookups against the Market Lookup Oracle.
type Client interface {
	Lookup(ctx context.Context, req LookupRequest) (*LookupResponse, error)
}

// LookupRequest describes one competitor product to find on one marketplace.
type LookupRequest struct {
	ProductName     string `json:"product_name"`
	ProductBrand    string `json:"product_brand,omitempty"`
	MarketplaceName string `json:"marketplace_name"`
	MarketplaceURL  string `json:"marketplace_url"`
	Country         string `json:"country,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// LookupResponse is the oracle's answer. Found=false means the product
// could not be located on the marketplace. Price fields are pointers: the
// oracle may report either tax basis, both, or neither.
type LookupResponse struct {
	Found       bool     `json:"found"`
	ProductName string   `json:"product_name,omitempty"`
	ProductURL  string   `json:"product_url,omitempty"`
	PriceIncTax *float64 `json:"price_inc_tax,omitempty"`
	PriceExTax  *float64 `json:"price_ex_tax,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	InStock     bool     `json:"in_stock"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithHostLimit sets the request rate applied per marketplace host.
func WithHostLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.hostRPS = rate.Limit(rps)
		if burst > 0 {
			c.hostBurst = burst
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig

	hostRPS   rate.Limit
	hostBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a Market Lookup Oracle client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:     resilience.DefaultRetryConfig(),
		hostRPS:   1,
		hostBurst: 2,
		limiters:  make(map[string]*rate.Limiter),
	}
	c.retry.OnRetry = resilience.RetryLogger("pricelookup", "lookup")
	for _, o := range opts {
		o(c)
	}
	return c
}

// limiterFor returns the rate limiter for the marketplace's host, creating
// one on first use. Unparseable URLs share a single default limiter.
func (c *httpClient) limiterFor(marketplaceURL string) *rate.Limiter {
	host := "default"
	if u, err := url.Parse(marketplaceURL); err == nil && u.Host != "" {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(c.hostRPS, c.hostBurst)
		c.limiters[host] = lim
	}
	return lim
}

func (c *httpClient) Lookup(ctx context.Context, req LookupRequest) (*LookupResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "pricelookup: marshal request")
	}

	lim := c.limiterFor(req.MarketplaceURL)
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*LookupResponse, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pricelookup: rate limiter wait")
		}
		return c.doLookup(ctx, body)
	})
}

func (c *httpClient) doLookup(ctx context.Context, body []byte) (*LookupResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "pricelookup: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "pricelookup: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pricelookup: read response")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("pricelookup: status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("pricelookup: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result LookupResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "pricelookup: unmarshal response")
	}

	return &result, nil
}
