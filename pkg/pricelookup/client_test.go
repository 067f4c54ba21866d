package pricelookup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/resilience"
)

// noRetry keeps failure tests fast.
var noRetry = resilience.RetryConfig{MaxAttempts: 1}

func TestLookup(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   string
		wantFound bool
		wantPrice float64
	}{
		{
			name:   "found_with_price",
			status: http.StatusOK,
			body: `{
				"found": true,
				"product_name": "Vitamina C 500mg x 100",
				"product_url": "https://www.marketa.com.co/producto/vitamina-c-500",
				"price_inc_tax": 52900,
				"currency": "COP",
				"in_stock": true
			}`,
			wantFound: true,
			wantPrice: 52900,
		},
		{
			name:      "not_found",
			status:    http.StatusOK,
			body:      `{"found": false, "in_stock": false}`,
			wantFound: false,
		},
		{
			name:    "bad_request",
			status:  http.StatusBadRequest,
			body:    `{"error": "missing product_name"}`,
			wantErr: "unexpected status 400",
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{found: maybe`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/lookup", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(noRetry))

			resp, err := client.Lookup(context.Background(), LookupRequest{
				ProductName:     "Vitamina C 500mg",
				MarketplaceName: "MarketA",
				MarketplaceURL:  "https://www.marketa.com.co",
				Currency:        "COP",
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, resp)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantFound, resp.Found)
			if tt.wantPrice > 0 {
				require.NotNil(t, resp.PriceIncTax)
				assert.InDelta(t, tt.wantPrice, *resp.PriceIncTax, 0.001)
			}
		})
	}
}

func TestLookup_SendsRequestBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req LookupRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Omega 3 1000mg", req.ProductName)
		assert.Equal(t, "NutriPlus", req.ProductBrand)
		assert.Equal(t, "MarketB", req.MarketplaceName)
		assert.Equal(t, "https://www.marketb.co", req.MarketplaceURL)
		assert.Equal(t, "CO", req.Country)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found": false, "in_stock": false}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(noRetry))
	_, err := client.Lookup(context.Background(), LookupRequest{
		ProductName:     "Omega 3 1000mg",
		ProductBrand:    "NutriPlus",
		MarketplaceName: "MarketB",
		MarketplaceURL:  "https://www.marketb.co",
		Country:         "CO",
	})
	require.NoError(t, err)
}

func TestLookup_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": "overloaded"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found": true, "product_url": "https://www.marketa.com.co/p/1", "in_stock": true}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}))

	resp, err := client.Lookup(context.Background(), LookupRequest{
		ProductName:     "Zinc 50mg",
		MarketplaceName: "MarketA",
		MarketplaceURL:  "https://www.marketa.com.co",
	})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLookup_DoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "bad key"}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", WithBaseURL(srv.URL), WithRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Millisecond,
	}))

	_, err := client.Lookup(context.Background(), LookupRequest{
		ProductName:     "Zinc 50mg",
		MarketplaceName: "MarketA",
		MarketplaceURL:  "https://www.marketa.com.co",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLookup_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"found": false, "in_stock": false}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(noRetry))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Lookup(ctx, LookupRequest{
		ProductName:     "Magnesio 400mg",
		MarketplaceName: "MarketA",
		MarketplaceURL:  "https://www.marketa.com.co",
	})
	require.Error(t, err)
}

func TestLimiterFor_SharedPerHost(t *testing.T) {
	c := NewClient("test-key").(*httpClient)

	a1 := c.limiterFor("https://www.marketa.com.co/tienda")
	a2 := c.limiterFor("https://www.marketa.com.co")
	b := c.limiterFor("https://www.marketb.co")
	unparseable := c.limiterFor("://nope")

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.NotNil(t, unparseable)
}

func TestLookup_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found": false, "in_stock": false}`))
	}))
	defer srv.Close()

	// 10 rps, burst 1: the second call has to wait roughly 100ms.
	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetry(noRetry), WithHostLimit(10, 1))

	req := LookupRequest{
		ProductName:     "Colageno 500g",
		MarketplaceName: "MarketA",
		MarketplaceURL:  "https://www.marketa.com.co",
	}

	start := time.Now()
	_, err := client.Lookup(context.Background(), req)
	require.NoError(t, err)
	_, err = client.Lookup(context.Background(), req)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}
