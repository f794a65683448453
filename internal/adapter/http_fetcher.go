package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quotecache/quotecache/internal/market"
)

// HTTPFetcher is a reference implementation of the realtime fetch capability
// against a JSON quote endpoint. It is the expensive call the rate limiter
// guards; the resolver invokes it only on full cache and persistence misses.
type HTTPFetcher struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher for the given provider endpoint.
func NewHTTPFetcher(baseURL, apiKey string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// providerQuote is the upstream response shape.
type providerQuote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	TS     int64           `json:"ts"`
}

// Fetch retrieves one symbol's quote. The response payload is normalized
// into a market.Quote and returned as JSON bytes ready for caching.
func (f *HTTPFetcher) Fetch(ctx context.Context, symbol, mkt string, provider market.Provider) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("market", mkt)
	q.Set("provider", string(provider))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/v1/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, body)
	}

	var pq providerQuote
	if err := json.NewDecoder(resp.Body).Decode(&pq); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if pq.Symbol == "" {
		pq.Symbol = symbol
	}

	quote := market.Quote{
		Symbol: pq.Symbol,
		Bid:    pq.Bid,
		Ask:    pq.Ask,
		Last:   pq.Last,
		At:     time.UnixMilli(pq.TS),
	}
	return json.Marshal(quote)
}
