package refprice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// CoinbaseClient fetches spot prices from Coinbase. The API serves one
// product per request, so a price that fails to fetch is skipped rather than
// failing the whole set.
type CoinbaseClient struct {
	baseURL    string
	symbols    map[string]string // asset -> coinbase product id
	httpClient *http.Client
}

// NewCoinbaseClient creates a Coinbase reference source. An empty symbol map
// falls back to the defaults; an empty baseURL falls back to production.
func NewCoinbaseClient(baseURL string, symbols map[string]string) *CoinbaseClient {
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	if len(symbols) == 0 {
		symbols = DefaultCoinbaseSymbols()
	}
	return &CoinbaseClient{
		baseURL: baseURL,
		symbols: symbols,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name implements Source.
func (c *CoinbaseClient) Name() string { return "coinbase" }

// Prices implements Source. Assets without a product mapping or whose fetch
// fails are absent from the result; the call errs only when the context ends.
func (c *CoinbaseClient) Prices(ctx context.Context, assets []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(assets))
	for _, asset := range assets {
		product, ok := c.symbols[asset]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return prices, fmt.Errorf("refprice/coinbase: %w", err)
		}
		price, err := c.spot(ctx, product)
		if err != nil {
			continue
		}
		prices[asset] = price
	}
	return prices, nil
}

func (c *CoinbaseClient) spot(ctx context.Context, product string) (float64, error) {
	url := fmt.Sprintf("%s/v2/prices/%s/spot", c.baseURL, product)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode spot price: %w", err)
	}
	return strconv.ParseFloat(payload.Data.Amount, 64)
}
