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

// BinanceClient fetches spot ticker prices from Binance. One request returns
// every listed symbol, so the per-call cost does not grow with the asset set.
type BinanceClient struct {
	baseURL    string
	symbols    map[string]string // asset -> binance symbol
	httpClient *http.Client
}

// NewBinanceClient creates a Binance reference source. An empty symbol map
// falls back to the defaults; an empty baseURL falls back to production.
func NewBinanceClient(baseURL string, symbols map[string]string) *BinanceClient {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if len(symbols) == 0 {
		symbols = DefaultBinanceSymbols()
	}
	return &BinanceClient{
		baseURL: baseURL,
		symbols: symbols,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name implements Source.
func (c *BinanceClient) Name() string { return "binance" }

// Prices implements Source. Assets without a symbol mapping are skipped.
func (c *BinanceClient) Prices(ctx context.Context, assets []string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/ticker/price", nil)
	if err != nil {
		return nil, fmt.Errorf("refprice/binance: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refprice/binance: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("refprice/binance: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refprice/binance: status %d", resp.StatusCode)
	}

	var tickers []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("refprice/binance: decode tickers: %w", err)
	}

	bySymbol := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			continue
		}
		bySymbol[t.Symbol] = price
	}

	prices := make(map[string]float64, len(assets))
	for _, asset := range assets {
		symbol, ok := c.symbols[asset]
		if !ok {
			continue
		}
		if price, ok := bySymbol[symbol]; ok {
			prices[asset] = price
		}
	}
	return prices, nil
}
