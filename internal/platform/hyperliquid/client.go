// Package hyperliquid is the REST client for the venue's info API. All reads
// go through a single POST /info endpoint selected by a type field.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// DefaultBaseURL is the production info API root.
const DefaultBaseURL = "https://api.hyperliquid.xyz"

// Client is the info API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an info API client. baseURL is the API root, e.g.
// "https://api.hyperliquid.xyz".
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AllMids returns the current mid price for every listed asset. Suffixed
// listings ("BTC-PERP") are collapsed onto their base symbol; unparseable
// prices are skipped.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	body, err := c.doInfo(ctx, map[string]any{"type": "allMids"})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: all mids: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode all mids: %w", err)
	}

	prices := make(map[string]float64, len(raw))
	for asset, priceStr := range raw {
		base, _, _ := strings.Cut(asset, "-")
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		prices[base] = price
	}
	return prices, nil
}

// VaultAccountValues returns the day-granularity account value series for a
// vault, oldest first.
func (c *Client) VaultAccountValues(ctx context.Context, vaultAddress string) ([]domain.AccountValuePoint, error) {
	body, err := c.doInfo(ctx, map[string]any{
		"type":         "vaultDetails",
		"vaultAddress": vaultAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: vault details %s: %w", vaultAddress, err)
	}

	var details apiVaultDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode vault details: %w", err)
	}
	return details.accountValueSeries(), nil
}

// UserFills returns the recent fills for a user account.
func (c *Client) UserFills(ctx context.Context, user string) ([]APIFill, error) {
	body, err := c.doInfo(ctx, map[string]any{
		"type": "userFills",
		"user": user,
	})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: user fills %s: %w", user, err)
	}

	var fills []APIFill
	if err := json.Unmarshal(body, &fills); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode user fills: %w", err)
	}
	return fills, nil
}

// UserLiquidations returns the liquidation-like fills for a user account,
// converted to the domain shape.
func (c *Client) UserLiquidations(ctx context.Context, user string) ([]domain.Liquidation, error) {
	fills, err := c.UserFills(ctx, user)
	if err != nil {
		return nil, err
	}

	var liqs []domain.Liquidation
	for i := range fills {
		if fills[i].IsLiquidation() {
			liqs = append(liqs, fills[i].ToLiquidation(user))
		}
	}
	return liqs, nil
}

// doInfo sends one typed request to the info endpoint.
func (c *Client) doInfo(ctx context.Context, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
