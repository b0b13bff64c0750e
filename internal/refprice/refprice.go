// Package refprice fetches independent reference prices from external
// exchanges for oracle deviation checks.
package refprice

import "context"

// Source fetches reference prices for a set of assets, keyed by the venue's
// base symbol. Assets the source does not list are absent from the result.
type Source interface {
	Name() string
	Prices(ctx context.Context, assets []string) (map[string]float64, error)
}

// DefaultBinanceSymbols maps base symbols to Binance tickers.
func DefaultBinanceSymbols() map[string]string {
	return map[string]string{
		"BTC":  "BTCUSDT",
		"ETH":  "ETHUSDT",
		"SOL":  "SOLUSDT",
		"ARB":  "ARBUSDT",
		"OP":   "OPUSDT",
		"AVAX": "AVAXUSDT",
	}
}

// DefaultCoinbaseSymbols maps base symbols to Coinbase product IDs.
func DefaultCoinbaseSymbols() map[string]string {
	return map[string]string{
		"BTC":  "BTC-USD",
		"ETH":  "ETH-USD",
		"SOL":  "SOL-USD",
		"ARB":  "ARB-USD",
		"OP":   "OP-USD",
		"AVAX": "AVAX-USD",
	}
}
