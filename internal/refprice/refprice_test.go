package refprice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBinancePrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","price":"43000.50"},
			{"symbol":"ETHUSDT","price":"3000.25"},
			{"symbol":"DOGEUSDT","price":"0.1"}
		]`))
	}))
	defer srv.Close()

	c := NewBinanceClient(srv.URL, nil)
	prices, err := c.Prices(context.Background(), []string{"BTC", "ETH", "UNMAPPED"})
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}

	if prices["BTC"] != 43000.50 || prices["ETH"] != 3000.25 {
		t.Fatalf("prices = %v", prices)
	}
	if _, ok := prices["UNMAPPED"]; ok {
		t.Fatal("unmapped asset should be absent")
	}
	if c.Name() != "binance" {
		t.Fatalf("name = %s", c.Name())
	}
}

func TestBinanceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewBinanceClient(srv.URL, nil)
	if _, err := c.Prices(context.Background(), []string{"BTC"}); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestCoinbasePrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/prices/BTC-USD/spot":
			w.Write([]byte(`{"data":{"base":"BTC","currency":"USD","amount":"43123.45"}}`))
		case "/v2/prices/ETH-USD/spot":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewCoinbaseClient(srv.URL, nil)
	prices, err := c.Prices(context.Background(), []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}

	if prices["BTC"] != 43123.45 {
		t.Fatalf("BTC = %f, want 43123.45", prices["BTC"])
	}
	if _, ok := prices["ETH"]; ok {
		t.Fatal("failed product should be skipped, not fatal")
	}
	if c.Name() != "coinbase" {
		t.Fatalf("name = %s", c.Name())
	}
}

func TestCoinbaseContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCoinbaseClient("http://127.0.0.1:0", nil)
	if _, err := c.Prices(ctx, []string{"BTC"}); err == nil {
		t.Fatal("expected error once context is cancelled")
	}
}
