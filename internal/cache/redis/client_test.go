package redis

import "testing"

func TestKeyNamespacing(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"lock", "poll:cycle"}, "hlsentinel:lock:poll:cycle"},
		{[]string{"price", "binance", "BTC"}, "hlsentinel:price:binance:BTC"},
		{[]string{"events"}, "hlsentinel:events"},
	}
	for _, tc := range cases {
		if got := Key(tc.parts...); got != tc.want {
			t.Errorf("Key(%v) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestComponentKeysShareNamespace(t *testing.T) {
	for name, key := range map[string]string{
		"lock":      lockKey("poll:cycle"),
		"price":     priceKey("hyperliquid", "ETH"),
		"alert":     alertKey("vault_exploitation:vault_monitor:BTC"),
		"ratelimit": rateLimitKey("hyperliquid:info"),
		"channel":   eventsChannel,
		"stream":    eventsStream,
	} {
		if len(key) < len("hlsentinel:") || key[:len("hlsentinel:")] != "hlsentinel:" {
			t.Errorf("%s key %q escapes the hlsentinel namespace", name, key)
		}
	}
}
