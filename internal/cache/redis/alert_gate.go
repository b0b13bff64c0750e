package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// AlertGate implements domain.AlertGate using SET NX EX: the first caller for
// a key within the cooldown wins, later callers are suppressed until the key
// expires. With a shared Redis this also deduplicates across instances.
type AlertGate struct {
	rdb *redis.Client
}

// NewAlertGate creates an AlertGate backed by the given Client.
func NewAlertGate(c *Client) *AlertGate {
	return &AlertGate{rdb: c.Underlying()}
}

func alertKey(key string) string {
	return Key("alert", "cooldown", key)
}

// Allow reports whether an alert for key should be delivered. A zero or
// negative cooldown always allows.
func (g *AlertGate) Allow(ctx context.Context, key string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := g.rdb.SetNX(ctx, alertKey(key), time.Now().UTC().Format(time.RFC3339), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("redis: alert gate %s: %w", key, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.AlertGate = (*AlertGate)(nil)
