package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each observed
// price is stored at key "price:{source}:{asset}" with fields "price" and
// "ts" (Unix nanosecond timestamp), so the venue's mids and each reference
// exchange keep independent latest values.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Entries
// expire after ttl; zero means no expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(source, asset string) string {
	return Key("price", source, asset)
}

// SetPrice stores the latest price and observation time for an asset at a
// source.
func (pc *PriceCache) SetPrice(ctx context.Context, source, asset string, price float64, ts time.Time) error {
	key := priceKey(source, asset)
	fields := map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s/%s: %w", source, asset, err)
	}
	if pc.ttl > 0 {
		if err := pc.rdb.Expire(ctx, key, pc.ttl).Err(); err != nil {
			return fmt.Errorf("redis: expire price %s/%s: %w", source, asset, err)
		}
	}
	return nil
}

// GetPrice retrieves the latest price and observation time for an asset at a
// source. It returns domain.ErrNotFound when no observation exists.
func (pc *PriceCache) GetPrice(ctx context.Context, source, asset string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(source, asset)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s/%s: %w", source, asset, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s/%s: %w", source, asset, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s/%s: %w", source, asset, err)
	}
	return price, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest prices for multiple assets at one source
// using a pipeline. Assets without an observation are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, source string, assets []string) (map[string]float64, error) {
	if len(assets) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, asset := range assets {
		cmds[asset] = pipe.HGetAll(ctx, priceKey(source, asset))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(assets))
	for asset, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(vals["price"], 64)
		if err != nil {
			continue
		}
		result[asset] = price
	}
	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
