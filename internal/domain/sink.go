package domain

import (
	"context"
	"time"
)

// EventSink is the external persistence collaborator. The core appends every
// detector output through it; save failures are logged by callers and never
// retried by the core.
type EventSink interface {
	SaveEvent(ctx context.Context, event SecurityEvent) error
	SaveVaultSnapshot(ctx context.Context, snap VaultSnapshot) error
	SaveDeviation(ctx context.Context, dev OracleDeviation) error
	SavePattern(ctx context.Context, pattern LiquidationPattern) error
}

// PriceCache stores the latest observed price per asset and source.
type PriceCache interface {
	SetPrice(ctx context.Context, source, asset string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, source, asset string) (float64, time.Time, error)
}

// AlertGate suppresses repeat alerts for the same key within a cooldown
// window. Allow returns true when the alert should be delivered.
type AlertGate interface {
	Allow(ctx context.Context, key string, cooldown time.Duration) (bool, error)
}

// RateLimiter enforces a sliding-window request budget per key. It guards
// both the inbound status API and outbound exchange API calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed mutual exclusion so only one replica runs
// a given job at a time. Acquire returns an unlock function on success and
// ErrLockHeld when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// EventBus fans security events out across replicas. Publishing is
// best-effort: a bus failure must never block detection. ReplayEvents reads
// the durable backlog so consumers can catch up after a disconnect.
type EventBus interface {
	PublishEvent(ctx context.Context, event SecurityEvent) error
	SubscribeEvents(ctx context.Context) (<-chan SecurityEvent, error)
	ReplayEvents(ctx context.Context, lastID string, count int) ([]SecurityEvent, error)
}
