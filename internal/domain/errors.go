package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrBreakerOpen       = errors.New("circuit breaker open")
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrNotConnected      = errors.New("not connected")
	ErrLockHeld          = errors.New("lock already held")
)
