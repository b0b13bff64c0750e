package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// Handler processes one decoded payload from its registered channel. Handlers
// must not block for long; they run on the message-processing goroutine.
type Handler func(ctx context.Context, payload any) error

// Router demultiplexes decoded messages to the handlers registered for their
// channel, and secondarily to handlers registered for the payload's data
// kind. Multiple handlers per key are supported; each handler runs with
// isolated error and panic recovery so one failing handler never affects the
// others or the ingest loop.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	byKind   map[string][]Handler
	logger   *slog.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string][]Handler),
		byKind:   make(map[string][]Handler),
		logger:   logger.With(slog.String("component", "router")),
	}
}

// RegisterHandler appends fn to the handler list for channel.
func (r *Router) RegisterHandler(channel string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = append(r.handlers[channel], fn)
}

// RegisterKindHandler appends fn to the handler list for a payload kind
// (KindMids, KindTrades, KindFills, KindNotification). Kind handlers fire for
// every matching payload regardless of which channel carried it, which lets
// one handler observe user fills arriving on any per-address subscription.
func (r *Router) RegisterKindHandler(kind string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = append(r.byKind[kind], fn)
}

// HandlerCount returns the number of handlers registered for channel.
func (r *Router) HandlerCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[channel])
}

// Payload kinds for secondary dispatch, derived from the decoded type.
const (
	KindMids         = "mids"
	KindTrades       = "trades"
	KindFills        = "fills"
	KindNotification = "notification"
)

// PayloadKind returns the data kind of a decoded payload, or "" for payloads
// with no kind handlers defined.
func PayloadKind(payload any) string {
	switch payload.(type) {
	case domain.MidsUpdate:
		return KindMids
	case []domain.TradeTick:
		return KindTrades
	case []domain.Fill:
		return KindFills
	case domain.NotificationMsg:
		return KindNotification
	}
	return ""
}

// Dispatch invokes every handler registered for channel with payload, then
// every handler registered for the payload's kind. It returns the number of
// handlers that ran without error. Handler errors and panics are logged,
// never propagated.
func (r *Router) Dispatch(ctx context.Context, channel string, payload any) int {
	r.mu.RLock()
	handlers := r.handlers[channel]
	var kindHandlers []Handler
	if kind := PayloadKind(payload); kind != "" {
		kindHandlers = r.byKind[kind]
	}
	r.mu.RUnlock()

	ok := 0
	for i, fn := range append(handlers[:len(handlers):len(handlers)], kindHandlers...) {
		if err := r.invoke(ctx, fn, payload); err != nil {
			r.logger.Error("handler failed",
				slog.String("channel", channel),
				slog.Int("handler", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		ok++
	}
	return ok
}

func (r *Router) invoke(ctx context.Context, fn Handler, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &handlerPanicError{value: rec}
		}
	}()
	return fn(ctx, payload)
}

type handlerPanicError struct {
	value any
}

func (e *handlerPanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}
