package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

var (
	// eventsChannel carries live security events over Pub/Sub for dashboards
	// and sibling replicas.
	eventsChannel = Key("events")
	// eventsStream keeps a trimmed durable copy so late consumers can catch
	// up on what they missed while disconnected.
	eventsStream = Key("events", "log")
)

// streamMaxLen is the approximate maximum stream length, enforced via
// XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// EventBus implements domain.EventBus using Redis Pub/Sub for live delivery
// and a capped Redis Stream for durable catch-up reads.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// PublishEvent sends the event to the live channel and appends it to the
// durable stream. Either write failing fails the publish; callers treat the
// bus as best-effort.
func (b *EventBus) PublishEvent(ctx context.Context, event domain.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: encode event %s: %w", event.EventID, err)
	}

	if err := b.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", event.EventID, err)
	}

	args := &redis.XAddArgs{
		Stream: eventsStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: append event %s: %w", event.EventID, err)
	}
	return nil
}

// SubscribeEvents returns a channel of live security events. The subscription
// closes when the context is cancelled; undecodable payloads are skipped.
func (b *EventBus) SubscribeEvents(ctx context.Context) (<-chan domain.SecurityEvent, error) {
	pubsub := b.rdb.Subscribe(ctx, eventsChannel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe events: %w", err)
	}

	out := make(chan domain.SecurityEvent, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.SecurityEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// ReplayEvents reads up to count events from the durable stream starting
// after lastID. Use "0" to read from the beginning or "$" for new entries
// only. It returns a nil slice when nothing is available.
func (b *EventBus) ReplayEvents(ctx context.Context, lastID string, count int) ([]domain.SecurityEvent, error) {
	args := &redis.XReadArgs{
		Streams: []string{eventsStream, lastID},
		Count:   int64(count),
		Block:   -1, // non-blocking read
	}

	results, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: replay events: %w", err)
	}

	var events []domain.SecurityEvent
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			raw, ok := payload.(string)
			if !ok {
				continue
			}
			var event domain.SecurityEvent
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				continue
			}
			events = append(events, event)
		}
	}

	return events, nil
}

var _ domain.EventBus = (*EventBus)(nil)
