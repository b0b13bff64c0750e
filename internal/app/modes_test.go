package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentryfi/hlsentinel/internal/config"
	"github.com/sentryfi/hlsentinel/internal/domain"
	"github.com/sentryfi/hlsentinel/internal/notify"
	"github.com/sentryfi/hlsentinel/internal/server/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeBus struct {
	subscribed chan domain.SecurityEvent
	publishErr error
	published  []domain.SecurityEvent
}

func (b *fakeBus) PublishEvent(_ context.Context, event domain.SecurityEvent) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, event)
	return nil
}

func (b *fakeBus) SubscribeEvents(_ context.Context) (<-chan domain.SecurityEvent, error) {
	return b.subscribed, nil
}

func (b *fakeBus) ReplayEvents(_ context.Context, _ string, _ int) ([]domain.SecurityEvent, error) {
	return nil, nil
}

type nullSink struct{}

func (nullSink) SaveEvent(context.Context, domain.SecurityEvent) error         { return nil }
func (nullSink) SaveVaultSnapshot(context.Context, domain.VaultSnapshot) error { return nil }
func (nullSink) SaveDeviation(context.Context, domain.OracleDeviation) error   { return nil }
func (nullSink) SavePattern(context.Context, domain.LiquidationPattern) error  { return nil }

type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// dialFeed connects a WebSocket client to the hub and consumes the welcome
// frame so the next read is a broadcast.
func dialFeed(t *testing.T, hub *ws.Hub) *websocket.Conn {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var welcome wsEnvelope
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != "monitor_status" {
		t.Fatalf("welcome type = %q", welcome.Type)
	}
	return conn
}

func startTestHub(t *testing.T, ctx context.Context) *ws.Hub {
	t.Helper()
	hub := ws.NewHub(testLogger(), ws.Config{Mode: "full", StartedAt: time.Now().UTC()})
	go hub.Run(ctx)
	return hub
}

func TestBusFanInForwardsToHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(&config.Config{Mode: "full"}, testLogger())
	hub := startTestHub(t, ctx)
	bus := &fakeBus{subscribed: make(chan domain.SecurityEvent, 1)}
	go a.runBusFanIn(ctx, bus, hub)

	conn := dialFeed(t, hub)

	bus.subscribed <- domain.SecurityEvent{
		EventID:    "ora-sibling-1",
		Severity:   domain.SeverityCritical,
		ThreatType: domain.ThreatOracleManipulation,
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if env.Type != "security_event" {
		t.Fatalf("type = %q", env.Type)
	}
	var got domain.SecurityEvent
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.EventID != "ora-sibling-1" {
		t.Errorf("event id = %q", got.EventID)
	}
}

func TestEmitSkipsDirectPushWhenBusDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(&config.Config{Mode: "full"}, testLogger())
	hub := startTestHub(t, ctx)
	conn := dialFeed(t, hub)

	bus := &fakeBus{subscribed: make(chan domain.SecurityEvent)}
	deps := &Dependencies{
		Sink:     nullSink{},
		EventBus: bus,
		Notifier: notify.NewNotifier(nil, domain.SeverityHigh, nil, 0, testLogger()),
	}
	event := domain.SecurityEvent{EventID: "vau-local-1", Severity: domain.SeverityCritical}

	// A healthy bus owns hub delivery, so emit must not also push directly;
	// otherwise clients would see every local event twice.
	a.emit(ctx, deps, hub, []domain.SecurityEvent{event})
	if len(bus.published) != 1 {
		t.Fatalf("published %d events, want 1", len(bus.published))
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("unexpected direct broadcast %q alongside bus delivery", env.Type)
	}
}

func TestEmitFallsBackToHubWhenBusFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(&config.Config{Mode: "full"}, testLogger())
	hub := startTestHub(t, ctx)
	conn := dialFeed(t, hub)

	deps := &Dependencies{
		Sink:     nullSink{},
		EventBus: &fakeBus{publishErr: errors.New("redis down")},
		Notifier: notify.NewNotifier(nil, domain.SeverityHigh, nil, 0, testLogger()),
	}
	event := domain.SecurityEvent{EventID: "vau-local-2", Severity: domain.SeverityCritical}

	a.emit(ctx, deps, hub, []domain.SecurityEvent{event})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read fallback broadcast: %v", err)
	}
	if env.Type != "security_event" {
		t.Errorf("type = %q", env.Type)
	}
}
