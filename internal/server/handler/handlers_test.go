package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
	"github.com/sentryfi/hlsentinel/internal/resilience"
	"github.com/sentryfi/hlsentinel/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(testLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestGetStatusAggregates(t *testing.T) {
	h := NewStatusHandler("full")
	h.StreamStats = func() stream.Stats {
		return stream.Stats{
			Connected:           true,
			Running:             true,
			ActiveSubscriptions: 3,
			MessagesReceived:    120,
		}
	}
	h.PollBreakers = func() map[string]resilience.Snapshot {
		return map[string]resilience.Snapshot{
			"vault": {State: resilience.StateOpen, FailureCount: 5},
		}
	}
	h.ActiveDeviations = func() []string { return []string{"BTC"} }

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	body := decodeBody(t, rec)
	if body["mode"] != "full" {
		t.Errorf("mode = %v", body["mode"])
	}
	streamPart, ok := body["stream"].(map[string]any)
	if !ok {
		t.Fatalf("missing stream section: %v", body)
	}
	if streamPart["connected"] != true {
		t.Errorf("stream.connected = %v", streamPart["connected"])
	}
	breakers, ok := body["breakers"].(map[string]any)
	if !ok || breakers["vault"] == nil {
		t.Fatalf("missing breaker section: %v", body)
	}
	devs, ok := body["active_deviations"].([]any)
	if !ok || len(devs) != 1 || devs[0] != "BTC" {
		t.Errorf("active_deviations = %v", body["active_deviations"])
	}
}

func TestGetStatusOmitsNilProviders(t *testing.T) {
	h := NewStatusHandler("poll")
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	body := decodeBody(t, rec)
	if _, ok := body["stream"]; ok {
		t.Error("stream section should be absent without a provider")
	}
	if _, ok := body["breakers"]; ok {
		t.Error("breakers section should be absent without a provider")
	}
}

type fakeEventStore struct {
	events      []domain.SecurityEvent
	counts      map[domain.Severity]int
	gotSeverity domain.Severity
	gotLimit    int
}

func (f *fakeEventStore) ListRecentEvents(_ context.Context, minSeverity domain.Severity, limit int) ([]domain.SecurityEvent, error) {
	f.gotSeverity = minSeverity
	f.gotLimit = limit
	return f.events, nil
}

func (f *fakeEventStore) CountEventsSince(_ context.Context, _ time.Time) (map[domain.Severity]int, error) {
	return f.counts, nil
}

func TestListEvents(t *testing.T) {
	store := &fakeEventStore{
		events: []domain.SecurityEvent{
			{EventID: "ora-1", Severity: domain.SeverityCritical},
		},
	}
	h := NewEventHandler(store, testLogger())

	rec := httptest.NewRecorder()
	h.ListEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events?severity=high&limit=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if store.gotSeverity != domain.SeverityHigh {
		t.Errorf("severity floor = %q", store.gotSeverity)
	}
	if store.gotLimit != 10 {
		t.Errorf("limit = %d", store.gotLimit)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}
}

func TestListEventsRejectsBadSeverity(t *testing.T) {
	h := NewEventHandler(&fakeEventStore{}, testLogger())
	rec := httptest.NewRecorder()
	h.ListEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events?severity=bogus", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

type fakeReplaySource struct {
	events   []domain.SecurityEvent
	gotAfter string
	gotCount int
}

func (f *fakeReplaySource) ReplayEvents(_ context.Context, lastID string, count int) ([]domain.SecurityEvent, error) {
	f.gotAfter = lastID
	f.gotCount = count
	return f.events, nil
}

func TestReplayEvents(t *testing.T) {
	replay := &fakeReplaySource{
		events: []domain.SecurityEvent{
			{EventID: "vau-1", Severity: domain.SeverityHigh},
			{EventID: "ora-2", Severity: domain.SeverityCritical},
		},
	}
	h := NewEventHandler(&fakeEventStore{}, testLogger())
	h.Replay = replay

	rec := httptest.NewRecorder()
	h.ReplayEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events/replay?after=1700000000000-0&limit=25", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if replay.gotAfter != "1700000000000-0" {
		t.Errorf("after = %q", replay.gotAfter)
	}
	if replay.gotCount != 25 {
		t.Errorf("count = %d", replay.gotCount)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("count = %v", body["count"])
	}
}

func TestReplayEventsDefaultsCursor(t *testing.T) {
	replay := &fakeReplaySource{}
	h := NewEventHandler(&fakeEventStore{}, testLogger())
	h.Replay = replay

	rec := httptest.NewRecorder()
	h.ReplayEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events/replay", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if replay.gotAfter != "0" {
		t.Errorf("default cursor = %q, want \"0\"", replay.gotAfter)
	}
}

func TestReplayEventsUnavailableWithoutBus(t *testing.T) {
	h := NewEventHandler(&fakeEventStore{}, testLogger())

	rec := httptest.NewRecorder()
	h.ReplayEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events/replay", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestEventSummary(t *testing.T) {
	store := &fakeEventStore{
		counts: map[domain.Severity]int{
			domain.SeverityHigh:     2,
			domain.SeverityCritical: 1,
		},
	}
	h := NewEventHandler(store, testLogger())

	rec := httptest.NewRecorder()
	h.EventSummary(rec, httptest.NewRequest(http.MethodGet, "/api/events/summary?hours=6", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(3) {
		t.Errorf("total = %v", body["total"])
	}
}
