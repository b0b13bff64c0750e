package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sentryfi/hlsentinel/internal/server/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestServer(apiKey string) *Server {
	cfg := Config{Port: 0, APIKey: apiKey}
	handlers := Handlers{
		Health: handler.NewHealthHandler(testLogger()),
		Status: handler.NewStatusHandler("test"),
	}
	return NewServer(cfg, handlers, nil, nil, testLogger())
}

func TestHealthRouteOpen(t *testing.T) {
	for _, apiKey := range []string{"", "secret"} {
		srv := newTestServer(apiKey)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("apiKey=%q: status = %d: %s", apiKey, rec.Code, rec.Body.String())
		}
	}
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	srv := newTestServer("secret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer("")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
