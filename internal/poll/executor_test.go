package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentryfi/hlsentinel/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestExecuteAllOneResultPerSource(t *testing.T) {
	e := NewExecutor(Config{SourceTimeout: time.Second, CycleTimeout: 5 * time.Second}, testLogger())

	sources := []Source{
		{Name: "ok", Run: func(context.Context) (int, error) { return 3, nil }},
		{Name: "broken", Run: func(context.Context) (int, error) { return 0, errors.New("boom") }},
		{Name: "empty", Run: func(context.Context) (int, error) { return 0, nil }},
	}

	results := e.ExecuteAll(context.Background(), sources)

	if len(results) != len(sources) {
		t.Fatalf("results = %d, want %d", len(results), len(sources))
	}
	byName := make(map[string]Result, len(results))
	for i, r := range results {
		if r.SourceName != sources[i].Name {
			t.Fatalf("result %d is %s, want source order preserved", i, r.SourceName)
		}
		if r.CycleID == "" || r.CycleID != results[0].CycleID {
			t.Fatalf("result %s has cycle id %q, want one shared id", r.SourceName, r.CycleID)
		}
		byName[r.SourceName] = r
	}

	if r := byName["ok"]; r.Status != StatusSuccess || r.EventsFound != 3 {
		t.Fatalf("ok: %+v", r)
	}
	if r := byName["broken"]; r.Status != StatusFailed || r.Err != "boom" {
		t.Fatalf("broken: %+v", r)
	}
	if r := byName["empty"]; r.Status != StatusSuccess || r.EventsFound != 0 {
		t.Fatalf("empty: %+v", r)
	}
}

func TestExecuteAllHungSourceTimesOut(t *testing.T) {
	e := NewExecutor(Config{SourceTimeout: 50 * time.Millisecond, CycleTimeout: 5 * time.Second}, testLogger())

	block := make(chan struct{})
	defer close(block)

	results := e.ExecuteAll(context.Background(), []Source{
		{Name: "hung", Run: func(context.Context) (int, error) {
			<-block // ignores its context entirely
			return 0, nil
		}},
		{Name: "ok", Run: func(context.Context) (int, error) { return 1, nil }},
	})

	if results[0].Status != StatusTimeout {
		t.Fatalf("hung status = %s, want timeout", results[0].Status)
	}
	if results[1].Status != StatusSuccess {
		t.Fatalf("ok status = %s, want success; hung source must not block others", results[1].Status)
	}
}

func TestExecuteAllPanicIsolated(t *testing.T) {
	e := NewExecutor(Config{}, testLogger())

	results := e.ExecuteAll(context.Background(), []Source{
		{Name: "panics", Run: func(context.Context) (int, error) { panic("blew up") }},
		{Name: "ok", Run: func(context.Context) (int, error) { return 2, nil }},
	})

	if results[0].Status != StatusFailed {
		t.Fatalf("panics status = %s, want failed", results[0].Status)
	}
	if results[1].Status != StatusSuccess || results[1].EventsFound != 2 {
		t.Fatalf("ok: %+v", results[1])
	}
}

func TestExecuteAllRespectsConcurrencyCap(t *testing.T) {
	e := NewExecutor(Config{MaxConcurrent: 2, CycleTimeout: 5 * time.Second}, testLogger())

	var running, peak int64
	var mu sync.Mutex

	src := func(name string) Source {
		return Source{Name: name, Run: func(context.Context) (int, error) {
			now := atomic.AddInt64(&running, 1)
			mu.Lock()
			if now > peak {
				peak = now
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return 0, nil
		}}
	}

	e.ExecuteAll(context.Background(), []Source{
		src("a"), src("b"), src("c"), src("d"), src("e"),
	})

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestExecuteAllSkipsOpenBreaker(t *testing.T) {
	e := NewExecutor(Config{Breaker: resilience.Config{FailureThreshold: 2}}, testLogger())

	b := e.Breakers().Get("flaky")
	b.RecordFailure(resilience.ReasonError)
	b.RecordFailure(resilience.ReasonError)

	var ran atomic.Bool
	results := e.ExecuteAll(context.Background(), []Source{
		{Name: "flaky", Run: func(context.Context) (int, error) {
			ran.Store(true)
			return 0, nil
		}},
	})

	if results[0].Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", results[0].Status)
	}
	if ran.Load() {
		t.Fatal("source with open breaker must not run")
	}
}

func TestExecuteAllFailureFeedsBreaker(t *testing.T) {
	e := NewExecutor(Config{Breaker: resilience.Config{FailureThreshold: 3}}, testLogger())

	src := []Source{{Name: "flaky", Run: func(context.Context) (int, error) {
		return 0, errors.New("down")
	}}}

	for i := 0; i < 3; i++ {
		e.ExecuteAll(context.Background(), src)
	}

	if state := e.Breakers().Get("flaky").State(); state != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open after repeated failures", state)
	}

	results := e.ExecuteAll(context.Background(), src)
	if results[0].Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped once open", results[0].Status)
	}
}

func TestExecuteAllCycleDeadline(t *testing.T) {
	e := NewExecutor(Config{
		MaxConcurrent: 1,
		SourceTimeout: time.Second,
		CycleTimeout:  60 * time.Millisecond,
	}, testLogger())

	slow := func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
			return 0, nil
		}
	}

	// With one slot, the second source cannot start before the cycle ends.
	results := e.ExecuteAll(context.Background(), []Source{
		{Name: "slow", Run: slow},
		{Name: "starved", Run: slow},
	})

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != StatusTimeout {
			t.Fatalf("%s status = %s, want timeout", r.SourceName, r.Status)
		}
	}
}

func TestExecuteAllEmpty(t *testing.T) {
	e := NewExecutor(Config{}, testLogger())
	if results := e.ExecuteAll(context.Background(), nil); results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
}
