// Package poll runs the periodic detection sources: each source fetches a
// snapshot from an upstream API, feeds it through its monitor, and reports how
// many events it produced. Sources run concurrently under a shared limit, each
// behind its own circuit breaker.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sentryfi/hlsentinel/internal/resilience"
)

// Status is the terminal state of one source execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

// Source is one pollable detection source. Run must respect ctx and return
// the number of security events it produced.
type Source struct {
	Name    string
	Timeout time.Duration // falls back to the executor default when zero
	Run     func(ctx context.Context) (int, error)
}

// Result records the outcome of one source in one cycle. Every cycle yields
// exactly one result per source.
type Result struct {
	CycleID     string
	SourceName  string
	Status      Status
	EventsFound int
	Duration    time.Duration
	Err         string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Config holds executor tuning parameters.
type Config struct {
	// MaxConcurrent caps how many sources run at once.
	MaxConcurrent int
	// SourceTimeout is the default per-source deadline.
	SourceTimeout time.Duration
	// CycleTimeout bounds one whole cycle across all sources.
	CycleTimeout time.Duration
	// Breaker configures the per-source circuit breakers.
	Breaker resilience.Config
}

// DefaultConfig returns the production executor parameters.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 10,
		SourceTimeout: 10 * time.Second,
		CycleTimeout:  60 * time.Second,
	}
}

// Executor runs detection sources concurrently with error isolation: a
// failing, hanging, or panicking source never affects its siblings. Each
// source has its own circuit breaker; a source whose breaker rejects the
// attempt is skipped without running.
type Executor struct {
	cfg      Config
	breakers *resilience.Registry
	logger   *slog.Logger
}

// NewExecutor creates an executor. Zero-valued config fields fall back to the
// defaults.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = def.SourceTimeout
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	return &Executor{
		cfg:      cfg,
		breakers: resilience.NewRegistry(cfg.Breaker),
		logger:   logger.With(slog.String("component", "poll_executor")),
	}
}

// Breakers exposes the per-source breaker registry for the health surface.
func (e *Executor) Breakers() *resilience.Registry { return e.breakers }

// ExecuteAll runs every source once and returns one result per source, in
// source order. The whole cycle is bounded by the cycle timeout; sources that
// could not start before it expired report a timeout result.
func (e *Executor) ExecuteAll(ctx context.Context, sources []Source) []Result {
	if len(sources) == 0 {
		return nil
	}

	cycleID := uuid.NewString()
	cycleStart := time.Now()

	cycleCtx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	results := make([]Result, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			results[i] = e.runSource(cycleCtx, cycleID, src, sem)
		}(i, src)
	}
	wg.Wait()

	e.logSummary(cycleID, results, time.Since(cycleStart))
	return results
}

func (e *Executor) runSource(ctx context.Context, cycleID string, src Source, sem *semaphore.Weighted) Result {
	res := Result{
		CycleID:    cycleID,
		SourceName: src.Name,
		StartedAt:  time.Now().UTC(),
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		res.Status = StatusTimeout
		res.Err = fmt.Sprintf("cycle deadline before start: %v", err)
		res.CompletedAt = time.Now().UTC()
		return res
	}
	defer sem.Release(1)

	breaker := e.breakers.Get(src.Name)
	if !breaker.CanAttempt() {
		res.Status = StatusSkipped
		res.Err = "circuit breaker open"
		res.CompletedAt = time.Now().UTC()
		e.logger.Warn("source skipped, breaker open", slog.String("source", src.Name))
		return res
	}

	timeout := src.Timeout
	if timeout <= 0 {
		timeout = e.cfg.SourceTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	found, err := e.invoke(runCtx, src)
	res.Duration = time.Since(start)
	res.CompletedAt = time.Now().UTC()

	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.EventsFound = found
		breaker.RecordSuccess()
	case runCtx.Err() == context.DeadlineExceeded:
		res.Status = StatusTimeout
		res.Err = fmt.Sprintf("timeout after %s", timeout)
		breaker.RecordFailure(resilience.ReasonTimeout)
		e.logger.Error("source timed out",
			slog.String("source", src.Name),
			slog.Duration("timeout", timeout),
		)
	default:
		res.Status = StatusFailed
		res.Err = err.Error()
		breaker.RecordFailure(resilience.ReasonError)
		e.logger.Error("source failed",
			slog.String("source", src.Name),
			slog.String("error", err.Error()),
		)
	}
	return res
}

// invoke runs the source in its own goroutine so a source that ignores its
// context cannot wedge the cycle. A panicking source reports as failed.
func (e *Executor) invoke(ctx context.Context, src Source) (int, error) {
	type outcome struct {
		found int
		err   error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("source panic: %v", r)}
			}
		}()
		found, err := src.Run(ctx)
		ch <- outcome{found: found, err: err}
	}()

	select {
	case out := <-ch:
		return out.found, out.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Executor) logSummary(cycleID string, results []Result, cycleTime time.Duration) {
	var success, failed, timeout, skipped, events int
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			success++
		case StatusFailed:
			failed++
		case StatusTimeout:
			timeout++
		case StatusSkipped:
			skipped++
		}
		events += r.EventsFound
	}

	e.logger.Info("cycle completed",
		slog.String("cycle_id", cycleID),
		slog.Duration("cycle_time", cycleTime),
		slog.Int("sources", len(results)),
		slog.Int("success", success),
		slog.Int("failed", failed),
		slog.Int("timeout", timeout),
		slog.Int("skipped", skipped),
		slog.Int("events", events),
	)
}
