package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentryfi/hlsentinel/internal/domain"
	"github.com/sentryfi/hlsentinel/internal/monitor"
	"github.com/sentryfi/hlsentinel/internal/poll"
	"github.com/sentryfi/hlsentinel/internal/refprice"
	"github.com/sentryfi/hlsentinel/internal/resilience"
	"github.com/sentryfi/hlsentinel/internal/server"
	"github.com/sentryfi/hlsentinel/internal/server/handler"
	"github.com/sentryfi/hlsentinel/internal/server/ws"
	"github.com/sentryfi/hlsentinel/internal/stream"
)

// detectors bundles the three analysis engines shared by the modes.
type detectors struct {
	vault       *monitor.VaultMonitor
	oracle      *monitor.OracleMonitor
	liquidation *monitor.LiquidationAnalyzer
}

func (a *App) newDetectors() *detectors {
	return &detectors{
		vault: monitor.NewVaultMonitor(monitor.VaultConfig{
			CriticalLossUSD:     a.cfg.Vault.CriticalLossUSD,
			HighLossUSD:         a.cfg.Vault.HighLossUSD,
			SuppressLossUSD:     a.cfg.Vault.SuppressLossUSD,
			SigmaThreshold:      a.cfg.Vault.SigmaThreshold,
			DrawdownCriticalPct: a.cfg.Vault.DrawdownCriticalPct,
			HistorySize:         a.cfg.Vault.HistorySize,
		}, a.logger),
		oracle: monitor.NewOracleMonitor(monitor.OracleConfig{
			WarningPct:       a.cfg.Oracle.WarningPct,
			DangerPct:        a.cfg.Oracle.DangerPct,
			CriticalPct:      a.cfg.Oracle.CriticalPct,
			SustainedSeconds: a.cfg.Oracle.SustainedSeconds,
			HistorySize:      a.cfg.Oracle.HistorySize,
		}, a.logger),
		liquidation: monitor.NewLiquidationAnalyzer(monitor.LiquidationConfig{
			FlashLoanWindow:     a.cfg.Liquidation.FlashLoanWindow.Duration,
			FlashLoanMinUSD:     a.cfg.Liquidation.FlashLoanMinUSD,
			CascadeWindow:       a.cfg.Liquidation.CascadeWindow.Duration,
			CascadeMinCount:     a.cfg.Liquidation.CascadeMinCount,
			CoordinatedMinCount: a.cfg.Liquidation.CoordinatedMinCount,
			CoordinatedMinUSD:   a.cfg.Liquidation.CoordinatedMinUSD,
			Retention:           a.cfg.Liquidation.Retention.Duration,
		}, a.logger),
	}
}

func (a *App) breakerConfig() resilience.Config {
	return resilience.Config{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  a.cfg.Breaker.RecoveryTimeout.Duration,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
		Window:           a.cfg.Breaker.Window.Duration,
	}
}

// emit fans one batch of detector output to the sink, the live feed, and the
// notifier. Persistence failures are logged and never retried here: the
// detectors already hold the state needed to re-raise a persistent condition
// on the next cycle.
func (a *App) emit(ctx context.Context, deps *Dependencies, hub *ws.Hub, events []domain.SecurityEvent) {
	for _, event := range events {
		if err := deps.Sink.SaveEvent(ctx, event); err != nil {
			a.logger.ErrorContext(ctx, "event save failed",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
		}

		// The bus fan-in feeds the hub, so locally raised events reach
		// connected clients via the same path as sibling-replica events.
		// A direct hub push is the fallback when the bus is down.
		published := false
		if deps.EventBus != nil {
			if err := deps.EventBus.PublishEvent(ctx, event); err != nil {
				a.logger.WarnContext(ctx, "event bus publish failed",
					slog.String("event_id", event.EventID),
					slog.String("error", err.Error()),
				)
			} else {
				published = true
			}
		}
		if hub != nil && !published {
			hub.Publish(event)
		}

		if err := deps.Notifier.NotifyEvent(ctx, event); err != nil {
			a.logger.WarnContext(ctx, "event notification failed",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// liquidationFromFill applies the forced-close heuristic to a streamed fill:
// a closing direction with meaningful size and a realized loss.
func liquidationFromFill(f domain.Fill) (domain.Liquidation, bool) {
	if !strings.Contains(f.Direction, "Close") || f.Size <= 0.1 || f.ClosedPnL >= 0 {
		return domain.Liquidation{}, false
	}
	side := "SHORT"
	if strings.Contains(f.Direction, "Long") {
		side = "LONG"
	}
	return domain.Liquidation{
		LiquidationID: "liq-" + f.OrderID,
		User:          f.User,
		Asset:         f.Asset,
		Side:          side,
		Size:          f.Size,
		Price:         f.Price,
		AmountUSD:     -f.ClosedPnL,
		Timestamp:     f.Time,
	}, true
}

// StreamMode ingests the exchange websocket feed and runs the oracle and
// liquidation detectors on every frame.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	g, ctx := errgroup.WithContext(ctx)
	det := a.newDetectors()

	// Reference prices refresh in the background so each mids frame can be
	// compared without blocking on outbound HTTP.
	tracker := refprice.NewTracker(
		deps.RefSources,
		a.cfg.RefPrices.Assets,
		a.cfg.Poll.Interval.Duration,
		deps.PriceCache,
		a.logger,
	)
	g.Go(func() error {
		if err := tracker.Run(ctx); ctx.Err() == nil {
			return fmt.Errorf("stream mode: reference tracker: %w", err)
		}
		return nil
	})

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = a.startHub(ctx, g, deps.EventBus)
	}

	client := a.buildStreamClient(ctx, g, deps, det, tracker, hub)

	if hub != nil {
		a.startHTTPServer(ctx, g, deps, det, client, nil, hub)
	}

	return g.Wait()
}

// buildStreamClient constructs the websocket client with handlers feeding the
// detectors, connects it, issues the configured subscriptions, and keeps it
// alive on the errgroup until the context ends.
func (a *App) buildStreamClient(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	det *detectors,
	tracker *refprice.Tracker,
	hub *ws.Hub,
) *stream.Client {
	router := stream.NewRouter(a.logger)

	watched := make(map[string]bool, len(a.cfg.Stream.Assets))
	for _, asset := range a.cfg.Stream.Assets {
		watched[asset] = true
	}

	router.RegisterHandler(string(domain.ChannelAllMids), func(ctx context.Context, payload any) error {
		update, ok := payload.(domain.MidsUpdate)
		if !ok {
			return fmt.Errorf("unexpected allMids payload %T", payload)
		}
		for asset, price := range update.Mids {
			if !watched[asset] {
				continue
			}
			if err := deps.PriceCache.SetPrice(ctx, "hyperliquid", asset, price, update.ReceivedAt); err != nil {
				a.logger.DebugContext(ctx, "venue price cache write failed",
					slog.String("asset", asset),
					slog.String("error", err.Error()),
				)
			}
			dev, events := det.oracle.Analyze(asset, price, tracker.Refs(asset))
			if dev != nil {
				if err := deps.Sink.SaveDeviation(ctx, *dev); err != nil {
					a.logger.ErrorContext(ctx, "deviation save failed",
						slog.String("asset", asset),
						slog.String("error", err.Error()),
					)
				}
			}
			a.emit(ctx, deps, hub, events)
		}
		return nil
	})

	router.RegisterHandler(string(domain.ChannelUserFills), func(ctx context.Context, payload any) error {
		fills, ok := payload.([]domain.Fill)
		if !ok {
			return fmt.Errorf("unexpected userFills payload %T", payload)
		}
		var liqs []domain.Liquidation
		for _, f := range fills {
			if liq, isLiq := liquidationFromFill(f); isLiq {
				liqs = append(liqs, liq)
			}
		}
		if len(liqs) == 0 {
			return nil
		}
		patterns, events := det.liquidation.Analyze(liqs)
		for _, p := range patterns {
			if err := deps.Sink.SavePattern(ctx, p); err != nil {
				a.logger.ErrorContext(ctx, "pattern save failed",
					slog.String("pattern_id", p.PatternID),
					slog.String("error", err.Error()),
				)
			}
		}
		a.emit(ctx, deps, hub, events)
		return nil
	})

	client := stream.NewClient(stream.Config{
		URL:                 a.cfg.Hyperliquid.WSURL,
		EnableAutoReconnect: true,
		ReconnectBaseDelay:  a.cfg.Stream.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:   a.cfg.Stream.ReconnectMaxDelay.Duration,
		BufferSize:          a.cfg.Stream.BufferSize,
		Breaker:             a.breakerConfig(),
	}, router, a.logger)

	g.Go(func() error {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("stream mode: connect: %w", err)
		}
		if err := client.Subscribe(ctx, stream.Subscription{Type: string(domain.ChannelAllMids)}); err != nil {
			return fmt.Errorf("stream mode: subscribe allMids: %w", err)
		}
		for _, addr := range a.cfg.Hyperliquid.MonitoredAddresses {
			sub := stream.Subscription{
				Type:   string(domain.ChannelUserFills),
				Params: map[string]string{"user": addr},
			}
			if err := client.Subscribe(ctx, sub); err != nil {
				return fmt.Errorf("stream mode: subscribe fills for %s: %w", addr, err)
			}
		}

		<-ctx.Done()
		client.Disconnect()
		return nil
	})

	return client
}

// PollMode runs the REST polling cycle: vault, oracle, and liquidation
// sources executed concurrently under the circuit-breaker registry.
func (a *App) PollMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting poll mode")

	g, ctx := errgroup.WithContext(ctx)
	det := a.newDetectors()

	tracker := refprice.NewTracker(
		deps.RefSources,
		a.cfg.RefPrices.Assets,
		a.cfg.Poll.Interval.Duration,
		deps.PriceCache,
		a.logger,
	)

	exec := poll.NewExecutor(poll.Config{
		MaxConcurrent: a.cfg.Poll.MaxConcurrent,
		SourceTimeout: a.cfg.Poll.SourceTimeout.Duration,
		CycleTimeout:  a.cfg.Poll.CycleTimeout.Duration,
		Breaker:       a.breakerConfig(),
	}, a.logger)

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = a.startHub(ctx, g, deps.EventBus)
		a.startHTTPServer(ctx, g, deps, det, nil, exec, hub)
	}

	sources := a.pollSources(deps, det, tracker, hub)
	g.Go(func() error {
		return a.runPollLoop(ctx, deps, exec, sources)
	})

	return g.Wait()
}

// FullMode runs stream ingestion and REST polling together: the stream path
// catches fast oracle moves and live liquidations while polling covers vault
// health and anything the feed misses.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	det := a.newDetectors()

	tracker := refprice.NewTracker(
		deps.RefSources,
		a.cfg.RefPrices.Assets,
		a.cfg.Poll.Interval.Duration,
		deps.PriceCache,
		a.logger,
	)
	g.Go(func() error {
		if err := tracker.Run(ctx); ctx.Err() == nil {
			return fmt.Errorf("full mode: reference tracker: %w", err)
		}
		return nil
	})

	exec := poll.NewExecutor(poll.Config{
		MaxConcurrent: a.cfg.Poll.MaxConcurrent,
		SourceTimeout: a.cfg.Poll.SourceTimeout.Duration,
		CycleTimeout:  a.cfg.Poll.CycleTimeout.Duration,
		Breaker:       a.breakerConfig(),
	}, a.logger)

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = a.startHub(ctx, g, deps.EventBus)
	}

	var client *stream.Client
	if a.cfg.Stream.Enabled {
		client = a.buildStreamClient(ctx, g, deps, det, tracker, hub)
	}
	if hub != nil {
		a.startHTTPServer(ctx, g, deps, det, client, exec, hub)
	}

	if a.cfg.Poll.Enabled {
		sources := a.pollSources(deps, det, tracker, hub)
		g.Go(func() error {
			return a.runPollLoop(ctx, deps, exec, sources)
		})
	}

	return g.Wait()
}

// runPollLoop executes one cycle immediately and then one per interval tick.
// Each cycle is guarded by a distributed lock so replicas sharing a Redis do
// not double-poll the exchange.
func (a *App) runPollLoop(ctx context.Context, deps *Dependencies, exec *poll.Executor, sources []poll.Source) error {
	runCycle := func() {
		if deps.Locks != nil {
			unlock, err := deps.Locks.Acquire(ctx, "poll:cycle", a.cfg.Poll.CycleTimeout.Duration)
			if err != nil {
				if errors.Is(err, domain.ErrLockHeld) {
					a.logger.DebugContext(ctx, "poll cycle held by another replica")
					return
				}
				// A broken lock backend must not stop detection; run anyway.
				a.logger.WarnContext(ctx, "poll cycle lock failed",
					slog.String("error", err.Error()),
				)
			} else {
				defer unlock()
			}
		}

		results := exec.ExecuteAll(ctx, sources)
		for _, r := range results {
			if r.Status == poll.StatusFailed {
				a.logger.WarnContext(ctx, "poll source failed",
					slog.String("cycle_id", r.CycleID),
					slog.String("source", r.SourceName),
					slog.String("error", r.Err),
				)
			}
		}
	}

	runCycle()

	ticker := time.NewTicker(a.cfg.Poll.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runCycle()
		}
	}
}

// pollSources builds the per-cycle sources. Each returns the number of
// security events it raised.
func (a *App) pollSources(deps *Dependencies, det *detectors, tracker *refprice.Tracker, hub *ws.Hub) []poll.Source {
	vaultAddr := a.cfg.Hyperliquid.VaultAddress

	sources := []poll.Source{
		{
			Name: "vault",
			Run: func(ctx context.Context) (int, error) {
				points, err := deps.Exchange.VaultAccountValues(ctx, vaultAddr)
				if err != nil {
					return 0, err
				}
				snap := monitor.BuildSnapshot(vaultAddr, points, time.Now().UTC())
				snap, events := det.vault.Analyze(snap)
				if err := deps.Sink.SaveVaultSnapshot(ctx, snap); err != nil {
					a.logger.ErrorContext(ctx, "vault snapshot save failed",
						slog.String("error", err.Error()),
					)
				}
				a.emit(ctx, deps, hub, events)
				return len(events), nil
			},
		},
		{
			Name: "oracle",
			Run: func(ctx context.Context) (int, error) {
				tracker.Refresh(ctx)
				mids, err := deps.Exchange.AllMids(ctx)
				if err != nil {
					return 0, err
				}
				total := 0
				for _, asset := range a.cfg.RefPrices.Assets {
					price, ok := mids[asset]
					if !ok {
						continue
					}
					if err := deps.PriceCache.SetPrice(ctx, "hyperliquid", asset, price, time.Now().UTC()); err != nil {
						a.logger.DebugContext(ctx, "venue price cache write failed",
							slog.String("asset", asset),
							slog.String("error", err.Error()),
						)
					}
					dev, events := det.oracle.Analyze(asset, price, tracker.Refs(asset))
					if dev != nil {
						if err := deps.Sink.SaveDeviation(ctx, *dev); err != nil {
							a.logger.ErrorContext(ctx, "deviation save failed",
								slog.String("asset", asset),
								slog.String("error", err.Error()),
							)
						}
					}
					a.emit(ctx, deps, hub, events)
					total += len(events)
				}
				return total, nil
			},
		},
		{
			Name: "liquidations",
			Run: func(ctx context.Context) (int, error) {
				var liqs []domain.Liquidation
				for _, addr := range a.cfg.Hyperliquid.MonitoredAddresses {
					// Throttle serial per-address calls against the
					// shared exchange budget.
					if err := deps.RateLimiter.Wait(ctx, "hyperliquid:info"); err != nil {
						if ctx.Err() != nil {
							return 0, err
						}
						// A broken limiter must not stop detection.
					}
					found, err := deps.Exchange.UserLiquidations(ctx, addr)
					if err != nil {
						a.logger.WarnContext(ctx, "liquidation fetch failed",
							slog.String("user", addr),
							slog.String("error", err.Error()),
						)
						continue
					}
					liqs = append(liqs, found...)
				}
				patterns, events := det.liquidation.Analyze(liqs)
				for _, p := range patterns {
					if err := deps.Sink.SavePattern(ctx, p); err != nil {
						a.logger.ErrorContext(ctx, "pattern save failed",
							slog.String("pattern_id", p.PatternID),
							slog.String("error", err.Error()),
						)
					}
				}
				a.emit(ctx, deps, hub, events)
				return len(events), nil
			},
		},
	}

	return sources
}

// startHub creates the WebSocket broadcast hub and runs it on the errgroup.
// The hub must exist before the detector paths are wired so their event
// closures can publish into it. When an event bus is available the hub also
// consumes it, so clients of this replica see events raised by siblings.
func (a *App) startHub(ctx context.Context, g *errgroup.Group, bus domain.EventBus) *ws.Hub {
	hub := ws.NewHub(a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		if err := hub.Run(ctx); ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})
	if bus != nil {
		g.Go(func() error {
			a.runBusFanIn(ctx, bus, hub)
			return nil
		})
	}
	return hub
}

// runBusFanIn keeps a bus subscription alive and forwards every received
// event into the hub. Subscription failures retry with a fixed delay until
// the context ends.
func (a *App) runBusFanIn(ctx context.Context, bus domain.EventBus, hub *ws.Hub) {
	const retryDelay = 5 * time.Second

	for ctx.Err() == nil {
		events, err := bus.SubscribeEvents(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "event bus subscribe failed",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		for event := range events {
			hub.Publish(event)
		}
		// Channel closed: cancelled context or a dropped connection.
	}
}

// startHTTPServer adds the API server to the errgroup. streamClient and
// pollExec are optional; status sections for absent components are simply
// omitted.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	det *detectors,
	streamClient *stream.Client,
	pollExec *poll.Executor,
	hub *ws.Hub,
) {
	statusH := handler.NewStatusHandler(a.cfg.Mode)
	if streamClient != nil {
		statusH.StreamStats = streamClient.GetStats
	}
	if pollExec != nil {
		statusH.PollBreakers = pollExec.Breakers().Snapshots
	}
	statusH.ActiveDeviations = det.oracle.ActiveDeviations
	statusH.VaultHistoryLen = det.vault.HistoryLen

	eventsH := handler.NewEventHandler(deps.EventStore, a.logger)
	eventsH.Replay = deps.EventBus

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: statusH,
		Events: eventsH,
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
