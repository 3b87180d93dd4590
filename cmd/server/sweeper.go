package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jason-czar/sportscast-live/internal/bridge"
	"github.com/jason-czar/sportscast-live/internal/observability/metrics"
	"github.com/jason-czar/sportscast-live/internal/room"
)

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

type tokenPurger interface {
	PurgeExpired() error
}

type sweeperConfig struct {
	Logger     *slog.Logger
	Store      *room.Store
	Tokens     tokenPurger
	Bridge     *bridge.Coordinator
	StaleAfter time.Duration
	EvictAfter time.Duration
	// Interval paces liveness sweeps; TokenInterval paces expired token
	// purges, which can run far less often.
	Interval      time.Duration
	TokenInterval time.Duration
}

// startSweeper runs the background liveness sweep. Each pass evicts silent
// sources, repairs mixer layout drift, and periodically purges expired join
// tokens. The returned function stops the worker and waits for it to exit.
func startSweeper(ctx context.Context, cfg sweeperConfig) func() {
	return startSweeperWithTicker(ctx, cfg, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweeperWithTicker(ctx context.Context, cfg sweeperConfig, newTicker tickerFactory) func() {
	if cfg.Store == nil || cfg.Interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(cfg.Interval)
	done := make(chan struct{})
	lastPurge := time.Now()
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case now := <-ticker.C():
				runSweep(workerCtx, cfg)
				if cfg.Tokens != nil && cfg.TokenInterval > 0 && now.Sub(lastPurge) >= cfg.TokenInterval {
					lastPurge = now
					if err := cfg.Tokens.PurgeExpired(); err != nil && cfg.Logger != nil {
						cfg.Logger.Error("failed to purge expired tokens", "error", err)
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func runSweep(ctx context.Context, cfg sweeperConfig) {
	departures := cfg.Store.SweepAll(cfg.StaleAfter, cfg.EvictAfter)
	for _, dep := range departures {
		metrics.Default().SourceLeft()
		if cfg.Logger != nil {
			cfg.Logger.Info("evicted silent source",
				"session_id", dep.SessionID,
				"source_id", dep.Source.ID,
				"reason", string(dep.Reason),
				"cleared_active", dep.ClearedActive)
		}
	}

	if cfg.Bridge == nil {
		return
	}
	// Selections can change between the departure callback and the mixer
	// acknowledging a layout; reconcile closes that gap.
	for _, sessionID := range cfg.Store.SessionIDs() {
		session, ok := cfg.Store.GetSession(sessionID)
		if !ok {
			continue
		}
		if err := cfg.Bridge.Reconcile(ctx, sessionID, session.ActiveSourceID); err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Warn("reconcile bridge layout", "session_id", sessionID, "error", err)
			}
		}
	}
}
