// Package ingest runs the incremental candle sync loop. On every tick each
// configured symbol is checked concurrently: symbols without data are
// backfilled, symbols whose next candle is due get an incremental fetch, and
// the rest are skipped until the next tick.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"candle-aggregator/internal/logger"
	"candle-aggregator/internal/model"
)

// Config configures the sync engine.
type Config struct {
	Symbols        []string
	Base           model.Resolution // stored resolution, 15m
	BackfillTarget int              // candles fetched for a symbol with no data
	PollInterval   time.Duration    // pause between ticks
	FetchTimeout   time.Duration    // bound on one symbol's fetch+store work
}

// Decision is what a symbol needs on this tick.
type Decision struct {
	Mode  model.SyncMode
	Start int64 // incremental start (ms), set for SyncIncremental
}

// Decide maps a symbol's stored state to an action:
// no data -> backfill; now before latest+base -> skip; otherwise incremental
// from latest+base.
func Decide(latest int64, hasData bool, now time.Time, base model.Resolution) Decision {
	if !hasData {
		return Decision{Mode: model.SyncBackfill}
	}
	next := latest + base.Millis()
	if now.UnixMilli() < next {
		return Decision{Mode: model.SyncSkip, Start: next}
	}
	return Decision{Mode: model.SyncIncremental, Start: next}
}

// Engine drives per-symbol sync against a store and a fetcher.
type Engine struct {
	cfg     Config
	store   model.CandleStore
	fetcher model.KlineFetcher
	log     *slog.Logger

	// Now overrides the wall clock (tests).
	Now func() time.Time

	// OnEvent is called once per symbol per tick with the outcome (optional).
	// It runs on the symbol's goroutine and must not block.
	OnEvent func(ev model.SyncEvent)

	// OnTick is called after every tick with its duration (optional).
	OnTick func(d time.Duration, events []model.SyncEvent)
}

// New creates a sync engine.
func New(cfg Config, store model.CandleStore, fetcher model.KlineFetcher, log *slog.Logger) *Engine {
	if cfg.Base == 0 {
		cfg.Base = model.Minute15
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		log:     log.With("component", "ingest"),
		Now:     time.Now,
	}
}

// Run ticks until ctx is cancelled. Cancelling ctx interrupts the wait
// between ticks immediately; a tick already running finishes its fetches.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("sync loop started",
		"symbols", len(e.cfg.Symbols),
		"base", e.cfg.Base.Label(),
		"poll_interval", e.cfg.PollInterval,
		"backfill_target", e.cfg.BackfillTarget)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync loop stopped")
			return nil
		case <-timer.C:
		}

		e.Tick(ctx)
		if ctx.Err() != nil {
			e.log.Info("sync loop stopped after in-flight tick")
			return nil
		}
		timer.Reset(e.cfg.PollInterval)
	}
}

// Tick syncs every configured symbol concurrently and waits for all of them.
// A failing symbol never affects the others. Work runs detached from ctx's
// cancellation so a shutdown lets in-flight fetches complete.
func (e *Engine) Tick(ctx context.Context) []model.SyncEvent {
	start := time.Now()
	tickID := logger.NewTraceID()
	work := logger.WithTraceID(context.WithoutCancel(ctx), tickID)

	events := make([]model.SyncEvent, len(e.cfg.Symbols))
	var wg sync.WaitGroup
	for i, sym := range e.cfg.Symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			ev := e.syncSymbolSafe(work, sym)
			ev.TickID = tickID
			events[i] = ev
			if e.OnEvent != nil {
				e.OnEvent(ev)
			}
		}(i, sym)
	}
	wg.Wait()

	var inserted, failed int
	for _, ev := range events {
		inserted += ev.Inserted
		if ev.Failed() {
			failed++
		}
	}
	e.log.Info("tick complete", append(logger.LogWithTrace(work),
		"symbols", len(events), "inserted", inserted, "failed", failed,
		"duration", time.Since(start).Round(time.Millisecond))...)
	if e.OnTick != nil {
		e.OnTick(time.Since(start), events)
	}
	return events
}

// syncSymbolSafe converts a panic in one symbol's work into a failed event.
func (e *Engine) syncSymbolSafe(ctx context.Context, symbol string) (ev model.SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("symbol sync panicked", "symbol", symbol, "panic", r)
			ev = model.SyncEvent{Symbol: symbol, Err: fmt.Sprintf("panic: %v", r), At: e.Now()}
			ev.Cause = errors.New(ev.Err)
		}
	}()
	return e.SyncSymbol(ctx, symbol)
}

// SyncSymbol runs one symbol's state machine once.
func (e *Engine) SyncSymbol(ctx context.Context, symbol string) model.SyncEvent {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	now := e.Now()
	ev := model.SyncEvent{Symbol: symbol, At: now}
	log := e.log.With(append(logger.LogWithTrace(ctx), "symbol", symbol)...)

	latest, ok, err := e.store.LatestTimestamp(ctx, symbol)
	if err != nil {
		ev.Err, ev.Cause = fmt.Sprintf("read latest: %v", err), err
		log.Error("read latest timestamp failed", "error", err)
		return ev
	}
	ev.Latest = latest

	d := Decide(latest, ok, now, e.cfg.Base)
	ev.Mode = d.Mode
	ev.Start = d.Start

	var candles []model.Candle
	switch d.Mode {
	case model.SyncSkip:
		log.Debug("up to date", "next_due", time.UnixMilli(d.Start).UTC())
		return ev
	case model.SyncBackfill:
		log.Info("no stored data, starting backfill", "target", e.cfg.BackfillTarget)
		candles, err = e.fetcher.FetchHistory(ctx, symbol, e.cfg.BackfillTarget, 0)
	case model.SyncIncremental:
		candles, err = e.fetcher.FetchIncremental(ctx, symbol, d.Start)
	}
	if err != nil {
		ev.Err, ev.Cause = err.Error(), err
		log.Warn("fetch failed", "mode", d.Mode, "error", err)
		return ev
	}
	ev.Fetched = len(candles)
	if len(candles) == 0 {
		log.Debug("no new candles published yet", "mode", d.Mode)
		return ev
	}

	inserted, err := e.store.UpsertCandles(ctx, symbol, candles)
	if err != nil {
		ev.Err, ev.Cause = fmt.Sprintf("store: %v", err), err
		log.Error("upsert failed", "fetched", len(candles), "error", err)
		return ev
	}
	ev.Inserted = inserted
	if last := candles[len(candles)-1].Timestamp; last > ev.Latest {
		ev.Latest = last
	}

	log.Info("candles stored", "mode", d.Mode, "fetched", len(candles), "inserted", inserted)
	return ev
}

// Symbols returns the configured symbol universe.
func (e *Engine) Symbols() []string { return e.cfg.Symbols }
