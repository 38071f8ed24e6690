// Package engine is the central orchestrator of the copy-trading simulator.
//
// It wires together all subsystems:
//
//  1. The ingest boundary receives PendingTradeEvents from the external
//     wallet-watcher and routes each to the aggregator or, when small-trade
//     buffering is on and the trade is under the threshold, to the buffer.
//  2. Both paths emit TradeEventGroups onto one queue; a worker pool runs
//     the executor per group for the shadow mirror and both executable scopes.
//  3. The book cache and WebSocket feed maintain live books for every token
//     the executor has asked about; REST fills the gaps.
//  4. Activity events (merge/split/redeem) aggregate separately and persist
//     as SKIP decisions.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop().
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"polymarket-copy/internal/aggregator"
	"polymarket-copy/internal/book"
	"polymarket-copy/internal/config"
	"polymarket-copy/internal/executor"
	"polymarket-copy/internal/portfolio"
	"polymarket-copy/internal/store"
	"polymarket-copy/internal/venue"
	"polymarket-copy/pkg/types"
)

// Engine owns the lifecycle of every component goroutine.
type Engine struct {
	cfg    config.Config
	mgr    *config.Manager
	logger *slog.Logger

	store     *store.Store
	cache     *book.Cache
	feed      *book.Feed
	books     *book.Service
	portfolio *portfolio.Reader
	exec      *executor.Executor

	agg    *aggregator.Aggregator
	buffer *aggregator.Buffer
	actAgg *aggregator.ActivityAggregator

	groupCh    chan types.TradeEventGroup
	activityCh chan aggregator.ActivityGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	mgr := config.NewManager(cfg.Guardrails, cfg.Sizing, cfg.Buffering, cfg.System)
	if blob, err := st.LoadConfig(context.Background()); err == nil && blob != nil {
		var snap config.Snapshot
		if err := json.Unmarshal(blob, &snap); err == nil {
			if err := mgr.Import(snap); err != nil {
				logger.Warn("ignoring invalid persisted config", "error", err)
			}
		}
	}

	rl := venue.NewPriorityLimiter()
	client := venue.NewClient(cfg.Venue, rl, logger)
	cache := book.NewCache(cfg.Book, logger)
	feed := book.NewFeed(cfg.Venue.WSMarketURL, cache, logger)
	resolved := book.NewResolvedSet(cfg.Store.DataDir, logger)
	books := book.NewService(cache, feed, client, resolved, logger)

	pf := portfolio.NewReader(st, mgr, logger)
	exec := executor.New(mgr, pf, books, st, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		mgr:        mgr,
		logger:     logger.With("component", "engine"),
		store:      st,
		cache:      cache,
		feed:       feed,
		books:      books,
		portfolio:  pf,
		exec:       exec,
		groupCh:    make(chan types.TradeEventGroup, 256),
		activityCh: make(chan aggregator.ActivityGroup, 64),
		ctx:        ctx,
		cancel:     cancel,
	}

	window := time.Duration(mgr.System().AggregationWindowMs) * time.Millisecond
	e.agg = aggregator.New(window, e, logger)
	e.buffer = aggregator.NewBuffer(mgr, bufferSink{e}, logger)
	e.actAgg = aggregator.NewActivity(window, e)

	return e, nil
}

// Start launches all background goroutines.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cache.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed stopped", "error", err)
		}
	}()

	for i := 0; i < e.cfg.Executor.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.groupWorker()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.activityWorker()
	}()

	e.logger.Info("engine started",
		"workers", e.cfg.Executor.Workers,
		"window_ms", e.mgr.System().AggregationWindowMs,
		"buffering", e.mgr.Buffering().Enabled,
	)
	return nil
}

// Stop shuts down in dependency order: flush pending groups and close the
// queues, cancel the feeds, wait for the workers and feeds to finish, then
// close the store.
func (e *Engine) Stop() {
	e.agg.Close()
	e.buffer.Close()
	e.actAgg.Close()
	close(e.groupCh)
	close(e.activityCh)

	e.cancel()
	e.wg.Wait()

	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Ingest boundary
// ————————————————————————————————————————————————————————————————————————

// Ingest accepts one detected leader fill from the external ingester and
// routes it to the buffer (sub-threshold, buffering on) or the aggregator.
func (e *Engine) Ingest(ev types.PendingTradeEvent) {
	buf := e.mgr.Buffering()
	if buf.Enabled && ev.NotionalMicros != nil &&
		ev.NotionalMicros.Cmp(big.NewInt(buf.NotionalThresholdMicros)) < 0 {
		e.buffer.Add(ev)
		return
	}
	e.agg.Add(ev)
}

// IngestActivity accepts one non-trade leader action.
func (e *Engine) IngestActivity(ev types.ActivityEvent) {
	e.actAgg.Add(ev)
}

// EmitGroup implements aggregator.GroupSink.
func (e *Engine) EmitGroup(g types.TradeEventGroup) {
	select {
	case e.groupCh <- g:
	default:
		e.logger.Warn("group queue full, dropping group", "group", g.GroupKey)
	}
}

// EmitActivityGroup implements aggregator.ActivitySink.
func (e *Engine) EmitActivityGroup(g aggregator.ActivityGroup) {
	select {
	case e.activityCh <- g:
	default:
		e.logger.Warn("activity queue full, dropping group", "group", g.GroupKey)
	}
}

// bufferSink adapts the engine for the small-trade buffer: undersized
// flushes persist straight as SKIPs without entering the pipeline.
type bufferSink struct{ e *Engine }

func (s bufferSink) EmitGroup(g types.TradeEventGroup) { s.e.EmitGroup(g) }

func (s bufferSink) EmitUndersized(g types.TradeEventGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, scope := range []types.PortfolioScope{types.ScopeExecGlobal, types.ScopeExecUser} {
		if err := s.e.exec.SkipUndersized(ctx, scope, g); err != nil {
			s.e.logger.Error("persist undersized skip failed", "group", g.GroupKey, "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Workers
// ————————————————————————————————————————————————————————————————————————

// groupWorker drains the group queue. Each group first mirrors into the
// shadow ledger, then runs the decision pipeline for both executable scopes.
func (e *Engine) groupWorker() {
	for g := range e.groupCh {
		if !e.mgr.EngineEnabled() {
			e.logger.Debug("engine paused, dropping group", "group", g.GroupKey)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		if err := e.exec.MirrorShadow(ctx, g); err != nil {
			e.logger.Error("shadow mirror failed", "group", g.GroupKey, "error", err)
		}
		for _, scope := range []types.PortfolioScope{types.ScopeExecGlobal, types.ScopeExecUser} {
			if err := e.exec.Process(ctx, scope, g); err != nil {
				e.logger.Error("decision failed", "scope", scope, "group", g.GroupKey, "error", err)
			}
		}
		cancel()
	}
}

func (e *Engine) activityWorker() {
	for g := range e.activityCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.exec.SkipActivity(ctx, types.ScopeExecGlobal, g); err != nil {
			e.logger.Error("activity skip failed", "group", g.GroupKey, "error", err)
		}
		cancel()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Accessors for the operator API
// ————————————————————————————————————————————————————————————————————————

// Store exposes persistence for the read-only API.
func (e *Engine) Store() *store.Store { return e.store }

// ConfigManager exposes the runtime configuration.
func (e *Engine) ConfigManager() *config.Manager { return e.mgr }

// Executor exposes the decision pipeline for the replay endpoint.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// Portfolio exposes the derived state reader.
func (e *Engine) Portfolio() *portfolio.Reader { return e.portfolio }

// FeedConnected reports market WS health.
func (e *Engine) FeedConnected() bool { return e.feed.Connected() }
