// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Scanner polls every pair in the configured universe for a
//     MarketSnapshot (price, volume, spread, ATR14, session VWAP) and a
//     quality-gate verdict.
//  2. Generator runs the four playbooks against gate-passing snapshots.
//  3. Risk Manager sizes each candidate with Kelly sizing, runs the ordered
//     pre-trade gates, and can trip a daily/weekly kill switch.
//  4. Execution Router shapes price, picks order type, and submits.
//  5. Position Manager monitors open positions for stop/target/time-stop
//     exits.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"usspot-engine/internal/config"
	"usspot-engine/internal/exchange"
	"usspot-engine/internal/execution"
	"usspot-engine/internal/market"
	"usspot-engine/internal/risk"
	"usspot-engine/internal/signal"
	"usspot-engine/internal/store"
	"usspot-engine/pkg/types"
)

const (
	defaultMonitorInterval  = 30 * time.Second
	defaultHealthInterval   = 30 * time.Second
	listenKeyKeepAliveEvery = 30 * time.Minute
	filterRefreshEvery      = 24 * time.Hour
)

// maxHoldByPlaybook bounds how long a position may stay open before the
// time-stop forces an exit, regardless of stop/target. Event-driven entries
// (Playbook C) decay fastest; trend/dip entries (A/D) are given the most
// room; mean-reversion entries (B) target VWAP on a shorter clock.
var maxHoldByPlaybook = map[types.Playbook]time.Duration{
	types.PlaybookBreakoutTrend: 4 * time.Hour,
	types.PlaybookVWAPRevert:    2 * time.Hour,
	types.PlaybookEventBurst:    1 * time.Hour,
	types.PlaybookDipPullback:   6 * time.Hour,
}

// Engine orchestrates all components of the trading system. It owns the
// lifecycle of all goroutines and the in-memory BotState.
type Engine struct {
	cfg     config.Config
	client  *exchange.Client
	cache   *exchange.Cache
	filters *exchange.FilterService
	book    *market.Book
	wsFeed  *exchange.WSFeed
	scanner *market.Scanner
	gen     *signal.Generator
	riskMgr *risk.Manager
	router  *execution.Router
	st      *store.Store
	logger  *slog.Logger

	stateMu   sync.Mutex
	state     types.BotState
	listenKey string

	positionsMu sync.Mutex
	positions   map[string]*types.Position // keyed by EntryOrderID

	lotSeq   int
	lotSeqMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("build auth: %w", err)
	}
	client := exchange.NewClient(cfg, auth, logger)
	cache := exchange.NewCache()
	filters := exchange.NewFilterService(client, logger)
	book := market.NewBook()
	wsFeed := exchange.NewTickerFeed(cfg.Venue.WSBaseURL, logger)
	scanner := market.NewScanner(cfg, client, cache, book, logger)
	gen := signal.NewGenerator(cfg.Signal)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	router := execution.NewRouter(cfg, client, filters, book, logger)

	st, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		client:    client,
		cache:     cache,
		filters:   filters,
		book:      book,
		wsFeed:    wsFeed,
		scanner:   scanner,
		gen:       gen,
		riskMgr:   riskMgr,
		router:    router,
		st:        st,
		logger:    logger.With("component", "engine"),
		positions: make(map[string]*types.Position),
		ctx:       ctx,
		cancel:    cancel,
	}

	if saved, err := st.LoadBotState(ctx); err != nil {
		e.logger.Warn("failed to load bot state, starting fresh", "error", err)
	} else if saved != nil {
		e.state = *saved
	} else {
		e.state = types.BotState{Status: types.StatusRunning, LastSignalAt: map[string]time.Time{}, SessionCounters: map[string]int{}}
	}
	if e.state.LastSignalAt == nil {
		e.state.LastSignalAt = map[string]time.Time{}
	}
	if e.state.SessionCounters == nil {
		e.state.SessionCounters = map[string]int{}
	}

	if positions, err := st.LoadOpenPositions(ctx); err != nil {
		e.logger.Warn("failed to load open positions, starting fresh", "error", err)
	} else {
		for i := range positions {
			p := positions[i]
			e.positions[p.EntryOrderID] = &p
		}
	}

	return e, nil
}

// Start launches all background goroutines: the ticker feed, the scan task,
// the position monitor, the kill-switch listener, the health check, the
// listen-key keepalive, the daily filter refresh, and the clock sync.
func (e *Engine) Start() error {
	if err := e.client.SyncClock(e.ctx); err != nil {
		e.logger.Warn("initial clock sync failed", "error", err)
	}

	if err := e.filters.Refresh(e.ctx); err != nil {
		return fmt.Errorf("initial filter refresh: %w", err)
	}

	if err := e.wsFeed.Subscribe(e.cfg.Scanner.Universe); err != nil {
		e.logger.Warn("ticker feed subscribe failed", "error", err)
	}

	listenKey, err := e.client.StartUserDataStream(e.ctx)
	if err != nil {
		e.logger.Warn("failed to start user data stream", "error", err)
	}
	e.listenKey = listenKey

	e.runTask("ticker-feed", func(ctx context.Context) {
		if err := e.wsFeed.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("ticker feed error", "error", err)
		}
	})
	e.runTask("ticker-dispatch", e.dispatchTickerEvents)
	e.runTask("scanner", e.scanner.Run)
	e.runTask("scan", e.scanLoop)
	e.runTask("position-monitor", e.monitorLoop)
	e.runTask("kill-switch", e.killSwitchLoop)
	e.runTask("health-check", e.healthCheckLoop)
	e.runTask("listen-key-keepalive", e.listenKeyKeepAliveLoop)
	e.runTask("filter-refresh", e.filterRefreshLoop)
	e.runTask("clock-sync", e.clockSyncLoop)

	return nil
}

// clockSyncLoop periodically re-synchronizes the exchange client's clock
// offset against the venue's server time (§4.1, §5).
func (e *Engine) clockSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(exchange.ClockSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.client.SyncClock(ctx); err != nil {
				e.logger.Warn("clock sync failed", "error", err)
			}
		}
	}
}

// runTask launches fn in a tracked goroutine bound to the engine's lifetime context.
func (e *Engine) runTask(name string, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
		e.logger.Debug("task stopped", "task", name)
	}()
}

// Stop gracefully shuts down: cancels all contexts, cancels every open venue
// order as a safety net, persists final state, waits for goroutines, and
// closes transports.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	e.cancelAllOpenOrders(cancelCtx)
	cancelCancel()

	e.persistAll(context.Background())

	e.wg.Wait()

	_ = e.wsFeed.Close()
	if e.listenKey != "" {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.client.CloseUserDataStream(closeCtx, e.listenKey); err != nil {
			e.logger.Error("failed to close user data stream", "error", err)
		}
		closeCancel()
	}
	if err := e.st.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

func (e *Engine) cancelAllOpenOrders(ctx context.Context) {
	for _, pair := range e.cfg.Scanner.Universe {
		acks, err := e.client.OpenOrders(ctx, pair)
		if err != nil {
			e.logger.Error("failed to list open orders on shutdown", "pair", pair, "error", err)
			continue
		}
		for _, ack := range acks {
			if err := e.client.CancelOrder(ctx, pair, ack.OrderID); err != nil {
				e.logger.Error("failed to cancel order on shutdown", "pair", pair, "order_id", ack.OrderID, "error", err)
			}
		}
	}
}

func (e *Engine) persistAll(ctx context.Context) {
	e.positionsMu.Lock()
	for _, pos := range e.positions {
		if err := e.st.SavePosition(ctx, *pos); err != nil {
			e.logger.Error("failed to save position", "pair", pos.Pair, "error", err)
		}
	}
	e.positionsMu.Unlock()

	e.stateMu.Lock()
	state := e.state
	e.stateMu.Unlock()
	if err := e.st.SaveBotState(ctx, state); err != nil {
		e.logger.Error("failed to save bot state", "error", err)
	}
}

// dispatchTickerEvents feeds WebSocket ticker updates into the top-of-book
// mirror used by the scanner and router.
func (e *Engine) dispatchTickerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-e.wsFeed.TickerEvents():
			e.book.Update(payload)
		}
	}
}

// killSwitchLoop watches the risk manager's kill channel and flips BotState
// to halted. Existing positions continue to be managed; only new entries stop.
func (e *Engine) killSwitchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kill := <-e.riskMgr.KillCh():
			e.stateMu.Lock()
			e.state.Status = kill.Status
			e.stateMu.Unlock()
			e.logger.Error("kill switch engaged", "status", kill.Status, "reason", kill.Reason)
		}
	}
}

// healthCheckLoop periodically verifies gateway reachability and flips
// BotState's connectivity flag. Ambient observability, not an HTTP surface.
func (e *Engine) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(defaultHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.client.Ping(ctx)
			e.stateMu.Lock()
			e.state.Connected = err == nil
			e.stateMu.Unlock()
			if err != nil {
				e.logger.Warn("health check ping failed", "error", err)
			}
		}
	}
}

func (e *Engine) listenKeyKeepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.listenKey == "" {
				continue
			}
			if err := e.client.KeepAliveUserDataStream(ctx, e.listenKey); err != nil {
				e.logger.Error("listen key keepalive failed", "error", err)
			}
		}
	}
}

func (e *Engine) filterRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(filterRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.filters.Refresh(ctx); err != nil {
				e.logger.Error("daily filter refresh failed", "error", err)
			}
		}
	}
}

// scanLoop consumes the scanner's results as they arrive (the scanner owns
// its own polling cadence — see market.Scanner.Run) and runs generator → risk →
// router over each gate-passing snapshot.
func (e *Engine) scanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshots := <-e.scanner.Results():
			e.processSnapshots(ctx, snapshots)
		}
	}
}

func (e *Engine) processSnapshots(ctx context.Context, snapshots []types.MarketSnapshot) {
	var wg sync.WaitGroup
	for _, snap := range snapshots {
		if !snap.GatePass {
			continue
		}
		wg.Add(1)
		go func(snap types.MarketSnapshot) {
			defer wg.Done()
			e.processPair(ctx, snap)
		}(snap)
	}
	wg.Wait()

	e.stateMu.Lock()
	e.state.LastScanAt = time.Now()
	e.stateMu.Unlock()
}

func (e *Engine) processPair(ctx context.Context, snap types.MarketSnapshot) {
	klines, err := e.buildKlineSet(ctx, snap.Pair)
	if err != nil {
		e.logger.Warn("kline fetch failed, skipping pair this tick", "pair", snap.Pair, "error", err)
		return
	}

	results := e.gen.Generate(time.Now(), snap, klines)
	for _, result := range results {
		e.handleCandidate(ctx, result, snap.SessionVWAP)
	}
}

func (e *Engine) buildKlineSet(ctx context.Context, pair string) (signal.KlineSet, error) {
	h1, err := e.client.Klines(ctx, pair, "1h", 24)
	if err != nil {
		return signal.KlineSet{}, fmt.Errorf("1h klines: %w", err)
	}
	m15, err := e.client.Klines(ctx, pair, "15m", 96)
	if err != nil {
		return signal.KlineSet{}, fmt.Errorf("15m klines: %w", err)
	}
	m5, err := e.client.Klines(ctx, pair, "5m", 60)
	if err != nil {
		return signal.KlineSet{}, fmt.Errorf("5m klines: %w", err)
	}
	return signal.KlineSet{H1: h1, M15: m15, M5: m5}, nil
}

func (e *Engine) handleCandidate(ctx context.Context, result signal.Result, sessionVWAP float64) {
	if result.Skipped {
		e.recordSignal(ctx, result.Signal, types.ActionSkipped, result.SkipReason)
		return
	}

	sig := result.Signal

	e.stateMu.Lock()
	halted := e.state.Status != types.StatusRunning
	equity := e.state.CurrentEquity
	peak := e.state.PeakEquity
	sessionCount := e.state.SessionCounters[sig.Pair]
	lastSignalAt := e.state.LastSignalAt[sig.Pair]
	e.stateMu.Unlock()

	if halted {
		e.recordSignal(ctx, sig, types.ActionSkipped, "bot halted")
		return
	}

	bid, ask, ok := e.book.BestBidAsk(sig.Pair)
	currentPrice := sig.Entry
	if ok {
		currentPrice = (bid + ask) / 2
	}

	openPositions := e.heatPositions()

	input := risk.SizingInput{
		Signal:             sig,
		CurrentPrice:       currentPrice,
		Equity:             equity,
		PeakEquity:         peak,
		OpenPositions:      openPositions,
		PlaybookTradeCount: e.playbookTradeCount(sig.Playbook),
		Stats:              e.tradeStatsFor(ctx, sig.Pair, sig.Playbook),
		SessionCountB:      sessionCount,
		MaxTradesPerSessB:  e.cfg.Signal.MaxTradesPerSessionB,
		LastSignalAt:       lastSignalAt,
		CooldownPeriod:     e.cfg.Scanner.CooldownPeriod,
		BotState:           e.currentState(),
	}

	decision, err := e.riskMgr.Evaluate(input)
	if err != nil {
		e.recordSignal(ctx, sig, types.ActionSkipped, err.Error())
		return
	}

	qty := decision.NotionalQuote / sig.Entry

	order, err := e.router.Execute(ctx, sig, qty, sessionVWAP)
	if err != nil {
		e.recordSignal(ctx, sig, types.ActionSkipped, fmt.Sprintf("execution failed: %v", err))
		return
	}

	e.recordSignal(ctx, sig, types.ActionExecuted, decision.Reasoning)
	e.gen.RecordExecution(sig.Playbook, sig.Pair)

	e.stateMu.Lock()
	e.state.LastSignalAt[sig.Pair] = time.Now()
	if sig.Playbook == types.PlaybookVWAPRevert {
		e.state.SessionCounters[sig.Pair]++
	}
	e.stateMu.Unlock()

	if order.Status == types.OrderFilled {
		e.openPosition(ctx, sig, order)
	}
	if err := e.st.SaveOrder(ctx, *order); err != nil {
		e.logger.Error("failed to persist order", "pair", sig.Pair, "error", err)
	}
}

func (e *Engine) openPosition(ctx context.Context, sig types.Signal, order *types.Order) {
	if sig.Side == types.BUY {
		e.lotSeqMu.Lock()
		e.lotSeq++
		seq := e.lotSeq
		e.lotSeqMu.Unlock()

		lot := execution.CreateLot(order, seq, time.Now())
		if err := e.st.SaveLot(ctx, lot); err != nil {
			e.logger.Error("failed to persist lot", "pair", sig.Pair, "error", err)
		}
	}

	side := types.Long
	if sig.Side == types.SELL {
		side = types.Short
	}

	pos := &types.Position{
		Pair:         sig.Pair,
		Side:         side,
		Playbook:     sig.Playbook,
		EntryOrderID: order.ClientOrderID,
		EntryPrice:   order.AvgFillPrice,
		CurrentPrice: order.AvgFillPrice,
		StopPrice:    sig.Stop,
		TargetPrice:  sig.Target,
		Quantity:     order.FilledQty,
		Status:       types.PositionOpen,
		OpenedAt:     time.Now(),
	}

	e.positionsMu.Lock()
	e.positions[pos.EntryOrderID] = pos
	e.positionsMu.Unlock()

	if err := e.st.SavePosition(ctx, *pos); err != nil {
		e.logger.Error("failed to persist position", "pair", sig.Pair, "error", err)
	}
}

func (e *Engine) recordSignal(ctx context.Context, sig types.Signal, action types.SignalAction, reason string) {
	rec := store.SignalRecord{Signal: sig, Action: action, Reason: reason}
	if err := e.st.SaveSignal(ctx, fmt.Sprintf("%s-%d", sig.Pair, sig.GeneratedAt.UnixNano()), rec); err != nil {
		e.logger.Error("failed to persist signal", "pair", sig.Pair, "error", err)
	}
}

func (e *Engine) heatPositions() []risk.HeatPosition {
	e.positionsMu.Lock()
	defer e.positionsMu.Unlock()
	out := make([]risk.HeatPosition, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, risk.HeatPosition{Entry: pos.EntryPrice, Stop: pos.StopPrice, Quantity: pos.Quantity})
	}
	return out
}

// tradeStatsFor loads the pair's 100 most recent closed trades and computes
// the win rate and win/loss ratio over those belonging to playbook. Manager
// falls back to its own defaults when SampleSize < 5.
func (e *Engine) tradeStatsFor(ctx context.Context, pair string, playbook types.Playbook) risk.TradeStats {
	trades, err := e.st.LoadRecentTrades(ctx, pair, 100)
	if err != nil {
		e.logger.Warn("failed to load trade history for sizing", "pair", pair, "error", err)
		return risk.TradeStats{}
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, t := range trades {
		if t.Playbook != playbook {
			continue
		}
		switch {
		case t.RealizedPnL > 0:
			wins++
			winSum += t.RealizedPnL
		case t.RealizedPnL < 0:
			losses++
			lossSum += -t.RealizedPnL
		}
	}

	total := wins + losses
	if total == 0 {
		return risk.TradeStats{}
	}

	stats := risk.TradeStats{WinRate: float64(wins) / float64(total), SampleSize: total}
	if losses > 0 && wins > 0 {
		avgWin := winSum / float64(wins)
		avgLoss := lossSum / float64(losses)
		if avgLoss > 0 {
			stats.WinLossRatio = avgWin / avgLoss
		}
	}
	return stats
}

func (e *Engine) playbookTradeCount(playbook types.Playbook) int {
	e.positionsMu.Lock()
	defer e.positionsMu.Unlock()
	count := 0
	for _, pos := range e.positions {
		if pos.Playbook == playbook {
			count++
		}
	}
	return count
}

func (e *Engine) currentState() types.BotState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// monitorLoop runs the position-monitor task at a fixed cadence: refresh
// prices, check stop before target on the same bar, apply the playbook's
// time-stop, and route exits.
func (e *Engine) monitorLoop(ctx context.Context) {
	interval := defaultMonitorInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorTick(ctx)
		}
	}
}

func (e *Engine) monitorTick(ctx context.Context) {
	e.positionsMu.Lock()
	snapshot := make([]*types.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		snapshot = append(snapshot, pos)
	}
	e.positionsMu.Unlock()

	for _, pos := range snapshot {
		e.monitorOne(ctx, pos)
	}
}

func (e *Engine) monitorOne(ctx context.Context, pos *types.Position) {
	last, ok := e.book.LastPrice(pos.Pair)
	if !ok {
		return
	}
	pos.CurrentPrice = last
	pos.UnrealizedPnL = positionPnL(pos, last)

	reason, shouldClose := closeReasonFor(pos, last, e.exceedsTimeStop(pos))
	if !shouldClose {
		return
	}

	exitSide := types.SELL
	if pos.Side == types.Short {
		exitSide = types.BUY
	}

	order, err := e.router.ExecuteClose(ctx, pos.Pair, exitSide, pos.Quantity)
	if err != nil {
		e.logger.Error("exit order failed", "pair", pos.Pair, "reason", reason, "error", err)
		return
	}

	pos.Status = types.PositionClosed
	pos.ClosedAt = time.Now()
	pos.CloseReason = reason
	if order.Status == types.OrderFilled {
		pos.RealizedPnL = positionPnL(pos, order.AvgFillPrice)
	}

	e.positionsMu.Lock()
	delete(e.positions, pos.EntryOrderID)
	e.positionsMu.Unlock()

	if err := e.st.SaveTrade(ctx, *pos); err != nil {
		e.logger.Error("failed to persist trade", "pair", pos.Pair, "error", err)
	}
	if err := e.st.SavePosition(ctx, *pos); err != nil {
		e.logger.Error("failed to persist closed position", "pair", pos.Pair, "error", err)
	}

	e.applyPnL(ctx, pos.RealizedPnL)
}

// closeReasonFor applies the exit priority order for one position on one
// price tick: stop-loss beats target beats time-stop, all on the same bar.
// A LONG is stopped below entry and targets above; a SHORT is the mirror.
func closeReasonFor(pos *types.Position, lastPrice float64, timeStopExceeded bool) (types.CloseReason, bool) {
	stopHit := lastPrice <= pos.StopPrice
	targetHit := pos.TargetPrice > 0 && lastPrice >= pos.TargetPrice
	if pos.Side == types.Short {
		stopHit = lastPrice >= pos.StopPrice
		targetHit = pos.TargetPrice > 0 && lastPrice <= pos.TargetPrice
	}

	switch {
	case stopHit:
		return types.CloseStopLoss, true
	case targetHit:
		return types.CloseTarget, true
	case timeStopExceeded:
		return types.CloseTimeStop, true
	default:
		return "", false
	}
}

// positionPnL values a position at the given price, accounting for
// direction: a LONG profits as price rises, a SHORT as it falls.
func positionPnL(pos *types.Position, price float64) float64 {
	diff := price - pos.EntryPrice
	if pos.Side == types.Short {
		diff = -diff
	}
	return diff * pos.Quantity
}

func (e *Engine) exceedsTimeStop(pos *types.Position) bool {
	maxHold, ok := maxHoldByPlaybook[pos.Playbook]
	if !ok {
		return false
	}
	return time.Since(pos.OpenedAt) > maxHold
}

func (e *Engine) applyPnL(ctx context.Context, realized float64) {
	e.stateMu.Lock()
	e.state.CurrentEquity += realized
	if e.state.CurrentEquity > e.state.PeakEquity {
		e.state.PeakEquity = e.state.CurrentEquity
	}
	e.state.DailyPnLDollars += realized
	e.state.WeeklyPnLDollars += realized
	e.state.DailyPnLR = dollarsToR(e.state.DailyPnLDollars, e.state.StartingEquity, e.cfg.Risk.RPercent)
	e.state.WeeklyPnLR = dollarsToR(e.state.WeeklyPnLDollars, e.state.StartingEquity, e.cfg.Risk.RPercent)
	state := e.state
	e.stateMu.Unlock()

	e.riskMgr.ReportPnL(ctx, state)

	if err := e.st.SaveBotState(ctx, state); err != nil {
		e.logger.Error("failed to persist bot state after pnl update", "error", err)
	}
}

// dollarsToR converts a dollar PnL figure into R-units, one R being the
// dollar value of the configured per-trade risk against the day's starting
// equity (per the R glossary definition: R = RPercent · equity).
func dollarsToR(dollars, startingEquity, rPercent float64) float64 {
	rUnit := startingEquity * rPercent
	if rUnit <= 0 {
		return 0
	}
	return dollars / rUnit
}
