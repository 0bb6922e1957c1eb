// Package risk implements the Risk & Sizing Engine: Kelly-fraction position
// sizing, the ordered risk-adjustment chain, portfolio heat, and the ordered
// pre-trade gates that decide whether an approved Signal becomes an order.
//
// Manager also tracks the daily/weekly loss kill switch: whenever the
// supervisor reports updated PnL via ReportPnL, a breach emits a KillSignal
// on KillCh() the same way the teacher's risk manager emits kill signals for
// exposure/price-movement breaches — the engine reads the channel and halts
// new entries while existing positions continue to be managed.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"usspot-engine/internal/apperr"
	"usspot-engine/internal/config"
	"usspot-engine/pkg/types"
)

// defaultKellyCap is the conservative fraction-of-full-Kelly the sizing formula
// applies; overridden by config.RiskConfig.KellyCap when set.
const defaultKellyCap = 0.25

const (
	maxEntryPrice      = 10_000_000.0
	maxPriceDeviation  = 0.50
	drawdownDampenAt   = 0.05
	stopWidthNormalAt  = 0.03
	sampleDampenBelow  = 20
	hardCapFraction    = 0.10
	hardFloorNotional  = 100.0
)

// TradeStats summarizes a playbook's recent (≤100) trade outcomes, used as
// Kelly's win-rate/win-loss-ratio/sample-size inputs.
type TradeStats struct {
	WinRate      float64
	WinLossRatio float64
	SampleSize   int
}

// defaultTradeStats are used whenever a playbook has fewer than 5 recorded trades.
var defaultTradeStats = TradeStats{WinRate: 0.5, WinLossRatio: 1.5, SampleSize: 0}

// HeatPosition is the minimal shape the portfolio-heat calculation needs from
// each currently open position.
type HeatPosition struct {
	Entry    float64
	Stop     float64
	Quantity float64
}

// KillSignal tells the engine to halt new entries. Existing positions keep
// being managed by the position monitor.
type KillSignal struct {
	Status types.BotHaltStatus
	Reason string
}

// SizingInput bundles everything Evaluate needs to size and gate one
// approved candidate signal.
type SizingInput struct {
	Signal             types.Signal
	CurrentPrice       float64
	Equity             float64
	PeakEquity         float64
	OpenPositions      []HeatPosition
	PlaybookTradeCount int
	Stats              TradeStats
	SessionCountB      int
	MaxTradesPerSessB  int
	LastSignalAt       time.Time
	CooldownPeriod     time.Duration
	BotState           types.BotState
}

// Manager computes Kelly-based position sizing, enforces the ordered
// pre-trade gates, and tracks the daily/weekly loss kill switch.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.Mutex
	killSwitchActive bool
	killStatus       types.BotHaltStatus

	killCh chan KillSignal
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		killCh: make(chan KillSignal, 10),
	}
}

// KillCh returns the channel the engine reads kill signals from.
func (m *Manager) KillCh() <-chan KillSignal {
	return m.killCh
}

// IsHalted reports whether the kill switch is currently engaged.
func (m *Manager) IsHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitchActive
}

// Reset clears the kill switch (operator-initiated, per §4.7's "reject
// further entries until operator reset").
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchActive = false
	m.killStatus = types.StatusRunning
	m.logger.Info("kill switch reset by operator")
}

// ReportPnL checks the daily/weekly loss thresholds and engages the kill
// switch if either is breached.
func (m *Manager) ReportPnL(ctx context.Context, state types.BotState) {
	if state.DailyPnLR <= -m.cfg.MaxDailyLossR {
		m.emitKill(types.StatusHaltedDaily, fmt.Sprintf("daily loss %.2fR breached limit %.2fR", state.DailyPnLR, m.cfg.MaxDailyLossR))
		return
	}
	if state.WeeklyPnLR <= -m.cfg.MaxWeeklyLossR {
		m.emitKill(types.StatusHaltedWeek, fmt.Sprintf("weekly loss %.2fR breached limit %.2fR", state.WeeklyPnLR, m.cfg.MaxWeeklyLossR))
	}
}

func (m *Manager) emitKill(status types.BotHaltStatus, reason string) {
	m.mu.Lock()
	alreadyActive := m.killSwitchActive
	m.killSwitchActive = true
	m.killStatus = status
	m.mu.Unlock()

	if alreadyActive {
		return
	}

	m.logger.Error("KILL SWITCH", "status", status, "reason", reason)

	sig := KillSignal{Status: status, Reason: reason}
	select {
	case m.killCh <- sig:
	default:
		select {
		case <-m.killCh:
		default:
		}
		m.killCh <- sig
	}
}

// KellyFraction computes the Kelly-criterion position-sizing fraction,
// falling back to defaultTradeStats when fewer than 5 trades are on record.
func (m *Manager) KellyFraction(stats TradeStats) float64 {
	p, b, conf := stats.WinRate, stats.WinLossRatio, 0.0

	if stats.SampleSize < 5 {
		p, b = defaultTradeStats.WinRate, defaultTradeStats.WinLossRatio
		conf = defaultTradeStats.SampleSize2Conf()
	} else {
		sampleConf := math.Min(1, float64(stats.SampleSize)/100)
		edgeConf := clip(p*b-(1-p), 0, 1)
		conf = (sampleConf + edgeConf) / 2
	}

	if b == 0 {
		return 0
	}

	raw := (b*p - (1 - p)) / b
	kellyCap := m.cfg.KellyCap
	if kellyCap == 0 {
		kellyCap = defaultKellyCap
	}

	kelly := raw * conf * kellyCap
	if kelly < 0 {
		kelly = 0
	}
	return kelly
}

// SampleSize2Conf is the fixed confidence (0.5) used with defaultTradeStats.
func (TradeStats) SampleSize2Conf() float64 { return 0.5 }

// AdjustedFraction applies the three multiplicative risk adjustments, in
// order: drawdown damping, stop-width normalization, sample dampening. The
// hard cap/floor are applied later, against notional dollars, by Evaluate.
func AdjustedFraction(kelly, drawdownFromPeak, stopDistancePct float64, playbookTradeCount int) float64 {
	adj := kelly

	if drawdownFromPeak > drawdownDampenAt {
		adj *= math.Max(0.5, 1-2*drawdownFromPeak)
	}
	if stopDistancePct > stopWidthNormalAt {
		adj *= stopWidthNormalAt / stopDistancePct
	}
	if playbookTradeCount < sampleDampenBelow {
		adj *= float64(playbookTradeCount) / sampleDampenBelow
	}

	return adj
}

// PortfolioHeat sums |entry-stop|*quantity across all open positions,
// expressed as a fraction of equity.
func PortfolioHeat(positions []HeatPosition, equity float64) float64 {
	if equity == 0 {
		return 0
	}
	var sum float64
	for _, p := range positions {
		sum += math.Abs(p.Entry-p.Stop) * p.Quantity
	}
	return sum / equity
}

// Evaluate runs Kelly sizing and the ordered pre-trade gates (a)-(g) for one
// approved candidate signal, returning a SizingDecision on success or an
// *apperr.RiskBlocked on the first failing gate.
func (m *Manager) Evaluate(input SizingInput) (*types.SizingDecision, error) {
	sig := input.Signal

	// (a) entry sanity
	if sig.Entry <= 0 || sig.Entry > maxEntryPrice {
		return nil, &apperr.RiskBlocked{Pair: sig.Pair, Gate: "entry_sanity", Reason: fmt.Sprintf("entry %.8f outside (0, %.0f]", sig.Entry, maxEntryPrice)}
	}
	// (b) stop required
	if sig.Stop <= 0 {
		return nil, &apperr.RiskBlocked{Pair: sig.Pair, Gate: "stop_required", Reason: "stop price must be positive"}
	}
	// (c) current price deviation from signal entry
	if input.CurrentPrice > 0 {
		dev := math.Abs(input.CurrentPrice-sig.Entry) / input.CurrentPrice
		if dev > maxPriceDeviation {
			return nil, &apperr.RiskBlocked{Pair: sig.Pair, Gate: "price_deviation", Reason: fmt.Sprintf("current price deviates %.2f%% from signal entry, exceeds %.0f%%", dev*100, maxPriceDeviation*100)}
		}
	}

	kelly := m.KellyFraction(input.Stats)
	drawdown := 0.0
	if input.PeakEquity > 0 {
		drawdown = (input.PeakEquity - input.Equity) / input.PeakEquity
	}
	stopDistancePct := math.Abs(sig.Entry-sig.Stop) / sig.Entry
	adjusted := AdjustedFraction(kelly, drawdown, stopDistancePct, input.PlaybookTradeCount)

	notional := input.Equity * adjusted
	if cap := input.Equity * hardCapFraction; notional > cap {
		notional = cap
	}
	if notional > 0 && notional < hardFloorNotional {
		notional = hardFloorNotional
	}

	quantity := 0.0
	if sig.Entry > 0 {
		quantity = notional / sig.Entry
	}
	newRisk := math.Abs(sig.Entry-sig.Stop) * quantity

	// (d) portfolio heat
	heat := PortfolioHeat(input.OpenPositions, input.Equity)
	ceiling := m.cfg.MaxExposurePercent
	if ceiling == 0 {
		ceiling = 0.20
	}
	if input.Equity > 0 && heat+newRisk/input.Equity > ceiling {
		return nil, &apperr.RiskBlocked{Pair: sig.Pair, Gate: "portfolio_heat", Reason: fmt.Sprintf("heat %.4f + new risk %.4f exceeds ceiling %.4f", heat, newRisk/input.Equity, ceiling)}
	}

	// (e) cooldown
	if input.CooldownPeriod > 0 && !input.LastSignalAt.IsZero() && time.Since(input.LastSignalAt) < input.CooldownPeriod {
		return nil, &apperr.RiskBlocked{Pair: sig.Pair, Gate: "cooldown", Reason: fmt.Sprintf("last signal %s ago, cooldown is %s", time.Since(input.LastSignalAt), input.CooldownPeriod)}
	}

	// (f) playbook-specific caps (Playbook B's per-pair per-session count)
	if sig.Playbook == types.PlaybookVWAPRevert && input.MaxTradesPerSessB > 0 && input.SessionCountB >= input.MaxTradesPerSessB {
		return nil, &apperr.RiskBlocked{Pair: sig.Pair, Gate: "playbook_session_cap", Reason: fmt.Sprintf("playbook B session count %d reached cap %d", input.SessionCountB, input.MaxTradesPerSessB)}
	}

	// (g) daily/weekly loss halt flags
	if input.BotState.Status == types.StatusHaltedDaily || input.BotState.Status == types.StatusHaltedWeek {
		return nil, &apperr.RiskBlocked{Pair: sig.Pair, Gate: "kill_switch", Reason: fmt.Sprintf("bot halted: %s", input.BotState.Status)}
	}

	tier := "standard"
	if sig.IsEvent {
		tier = "event"
	}

	return &types.SizingDecision{
		KellyFraction:    kelly,
		AdjustedFraction: adjusted,
		NotionalQuote:    notional,
		Reasoning:        fmt.Sprintf("kelly=%.4f adjusted=%.4f notional=%.2f heat=%.4f drawdown=%.4f", kelly, adjusted, notional, heat, drawdown),
		RiskTier:         tier,
	}, nil
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
