package risk

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"usspot-engine/internal/apperr"
	"usspot-engine/internal/config"
	"usspot-engine/pkg/types"
)

func newTestManager(cfg config.RiskConfig) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, logger)
}

// TestKellyFractionWorkedExample mirrors the spec's literal example:
// p=0.55, b=2.0, N=40 -> raw=0.325, sampleConfidence=0.4, edgeConfidence=0.65,
// c=0.525, kelly ≈ 0.0427 at the default quarter-Kelly cap.
func TestKellyFractionWorkedExample(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25})

	kelly := m.KellyFraction(TradeStats{WinRate: 0.55, WinLossRatio: 2.0, SampleSize: 40})
	if math.Abs(kelly-0.0427) > 0.001 {
		t.Errorf("KellyFraction = %.4f, want ~0.0427", kelly)
	}
}

func TestKellyFractionDefaultsBelowFiveTrades(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25})

	// p=0.5, b=1.5, c=0.5 -> raw=(1.5*0.5-0.5)/1.5=1/6, kelly=1/6*0.5*0.25
	kelly := m.KellyFraction(TradeStats{WinRate: 0.9, WinLossRatio: 5, SampleSize: 2})
	want := (1.5*0.5 - 0.5) / 1.5 * 0.5 * 0.25
	if math.Abs(kelly-want) > 1e-9 {
		t.Errorf("KellyFraction = %.6f, want %.6f (default stats used with < 5 trades)", kelly, want)
	}
}

func TestKellyFractionNeverNegative(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25})

	kelly := m.KellyFraction(TradeStats{WinRate: 0.1, WinLossRatio: 0.5, SampleSize: 50})
	if kelly < 0 {
		t.Errorf("KellyFraction = %v, want >= 0", kelly)
	}
}

func TestAdjustedFractionDrawdownDamping(t *testing.T) {
	t.Parallel()
	// drawdown of 10% -> multiplier max(0.5, 1-0.2) = 0.8
	adj := AdjustedFraction(0.1, 0.10, 0.01, 50)
	if math.Abs(adj-0.08) > 1e-9 {
		t.Errorf("AdjustedFraction = %.4f, want 0.08", adj)
	}
}

func TestAdjustedFractionDrawdownFloorsAtHalf(t *testing.T) {
	t.Parallel()
	// drawdown of 50% -> multiplier floors at 0.5, not 1-1.0=0
	adj := AdjustedFraction(0.1, 0.50, 0.01, 50)
	if math.Abs(adj-0.05) > 1e-9 {
		t.Errorf("AdjustedFraction = %.4f, want 0.05", adj)
	}
}

func TestAdjustedFractionStopWidthNormalization(t *testing.T) {
	t.Parallel()
	// stop distance 6% > 3% threshold -> multiply by 3/6 = 0.5
	adj := AdjustedFraction(0.1, 0, 0.06, 50)
	if math.Abs(adj-0.05) > 1e-9 {
		t.Errorf("AdjustedFraction = %.4f, want 0.05", adj)
	}
}

func TestAdjustedFractionSampleDampening(t *testing.T) {
	t.Parallel()
	// playbook trade count 10 < 20 -> multiply by 10/20 = 0.5
	adj := AdjustedFraction(0.1, 0, 0.01, 10)
	if math.Abs(adj-0.05) > 1e-9 {
		t.Errorf("AdjustedFraction = %.4f, want 0.05", adj)
	}
}

func TestAdjustedFractionNoAdjustmentsAboveThresholds(t *testing.T) {
	t.Parallel()
	adj := AdjustedFraction(0.1, 0.01, 0.01, 50)
	if math.Abs(adj-0.1) > 1e-9 {
		t.Errorf("AdjustedFraction = %.4f, want 0.1 (no adjustment triggered)", adj)
	}
}

// TestPortfolioHeatWorkedExample sums two open positions'
// |entry-stop|*quantity against equity.
func TestPortfolioHeatWorkedExample(t *testing.T) {
	t.Parallel()
	positions := []HeatPosition{
		{Entry: 100, Stop: 98, Quantity: 100}, // risk 200
		{Entry: 50, Stop: 48, Quantity: 100},  // risk 200
	}
	equity := 10000.0
	heat := PortfolioHeat(positions, equity)
	if math.Abs(heat-0.04) > 1e-9 {
		t.Fatalf("PortfolioHeat = %.4f, want 0.04", heat)
	}
}

func TestEvaluateRejectsOnPortfolioHeatCeiling(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25, MaxExposurePercent: 0.20})

	// Existing heat already at 0.22 of equity (above the 0.20 ceiling) so any
	// new candidate, however small its own risk, is rejected.
	equity := 10000.0
	positions := []HeatPosition{
		{Entry: 100, Stop: 78, Quantity: 100}, // risk 2200 -> heat 0.22
	}

	input := SizingInput{
		Signal:             types.Signal{Pair: "BTCUSDT", Side: types.BUY, Entry: 50000, Stop: 49000},
		CurrentPrice:       50000,
		Equity:             equity,
		PeakEquity:         equity,
		OpenPositions:      positions,
		PlaybookTradeCount: 50,
		Stats:              TradeStats{WinRate: 0.55, WinLossRatio: 2.0, SampleSize: 40},
	}

	_, err := m.Evaluate(input)
	blocked, ok := err.(*apperr.RiskBlocked)
	if !ok {
		t.Fatalf("expected *apperr.RiskBlocked, got %T: %v", err, err)
	}
	if blocked.Gate != "portfolio_heat" {
		t.Errorf("Gate = %q, want portfolio_heat", blocked.Gate)
	}
}

func TestEvaluateRejectsNonPositiveEntry(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25})
	_, err := m.Evaluate(SizingInput{Signal: types.Signal{Pair: "BTCUSDT", Entry: 0, Stop: 10}})
	blocked, ok := err.(*apperr.RiskBlocked)
	if !ok || blocked.Gate != "entry_sanity" {
		t.Fatalf("expected entry_sanity rejection, got %v", err)
	}
}

func TestEvaluateRejectsMissingStop(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25})
	_, err := m.Evaluate(SizingInput{Signal: types.Signal{Pair: "BTCUSDT", Entry: 100, Stop: 0}})
	blocked, ok := err.(*apperr.RiskBlocked)
	if !ok || blocked.Gate != "stop_required" {
		t.Fatalf("expected stop_required rejection, got %v", err)
	}
}

func TestEvaluateRejectsPriceDeviation(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25})
	input := SizingInput{
		Signal:       types.Signal{Pair: "BTCUSDT", Entry: 100, Stop: 90},
		CurrentPrice: 250, // |250-100|/250 = 60% deviation, exceeds 50%
	}
	_, err := m.Evaluate(input)
	blocked, ok := err.(*apperr.RiskBlocked)
	if !ok || blocked.Gate != "price_deviation" {
		t.Fatalf("expected price_deviation rejection, got %v", err)
	}
}

func TestEvaluateRejectsPlaybookBSessionCap(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25, MaxExposurePercent: 0.5})
	input := SizingInput{
		Signal:            types.Signal{Pair: "BTCUSDT", Playbook: types.PlaybookVWAPRevert, Side: types.BUY, Entry: 100, Stop: 90},
		CurrentPrice:      100,
		Equity:            10000,
		PeakEquity:        10000,
		SessionCountB:     3,
		MaxTradesPerSessB: 3,
	}
	_, err := m.Evaluate(input)
	blocked, ok := err.(*apperr.RiskBlocked)
	if !ok || blocked.Gate != "playbook_session_cap" {
		t.Fatalf("expected playbook_session_cap rejection, got %v", err)
	}
}

func TestEvaluateRejectsWhenHalted(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25, MaxExposurePercent: 0.5})
	input := SizingInput{
		Signal:       types.Signal{Pair: "BTCUSDT", Side: types.BUY, Entry: 100, Stop: 90},
		CurrentPrice: 100,
		Equity:       10000,
		PeakEquity:   10000,
		BotState:     types.BotState{Status: types.StatusHaltedDaily},
	}
	_, err := m.Evaluate(input)
	blocked, ok := err.(*apperr.RiskBlocked)
	if !ok || blocked.Gate != "kill_switch" {
		t.Fatalf("expected kill_switch rejection, got %v", err)
	}
}

func TestEvaluateAppliesHardNotionalFloor(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 0.25, MaxExposurePercent: 0.5})
	input := SizingInput{
		Signal:             types.Signal{Pair: "BTCUSDT", Side: types.BUY, Entry: 100, Stop: 99},
		CurrentPrice:       100,
		Equity:             10000,
		PeakEquity:         10000,
		PlaybookTradeCount: 1, // heavy sample dampening, would push notional under the $100 floor
		Stats:              TradeStats{WinRate: 0.55, WinLossRatio: 2.0, SampleSize: 40},
	}
	decision, err := m.Evaluate(input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.NotionalQuote != hardFloorNotional {
		t.Errorf("NotionalQuote = %.2f, want the %.0f floor", decision.NotionalQuote, hardFloorNotional)
	}
}

func TestEvaluateAppliesHardCap(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{KellyCap: 1.0, MaxExposurePercent: 1.0})
	input := SizingInput{
		Signal:             types.Signal{Pair: "BTCUSDT", Side: types.BUY, Entry: 100, Stop: 99},
		CurrentPrice:       100,
		Equity:             10000,
		PeakEquity:         10000,
		PlaybookTradeCount: 100,
		Stats:              TradeStats{WinRate: 0.9, WinLossRatio: 5, SampleSize: 100},
	}
	decision, err := m.Evaluate(input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.NotionalQuote > input.Equity*hardCapFraction+1e-6 {
		t.Errorf("NotionalQuote = %.2f, exceeds the 10%% cap of %.2f", decision.NotionalQuote, input.Equity*hardCapFraction)
	}
}

func TestReportPnLEmitsDailyKillSwitch(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxDailyLossR: 2.0, MaxWeeklyLossR: 5.0})

	m.ReportPnL(context.Background(), types.BotState{DailyPnLR: -2.5})

	if !m.IsHalted() {
		t.Fatal("expected kill switch to engage on daily loss breach")
	}

	select {
	case sig := <-m.KillCh():
		if sig.Status != types.StatusHaltedDaily {
			t.Errorf("Status = %v, want StatusHaltedDaily", sig.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a kill signal on the channel")
	}
}

func TestReportPnLEmitsWeeklyKillSwitch(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxDailyLossR: 2.0, MaxWeeklyLossR: 5.0})

	m.ReportPnL(context.Background(), types.BotState{DailyPnLR: -0.5, WeeklyPnLR: -6})

	if !m.IsHalted() {
		t.Fatal("expected kill switch to engage on weekly loss breach")
	}
}

func TestResetClearsKillSwitch(t *testing.T) {
	t.Parallel()
	m := newTestManager(config.RiskConfig{MaxDailyLossR: 1.0})
	m.ReportPnL(context.Background(), types.BotState{DailyPnLR: -2})
	if !m.IsHalted() {
		t.Fatal("expected kill switch engaged")
	}
	m.Reset()
	if m.IsHalted() {
		t.Fatal("expected kill switch cleared after Reset")
	}
}
