package signal

import (
	"math"
	"testing"
	"time"

	"usspot-engine/internal/config"
	"usspot-engine/pkg/types"
)

func allEnabled() config.SignalConfig {
	return config.SignalConfig{
		PlaybookAEnabled: true,
		PlaybookBEnabled: true,
		PlaybookCEnabled: true,
		PlaybookDEnabled: true,
	}
}

func h1Bar(high float64) types.Kline {
	return types.Kline{Open: high - 10, High: high, Low: high - 20, Close: high - 5, Volume: 100}
}

// TestPlaybookABreakoutWorkedExample mirrors the spec's literal worked
// example: 20h-high 49500, prior-day-high 49800, last-15m-bar volume 3x the
// 20-bar average, stop_atr_mult=1.2 -> BUY at 50000 with stop 49680.
func TestPlaybookABreakoutWorkedExample(t *testing.T) {
	t.Parallel()

	h1 := make([]types.Kline, 24)
	for i := range h1 {
		h1[i] = h1Bar(49000)
	}
	h1[23] = h1Bar(49500) // 20-hour high
	h1[0] = h1Bar(49800)  // prior-day high, outside the 20-bar window

	m15 := make([]types.Kline, 21)
	for i := range m15 {
		m15[i] = types.Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
	}
	m15[20].Volume = 30 // 3x the 20-bar average of 10

	snapshot := types.MarketSnapshot{Pair: "BTCUSDT", LastPrice: 50000, ATR14: 100}
	cfg := config.SignalConfig{StopATRMultA: 1.2}

	sig, err := playbookA(cfg, time.Now(), snapshot, KlineSet{H1: h1, M15: m15})
	if err != nil {
		t.Fatalf("playbookA: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a triggered signal")
	}
	if sig.Side != types.BUY {
		t.Errorf("Side = %v, want BUY", sig.Side)
	}
	if sig.Entry != 50000 {
		t.Errorf("Entry = %v, want 50000", sig.Entry)
	}
	if math.Abs(sig.Stop-49680) > 1e-9 {
		t.Errorf("Stop = %v, want 49680", sig.Stop)
	}
	if !contains(sig.Reason, "PDH") {
		t.Errorf("Reason %q should reference PDH", sig.Reason)
	}
}

func TestPlaybookANoBreakoutNoSignal(t *testing.T) {
	t.Parallel()

	h1 := make([]types.Kline, 24)
	for i := range h1 {
		h1[i] = h1Bar(49500)
	}
	m15 := make([]types.Kline, 21)
	for i := range m15 {
		m15[i] = types.Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
	}

	snapshot := types.MarketSnapshot{Pair: "BTCUSDT", LastPrice: 49000, ATR14: 100}
	sig, err := playbookA(config.SignalConfig{}, time.Now(), snapshot, KlineSet{H1: h1, M15: m15})
	if err != nil {
		t.Fatalf("playbookA: %v", err)
	}
	if sig != nil {
		t.Errorf("expected no signal below breakout level, got %+v", sig)
	}
}

func TestPlaybookAInsufficientHistory(t *testing.T) {
	t.Parallel()

	snapshot := types.MarketSnapshot{Pair: "BTCUSDT", LastPrice: 50000, ATR14: 100}
	_, err := playbookA(config.SignalConfig{}, time.Now(), snapshot, KlineSet{})
	if err == nil {
		t.Fatal("expected an error with no kline history")
	}
}

func TestPlaybookBHammerBounce(t *testing.T) {
	t.Parallel()

	m15 := []types.Kline{
		{Open: 100, Close: 101, High: 101.2, Low: 95}, // long lower shadow, small upper shadow -> hammer
	}
	snapshot := types.MarketSnapshot{Pair: "ETHUSDT", LastPrice: 95, SessionVWAP: 100, ATR14: 2}

	sig, err := playbookB(config.SignalConfig{}, time.Now(), snapshot, KlineSet{M15: m15}, 0)
	if err != nil {
		t.Fatalf("playbookB: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a triggered signal")
	}
	if sig.Side != types.BUY {
		t.Errorf("Side = %v, want BUY", sig.Side)
	}
	if sig.Target != 100 {
		t.Errorf("Target = %v, want session VWAP 100", sig.Target)
	}
}

func TestPlaybookBSessionCapSkips(t *testing.T) {
	t.Parallel()

	m15 := []types.Kline{{Open: 100, Close: 101, High: 101.2, Low: 95}}
	snapshot := types.MarketSnapshot{Pair: "ETHUSDT", LastPrice: 95, SessionVWAP: 100, ATR14: 2}
	cfg := config.SignalConfig{MaxTradesPerSessionB: 1}

	sig, err := playbookB(cfg, time.Now(), snapshot, KlineSet{M15: m15}, 1)
	if err != nil {
		t.Fatalf("playbookB: %v", err)
	}
	if sig != nil {
		t.Error("expected no signal once the session cap is reached")
	}
}

func TestPlaybookCEventBurst(t *testing.T) {
	t.Parallel()

	m5 := make([]types.Kline, 10)
	for i := range m5 {
		m5[i] = types.Kline{Open: 100, High: 100.5, Low: 99.5, Close: 100}
	}
	m5[5] = types.Kline{Open: 100, High: 106, Low: 100, Close: 106} // 6% up excursion
	m5[9] = types.Kline{Open: 104, High: 105, Low: 103.8, Close: 105} // resumption bar, closes up

	snapshot := types.MarketSnapshot{Pair: "BTCUSDT", LastPrice: 104.5, ATR14: 50} // ~1.4% retrace from 106

	sig, err := playbookC(config.SignalConfig{}, time.Now(), snapshot, KlineSet{M5: m5})
	if err != nil {
		t.Fatalf("playbookC: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a triggered signal")
	}
	if !sig.IsEvent {
		t.Error("expected IsEvent=true")
	}
	if sig.Side != types.BUY {
		t.Errorf("Side = %v, want BUY", sig.Side)
	}
}

func TestPlaybookCNoExcursionNoSignal(t *testing.T) {
	t.Parallel()

	m5 := make([]types.Kline, 10)
	for i := range m5 {
		m5[i] = types.Kline{Open: 100, High: 100.5, Low: 99.5, Close: 100}
	}
	snapshot := types.MarketSnapshot{Pair: "BTCUSDT", LastPrice: 100, ATR14: 50}

	sig, err := playbookC(config.SignalConfig{}, time.Now(), snapshot, KlineSet{M5: m5})
	if err != nil {
		t.Fatalf("playbookC: %v", err)
	}
	if sig != nil {
		t.Errorf("expected no signal without a qualifying excursion, got %+v", sig)
	}
}

func TestPlaybookDDipPullback(t *testing.T) {
	t.Parallel()

	bars := make([]types.Kline, 52)
	price := 100.0
	for i := range bars {
		bars[i] = types.Kline{Open: price, High: price + 0.2, Low: price - 0.2, Close: price, Volume: 10}
		price *= 1.0005 // small steady uptrend -> small stdev of returns
	}
	// Final bar: sharp drop with volume surge.
	last := bars[len(bars)-1]
	bars[len(bars)-1] = types.Kline{Open: last.Open, High: last.Open, Low: last.Open * 0.9, Close: last.Open * 0.9, Volume: 1000}

	snapshot := types.MarketSnapshot{Pair: "BTCUSDT", LastPrice: bars[len(bars)-1].Close, ATR14: 1}

	sig, err := playbookD(config.SignalConfig{}, time.Now(), snapshot, KlineSet{M15: bars})
	if err != nil {
		t.Fatalf("playbookD: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a triggered signal")
	}
	if sig.Side != types.BUY {
		t.Errorf("Side = %v, want BUY", sig.Side)
	}
}

func TestValidateSignalRejectsNonPositiveEntry(t *testing.T) {
	t.Parallel()
	sig := &types.Signal{Side: types.BUY, Entry: 0, Stop: 10}
	if err := validateSignal(sig); err == nil {
		t.Error("expected error for non-positive entry")
	}
}

func TestValidateSignalRejectsEqualStopEntry(t *testing.T) {
	t.Parallel()
	sig := &types.Signal{Side: types.BUY, Entry: 100, Stop: 100}
	if err := validateSignal(sig); err == nil {
		t.Error("expected error when stop equals entry")
	}
}

func TestValidateSignalRejectsBadBuyOrdering(t *testing.T) {
	t.Parallel()
	sig := &types.Signal{Side: types.BUY, Entry: 100, Stop: 110}
	if err := validateSignal(sig); err == nil {
		t.Error("expected error when BUY stop is above entry")
	}
}

func TestValidateSignalAcceptsValidSell(t *testing.T) {
	t.Parallel()
	sig := &types.Signal{Side: types.SELL, Entry: 100, Stop: 105, Target: 90}
	if err := validateSignal(sig); err != nil {
		t.Errorf("expected valid SELL signal, got %v", err)
	}
}

func TestGeneratorSkipsShapeInvalidCandidates(t *testing.T) {
	t.Parallel()
	g := NewGenerator(config.SignalConfig{PlaybookAEnabled: true})

	// ATR large enough that breakout - stopMult*ATR is negative: a non-positive stop is shape-invalid.
	h1 := make([]types.Kline, 24)
	for i := range h1 {
		h1[i] = h1Bar(49000)
	}
	m15 := make([]types.Kline, 21)
	for i := range m15 {
		m15[i] = types.Kline{Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
	}
	m15[20].Volume = 100

	snapshot := types.MarketSnapshot{Pair: "BTCUSDT", LastPrice: 49000, ATR14: 100000}
	results := g.Generate(time.Now(), snapshot, KlineSet{H1: h1, M15: m15})
	found := false
	for _, r := range results {
		if r.Skipped {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one shape-invalid (skipped) candidate, got %+v", results)
	}
}

func TestGeneratorRecordExecutionIncrementsSessionCount(t *testing.T) {
	t.Parallel()
	g := NewGenerator(config.SignalConfig{})
	g.RecordExecution(types.PlaybookVWAPRevert, "BTCUSDT")
	g.RecordExecution(types.PlaybookVWAPRevert, "BTCUSDT")
	if g.sessionCounts["BTCUSDT"] != 2 {
		t.Errorf("sessionCounts[BTCUSDT] = %d, want 2", g.sessionCounts["BTCUSDT"])
	}
	g.ResetSession()
	if g.sessionCounts["BTCUSDT"] != 0 {
		t.Errorf("expected session counts cleared after ResetSession")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
