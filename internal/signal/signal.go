// Package signal implements the four entry playbooks: independent pure
// functions of (MarketSnapshot, recent klines, config) that each produce at
// most one candidate Signal. One playbook failing to compute (insufficient
// history) never stops the others from running.
package signal

import (
	"fmt"
	"math"
	"time"

	"usspot-engine/internal/config"
	"usspot-engine/pkg/types"
)

// Default trigger tuning used whenever the matching config field is zero.
const (
	defaultVolumeMultA          = 1.5
	defaultStopATRMultA         = 1.2
	defaultDeviationATRMultB    = 1.5
	defaultStopATRMultB         = 1.0
	defaultMaxTradesPerSessionB = 3
	defaultStopATRMultC         = 1.5
	eventExcursionPct           = 4.0
	eventRetraceMinPct          = 0.5
	eventRetraceMaxPct          = 2.0
	dipVolumeMult               = 2.0
	dipStdevMult                = 2.0
)

// KlineSet bundles the multi-timeframe history a scan tick's playbooks need:
// 1h bars for Playbook A, 15m bars for A/B/D, 5m bars for C.
type KlineSet struct {
	H1  []types.Kline
	M15 []types.Kline
	M5  []types.Kline
}

// Result is one playbook's outcome for a scan tick: either a validated
// candidate Signal, or a triggered-but-shape-invalid candidate recorded with
// a skip reason. Playbooks that simply didn't trigger produce no Result.
type Result struct {
	Signal     types.Signal
	Skipped    bool
	SkipReason string
}

// Generator runs the four playbooks and owns the per-pair, per-session trade
// count Playbook B's cap needs.
type Generator struct {
	cfg config.SignalConfig

	sessionCounts map[string]int // pair -> playbook-B trades this session
}

// NewGenerator creates a signal generator.
func NewGenerator(cfg config.SignalConfig) *Generator {
	return &Generator{cfg: cfg, sessionCounts: make(map[string]int)}
}

// ResetSession clears Playbook B's per-pair session counters. The engine does
// not call it, so the counts accumulate for the Generator's lifetime.
func (g *Generator) ResetSession() {
	g.sessionCounts = make(map[string]int)
}

// RecordExecution increments Playbook B's per-pair session count after a
// successful execution, called by the router/engine — never by Generate
// itself, since triggering a signal and executing it are different events.
func (g *Generator) RecordExecution(playbook types.Playbook, pair string) {
	if playbook == types.PlaybookVWAPRevert {
		g.sessionCounts[pair]++
	}
}

// Generate runs all four enabled playbooks against one pair's snapshot and
// klines, returning a Result per triggered candidate.
func (g *Generator) Generate(now time.Time, snapshot types.MarketSnapshot, klines KlineSet) []Result {
	var results []Result

	type playbookFn func() (*types.Signal, error)
	playbooks := []struct {
		enabled bool
		run     playbookFn
	}{
		{g.cfg.PlaybookAEnabled, func() (*types.Signal, error) { return playbookA(g.cfg, now, snapshot, klines) }},
		{g.cfg.PlaybookBEnabled, func() (*types.Signal, error) {
			return playbookB(g.cfg, now, snapshot, klines, g.sessionCounts[snapshot.Pair])
		}},
		{g.cfg.PlaybookCEnabled, func() (*types.Signal, error) { return playbookC(g.cfg, now, snapshot, klines) }},
		{g.cfg.PlaybookDEnabled, func() (*types.Signal, error) { return playbookD(g.cfg, now, snapshot, klines) }},
	}

	for _, pb := range playbooks {
		if !pb.enabled {
			continue
		}
		sig, err := pb.run()
		if err != nil || sig == nil {
			continue // didn't trigger (or lacked history) — not a candidate
		}
		if verr := validateSignal(sig); verr != nil {
			results = append(results, Result{Signal: *sig, Skipped: true, SkipReason: verr.Error()})
			continue
		}
		results = append(results, Result{Signal: *sig})
	}

	return results
}

// validateSignal applies the final shape-validator every candidate must pass
// regardless of which playbook produced it: prices positive, stop distinct
// from entry, and target/entry/stop ordered consistently with side.
func validateSignal(sig *types.Signal) error {
	if sig.Entry <= 0 {
		return fmt.Errorf("entry price %v must be positive", sig.Entry)
	}
	if sig.Stop <= 0 {
		return fmt.Errorf("stop price %v must be positive", sig.Stop)
	}
	if sig.Stop == sig.Entry {
		return fmt.Errorf("stop must differ from entry")
	}
	if sig.Side == types.BUY {
		if sig.Stop >= sig.Entry {
			return fmt.Errorf("BUY stop %v must be below entry %v", sig.Stop, sig.Entry)
		}
		if sig.Target != 0 && sig.Target <= sig.Entry {
			return fmt.Errorf("BUY target %v must be above entry %v", sig.Target, sig.Entry)
		}
	} else {
		if sig.Stop <= sig.Entry {
			return fmt.Errorf("SELL stop %v must be above entry %v", sig.Stop, sig.Entry)
		}
		if sig.Target != 0 && sig.Target >= sig.Entry {
			return fmt.Errorf("SELL target %v must be below entry %v", sig.Target, sig.Entry)
		}
	}
	return nil
}

// playbookA — Breakout Trend. Triggers on a price breakout above the greater
// of the 20-hour high or the prior-day high, confirmed by elevated volume on
// the most recent 15m bar.
func playbookA(cfg config.SignalConfig, now time.Time, snapshot types.MarketSnapshot, klines KlineSet) (*types.Signal, error) {
	if len(klines.H1) < 20 {
		return nil, fmt.Errorf("playbook A: need at least 20 1h bars, got %d", len(klines.H1))
	}
	if len(klines.M15) < 21 {
		return nil, fmt.Errorf("playbook A: need at least 21 15m bars, got %d", len(klines.M15))
	}

	last20h := klines.H1[len(klines.H1)-20:]
	var high20h, priorDayHigh float64
	for _, k := range klines.H1 {
		if k.High > priorDayHigh {
			priorDayHigh = k.High
		}
	}
	for _, k := range last20h {
		if k.High > high20h {
			high20h = k.High
		}
	}
	breakoutLevel := math.Max(high20h, priorDayHigh)

	m15 := klines.M15
	lastBar := m15[len(m15)-1]
	prior20 := m15[len(m15)-21 : len(m15)-1]
	avgVol20 := average(volumes(prior20))

	volumeMult := cfg.VolumeMultA
	if volumeMult == 0 {
		volumeMult = defaultVolumeMultA
	}

	if snapshot.LastPrice < breakoutLevel || avgVol20 == 0 || lastBar.Volume < volumeMult*avgVol20 {
		return nil, nil
	}

	stopMult := cfg.StopATRMultA
	if stopMult == 0 {
		stopMult = defaultStopATRMultA
	}

	return &types.Signal{
		Pair:        snapshot.Pair,
		Playbook:    types.PlaybookBreakoutTrend,
		Side:        types.BUY,
		Entry:       snapshot.LastPrice,
		Stop:        breakoutLevel - stopMult*snapshot.ATR14,
		Reason:      fmt.Sprintf("breakout above 20h-high/PDH level %.8f, volume %.2fx 20-bar avg", breakoutLevel, lastBar.Volume/avgVol20),
		GeneratedAt: now,
	}, nil
}

// playbookB — VWAP Mean Revert. Triggers when price deviates from session
// VWAP by at least deviationATRMult×ATR and the latest 15m candle shows a
// reversal pattern back toward VWAP.
func playbookB(cfg config.SignalConfig, now time.Time, snapshot types.MarketSnapshot, klines KlineSet, sessionCount int) (*types.Signal, error) {
	if snapshot.ATR14 <= 0 {
		return nil, fmt.Errorf("playbook B: ATR14 must be positive")
	}
	if len(klines.M15) == 0 {
		return nil, fmt.Errorf("playbook B: need at least 1 15m bar")
	}

	deviation := math.Abs(snapshot.LastPrice-snapshot.SessionVWAP) / snapshot.ATR14
	devMult := cfg.DeviationATRMultB
	if devMult == 0 {
		devMult = defaultDeviationATRMultB
	}
	if deviation < devMult {
		return nil, nil
	}

	lastBar := klines.M15[len(klines.M15)-1]

	var side types.Side
	var reason string
	switch {
	case snapshot.LastPrice < snapshot.SessionVWAP && isHammer(lastBar):
		side = types.BUY
		reason = "oversold bounce: hammer below session VWAP"
	case snapshot.LastPrice > snapshot.SessionVWAP && isShootingStar(lastBar):
		side = types.SELL
		reason = "overbought fade: shooting star above session VWAP"
	default:
		return nil, nil
	}

	maxTrades := cfg.MaxTradesPerSessionB
	if maxTrades == 0 {
		maxTrades = defaultMaxTradesPerSessionB
	}
	if sessionCount >= maxTrades {
		return nil, nil
	}

	stopMult := cfg.StopATRMultB
	if stopMult == 0 {
		stopMult = defaultStopATRMultB
	}

	stop := snapshot.LastPrice - stopMult*snapshot.ATR14
	if side == types.SELL {
		stop = snapshot.LastPrice + stopMult*snapshot.ATR14
	}

	return &types.Signal{
		Pair:        snapshot.Pair,
		Playbook:    types.PlaybookVWAPRevert,
		Side:        side,
		Entry:       snapshot.LastPrice,
		Stop:        stop,
		Target:      snapshot.SessionVWAP,
		Reason:      reason,
		GeneratedAt: now,
	}, nil
}

// playbookC — Event Burst. Triggers on a sharp (≥4%) excursion in the last
// ten 5m bars followed by a 0.5–2.0% retrace and a resumption bar.
func playbookC(cfg config.SignalConfig, now time.Time, snapshot types.MarketSnapshot, klines KlineSet) (*types.Signal, error) {
	if len(klines.M5) < 10 {
		return nil, fmt.Errorf("playbook C: need at least 10 5m bars, got %d", len(klines.M5))
	}

	window := klines.M5[len(klines.M5)-10:]
	windowOpen := window[0].Open
	if windowOpen == 0 {
		return nil, fmt.Errorf("playbook C: window-start open is zero")
	}

	var extremePct float64 // signed; sign indicates excursion direction
	for _, k := range window {
		upPct := (k.High - windowOpen) / windowOpen * 100
		downPct := (k.Low - windowOpen) / windowOpen * 100
		if math.Abs(upPct) > math.Abs(extremePct) {
			extremePct = upPct
		}
		if math.Abs(downPct) > math.Abs(extremePct) {
			extremePct = downPct
		}
	}

	if math.Abs(extremePct) < eventExcursionPct {
		return nil, nil
	}

	extremePrice := windowOpen * (1 + extremePct/100)
	retracePct := math.Abs(snapshot.LastPrice-extremePrice) / extremePrice * 100
	if retracePct < eventRetraceMinPct || retracePct > eventRetraceMaxPct {
		return nil, nil
	}

	lastBar := window[len(window)-1]
	var resumed bool
	var side types.Side
	if extremePct > 0 {
		resumed = lastBar.Close > lastBar.Open
		side = types.BUY
	} else {
		resumed = lastBar.Close < lastBar.Open
		side = types.SELL
	}
	if !resumed {
		return nil, nil
	}

	stopMult := cfg.StopATRMultC
	if stopMult == 0 {
		stopMult = defaultStopATRMultC
	}
	stop := snapshot.LastPrice - stopMult*snapshot.ATR14
	if side == types.SELL {
		stop = snapshot.LastPrice + stopMult*snapshot.ATR14
	}

	return &types.Signal{
		Pair:        snapshot.Pair,
		Playbook:    types.PlaybookEventBurst,
		Side:        side,
		Entry:       snapshot.LastPrice,
		Stop:        stop,
		IsEvent:     true,
		Reason:      fmt.Sprintf("event burst %.2f%% excursion, %.2f%% retrace, resumption confirmed", extremePct, retracePct),
		GeneratedAt: now,
	}, nil
}

// playbookD — Dip Pullback. Triggers when the latest 15m bar's return is at
// least 2 standard deviations below the ~50-bar mean return, confirmed by a
// volume surge.
func playbookD(cfg config.SignalConfig, now time.Time, snapshot types.MarketSnapshot, klines KlineSet) (*types.Signal, error) {
	const lookback = 50
	if len(klines.M15) < lookback+1 {
		return nil, fmt.Errorf("playbook D: need at least %d 15m bars, got %d", lookback+1, len(klines.M15))
	}

	bars := klines.M15
	n := len(bars)
	returns := make([]float64, 0, lookback)
	for i := n - lookback; i < n; i++ {
		prevClose := bars[i-1].Close
		if prevClose == 0 {
			continue
		}
		returns = append(returns, (bars[i].Close-prevClose)/prevClose)
	}
	if len(returns) < lookback-1 {
		return nil, fmt.Errorf("playbook D: insufficient non-zero-close bars")
	}

	mean := average(returns)
	stdev := stddev(returns, mean)
	latest := returns[len(returns)-1]

	if latest > mean-dipStdevMult*stdev {
		return nil, nil
	}

	last20 := bars[n-21 : n-1]
	avgVol20 := average(volumes(last20))
	currentVol := bars[n-1].Volume
	if avgVol20 == 0 || currentVol < dipVolumeMult*avgVol20 {
		return nil, nil
	}

	last10 := bars[n-10:]
	swingLow := last10[0].Low
	for _, k := range last10 {
		if k.Low < swingLow {
			swingLow = k.Low
		}
	}

	return &types.Signal{
		Pair:        snapshot.Pair,
		Playbook:    types.PlaybookDipPullback,
		Side:        types.BUY,
		Entry:       snapshot.LastPrice,
		Stop:        swingLow - snapshot.ATR14,
		Reason:      fmt.Sprintf("dip pullback: return %.5f below mean-2sd (%.5f), volume %.2fx 20-bar avg", latest, mean-dipStdevMult*stdev, currentVol/avgVol20),
		GeneratedAt: now,
	}, nil
}

// isHammer reports a long lower shadow with a small body and small upper
// shadow — an oversold reversal candle.
func isHammer(k types.Kline) bool {
	body := math.Abs(k.Close - k.Open)
	if body == 0 {
		return false
	}
	lowerShadow := math.Min(k.Open, k.Close) - k.Low
	upperShadow := k.High - math.Max(k.Open, k.Close)
	return lowerShadow >= 2*body && upperShadow <= 0.5*body
}

// isShootingStar reports a long upper shadow with a small body and small
// lower shadow — an overbought reversal candle.
func isShootingStar(k types.Kline) bool {
	body := math.Abs(k.Close - k.Open)
	if body == 0 {
		return false
	}
	upperShadow := k.High - math.Max(k.Open, k.Close)
	lowerShadow := math.Min(k.Open, k.Close) - k.Low
	return upperShadow >= 2*body && lowerShadow <= 0.5*body
}

func volumes(klines []types.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Volume
	}
	return out
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}
