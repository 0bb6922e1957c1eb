package market

import (
	"math"
	"testing"
	"time"

	"usspot-engine/pkg/types"
)

func bar(high, low, close, volume float64) types.Kline {
	return types.Kline{High: high, Low: low, Close: close, Volume: volume, OpenTime: time.Now()}
}

func TestATR14RequiresFifteenBars(t *testing.T) {
	t.Parallel()

	klines := make([]types.Kline, 14)
	for i := range klines {
		klines[i] = bar(101, 99, 100, 10)
	}

	if _, err := ATR14(klines); err == nil {
		t.Fatal("expected error with fewer than 15 bars")
	}
}

func TestATR14FlatMarket(t *testing.T) {
	t.Parallel()

	klines := make([]types.Kline, 15)
	for i := range klines {
		klines[i] = bar(101, 99, 100, 10)
	}

	atr, err := ATR14(klines)
	if err != nil {
		t.Fatalf("ATR14: %v", err)
	}
	if atr != 2 {
		t.Errorf("ATR14() = %v, want 2 (high-low range with flat closes)", atr)
	}
}

func TestATR14UsesPriorClose(t *testing.T) {
	t.Parallel()

	klines := []types.Kline{
		bar(100, 95, 98, 10),  // supplies prevClose for the window's first TR
		bar(99, 96, 97, 10), bar(99, 96, 97, 10), bar(99, 96, 97, 10),
		bar(99, 96, 97, 10), bar(99, 96, 97, 10), bar(99, 96, 97, 10),
		bar(99, 96, 97, 10), bar(99, 96, 97, 10), bar(99, 96, 97, 10),
		bar(99, 96, 97, 10), bar(99, 96, 97, 10), bar(99, 96, 97, 10),
		bar(99, 96, 97, 10),
		bar(110, 97, 105, 10), // gap up bar — TR should use |high-prevClose|
	}

	atr, err := ATR14(klines)
	if err != nil {
		t.Fatalf("ATR14: %v", err)
	}
	// 13 flat bars with TR=3, plus one bar with TR = max(13, |110-97|=13, |97-97|=0) = 13
	want := (3*13 + 13) / 14.0
	if math.Abs(atr-want) > 1e-9 {
		t.Errorf("ATR14() = %v, want %v", atr, want)
	}
}

func TestSessionVWAP(t *testing.T) {
	t.Parallel()

	klines := []types.Kline{
		bar(102, 98, 100, 10), // typical 100
		bar(104, 100, 102, 30), // typical 102
	}

	vwap := SessionVWAP(klines)
	want := (100*10 + 102*30) / 40.0
	if math.Abs(vwap-want) > 1e-9 {
		t.Errorf("SessionVWAP() = %v, want %v", vwap, want)
	}
}

func TestSessionVWAPZeroVolume(t *testing.T) {
	t.Parallel()

	vwap := SessionVWAP([]types.Kline{{High: 1, Low: 1, Close: 1, Volume: 0}})
	if vwap != 0 {
		t.Errorf("SessionVWAP() = %v, want 0 for zero total volume", vwap)
	}
}

func TestEvaluateGatePasses(t *testing.T) {
	t.Parallel()

	pass, reason := EvaluateGate(1000, 20, 500, 5000, 10, 1000, 1000)
	if !pass {
		t.Errorf("expected gate to pass, got fail reason %q", reason)
	}
}

func TestEvaluateGateFailsLowVolume(t *testing.T) {
	t.Parallel()

	pass, reason := EvaluateGate(1000, 20, 500, 500, 10, 1000, 1000)
	if pass || reason != "volume_below_minimum" {
		t.Errorf("got (%v, %q), want (false, volume_below_minimum)", pass, reason)
	}
}

func TestEvaluateGateFailsWideSpread(t *testing.T) {
	t.Parallel()

	pass, reason := EvaluateGate(1000, 20, 500, 5000, 25, 1000, 1000)
	if pass || reason != "spread_above_maximum" {
		t.Errorf("got (%v, %q), want (false, spread_above_maximum)", pass, reason)
	}
}

func TestEvaluateGateFailsThinDepth(t *testing.T) {
	t.Parallel()

	pass, reason := EvaluateGate(1000, 20, 500, 5000, 10, 100, 1000)
	if pass || reason != "tob_depth_below_minimum" {
		t.Errorf("got (%v, %q), want (false, tob_depth_below_minimum)", pass, reason)
	}
}
