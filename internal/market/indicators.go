// indicators.go implements the pure-function indicators the scanner and
// playbooks share: true range / ATR(14) and session VWAP over OHLCV bars.
package market

import (
	"fmt"
	"math"

	"usspot-engine/pkg/types"
)

// TrueRange is max(h-l, |h-prevClose|, |l-prevClose|) for one bar against the
// close of the bar before it.
func TrueRange(bar, prev types.Kline) float64 {
	hl := bar.High - bar.Low
	hc := math.Abs(bar.High - prev.Close)
	lc := math.Abs(bar.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// ATR14 computes the 14-period average true range over the last 15 bars of
// klines (the 15th bar supplies the previous close for the first true-range
// term). Returns an error if fewer than 15 bars are available.
func ATR14(klines []types.Kline) (float64, error) {
	if len(klines) < 15 {
		return 0, fmt.Errorf("atr14: need at least 15 bars, got %d", len(klines))
	}

	window := klines[len(klines)-15:]
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += TrueRange(window[i], window[i-1])
	}
	return sum / 14, nil
}

// SessionVWAP computes the volume-weighted average price over klines, using
// the typical price (h+l+c)/3 for each bar. Returns 0 if total volume is 0.
func SessionVWAP(klines []types.Kline) float64 {
	var pv, vol float64
	for _, k := range klines {
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// EvaluateGate applies the scanner's quality gate: a pair passes iff 24h
// quote volume meets the minimum, the spread doesn't exceed the maximum, and
// top-of-book depth (on the thinner side) meets the minimum. The first
// failing check's reason is returned.
func EvaluateGate(minVolume24h, maxSpreadBps, minTOBDepth float64, quoteVolume24, spreadBps, bidDepthQuote, askDepthQuote float64) (pass bool, reason string) {
	if quoteVolume24 < minVolume24h {
		return false, "volume_below_minimum"
	}
	if spreadBps > maxSpreadBps {
		return false, "spread_above_maximum"
	}
	if math.Min(bidDepthQuote, askDepthQuote) < minTOBDepth {
		return false, "tob_depth_below_minimum"
	}
	return true, ""
}
