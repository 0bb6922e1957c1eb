package execution

import (
	"math"
	"testing"
	"time"

	"usspot-engine/internal/config"
	"usspot-engine/internal/market"
	"usspot-engine/pkg/types"
)

func testRouter(cfg config.ExecutionConfig, makerOffsetBps float64) *Router {
	return &Router{cfg: cfg, makerOffsetBps: makerOffsetBps, book: market.NewBook()}
}

func TestShapePriceMakerFirstBuy(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{MakerFirst: true, MaxPriceAdjustmentBps: 50}, 5)

	sig := types.Signal{Side: types.BUY}
	price, isMarket := r.ShapePrice(sig, 100, 100.2, 0)
	if isMarket {
		t.Fatal("expected a maker-first limit price, not a market fallback")
	}
	// candidate1 = 100 + 100*5/10000 = 100.05; candidate2 = 100.2 - 0.10*0.2 = 100.18
	if math.Abs(price-100.05) > 1e-9 {
		t.Errorf("price = %v, want 100.05", price)
	}
}

func TestShapePriceMakerFirstSell(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{MakerFirst: true, MaxPriceAdjustmentBps: 50}, 5)

	sig := types.Signal{Side: types.SELL}
	price, isMarket := r.ShapePrice(sig, 100, 100.2, 0)
	if isMarket {
		t.Fatal("expected a maker-first limit price, not a market fallback")
	}
	// candidate1 = 100.2 - 100.2*5/10000 = 100.1499; candidate2 = 100 + 0.10*0.2 = 100.02
	// SELL takes the max of the two candidates.
	if math.Abs(price-100.1499) > 1e-4 {
		t.Errorf("price = %v, want ~100.1499", price)
	}
}

func TestShapePriceRevertsToMarketWhenCapExceeded(t *testing.T) {
	t.Parallel()
	// An absurd offset clamps the shaped price to ask - 10% of spread = 100.18,
	// 18 bps above the bid, which exceeds the 10 bps cap.
	r := testRouter(config.ExecutionConfig{MakerFirst: true, MaxPriceAdjustmentBps: 10}, 5000)

	sig := types.Signal{Side: types.BUY}
	price, isMarket := r.ShapePrice(sig, 100, 100.2, 0)
	if !isMarket {
		t.Fatal("expected a market fallback once the adjustment cap is exceeded")
	}
	if price != 100.2 {
		t.Errorf("price = %v, want best ask 100.2 (market-crossing BUY)", price)
	}
}

func TestShapePriceNonMakerFirstCrossesSpread(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{MakerFirst: false}, 5)
	sig := types.Signal{Side: types.BUY}
	price, isMarket := r.ShapePrice(sig, 100, 100.2, 0)
	if !isMarket || price != 100.2 {
		t.Errorf("price = %v isMarket = %v, want market at best ask", price, isMarket)
	}
}

func TestShapePriceEventSignalSkipsMakerFirst(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{MakerFirst: true, MaxPriceAdjustmentBps: 50}, 5)
	sig := types.Signal{Side: types.BUY, IsEvent: true}
	price, isMarket := r.ShapePrice(sig, 100, 100.2, 0)
	if !isMarket || price != 100.2 {
		t.Errorf("event signal should bypass maker-first pricing, got price=%v isMarket=%v", price, isMarket)
	}
}

func TestShapePriceVWAPBiasMovesBuyDown(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{MakerFirst: true, MaxPriceAdjustmentBps: 500, VWAPBiasEnabled: true}, 5)
	sig := types.Signal{Side: types.BUY}
	// shaped price (100.05) is above vwap (99) -> bias moves it down halfway.
	price, isMarket := r.ShapePrice(sig, 100, 100.2, 99)
	if isMarket {
		t.Fatal("expected a limit price")
	}
	want := (100.05 + 99) / 2
	if math.Abs(price-want) > 1e-6 {
		t.Errorf("price = %v, want %v (vwap-biased)", price, want)
	}
}

func TestSelectOrderTypeDefaultsToLimitMaker(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{}, 5)
	sig := types.Signal{Entry: 100}
	if got := r.SelectOrderType(sig, 100); got != types.OrderTypeLimitMaker {
		t.Errorf("OrderType = %v, want LIMIT_MAKER", got)
	}
}

func TestSelectOrderTypeEventDecayUsesMarket(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{EventDecayThresholdPct: 0.2}, 5)
	sig := types.Signal{Entry: 100, IsEvent: true}
	// 0.5% decay from signal entry, above the 0.2% threshold
	if got := r.SelectOrderType(sig, 100.5); got != types.OrderTypeMarket {
		t.Errorf("OrderType = %v, want MARKET", got)
	}
}

func TestSelectOrderTypeEventWithinDecayStaysLimitMaker(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{EventDecayThresholdPct: 0.2}, 5)
	sig := types.Signal{Entry: 100, IsEvent: true}
	if got := r.SelectOrderType(sig, 100.05); got != types.OrderTypeLimitMaker {
		t.Errorf("OrderType = %v, want LIMIT_MAKER", got)
	}
}

func TestSelectOrderTypeBypassForcesLimit(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{OrderTypeBypass: "LIMIT"}, 5)
	sig := types.Signal{Entry: 100, IsEvent: true}
	if got := r.SelectOrderType(sig, 200); got != types.OrderTypeLimit {
		t.Errorf("OrderType = %v, want LIMIT (bypass configured)", got)
	}
}

func TestAccumulateFillWeightedAverage(t *testing.T) {
	t.Parallel()
	order := &types.Order{Pair: "BTCUSDT", Side: types.BUY}
	AccumulateFill(order, types.Fill{Price: 100, Qty: 1, Commission: 0.1})
	AccumulateFill(order, types.Fill{Price: 102, Qty: 3, Commission: 0.3})

	if order.FilledQty != 4 {
		t.Errorf("FilledQty = %v, want 4", order.FilledQty)
	}
	wantAvg := (100*1 + 102*3) / 4.0
	if math.Abs(order.AvgFillPrice-wantAvg) > 1e-9 {
		t.Errorf("AvgFillPrice = %v, want %v", order.AvgFillPrice, wantAvg)
	}
	if math.Abs(order.Fees-0.4) > 1e-9 {
		t.Errorf("Fees = %v, want 0.4", order.Fees)
	}
}

func TestSlippageBps(t *testing.T) {
	t.Parallel()
	got := SlippageBps(100.5, 100)
	if math.Abs(got-50) > 1e-9 {
		t.Errorf("SlippageBps = %v, want 50", got)
	}
}

func TestSlippageExceededIsWarningNotError(t *testing.T) {
	t.Parallel()
	r := testRouter(config.ExecutionConfig{NormalSlippageLimitBps: 20, EventSlippageLimitBps: 100}, 5)
	if !r.SlippageExceeded(50, false) {
		t.Error("expected non-event slippage of 50bps to exceed the 20bps limit")
	}
	if r.SlippageExceeded(50, true) {
		t.Error("expected event slippage of 50bps to stay within the 100bps limit")
	}
}

func TestCreateLotFormula(t *testing.T) {
	t.Parallel()
	order := &types.Order{Pair: "BTCUSDT", ClientOrderID: "abc", FilledQty: 2, AvgFillPrice: 100, Fees: 1}
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	lot := CreateLot(order, 7, now)
	if lot.ID != "LOT-20260305-007" {
		t.Errorf("ID = %q, want LOT-20260305-007", lot.ID)
	}
	wantCost := (100*2 + 1) / 2.0
	if math.Abs(lot.CostPerUnit-wantCost) > 1e-9 {
		t.Errorf("CostPerUnit = %v, want %v", lot.CostPerUnit, wantCost)
	}
	if lot.Status != types.LotOpen {
		t.Errorf("Status = %v, want OPEN", lot.Status)
	}
	if lot.RemainingQty != 2 {
		t.Errorf("RemainingQty = %v, want 2", lot.RemainingQty)
	}
}

func TestTransitionStatusFollowsStateMachine(t *testing.T) {
	t.Parallel()
	order := &types.Order{Status: types.OrderPending}

	if err := TransitionStatus(order, types.OrderOpen); err != nil {
		t.Fatalf("PENDING -> OPEN should be legal: %v", err)
	}
	if err := TransitionStatus(order, types.OrderPartiallyFilled); err != nil {
		t.Fatalf("OPEN -> PARTIALLY_FILLED should be legal: %v", err)
	}
	if err := TransitionStatus(order, types.OrderFilled); err != nil {
		t.Fatalf("PARTIALLY_FILLED -> FILLED should be legal: %v", err)
	}
	if order.FilledAt.IsZero() {
		t.Error("expected FilledAt to be stamped on FILLED transition")
	}
}

func TestTransitionStatusRejectsIllegalTransition(t *testing.T) {
	t.Parallel()
	order := &types.Order{Status: types.OrderFilled}
	if err := TransitionStatus(order, types.OrderOpen); err == nil {
		t.Error("expected FILLED (terminal) -> OPEN to be rejected")
	}
}

func TestTransitionStatusRejectsPendingToPartiallyFilled(t *testing.T) {
	t.Parallel()
	order := &types.Order{Status: types.OrderPending}
	if err := TransitionStatus(order, types.OrderPartiallyFilled); err == nil {
		t.Error("expected PENDING -> PARTIALLY_FILLED to be rejected (must pass through OPEN)")
	}
}

func TestVenueStatusToOrderStatusMapping(t *testing.T) {
	t.Parallel()
	cases := map[string]types.OrderStatus{
		"NEW":              types.OrderOpen,
		"PARTIALLY_FILLED": types.OrderPartiallyFilled,
		"FILLED":           types.OrderFilled,
		"CANCELED":         types.OrderCancelled,
		"REJECTED":         types.OrderRejected,
	}
	for venueStatus, want := range cases {
		if got := venueStatusToOrderStatus(venueStatus); got != want {
			t.Errorf("venueStatusToOrderStatus(%q) = %v, want %v", venueStatus, got, want)
		}
	}
}

func TestRepriceOneTick(t *testing.T) {
	t.Parallel()
	if got := repriceOneTick(100, types.BUY, 0.01); math.Abs(got-99.99) > 1e-9 {
		t.Errorf("BUY reprice = %v, want 99.99", got)
	}
	if got := repriceOneTick(100, types.SELL, 0.01); math.Abs(got-100.01) > 1e-9 {
		t.Errorf("SELL reprice = %v, want 100.01", got)
	}
}
