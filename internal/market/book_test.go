package market

import (
	"testing"
	"time"

	"usspot-engine/pkg/types"
)

const testPair = "BTCUSDT"

func TestUpdateAndBestBidAsk(t *testing.T) {
	t.Parallel()
	b := NewBook()

	b.Update(types.WSTickerPayload{Symbol: testPair, LastPrice: "50100", BidPrice: "50000", AskPrice: "50200"})

	bid, ask, ok := b.BestBidAsk(testPair)
	if !ok {
		t.Fatal("BestBidAsk returned ok=false after Update")
	}
	if bid != 50000 {
		t.Errorf("bid = %v, want 50000", bid)
	}
	if ask != 50200 {
		t.Errorf("ask = %v, want 50200", ask)
	}
}

func TestMidPrice(t *testing.T) {
	t.Parallel()
	b := NewBook()

	if _, ok := b.MidPrice(testPair); ok {
		t.Error("MidPrice should return false for unknown pair")
	}

	b.Update(types.WSTickerPayload{Symbol: testPair, LastPrice: "55", BidPrice: "50", AskPrice: "60"})

	mid, ok := b.MidPrice(testPair)
	if !ok {
		t.Fatal("MidPrice returned false for populated pair")
	}
	if mid != 55 {
		t.Errorf("mid = %v, want 55", mid)
	}
}

func TestBestBidAskUnknownPair(t *testing.T) {
	t.Parallel()
	b := NewBook()

	_, _, ok := b.BestBidAsk(testPair)
	if ok {
		t.Error("BestBidAsk should return ok=false for unknown pair")
	}
}

func TestBestBidAskOneSided(t *testing.T) {
	t.Parallel()
	b := NewBook()

	b.Update(types.WSTickerPayload{Symbol: testPair, LastPrice: "50", BidPrice: "50", AskPrice: "0"})

	_, _, ok := b.BestBidAsk(testPair)
	if ok {
		t.Error("BestBidAsk should return ok=false with a zero-valued side")
	}
}

func TestLastPrice(t *testing.T) {
	t.Parallel()
	b := NewBook()

	if _, ok := b.LastPrice(testPair); ok {
		t.Error("LastPrice should return false before any update")
	}

	b.Update(types.WSTickerPayload{Symbol: testPair, LastPrice: "12345", BidPrice: "12340", AskPrice: "12350"})
	last, ok := b.LastPrice(testPair)
	if !ok || last != 12345 {
		t.Errorf("LastPrice() = (%v, %v), want (12345, true)", last, ok)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := NewBook()

	if !b.IsStale(testPair, time.Second) {
		t.Error("pair with no updates should be stale")
	}

	b.Update(types.WSTickerPayload{Symbol: testPair, LastPrice: "50", BidPrice: "50", AskPrice: "60"})

	if b.IsStale(testPair, time.Second) {
		t.Error("just-updated pair should not be stale")
	}

	time.Sleep(50 * time.Millisecond)
	if !b.IsStale(testPair, 10*time.Millisecond) {
		t.Error("pair should be stale after maxAge")
	}
}
