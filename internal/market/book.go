// Package market discovers tradeable pairs and computes their per-tick
// market snapshots.
//
// Book mirrors the best bid/ask for every pair the ticker WebSocket feed is
// subscribed to. It is driven by exchange.WSFeed's ticker events and gives
// the scanner and execution router a cheap, always-current read of top of
// book between the scanner's own slower, depth-weighted REST polls.
package market

import (
	"strconv"
	"sync"
	"time"

	"usspot-engine/pkg/types"
)

type tobEntry struct {
	bid, ask float64
	last     float64
	updated  time.Time
}

// Book is a concurrency-safe, multi-pair top-of-book mirror.
type Book struct {
	mu      sync.RWMutex
	entries map[string]tobEntry
}

// NewBook creates an empty top-of-book mirror.
func NewBook() *Book {
	return &Book{entries: make(map[string]tobEntry)}
}

// Update applies a ticker event from the WebSocket feed.
func (b *Book) Update(payload types.WSTickerPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[payload.Symbol] = tobEntry{
		bid:     parseFloat(payload.BidPrice),
		ask:     parseFloat(payload.AskPrice),
		last:    parseFloat(payload.LastPrice),
		updated: time.Now(),
	}
}

// BestBidAsk returns the best bid/ask for a pair.
func (b *Book) BestBidAsk(pair string) (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, found := b.entries[pair]
	if !found || e.bid == 0 || e.ask == 0 {
		return 0, 0, false
	}
	return e.bid, e.ask, true
}

// MidPrice returns (bestBid+bestAsk)/2 for a pair.
func (b *Book) MidPrice(pair string) (float64, bool) {
	bid, ask, ok := b.BestBidAsk(pair)
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// LastPrice returns the last traded price reported by the ticker stream.
func (b *Book) LastPrice(pair string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[pair]
	if !ok || e.last == 0 {
		return 0, false
	}
	return e.last, true
}

// IsStale reports whether pair hasn't received a ticker update within maxAge,
// or has never received one at all.
func (b *Book) IsStale(pair string, maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[pair]
	if !ok || e.updated.IsZero() {
		return true
	}
	return time.Since(e.updated) > maxAge
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
