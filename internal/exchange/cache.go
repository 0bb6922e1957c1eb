// cache.go implements small TTL caches in front of gateway reads so the
// scanner and router don't re-hit rate-limited endpoints every tick:
// ticker price (30s), kline pages (5min, served stale on a refresh error),
// and account balance (10s).
package exchange

import (
	"sync"
	"time"

	"usspot-engine/pkg/types"
)

const (
	tickerTTL  = 30 * time.Second
	klineTTL   = 5 * time.Minute
	balanceTTL = 10 * time.Second
)

type tickerEntry struct {
	price     float64
	fetchedAt time.Time
}

type klineEntry struct {
	klines    []types.Kline
	fetchedAt time.Time
}

// Cache holds per-symbol TTL-bounded reads of venue data.
type Cache struct {
	mu sync.Mutex

	tickers map[string]tickerEntry
	klines  map[string]klineEntry

	balance     map[string]float64
	balanceAt   time.Time
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{
		tickers: make(map[string]tickerEntry),
		klines:  make(map[string]klineEntry),
		balance: make(map[string]float64),
	}
}

// GetTicker returns a cached price for symbol if it is younger than
// tickerTTL, along with whether it was a hit.
func (c *Cache) GetTicker(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tickers[symbol]
	if !ok || time.Since(e.fetchedAt) > tickerTTL {
		return 0, false
	}
	return e.price, true
}

// PutTicker stores a freshly fetched price.
func (c *Cache) PutTicker(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers[symbol] = tickerEntry{price: price, fetchedAt: time.Now()}
}

// GetKlines returns cached klines for symbol, along with whether the entry
// exists at all (fresh or stale) and whether it is still within klineTTL.
// Callers facing a refresh error should fall back to the stale entry rather
// than treat a transient outage as "no data."
func (c *Cache) GetKlines(symbol string) (klines []types.Kline, fresh bool, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.klines[symbol]
	if !ok {
		return nil, false, false
	}
	return e.klines, time.Since(e.fetchedAt) <= klineTTL, true
}

// PutKlines stores a freshly fetched kline page.
func (c *Cache) PutKlines(symbol string, klines []types.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[symbol] = klineEntry{klines: klines, fetchedAt: time.Now()}
}

// GetBalance returns the cached free balance for asset if it is younger than
// balanceTTL.
func (c *Cache) GetBalance(asset string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.balanceAt) > balanceTTL {
		return 0, false
	}
	v, ok := c.balance[asset]
	return v, ok
}

// PutBalances replaces the whole cached balance snapshot.
func (c *Cache) PutBalances(balances map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = balances
	c.balanceAt = time.Now()
}
