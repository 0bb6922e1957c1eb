package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"usspot-engine/internal/config"
	"usspot-engine/internal/exchange"
	"usspot-engine/pkg/types"
)

// klineLookback is how many 15-minute bars the scanner fetches per pair
// per tick — enough for ATR(14) (needs 15) and a reasonable session VWAP.
const klineLookback = 96 // ~24h of 15m bars

// Scanner periodically polls the venue for every pair in the configured
// universe, building a MarketSnapshot (price, volume, spread, ATR14, session
// VWAP) and applying the quality gate. One pair's fetch failure never aborts
// the tick — it's logged and the pair is simply absent from that tick's
// results.
type Scanner struct {
	client *exchange.Client
	cache  *exchange.Cache
	book   *Book
	cfg    config.ScannerConfig
	logger *slog.Logger

	resultCh chan []types.MarketSnapshot
}

// NewScanner creates a market scanner bound to a gateway client.
func NewScanner(cfg config.Config, client *exchange.Client, cache *exchange.Cache, book *Book, logger *slog.Logger) *Scanner {
	return &Scanner{
		client:   client,
		cache:    cache,
		book:     book,
		cfg:      cfg.Scanner,
		logger:   logger.With("component", "scanner"),
		resultCh: make(chan []types.MarketSnapshot, 1),
	}
}

// Results returns the channel the engine reads snapshots from.
func (s *Scanner) Results() <-chan []types.MarketSnapshot {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	snapshots := make([]types.MarketSnapshot, 0, len(s.cfg.Universe))

	for _, pair := range s.cfg.Universe {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			snap, err := s.scanOne(ctx, pair)
			if err != nil {
				s.logger.Warn("scan pair failed", "pair", pair, "error", err)
				return
			}
			mu.Lock()
			snapshots = append(snapshots, snap)
			mu.Unlock()
		}(pair)
	}
	wg.Wait()

	passed := 0
	for _, snap := range snapshots {
		if snap.GatePass {
			passed++
		}
	}
	s.logger.Info("scan complete", "pairs", len(snapshots), "gate_passed", passed)

	select {
	case s.resultCh <- snapshots:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- snapshots
	}
}

// scanOne builds one pair's MarketSnapshot: ticker stats, top-of-book depth,
// ATR14, session VWAP, and the quality-gate verdict.
func (s *Scanner) scanOne(ctx context.Context, pair string) (types.MarketSnapshot, error) {
	ticker, err := s.client.Ticker24hr(ctx, pair)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("ticker24hr: %w", err)
	}

	depth, err := s.client.Depth(ctx, pair, 5)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("depth: %w", err)
	}

	klines, fresh, exists := s.cache.GetKlines(pair)
	if !exists || !fresh {
		fetched, kerr := s.client.Klines(ctx, pair, "15m", klineLookback)
		switch {
		case kerr == nil:
			klines = fetched
			s.cache.PutKlines(pair, fetched)
		case exists:
			s.logger.Warn("klines refresh failed, using stale cache", "pair", pair, "error", kerr)
		default:
			return types.MarketSnapshot{}, fmt.Errorf("klines: %w", kerr)
		}
	}

	lastPrice := parseFloat(ticker.LastPrice)
	bestBid := parseFloat(ticker.BidPrice)
	bestAsk := parseFloat(ticker.AskPrice)
	quoteVolume := parseFloat(ticker.QuoteVolume)

	var bestBidSize, bestAskSize float64
	if len(depth.Bids) > 0 && len(depth.Bids[0]) >= 2 {
		bestBidSize = parseFloat(depth.Bids[0][1])
	}
	if len(depth.Asks) > 0 && len(depth.Asks[0]) >= 2 {
		bestAskSize = parseFloat(depth.Asks[0][1])
	}

	var spreadBps float64
	mid := (bestBid + bestAsk) / 2
	if mid > 0 {
		spreadBps = (bestAsk - bestBid) / mid * 10000
	}

	s.cache.PutTicker(pair, lastPrice)
	s.book.Update(types.WSTickerPayload{Symbol: pair, LastPrice: ticker.LastPrice, BidPrice: ticker.BidPrice, AskPrice: ticker.AskPrice})

	atr, atrErr := ATR14(klines)
	vwap := SessionVWAP(klines)

	snap := types.MarketSnapshot{
		Pair:          pair,
		Timestamp:     time.Now(),
		LastPrice:     lastPrice,
		QuoteVolume24: quoteVolume,
		BestBid:       bestBid,
		BestBidSize:   bestBidSize,
		BestAsk:       bestAsk,
		BestAskSize:   bestAskSize,
		SpreadBps:     spreadBps,
		ATR14:         atr,
		SessionVWAP:   vwap,
	}

	if atrErr != nil {
		snap.GatePass = false
		snap.GateFailReason = "insufficient_kline_history"
		return snap, nil
	}

	bidDepthQuote := bestBidSize * bestBid
	askDepthQuote := bestAskSize * bestAsk
	snap.GatePass, snap.GateFailReason = EvaluateGate(
		s.cfg.MinVolume24h, s.cfg.MaxSpreadBps, s.cfg.MinTOBDepth,
		quoteVolume, spreadBps, bidDepthQuote, askDepthQuote,
	)

	return snap, nil
}
