// filters.go implements the Exchange Filter Service: derives per-pair
// rounding precision from venue-published filters, validates and rounds
// order requests against them, and refreshes the snapshot daily while
// retaining the last-good snapshot if a refresh fails.
//
// All arithmetic goes through shopspring/decimal so tick/step rounding and
// the LOT_SIZE modulo check never drift the way float64 `%` would.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"usspot-engine/internal/apperr"
)

// FilterSet holds the parsed, decimal-precision filters for one pair.
type FilterSet struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// FilterService caches exchangeInfo-derived filters per pair, refreshed
// daily, and rounds/validates orders against them.
type FilterService struct {
	client *Client
	logger *slog.Logger

	mu        sync.RWMutex
	filters   map[string]FilterSet
	loadedAt  time.Time
}

// NewFilterService constructs a FilterService bound to a Client.
func NewFilterService(client *Client, logger *slog.Logger) *FilterService {
	return &FilterService{
		client:  client,
		logger:  logger.With("component", "filters"),
		filters: make(map[string]FilterSet),
	}
}

// Refresh reloads every symbol's filters from the venue. On failure the
// previously loaded snapshot is retained and the error is returned so the
// caller can log and retry on the next scheduled refresh — a transient
// exchangeInfo outage must never blank out known-good precision data.
func (s *FilterService) Refresh(ctx context.Context) error {
	info, err := s.client.ExchangeInfo(ctx)
	if err != nil {
		s.logger.Error("filter refresh failed, retaining stale snapshot", "error", err)
		return err
	}

	next := make(map[string]FilterSet, len(info.Symbols))
	for _, sym := range info.Symbols {
		fs := FilterSet{Symbol: sym.Symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				fs.TickSize = mustDecimal(f.TickSize)
			case "LOT_SIZE":
				fs.StepSize = mustDecimal(f.StepSize)
				fs.MinQty = mustDecimal(f.MinQty)
				fs.MaxQty = mustDecimal(f.MaxQty)
			case "MIN_NOTIONAL", "NOTIONAL":
				fs.MinNotional = mustDecimal(f.MinNotional)
			}
		}
		next[sym.Symbol] = fs
	}

	s.mu.Lock()
	s.filters = next
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("filters refreshed", "symbols", len(next))
	return nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Get returns the cached filter set for a symbol.
func (s *FilterService) Get(symbol string) (FilterSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.filters[symbol]
	return fs, ok
}

// RoundPrice floors a price to the symbol's tick size.
func (s *FilterService) RoundPrice(symbol string, price float64) (float64, error) {
	fs, ok := s.Get(symbol)
	if !ok {
		return 0, &apperr.FilterError{Pair: symbol, Filter: "PRICE_FILTER", Reason: "no filters loaded for symbol"}
	}
	if fs.TickSize.IsZero() {
		return price, nil
	}
	d := decimal.NewFromFloat(price)
	rounded := floorToStep(d, fs.TickSize)
	f, _ := rounded.Float64()
	return f, nil
}

// RoundQty floors a quantity to the symbol's step size.
func (s *FilterService) RoundQty(symbol string, qty float64) (float64, error) {
	fs, ok := s.Get(symbol)
	if !ok {
		return 0, &apperr.FilterError{Pair: symbol, Filter: "LOT_SIZE", Reason: "no filters loaded for symbol"}
	}
	if fs.StepSize.IsZero() {
		return qty, nil
	}
	d := decimal.NewFromFloat(qty)
	rounded := floorToStep(d, fs.StepSize)
	f, _ := rounded.Float64()
	return f, nil
}

// floorToStep rounds val down to the nearest multiple of step, operating on
// decimal.Decimal throughout so repeated rounding never accumulates the
// drift float64 division/modulo would introduce.
func floorToStep(val, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return val
	}
	return val.Div(step).Floor().Mul(step)
}

// Validate checks price/qty/notional against a symbol's filters, collecting
// every violation rather than stopping at the first.
func (s *FilterService) Validate(symbol string, price, qty float64) []error {
	fs, ok := s.Get(symbol)
	if !ok {
		return []error{&apperr.FilterError{Pair: symbol, Filter: "EXCHANGE_INFO", Reason: "no filters loaded for symbol"}}
	}

	var errs []error
	p := decimal.NewFromFloat(price)
	q := decimal.NewFromFloat(qty)

	if !fs.TickSize.IsZero() {
		rem := p.Mod(fs.TickSize)
		if !rem.IsZero() {
			errs = append(errs, &apperr.FilterError{Pair: symbol, Filter: "PRICE_FILTER", Reason: fmt.Sprintf("price %s is not a multiple of tick size %s", p, fs.TickSize)})
		}
	}
	if !fs.StepSize.IsZero() {
		rem := q.Mod(fs.StepSize)
		if !rem.IsZero() {
			errs = append(errs, &apperr.FilterError{Pair: symbol, Filter: "LOT_SIZE", Reason: fmt.Sprintf("quantity %s is not a multiple of step size %s", q, fs.StepSize)})
		}
	}
	if !fs.MinQty.IsZero() && q.LessThan(fs.MinQty) {
		errs = append(errs, &apperr.FilterError{Pair: symbol, Filter: "LOT_SIZE", Reason: fmt.Sprintf("quantity %s below minQty %s", q, fs.MinQty)})
	}
	if !fs.MaxQty.IsZero() && q.GreaterThan(fs.MaxQty) {
		errs = append(errs, &apperr.FilterError{Pair: symbol, Filter: "LOT_SIZE", Reason: fmt.Sprintf("quantity %s above maxQty %s", q, fs.MaxQty)})
	}
	if !fs.MinNotional.IsZero() {
		notional := p.Mul(q)
		if notional.LessThan(fs.MinNotional) {
			errs = append(errs, &apperr.FilterError{Pair: symbol, Filter: "MIN_NOTIONAL", Reason: fmt.Sprintf("notional %s below minNotional %s", notional, fs.MinNotional)})
		}
	}
	return errs
}

// LoadedAt reports when the filter snapshot was last successfully refreshed.
func (s *FilterService) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}
