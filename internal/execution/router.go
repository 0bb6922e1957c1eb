// Package execution implements the Execution Router: it turns an approved
// (Signal, quantity) pair into one or more venue orders, reconciles fills
// into weighted-average order state, creates acquisition Lots on BUY fills,
// and measures slippage against the signal's entry price.
//
// Per-tick flow for one approved candidate:
//  1. Shape a maker-first price from top of book (or fall back to market).
//  2. Pick an order type: LIMIT_MAKER by default, MARKET for decayed event
//     signals, LIMIT when configured to bypass the maker-first policy.
//  3. Round price/quantity through the Exchange Filter Service and validate.
//  4. Submit; on a -2010 "would immediately match" reject, reprice one tick
//     and retry exactly once.
//  5. Record the fills carried in the venue's acknowledgement. Execute does
//     not poll for later fills; AccumulateFill folds in a fill a caller passes.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"usspot-engine/internal/apperr"
	"usspot-engine/internal/config"
	"usspot-engine/internal/exchange"
	"usspot-engine/internal/market"
	"usspot-engine/pkg/types"
)

const venueCodeWouldMatch = -2010

// Router submits and reconciles orders for one signal at a time.
type Router struct {
	cfg            config.ExecutionConfig
	makerOffsetBps float64
	client         *exchange.Client
	filters        *exchange.FilterService
	book           *market.Book
	logger         *slog.Logger
}

// NewRouter creates an execution router.
func NewRouter(cfg config.Config, client *exchange.Client, filters *exchange.FilterService, book *market.Book, logger *slog.Logger) *Router {
	return &Router{
		cfg:            cfg.Execution,
		makerOffsetBps: cfg.Signal.MakerOffsetBps,
		client:         client,
		filters:        filters,
		book:           book,
		logger:         logger.With("component", "execution"),
	}
}

// ShapePrice computes the maker-first limit price for a signal, falling back
// to a market-crossing price when the maker offset would exceed the
// configured cap. bestBid/bestAsk come from the top-of-book mirror;
// sessionVWAP is optional (0 disables the bias).
func (r *Router) ShapePrice(sig types.Signal, bestBid, bestAsk, sessionVWAP float64) (price float64, isMarket bool) {
	if !r.cfg.MakerFirst || sig.IsEvent || bestBid <= 0 || bestAsk <= 0 {
		if sig.Side == types.BUY {
			return bestAsk, true
		}
		return bestBid, true
	}

	spread := bestAsk - bestBid

	var shaped float64
	var reference float64
	if sig.Side == types.BUY {
		makerOffset := bestBid * r.makerOffsetBps / 10000
		candidate1 := bestBid + makerOffset
		candidate2 := bestAsk - 0.10*spread
		shaped = math.Min(candidate1, candidate2)
		reference = bestBid
	} else {
		makerOffset := bestAsk * r.makerOffsetBps / 10000
		candidate1 := bestAsk - makerOffset
		candidate2 := bestBid + 0.10*spread
		shaped = math.Max(candidate1, candidate2)
		reference = bestAsk
	}

	capBps := r.cfg.MaxPriceAdjustmentBps
	if capBps == 0 {
		capBps = 50
	}
	adjustmentBps := math.Abs(shaped-reference) / reference * 10000
	if adjustmentBps > capBps {
		if sig.Side == types.BUY {
			return bestAsk, true
		}
		return bestBid, true
	}

	if r.cfg.VWAPBiasEnabled && sessionVWAP > 0 {
		if sig.Side == types.BUY && shaped > sessionVWAP {
			shaped = (shaped + sessionVWAP) / 2
		} else if sig.Side == types.SELL && shaped < sessionVWAP {
			shaped = (shaped + sessionVWAP) / 2
		}
	}

	return shaped, false
}

// SelectOrderType applies the order-type policy: configured LIMIT bypass,
// then MARKET for a decayed event signal, else LIMIT_MAKER.
func (r *Router) SelectOrderType(sig types.Signal, currentPrice float64) types.OrderType {
	if r.cfg.OrderTypeBypass == "LIMIT" {
		return types.OrderTypeLimit
	}

	if sig.IsEvent && sig.Entry > 0 {
		decayThreshold := r.cfg.EventDecayThresholdPct
		if decayThreshold == 0 {
			decayThreshold = 0.2
		}
		decayPct := math.Abs(currentPrice-sig.Entry) / sig.Entry * 100
		if decayPct > decayThreshold {
			return types.OrderTypeMarket
		}
	}

	return types.OrderTypeLimitMaker
}

// Execute shapes price, selects order type, rounds/validates through the
// filter service, and submits the order — retrying once on a -2010 reject.
func (r *Router) Execute(ctx context.Context, sig types.Signal, qty float64, sessionVWAP float64) (*types.Order, error) {
	bid, ask, _ := r.book.BestBidAsk(sig.Pair)
	price, isMarket := r.ShapePrice(sig, bid, ask, sessionVWAP)

	currentPrice := price
	if last, ok := r.book.LastPrice(sig.Pair); ok {
		currentPrice = last
	}
	orderType := r.SelectOrderType(sig, currentPrice)
	if isMarket {
		orderType = types.OrderTypeMarket
	}

	roundedPrice, roundedQty, err := r.roundAndValidate(sig.Pair, price, qty)
	if err != nil {
		return &types.Order{
			Pair:         sig.Pair,
			Side:         sig.Side,
			Type:         orderType,
			ReqPrice:     price,
			ReqQty:       qty,
			Status:       types.OrderRejected,
			RejectReason: err.Error(),
			SubmittedAt:  time.Now(),
		}, err
	}

	clientOrderID := uuid.NewString()
	order, err := r.submit(ctx, sig.Pair, sig.Side, orderType, roundedPrice, roundedQty, clientOrderID)
	if err != nil {
		var gwErr *apperr.GatewayError
		if ge, ok := err.(*apperr.GatewayError); ok {
			gwErr = ge
		}
		if gwErr != nil && gwErr.IsVenueCode(venueCodeWouldMatch) && orderType != types.OrderTypeMarket {
			repriced := repriceOneTick(roundedPrice, sig.Side, r.tickSize(sig.Pair))
			retryID := clientOrderID + "_r1"
			order, err = r.submit(ctx, sig.Pair, sig.Side, orderType, repriced, roundedQty, retryID)
			if err != nil {
				return &types.Order{
					Pair:          sig.Pair,
					ClientOrderID: retryID,
					Side:          sig.Side,
					Type:          orderType,
					ReqPrice:      repriced,
					ReqQty:        roundedQty,
					Status:        types.OrderRejected,
					RejectReason:  err.Error(),
					SubmittedAt:   time.Now(),
				}, err
			}
			return order, nil
		}
		return &types.Order{
			Pair:          sig.Pair,
			ClientOrderID: clientOrderID,
			Side:          sig.Side,
			Type:          orderType,
			ReqPrice:      roundedPrice,
			ReqQty:        roundedQty,
			Status:        types.OrderRejected,
			RejectReason:  err.Error(),
			SubmittedAt:   time.Now(),
		}, err
	}

	return order, nil
}

func (r *Router) roundAndValidate(pair string, price, qty float64) (float64, float64, error) {
	roundedPrice, err := r.filters.RoundPrice(pair, price)
	if err != nil {
		return 0, 0, err
	}
	roundedQty, err := r.filters.RoundQty(pair, qty)
	if err != nil {
		return 0, 0, err
	}
	if violations := r.filters.Validate(pair, roundedPrice, roundedQty); len(violations) > 0 {
		return 0, 0, violations[0]
	}
	return roundedPrice, roundedQty, nil
}

func (r *Router) tickSize(pair string) float64 {
	fs, ok := r.filters.Get(pair)
	if !ok {
		return 0
	}
	f, _ := fs.TickSize.Float64()
	return f
}

func repriceOneTick(price float64, side types.Side, tick float64) float64 {
	if side == types.BUY {
		return price - tick
	}
	return price + tick
}

func (r *Router) submit(ctx context.Context, pair string, side types.Side, orderType types.OrderType, price, qty float64, clientOrderID string) (*types.Order, error) {
	req := types.OrderRequest{
		Symbol:           pair,
		Side:             side,
		Type:             orderType,
		Quantity:         strconv.FormatFloat(qty, 'f', -1, 64),
		NewClientOrderID: clientOrderID,
	}
	if orderType != types.OrderTypeMarket {
		req.Price = strconv.FormatFloat(price, 'f', -1, 64)
		req.TimeInForce = "GTC"
	}

	ack, err := r.client.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	order := ackToOrder(pair, side, orderType, price, qty, clientOrderID, ack)
	return order, nil
}

func ackToOrder(pair string, side types.Side, orderType types.OrderType, reqPrice, reqQty float64, clientOrderID string, ack *types.OrderAck) *types.Order {
	order := &types.Order{
		ClientOrderID: clientOrderID,
		VenueOrderID:  strconv.FormatInt(ack.OrderID, 10),
		Pair:          pair,
		Side:          side,
		Type:          orderType,
		ReqPrice:      reqPrice,
		ReqQty:        reqQty,
		Status:        venueStatusToOrderStatus(ack.Status),
		SubmittedAt:   time.Now(),
	}

	for _, vf := range ack.Fills {
		price, _ := strconv.ParseFloat(vf.Price, 64)
		qty, _ := strconv.ParseFloat(vf.Qty, 64)
		commission, _ := strconv.ParseFloat(vf.Commission, 64)
		order.Fills = append(order.Fills, types.Fill{
			Price:      price,
			Qty:        qty,
			Commission: commission,
			Timestamp:  time.Now(),
		})
	}
	applyFillTotals(order)

	if order.Status == types.OrderFilled {
		order.FilledAt = time.Now()
	}

	return order
}

func venueStatusToOrderStatus(venueStatus string) types.OrderStatus {
	switch venueStatus {
	case "NEW":
		return types.OrderOpen
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "EXPIRED":
		return types.OrderCancelled
	case "REJECTED":
		return types.OrderRejected
	default:
		return types.OrderOpen
	}
}

// AccumulateFill appends a new fill to an order's fill list and recomputes
// its weighted-average fill price and total commission. The order's status
// must already reflect the venue's latest state; this only updates the
// derived fields.
func AccumulateFill(order *types.Order, fill types.Fill) {
	order.Fills = append(order.Fills, fill)
	applyFillTotals(order)
}

func applyFillTotals(order *types.Order) {
	var totalQty, totalCost, totalFees float64
	for _, f := range order.Fills {
		totalQty += f.Qty
		totalCost += f.Price * f.Qty
		totalFees += f.Commission
	}
	order.FilledQty = totalQty
	order.Fees = totalFees
	if totalQty > 0 {
		order.AvgFillPrice = totalCost / totalQty
	}
}

// SlippageBps computes slippage in basis points between an order's
// weighted-average fill price and the signal's entry price.
func SlippageBps(fillPrice, signalEntry float64) float64 {
	if signalEntry == 0 {
		return 0
	}
	return 10000 * math.Abs(fillPrice-signalEntry) / signalEntry
}

// SlippageExceeded reports whether measured slippage breaches the
// configured threshold for the signal's class (event vs. non-event). This is
// informational only — per §4.6 exceeding the limit is a warning, never a
// rejection.
func (r *Router) SlippageExceeded(slippageBps float64, isEvent bool) bool {
	limit := r.cfg.NormalSlippageLimitBps
	if isEvent {
		limit = r.cfg.EventSlippageLimitBps
	}
	if limit == 0 {
		return false
	}
	return slippageBps > limit
}

// nextOrderStatusAllowed enforces the order lifecycle state machine:
// PENDING -> {OPEN, REJECTED}; OPEN -> {PARTIALLY_FILLED, FILLED, CANCELLED,
// REJECTED}; PARTIALLY_FILLED -> {FILLED, CANCELLED}. FILLED, CANCELLED, and
// REJECTED are terminal.
func nextOrderStatusAllowed(from, to types.OrderStatus) bool {
	switch from {
	case types.OrderPending:
		return to == types.OrderOpen || to == types.OrderRejected
	case types.OrderOpen:
		switch to {
		case types.OrderPartiallyFilled, types.OrderFilled, types.OrderCancelled, types.OrderRejected:
			return true
		}
		return false
	case types.OrderPartiallyFilled:
		return to == types.OrderFilled || to == types.OrderCancelled
	default:
		return false // FILLED, CANCELLED, REJECTED are terminal
	}
}

// TransitionStatus moves an order to a new status, refusing any transition
// the state machine forbids.
func TransitionStatus(order *types.Order, to types.OrderStatus) error {
	if !nextOrderStatusAllowed(order.Status, to) {
		return &apperr.StateInvariant{Component: "execution.Order", Detail: fmt.Sprintf("%s -> %s is not a legal transition", order.Status, to)}
	}
	order.Status = to
	if to == types.OrderFilled {
		order.FilledAt = time.Now()
	}
	return nil
}

// Cancel cancels an order on the venue first, then marks it locally
// CANCELLED. Idempotent: cancelling an already-terminal order is a no-op.
func (r *Router) Cancel(ctx context.Context, order *types.Order) error {
	if order.Status == types.OrderCancelled || order.Status == types.OrderFilled || order.Status == types.OrderRejected {
		return nil
	}
	venueOrderID, err := strconv.ParseInt(order.VenueOrderID, 10, 64)
	if err != nil {
		return &apperr.ExecutionError{Pair: order.Pair, Stage: "cancel", Reason: fmt.Sprintf("invalid venue order id %q", order.VenueOrderID)}
	}
	if err := r.client.CancelOrder(ctx, order.Pair, venueOrderID); err != nil {
		return err
	}
	return TransitionStatus(order, types.OrderCancelled)
}

// ExecuteClose submits an immediate MARKET order to exit a position — used
// by the position monitor for stop-loss, target, and time-stop exits, where
// the only requirement is getting flat quickly, not maker-first pricing.
func (r *Router) ExecuteClose(ctx context.Context, pair string, side types.Side, qty float64) (*types.Order, error) {
	roundedQty, err := r.filters.RoundQty(pair, qty)
	if err != nil {
		return &types.Order{Pair: pair, Side: side, Type: types.OrderTypeMarket, ReqQty: qty, Status: types.OrderRejected, RejectReason: err.Error(), SubmittedAt: time.Now()}, err
	}

	clientOrderID := uuid.NewString()
	order, err := r.submit(ctx, pair, side, types.OrderTypeMarket, 0, roundedQty, clientOrderID)
	if err != nil {
		return &types.Order{
			Pair:          pair,
			ClientOrderID: clientOrderID,
			Side:          side,
			Type:          types.OrderTypeMarket,
			ReqQty:        roundedQty,
			Status:        types.OrderRejected,
			RejectReason:  err.Error(),
			SubmittedAt:   time.Now(),
		}, err
	}
	return order, nil
}

// lotIDLayout is the day component of a Lot ID: "LOT-YYYYMMDD-NNN".
const lotIDLayout = "20060102"

// CreateLot builds the acquisition-tranche record for a BUY fill. seq is the
// 3-digit per-user per-UTC-day sequence number, owned by the caller's
// persistence layer.
func CreateLot(order *types.Order, seq int, now time.Time) types.Lot {
	costPerUnit := 0.0
	if order.FilledQty > 0 {
		costPerUnit = (order.AvgFillPrice*order.FilledQty + order.Fees) / order.FilledQty
	}
	return types.Lot{
		ID:            fmt.Sprintf("LOT-%s-%03d", now.UTC().Format(lotIDLayout), seq),
		Pair:          order.Pair,
		AcquiredAt:    now,
		Quantity:      order.FilledQty,
		CostPerUnit:   costPerUnit,
		RemainingQty:  order.FilledQty,
		Status:        types.LotOpen,
		SourceOrderID: order.ClientOrderID,
	}
}
