// Package exchange implements the Exchange Gateway: a signed REST client and
// WebSocket ticker reader for Binance.US.
//
// The REST client (Client) wraps every endpoint the engine needs:
//   - Ping / ServerTime:    GET /api/v3/ping, /api/v3/time   — connectivity + clock sync
//   - Ticker24hr / Price:   GET /api/v3/ticker/24hr, /price  — market data
//   - Klines:               GET /api/v3/klines               — OHLCV history
//   - Depth:                GET /api/v3/depth                — order book snapshot
//   - ExchangeInfo:         GET /api/v3/exchangeInfo         — symbol filters
//   - PlaceOrder / Cancel:  POST/DELETE /api/v3/order        — SIGNED trading endpoints
//   - OpenOrders:           GET /api/v3/openOrders           — SIGNED account read
//     (no /api/v3/myTrades call is wrapped)
//   - Account:              GET /api/v3/account              — SIGNED balance read
//   - ListenKey lifecycle:  POST/PUT/DELETE /api/v3/userDataStream
//
// Every request passes through the dual rate limiter (general weight budget +
// order-placement rate) before being sent, and is retried on 429/503 and the
// venue's transient error codes (-1003 too many requests, -1006 unexpected
// response). SIGNED endpoints are composed with Auth.Sign over the query
// string; unsigned endpoints still carry the API key header.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"usspot-engine/internal/apperr"
	"usspot-engine/internal/config"
	"usspot-engine/pkg/types"
)

// venueHaltCode (alongside HTTP 429) trips the general limiter's halt, and
// generalHaltDuration is that halt's length (§4.1).
const (
	venueHaltCode       = -1003
	generalHaltDuration = 60 * time.Second
)

// ClockSyncInterval is how often SyncClock should be called to keep the
// timestamp offset within the venue's "last sync > 60s old" staleness bound.
const ClockSyncInterval = 60 * time.Second

// retryBackoff implements the bit-exact jittered backoff: 300·(attempt+1) ms
// + uniform[0,200) ms, where attempt is 0-indexed. resty's resp.Request.Attempt
// is 1-indexed at the point SetRetryAfter is invoked (it counts the attempt
// that just failed), so attempt+1 there is simply resp.Request.Attempt.
func retryBackoff(resp *resty.Response) time.Duration {
	base := time.Duration(300*resp.Request.Attempt) * time.Millisecond
	jitter := time.Duration(rand.Intn(200)) * time.Millisecond
	return base + jitter
}

// Client is the Binance.US REST API client. It wraps a resty HTTP client
// with rate limiting, retry, and HMAC request signing.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	clockMu     sync.Mutex
	clockOffset time.Duration
	lastSync    time.Time
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	rl := NewRateLimiter()

	httpClient := resty.New().
		SetBaseURL(cfg.Venue.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r.StatusCode() == http.StatusTooManyRequests {
				rl.General.Halt(generalHaltDuration)
				return true
			}
			if r.StatusCode() == http.StatusServiceUnavailable {
				return true
			}
			var ve types.VenueError
			if jerr := json.Unmarshal(r.Body(), &ve); jerr == nil {
				if ve.Code == venueHaltCode {
					rl.General.Halt(generalHaltDuration)
					return true
				}
				return ve.Code == -1006
			}
			return false
		}).
		SetRetryAfter(func(c *resty.Client, resp *resty.Response) (time.Duration, error) {
			return retryBackoff(resp), nil
		}).
		SetHeader("X-MBX-APIKEY", auth.APIKey())

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     rl,
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// SyncClock refreshes the local clock offset against the venue's server
// time. It is the only code that mutates clockOffset/lastSync (§5);
// signedQuery only reads them.
func (c *Client) SyncClock(ctx context.Context) error {
	serverTime, err := c.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("sync clock: %w", err)
	}
	c.clockMu.Lock()
	c.clockOffset = serverTime.Sub(time.Now())
	c.lastSync = time.Now()
	c.clockMu.Unlock()
	return nil
}

func venueError(endpoint string, resp *resty.Response) error {
	var ve types.VenueError
	if err := json.Unmarshal(resp.Body(), &ve); err == nil && ve.Code != 0 {
		return &apperr.GatewayError{Endpoint: endpoint, Status: resp.StatusCode(), Code: ve.Code, Message: ve.Msg}
	}
	return &apperr.GatewayError{Endpoint: endpoint, Status: resp.StatusCode(), Message: resp.String()}
}

// Ping checks connectivity to the venue.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return err
	}
	defer c.rl.General.Done()
	resp, err := c.http.R().SetContext(ctx).Get("/api/v3/ping")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venueError("ping", resp)
	}
	return nil
}

// ServerTime returns the venue's server clock, used to detect local clock
// skew before signing requests.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return time.Time{}, err
	}
	defer c.rl.General.Done()
	var result types.ServerTimeResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/api/v3/time")
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return time.Time{}, venueError("server_time", resp)
	}
	return time.UnixMilli(result.ServerTime), nil
}

// Ticker24hr fetches the rolling 24h stats for a symbol.
func (c *Client) Ticker24hr(ctx context.Context, symbol string) (*types.Ticker24hr, error) {
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()
	var result types.Ticker24hr
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("ticker 24hr: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("ticker_24hr", resp)
	}
	return &result, nil
}

// TickerPrice fetches the latest trade price for a symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (*types.TickerPrice, error) {
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()
	var result types.TickerPrice
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/api/v3/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("ticker price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("ticker_price", resp)
	}
	return &result, nil
}

// Klines fetches up to `limit` OHLCV bars at the given interval (e.g. "1m", "5m", "1h").
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	if err := c.rl.General.WaitN(ctx, 2); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()
	var raw [][]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&raw).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("klines", resp)
	}

	klines := make([]types.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		k := types.Kline{
			OpenTime:  msToTime(row[0]),
			Open:      toFloat(row[1]),
			High:      toFloat(row[2]),
			Low:       toFloat(row[3]),
			Close:     toFloat(row[4]),
			Volume:    toFloat(row[5]),
			CloseTime: msToTime(row[6]),
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// Depth fetches the order book snapshot for a symbol, at most `limit` levels per side.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*types.DepthResponse, error) {
	weight := 1
	if limit > 100 {
		weight = 5
	}
	if limit > 500 {
		weight = 10
	}
	if err := c.rl.General.WaitN(ctx, float64(weight)); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()
	var result types.DepthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&result).
		Get("/api/v3/depth")
	if err != nil {
		return nil, fmt.Errorf("depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("depth", resp)
	}
	return &result, nil
}

// ExchangeInfo fetches the venue's symbol metadata and filters.
func (c *Client) ExchangeInfo(ctx context.Context) (*types.ExchangeInfoResponse, error) {
	if err := c.rl.General.WaitN(ctx, 10); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()
	var result types.ExchangeInfoResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("exchange_info", resp)
	}
	return &result, nil
}

// signedQuery builds a timestamped, signed query string for a SIGNED
// endpoint, applying the current clock offset (§4.1 step 2). It only reads
// clockOffset; SyncClock is the sole writer.
func (c *Client) signedQuery(params url.Values) string {
	c.clockMu.Lock()
	offset := c.clockOffset
	c.clockMu.Unlock()

	params.Set("timestamp", strconv.FormatInt(time.Now().Add(offset).UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	raw := params.Encode()
	sig := c.auth.Sign(raw)
	return raw + "&signature=" + sig
}

// PlaceOrder submits a new order. Use req.Type == LIMIT_MAKER for maker-only
// orders (rejects with venue code -2010 if it would immediately match).
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", req.Symbol, "side", req.Side, "type", req.Type)
		return &types.OrderAck{Symbol: req.Symbol, OrderID: 0, ClientOrderID: req.NewClientOrderID, Status: "NEW"}, nil
	}
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	defer c.rl.Order.Done()

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity)
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", req.TimeInForce)
	}
	if req.NewClientOrderID != "" {
		params.Set("newClientOrderId", req.NewClientOrderID)
	}

	query := c.signedQuery(params)

	var result types.OrderAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(query).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetResult(&result).
		Post("/api/v3/order?" + query)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("place_order", resp)
	}
	return &result, nil
}

// CancelOrder cancels a single open order by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "orderId", orderID)
		return nil
	}
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return err
	}
	defer c.rl.General.Done()

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	query := c.signedQuery(params)

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/api/v3/order?" + query)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venueError("cancel_order", resp)
	}
	return nil
}

// OpenOrders lists open orders, optionally filtered to a single symbol (empty = all).
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.OrderAck, error) {
	weight := 6
	if symbol == "" {
		weight = 80
	}
	if err := c.rl.General.WaitN(ctx, float64(weight)); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	query := c.signedQuery(params)

	var results []types.OrderAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&results).
		Get("/api/v3/openOrders?" + query)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("open_orders", resp)
	}
	return results, nil
}

// AccountInfo fetches current balances.
func (c *Client) AccountInfo(ctx context.Context) (map[string]interface{}, error) {
	if err := c.rl.General.WaitN(ctx, 10); err != nil {
		return nil, err
	}
	defer c.rl.General.Done()
	params := url.Values{}
	query := c.signedQuery(params)

	var result map[string]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v3/account?" + query)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueError("account_info", resp)
	}
	return result, nil
}

// StartUserDataStream requests a new listen key for the user data WebSocket.
func (c *Client) StartUserDataStream(ctx context.Context) (string, error) {
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return "", err
	}
	defer c.rl.General.Done()
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Post("/api/v3/userDataStream")
	if err != nil {
		return "", fmt.Errorf("start user data stream: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", venueError("start_user_data_stream", resp)
	}
	return result.ListenKey, nil
}

// KeepAliveUserDataStream extends a listen key's validity by 60 minutes.
func (c *Client) KeepAliveUserDataStream(ctx context.Context, listenKey string) error {
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return err
	}
	defer c.rl.General.Done()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("listenKey", listenKey).
		Put("/api/v3/userDataStream")
	if err != nil {
		return fmt.Errorf("keepalive user data stream: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venueError("keepalive_user_data_stream", resp)
	}
	return nil
}

// CloseUserDataStream releases a listen key.
func (c *Client) CloseUserDataStream(ctx context.Context, listenKey string) error {
	if err := c.rl.General.WaitN(ctx, 1); err != nil {
		return err
	}
	defer c.rl.General.Done()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("listenKey", listenKey).
		Delete("/api/v3/userDataStream")
	if err != nil {
		return fmt.Errorf("close user data stream: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venueError("close_user_data_stream", resp)
	}
	return nil
}

func msToTime(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.UnixMilli(int64(t))
	case int64:
		return time.UnixMilli(t)
	default:
		return time.Time{}
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
