// Package binance is the USDT-margined perpetuals adapter, built on the
// go-binance futures client. It owns the listen-key lifecycle, the user-data
// stream and the mark-price stream; the rest of the core sees only
// broker.Adapter.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/config"
	"github.com/twquant/tvgateway/internal/domain"
)

const (
	// clockSafetyMargin is subtracted from local time when the server-time
	// sync fails, so signed requests never run ahead of the broker clock.
	clockSafetyMargin = time.Second

	keepaliveInterval = 30 * time.Minute
)

// Client implements broker.Adapter for the crypto futures backend.
type Client struct {
	cfg config.BTCConfig
	fc  *futures.Client
	log zerolog.Logger

	loginMu sync.Mutex

	mu        sync.Mutex
	loggedIn  bool
	sessionAt time.Time
	listenKey string
	handler   broker.OrderEventHandler

	streams *streamSet
}

// NewClient creates a BTC adapter from the btc.env settings.
func NewClient(cfg config.BTCConfig, log zerolog.Logger) *Client {
	futures.UseTestnet = cfg.Testnet
	c := &Client{
		cfg: cfg,
		fc:  futures.NewClient(cfg.APIKey, cfg.APISecret),
		log: log.With().Str("client", "binance").Logger(),
	}
	c.streams = newStreamSet(c)
	return c
}

// Market implements broker.Adapter.
func (c *Client) Market() domain.Market { return domain.MarketBTC }

// Login syncs the server clock, applies leverage and margin mode, generates a
// listen key and opens the user-data and mark-price streams.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if err := c.syncClock(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Server time sync failed, applying safety margin")
		c.fc.TimeOffset = -clockSafetyMargin.Milliseconds()
	}

	if _, err := c.fc.NewChangeLeverageService().
		Symbol(c.cfg.Symbol).Leverage(c.cfg.Leverage).Do(ctx); err != nil {
		return c.classify(err, "failed to set leverage")
	}

	marginType := futures.MarginTypeIsolated
	if strings.EqualFold(c.cfg.MarginType, "CROSSED") {
		marginType = futures.MarginTypeCrossed
	}
	if err := c.fc.NewChangeMarginTypeService().
		Symbol(c.cfg.Symbol).MarginType(marginType).Do(ctx); err != nil {
		// "No need to change margin type" is not a failure.
		if !strings.Contains(err.Error(), "-4046") {
			return c.classify(err, "failed to set margin type")
		}
	}

	listenKey, err := c.fc.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return c.classify(err, "failed to start user stream")
	}

	c.mu.Lock()
	c.loggedIn = true
	c.sessionAt = time.Now()
	c.listenKey = listenKey
	handler := c.handler
	c.mu.Unlock()

	c.streams.start(listenKey, handler)
	c.log.Info().Str("symbol", c.cfg.Symbol).Int("leverage", c.cfg.Leverage).
		Msg("BTC session established")
	return nil
}

// syncClock aligns the client's time offset with the broker.
func (c *Client) syncClock(ctx context.Context) error {
	serverMs, err := c.fc.NewServerTimeService().Do(ctx)
	if err != nil {
		return err
	}
	c.fc.TimeOffset = serverMs - time.Now().UnixMilli()
	return nil
}

// Logout closes the streams and releases the listen key. Idempotent.
func (c *Client) Logout(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.streams.stop()

	c.mu.Lock()
	listenKey := c.listenKey
	wasLoggedIn := c.loggedIn
	c.loggedIn = false
	c.listenKey = ""
	c.mu.Unlock()

	if !wasLoggedIn {
		return nil
	}
	if listenKey != "" {
		if err := c.fc.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close user stream")
		}
	}
	return nil
}

// Probe implements broker.Adapter with a balance call.
func (c *Client) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.fc.NewGetBalanceService().Do(ctx)
	return err == nil
}

// SessionStartedAt implements broker.Adapter.
func (c *Client) SessionStartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionAt
}

// ListContracts returns the single configured perpetual. The BTC market has
// no delivery months.
func (c *Client) ListContracts(_ context.Context, _ domain.Family) ([]domain.Contract, error) {
	return []domain.Contract{{
		Market: domain.MarketBTC,
		Code:   c.cfg.Symbol,
		IsR1:   true,
	}}, nil
}

// ListPositions implements broker.Adapter.
func (c *Client) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var risks []*futures.PositionRisk
	err := broker.WithRetry(ctx, c.log, "list_positions", func() error {
		var opErr error
		risks, opErr = c.fc.NewGetPositionRiskService().Symbol(c.cfg.Symbol).Do(ctx)
		return c.classify(opErr, "failed to list positions")
	})
	if err != nil {
		return nil, err
	}

	var out []domain.Position
	for _, r := range risks {
		amt, _ := decimal.NewFromString(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := domain.Buy
		if amt.IsNegative() {
			side = domain.Sell
		}
		leverage, _ := strconv.Atoi(r.Leverage)
		out = append(out, domain.Position{
			Market:           domain.MarketBTC,
			Symbol:           r.Symbol,
			Direction:        side,
			Quantity:         amt.Abs(),
			EntryPrice:       parseFloat(r.EntryPrice),
			MarkPrice:        parseFloat(r.MarkPrice),
			UnrealizedPnL:    parseFloat(r.UnRealizedProfit),
			LiquidationPrice: parseFloat(r.LiquidationPrice),
			Leverage:         leverage,
			MarginType:       r.MarginType,
		})
	}
	return out, nil
}

// AccountSnapshot combines the account state with the income-history
// realized-PnL horizons. The income endpoint is authoritative; the journal
// reconstruction in the report builder only runs when this data is absent.
func (c *Client) AccountSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	acct, err := c.fc.NewGetAccountService().Do(ctx)
	if err != nil {
		return domain.AccountSnapshot{}, c.classify(err, "failed to fetch account")
	}

	snap := domain.AccountSnapshot{
		WalletBalance:     parseFloat(acct.TotalWalletBalance),
		Available:         parseFloat(acct.AvailableBalance),
		MarginBalance:     parseFloat(acct.TotalMarginBalance),
		UnrealizedPnL:     parseFloat(acct.TotalUnrealizedProfit),
		InitialMargin:     parseFloat(acct.TotalInitialMargin),
		MaintenanceMargin: parseFloat(acct.TotalMaintMargin),
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	snap.RealizedPnLToday = c.incomeSum(ctx, "REALIZED_PNL", midnight, now)
	snap.RealizedPnL7D = c.incomeSum(ctx, "REALIZED_PNL", now.AddDate(0, 0, -7), now)
	snap.RealizedPnL30D = c.incomeSum(ctx, "REALIZED_PNL", now.AddDate(0, 0, -30), now)
	snap.FeesToday = -c.incomeSum(ctx, "COMMISSION", midnight, now)
	return snap, nil
}

// incomeSum totals one income type over a window. Failures degrade to zero;
// the caller's display falls back to the journal reconstruction.
func (c *Client) incomeSum(ctx context.Context, incomeType string, from, to time.Time) float64 {
	items, err := c.fc.NewGetIncomeHistoryService().
		Symbol(c.cfg.Symbol).
		IncomeType(incomeType).
		StartTime(from.UnixMilli()).
		EndTime(to.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("income_type", incomeType).Msg("Income history unavailable")
		return 0
	}

	total := decimal.Zero
	for _, item := range items {
		v, err := decimal.NewFromString(item.Income)
		if err != nil {
			continue
		}
		total = total.Add(v)
	}
	f, _ := total.Float64()
	return f
}

// PlaceOrder implements broker.Adapter. Cover orders are sent reduce-only.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	side := futures.SideTypeBuy
	if req.Side == domain.Sell {
		side = futures.SideTypeSell
	}

	svc := c.fc.NewCreateOrderService().
		Symbol(c.cfg.Symbol).
		Side(side).
		Quantity(req.Quantity.StringFixed(3))
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.OC == domain.OCCover {
		svc = svc.ReduceOnly(true)
	}
	if req.PriceType == domain.PriceLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.LimitPrice, 'f', 1, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	var resp *futures.CreateOrderResponse
	err := broker.WithRetry(ctx, c.log, "place_order", func() error {
		var opErr error
		resp, opErr = svc.Do(ctx)
		return c.classify(opErr, "failed to place order")
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder implements broker.Adapter.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	return broker.WithRetry(ctx, c.log, "cancel_order", func() error {
		_, opErr := c.fc.NewCancelOrderService().Symbol(c.cfg.Symbol).OrderID(id).Do(ctx)
		return c.classify(opErr, "failed to cancel order")
	})
}

// QueryOrder implements broker.Adapter. Used by the polling fallback.
func (c *Client) QueryOrder(ctx context.Context, orderID string) (broker.OrderEvent, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return broker.OrderEvent{}, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	order, err := c.fc.NewGetOrderService().Symbol(c.cfg.Symbol).OrderID(id).Do(ctx)
	if err != nil {
		return broker.OrderEvent{}, c.classify(err, "failed to query order")
	}

	qty, _ := decimal.NewFromString(order.ExecutedQuantity)
	return broker.OrderEvent{
		OrderID:   orderID,
		State:     mapOrderStatus(order.Status),
		FillPrice: parseFloat(order.AvgPrice),
		FillQty:   qty,
		Time:      time.UnixMilli(order.UpdateTime),
	}, nil
}

// SubscribeOrderEvents implements broker.Adapter.
func (c *Client) SubscribeOrderEvents(handler broker.OrderEventHandler) {
	c.mu.Lock()
	c.handler = handler
	listenKey := c.listenKey
	loggedIn := c.loggedIn
	c.mu.Unlock()

	if loggedIn {
		c.streams.start(listenKey, handler)
	}
}

// ServerTime implements broker.Adapter.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := c.fc.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, c.classify(err, "failed to fetch server time")
	}
	return time.UnixMilli(ms), nil
}

// MarkPrice implements broker.MarkPriceSource. Before the first stream tick
// the premium-index endpoint answers, so a signal arriving right after login
// is not rejected for a missing price.
func (c *Client) MarkPrice() float64 {
	if p := c.streams.markPrice(); p > 0 {
		return p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	premiums, err := c.fc.NewPremiumIndexService().Symbol(c.cfg.Symbol).Do(ctx)
	if err != nil || len(premiums) == 0 {
		c.log.Warn().Err(err).Msg("Mark price unavailable from stream and REST")
		return 0
	}
	price := parseFloat(premiums[0].MarkPrice)
	if price > 0 {
		c.streams.seedMark(price)
	}
	return price
}

// SubscribeMarkPrice implements broker.MarkPriceSource.
func (c *Client) SubscribeMarkPrice() <-chan float64 {
	return c.streams.subscribeMark()
}

// classify wraps vendor errors into the core's error kinds. Binance API
// errors with a code are business rejections; everything else is transport.
func (c *Client) classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2014, -2015, -1022: // bad key, invalid signature
			return fmt.Errorf("%s: %s: %w", msg, apiErr.Message, domain.ErrAuthFailed)
		}
		return &domain.BusinessError{
			Code:    strconv.FormatInt(apiErr.Code, 10),
			Message: apiErr.Message,
		}
	}
	return fmt.Errorf("%s: %v: %w", msg, err, domain.ErrNetwork)
}

func mapOrderStatus(status futures.OrderStatusType) domain.OrderState {
	switch status {
	case futures.OrderStatusTypeFilled:
		return domain.StateFilled
	case futures.OrderStatusTypeCanceled:
		return domain.StateCancelled
	case futures.OrderStatusTypeRejected:
		return domain.StateRejected
	case futures.OrderStatusTypeExpired:
		return domain.StateExpired
	default:
		// NEW and PARTIALLY_FILLED are both live; partial fills coalesce
		// until the full fill arrives.
		return domain.StateSubmitted
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
