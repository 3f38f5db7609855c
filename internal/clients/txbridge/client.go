// Package txbridge is the Taiwan futures adapter. The vendor SDK lives behind
// a local bridge service; this client speaks the bridge's typed HTTP API and
// consumes its order-event websocket, so vendor drift never leaks past this
// package.
package txbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/config"
	"github.com/twquant/tvgateway/internal/domain"
)

// Client implements broker.Adapter against the TX bridge.
type Client struct {
	baseURL string
	cfg     config.TXConfig
	client  *http.Client
	log     zerolog.Logger

	loginMu   sync.Mutex // external callers must not login/logout concurrently
	mu        sync.Mutex
	loggedIn  bool
	sessionAt time.Time

	stream  *eventStream
	handler broker.OrderEventHandler
}

// serviceResponse is the bridge's standard envelope.
type serviceResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a TX adapter talking to cfg.BridgeURL.
func NewClient(cfg config.TXConfig, log zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.BridgeURL,
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "txbridge").Logger(),
	}
}

// Market implements broker.Adapter.
func (c *Client) Market() domain.Market { return domain.MarketTX }

// Login establishes a bridge session with the certificate credentials and
// opens the order-event stream.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	req := map[string]string{
		"api_key":       c.cfg.APIKey,
		"api_secret":    c.cfg.APISecret,
		"cert_path":     c.cfg.CertPath,
		"cert_password": c.cfg.CertPassword,
		"person_id":     c.cfg.PersonID,
	}
	if _, err := c.post(ctx, "/api/session/login", req); err != nil {
		return classifyLoginError(err)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.sessionAt = time.Now()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		c.startStream(handler)
	}
	c.log.Info().Msg("TX session established")
	return nil
}

// classifyLoginError maps bridge rejection codes onto the sentinel kinds the
// supervisor distinguishes.
func classifyLoginError(err error) error {
	if be, ok := domain.AsBusinessError(err); ok {
		switch be.Code {
		case "AUTH_FAILED":
			return fmt.Errorf("%s: %w", be.Message, domain.ErrAuthFailed)
		case "CERT_INVALID", "CERT_EXPIRED", "CERT_NOT_ACTIVATED":
			return fmt.Errorf("%s (%s): %w", be.Message, be.Code, domain.ErrCertificateInvalid)
		}
	}
	return err
}

// Logout tears the session down. Idempotent, best-effort.
func (c *Client) Logout(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.stopStream()

	c.mu.Lock()
	wasLoggedIn := c.loggedIn
	c.loggedIn = false
	c.mu.Unlock()

	if !wasLoggedIn {
		return nil
	}
	if _, err := c.post(ctx, "/api/session/logout", nil); err != nil {
		c.log.Warn().Err(err).Msg("TX logout failed")
	}
	return nil
}

// Probe is the supervisor health check: a cheap account call.
func (c *Client) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.get(ctx, "/api/account/margin")
	return err == nil
}

// SessionStartedAt implements broker.Adapter.
func (c *Client) SessionStartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionAt
}

type bridgeContract struct {
	Code         string `json:"code"`
	Family       string `json:"family"`
	DeliveryDate string `json:"delivery_date"` // YYYY-MM-DD
	IsR1         bool   `json:"is_r1"`
	IsR2         bool   `json:"is_r2"`
}

// ListContracts returns the family's contracts sorted by delivery date.
func (c *Client) ListContracts(ctx context.Context, family domain.Family) ([]domain.Contract, error) {
	var raw []bridgeContract
	if err := c.getJSON(ctx, "/api/contracts/"+string(family), &raw); err != nil {
		return nil, err
	}

	out := make([]domain.Contract, 0, len(raw))
	for _, bc := range raw {
		del, err := time.Parse("2006-01-02", bc.DeliveryDate)
		if err != nil {
			c.log.Warn().Str("code", bc.Code).Str("delivery", bc.DeliveryDate).
				Msg("Skipping contract with unparseable delivery date")
			continue
		}
		out = append(out, domain.Contract{
			Market:       domain.MarketTX,
			Code:         bc.Code,
			Family:       domain.Family(bc.Family),
			DeliveryDate: del,
			IsR1:         bc.IsR1,
			IsR2:         bc.IsR2,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveryDate.Before(out[j].DeliveryDate) })
	return out, nil
}

type bridgePosition struct {
	Family        string  `json:"family"`
	Direction     string  `json:"direction"` // Buy / Sell
	Quantity      int64   `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// ListPositions implements broker.Adapter.
func (c *Client) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var raw []bridgePosition
	if err := c.getJSON(ctx, "/api/positions", &raw); err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(raw))
	for _, bp := range raw {
		side := domain.Buy
		if bp.Direction == "Sell" {
			side = domain.Sell
		}
		out = append(out, domain.Position{
			Market:        domain.MarketTX,
			Family:        domain.Family(bp.Family),
			Direction:     side,
			Quantity:      decimal.NewFromInt(bp.Quantity),
			EntryPrice:    bp.EntryPrice,
			MarkPrice:     bp.MarkPrice,
			UnrealizedPnL: bp.UnrealizedPnL,
		})
	}
	return out, nil
}

type bridgeAccount struct {
	WalletBalance     float64 `json:"wallet_balance"`
	Available         float64 `json:"available"`
	MarginBalance     float64 `json:"margin_balance"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	InitialMargin     float64 `json:"initial_margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	FeesToday         float64 `json:"fees_today"`
	RealizedPnLToday  float64 `json:"realized_pnl_today"`
	RealizedPnL7D     float64 `json:"realized_pnl_7d"`
	RealizedPnL30D    float64 `json:"realized_pnl_30d"`
}

// AccountSnapshot implements broker.Adapter.
func (c *Client) AccountSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	var raw bridgeAccount
	if err := c.getJSON(ctx, "/api/account/margin", &raw); err != nil {
		return domain.AccountSnapshot{}, err
	}
	return domain.AccountSnapshot(raw), nil
}

type placeOrderRequest struct {
	Contract   string  `json:"contract"`
	Side       string  `json:"side"`
	Quantity   int64   `json:"quantity"`
	OC         string  `json:"oc"`
	PriceType  string  `json:"price_type"`
	OrderType  string  `json:"order_type"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

type placeOrderResult struct {
	OrderID string `json:"order_id"`
}

// PlaceOrder implements broker.Adapter. Returns the broker-assigned id
// synchronously or fails.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	body := placeOrderRequest{
		Contract:   req.Contract.Code,
		Side:       string(req.Side),
		Quantity:   req.Quantity.IntPart(),
		OC:         string(req.OC),
		PriceType:  string(req.PriceType),
		OrderType:  string(req.OrderType),
		LimitPrice: req.LimitPrice,
	}

	var result placeOrderResult
	err := broker.WithRetry(ctx, c.log, "place_order", func() error {
		return c.postJSON(ctx, "/api/orders", body, &result)
	})
	if err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("bridge returned no order id")
	}
	return result.OrderID, nil
}

// CancelOrder implements broker.Adapter.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return broker.WithRetry(ctx, c.log, "cancel_order", func() error {
		_, err := c.post(ctx, "/api/orders/"+orderID+"/cancel", nil)
		return err
	})
}

type bridgeOrderStatus struct {
	OrderID    string  `json:"order_id"`
	State      string  `json:"state"`
	FillPrice  float64 `json:"fill_price"`
	FillQty    int64   `json:"fill_quantity"`
	ReasonCode string  `json:"reason_code"`
}

// QueryOrder implements broker.Adapter.
func (c *Client) QueryOrder(ctx context.Context, orderID string) (broker.OrderEvent, error) {
	var raw bridgeOrderStatus
	if err := c.getJSON(ctx, "/api/orders/"+orderID, &raw); err != nil {
		return broker.OrderEvent{}, err
	}
	return broker.OrderEvent{
		OrderID:    raw.OrderID,
		State:      mapOrderState(raw.State),
		FillPrice:  raw.FillPrice,
		FillQty:    decimal.NewFromInt(raw.FillQty),
		ReasonCode: raw.ReasonCode,
		Time:       time.Now(),
	}, nil
}

// SubscribeOrderEvents implements broker.Adapter. The stream starts with the
// session.
func (c *Client) SubscribeOrderEvents(handler broker.OrderEventHandler) {
	c.mu.Lock()
	c.handler = handler
	loggedIn := c.loggedIn
	c.mu.Unlock()

	if loggedIn {
		c.startStream(handler)
	}
}

// ServerTime implements broker.Adapter.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var raw struct {
		Epoch int64 `json:"epoch_ms"`
	}
	if err := c.getJSON(ctx, "/api/time", &raw); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(raw.Epoch), nil
}

// --- HTTP plumbing ---

func (c *Client) post(ctx context.Context, endpoint string, request interface{}) (*serviceResponse, error) {
	var body io.Reader
	if request != nil {
		data, err := json.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, endpoint string) (*serviceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*serviceResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge unreachable: %w", domain.ErrNetwork)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge response: %w", domain.ErrNetwork)
	}

	var result serviceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse bridge response: %w", err)
	}
	if !result.Success {
		if result.Error == nil {
			return nil, fmt.Errorf("bridge error without detail")
		}
		return &result, &domain.BusinessError{Code: result.Error.Code, Message: result.Error.Message}
	}
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", endpoint, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, request, out interface{}) error {
	resp, err := c.post(ctx, endpoint, request)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", endpoint, err)
	}
	return nil
}
