// Package broker defines the narrow surface the core depends on for each
// brokerage backend. Implementations absorb vendor drift internally; nothing
// outside internal/clients may import a vendor SDK.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/domain"
)

// OrderRequest is a placement request. Quantity is contracts for TX and coins
// for BTC.
type OrderRequest struct {
	Contract   domain.Contract
	Side       domain.Side
	Quantity   decimal.Decimal
	OC         domain.OCType
	PriceType  domain.PriceType
	OrderType  domain.OrderType
	LimitPrice float64
	ClientID   string // optional correlation id
}

// OrderEvent is a lifecycle update pushed by the broker (TX callback frame,
// BTC ORDER_TRADE_UPDATE) or synthesized by the polling fallback.
type OrderEvent struct {
	OrderID    string
	State      domain.OrderState
	FillPrice  float64
	FillQty    decimal.Decimal
	ReasonCode string
	Raw        []byte // original broker payload, journaled verbatim
	Time       time.Time
}

// OrderEventHandler consumes lifecycle events. Handlers must not block; the
// tracker feeds them through a bounded channel.
type OrderEventHandler func(OrderEvent)

// Adapter is the per-market brokerage surface.
type Adapter interface {
	Market() domain.Market

	// Login establishes a session. Blocking; fails with ErrAuthFailed,
	// ErrCertificateInvalid or ErrNetwork.
	Login(ctx context.Context) error
	// Logout tears the session down. Idempotent, best-effort.
	Logout(ctx context.Context) error
	// Probe is a cheap health check used by the connection supervisor.
	Probe(ctx context.Context) bool
	// SessionStartedAt returns when the current session was established.
	SessionStartedAt() time.Time

	// ListContracts returns the tradable contracts of a family sorted by
	// delivery date. TX only; BTC returns its single symbol.
	ListContracts(ctx context.Context, family domain.Family) ([]domain.Contract, error)
	ListPositions(ctx context.Context) ([]domain.Position, error)
	AccountSnapshot(ctx context.Context) (domain.AccountSnapshot, error)

	// PlaceOrder returns the broker-assigned order id synchronously or fails.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	// QueryOrder returns the current broker-side view of an order. Used by
	// the polling fallback.
	QueryOrder(ctx context.Context, orderID string) (OrderEvent, error)

	// SubscribeOrderEvents registers the lifecycle callback. The adapter owns
	// the receiving goroutine.
	SubscribeOrderEvents(handler OrderEventHandler)

	// ServerTime returns broker server time, used to stamp signed requests.
	ServerTime(ctx context.Context) (time.Time, error)
}

// MarkPriceSource is implemented by adapters that publish a streaming mark
// price (BTC). Position-PnL refreshers and the sizing step consume it.
type MarkPriceSource interface {
	// MarkPrice returns the latest observed mark price, or zero when no tick
	// has arrived yet.
	MarkPrice() float64
	// SubscribeMarkPrice registers a subscriber channel. Sends are
	// non-blocking; slow subscribers miss ticks.
	SubscribeMarkPrice() <-chan float64
}

// Retry policy for transient failures inside a single operation: exponential
// backoff 2, 4, 6 seconds, three attempts.
const (
	RetryAttempts = 3
	RetryStep     = 2 * time.Second
)
