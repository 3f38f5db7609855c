// Package domain holds the shared data model of the gateway: signals coming in
// from TradingView, contracts, orders and their lifecycle, broker positions and
// account snapshots.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies which brokerage backend an object belongs to.
type Market string

const (
	MarketTX  Market = "TX"  // Taiwan index futures
	MarketBTC Market = "BTC" // USDT-margined perpetuals
)

// Family is a TX contract family.
type Family string

const (
	FamilyTXF Family = "TXF" // 大台
	FamilyMXF Family = "MXF" // 小台
	FamilyTMF Family = "TMF" // 微台
)

// Families lists the TX contract families in display order.
var Families = []Family{FamilyTXF, FamilyMXF, FamilyTMF}

// PointValue returns the monetary value of a one-point move for the family.
func (f Family) PointValue() int {
	switch f {
	case FamilyTXF:
		return 200
	case FamilyMXF:
		return 50
	case FamilyTMF:
		return 10
	}
	return 0
}

// DisplayName returns the operator-facing Chinese name of the family.
func (f Family) DisplayName() string {
	switch f {
	case FamilyTXF:
		return "大台"
	case FamilyMXF:
		return "小台"
	case FamilyTMF:
		return "微台"
	}
	return string(f)
}

// Direction is the canonical strategy intent.
type Direction string

const (
	OpenLong   Direction = "open_long"
	OpenShort  Direction = "open_short"
	CloseLong  Direction = "close_long"
	CloseShort Direction = "close_short"
)

// IsOpen reports whether the direction opens a position.
func (d Direction) IsOpen() bool {
	return d == OpenLong || d == OpenShort
}

// Side returns the order side implied by the direction. Closing a long sells,
// closing a short buys.
func (d Direction) Side() Side {
	switch d {
	case OpenLong, CloseShort:
		return Buy
	default:
		return Sell
	}
}

// Side is the order side.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the inverse side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OCType classifies an order as opening (new) or closing (cover) a position.
type OCType string

const (
	OCNew   OCType = "new"
	OCCover OCType = "cover"
)

// PriceType is market or limit.
type PriceType string

const (
	PriceMarket PriceType = "market"
	PriceLimit  PriceType = "limit"
)

// OrderType is the time-in-force qualifier.
type OrderType string

const (
	OrderIOC OrderType = "ioc"
	OrderROD OrderType = "rod"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	StateSubmitted OrderState = "submitted"
	StateFilled    OrderState = "filled"
	StateCancelled OrderState = "cancelled"
	StateRejected  OrderState = "rejected"
	StateExpired   OrderState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	return s != StateSubmitted && s != ""
}

// Signal is a parsed TradingView alert.
type Signal struct {
	TradeID   string
	Market    Market
	Direction Direction
	Symbol    string // BTC only
	TXF       int
	MXF       int
	TMF       int
	Quantity  decimal.Decimal // BTC only; zero means "size from risk config"
	Price     float64         // hint only, may be 0
	Time      time.Time
}

// Quantities returns the per-family TX quantities that are non-zero.
func (s Signal) Quantities() map[Family]int {
	q := make(map[Family]int, 3)
	if s.TXF > 0 {
		q[FamilyTXF] = s.TXF
	}
	if s.MXF > 0 {
		q[FamilyMXF] = s.MXF
	}
	if s.TMF > 0 {
		q[FamilyTMF] = s.TMF
	}
	return q
}

// Contract describes a tradable TX contract month, or the fixed BTC symbol.
type Contract struct {
	Market       Market
	Code         string // e.g. TXFG5, BTCUSDT
	Family       Family // TX only
	DeliveryDate time.Time
	IsR1         bool
	IsR2         bool
}

// Order is a broker order together with the metadata the gateway attached at
// submission time.
type Order struct {
	ID          string
	Market      Market
	Family      Family
	Symbol      string
	Side        Side
	OC          OCType
	Quantity    decimal.Decimal
	PriceType   PriceType
	OrderType   OrderType
	LimitPrice  float64
	IsManual    bool
	SubmittedAt time.Time

	State        OrderState
	FillPrice    float64
	FillQuantity decimal.Decimal
	FilledAt     time.Time
	FailReason   string
}

// Position is a read-only snapshot of a broker position.
type Position struct {
	Market           Market
	Family           Family
	Symbol           string
	Direction        Side // buy = long, sell = short
	Quantity         decimal.Decimal
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	LiquidationPrice float64
	Leverage         int
	MarginType       string
}

// AccountSnapshot is the broker account state the reports and the 14:50
// margin check consume.
type AccountSnapshot struct {
	WalletBalance     float64
	Available         float64
	MarginBalance     float64
	UnrealizedPnL     float64
	InitialMargin     float64
	MaintenanceMargin float64
	FeesToday         float64
	RealizedPnLToday  float64
	RealizedPnL7D     float64
	RealizedPnL30D    float64
}
