package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/config"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/internal/journal"
	"github.com/twquant/tvgateway/internal/registry"
	"github.com/twquant/tvgateway/pkg/logger"
)

type fakeAdapter struct {
	market    domain.Market
	positions []domain.Position
	snapshot  domain.AccountSnapshot

	mu     sync.Mutex
	placed []broker.OrderRequest
	nextID int
	fail   error
}

func (f *fakeAdapter) Market() domain.Market                  { return f.market }
func (f *fakeAdapter) Login(context.Context) error            { return nil }
func (f *fakeAdapter) Logout(context.Context) error           { return nil }
func (f *fakeAdapter) Probe(context.Context) bool             { return true }
func (f *fakeAdapter) SessionStartedAt() time.Time            { return time.Time{} }
func (f *fakeAdapter) SubscribeOrderEvents(broker.OrderEventHandler) {}

func (f *fakeAdapter) ListContracts(context.Context, domain.Family) ([]domain.Contract, error) {
	return nil, nil
}

func (f *fakeAdapter) ListPositions(context.Context) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeAdapter) AccountSnapshot(context.Context) (domain.AccountSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.placed = append(f.placed, req)
	f.nextID++
	return "O" + decimal.NewFromInt(int64(f.nextID)).String(), nil
}

func (f *fakeAdapter) CancelOrder(context.Context, string) error { return nil }

func (f *fakeAdapter) QueryOrder(context.Context, string) (broker.OrderEvent, error) {
	return broker.OrderEvent{}, nil
}

func (f *fakeAdapter) ServerTime(context.Context) (time.Time, error) { return time.Now(), nil }

func (f *fakeAdapter) placedOrders() []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.OrderRequest(nil), f.placed...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string // "category: text"
}

func (n *fakeNotifier) SendText(category, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, category+": "+text)
}

func (n *fakeNotifier) SendTextAfter(_ time.Duration, category, text string) {
	n.SendText(category, text)
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fakeSelector struct{}

func (fakeSelector) ActiveContract(_ context.Context, family domain.Family) (domain.Contract, error) {
	return domain.Contract{
		Market:       domain.MarketTX,
		Code:         string(family) + "G5",
		Family:       family,
		DeliveryDate: time.Date(2025, 8, 20, 0, 0, 0, 0, time.Local),
		IsR1:         true,
	}, nil
}

type fakeCalendar struct{ open bool }

func (c fakeCalendar) IsTradingDay(time.Time) (bool, error) { return c.open, nil }
func (c fakeCalendar) IsMarketOpen(time.Time) bool          { return c.open }

type fixture struct {
	pipe    *Pipeline
	adapter *fakeAdapter
	notif   *fakeNotifier
	jrnl    *journal.Journal
	reg     *registry.Registry
}

func newFixture(t *testing.T, market domain.Market, adapter *fakeAdapter) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})

	jrnl, err := journal.New(dir, market, log)
	require.NoError(t, err)
	reg, err := registry.Load(filepath.Join(dir, "order_mapping.json"), log)
	require.NoError(t, err)
	notif := &fakeNotifier{}

	pipe := New(Deps{
		Market:   market,
		Adapter:  adapter,
		Selector: fakeSelector{},
		Calendar: fakeCalendar{open: true},
		Journal:  jrnl,
		Registry: reg,
		Notifier: notif,
		Events:   events.NewManager(log),
		BTCCfg: config.BTCConfig{
			Symbol:      "BTCUSDT",
			Leverage:    20,
			RiskPercent: 0.8,
		},
		Log: log,
	})
	return &fixture{pipe: pipe, adapter: adapter, notif: notif, jrnl: jrnl, reg: reg}
}

func txSignal(tradeID string, dir domain.Direction, txf int) domain.Signal {
	return domain.Signal{
		TradeID:   tradeID,
		Market:    domain.MarketTX,
		Direction: dir,
		TXF:       txf,
		Time:      time.Now(),
	}
}

func TestProcessOpenLongHappyPath(t *testing.T) {
	adapter := &fakeAdapter{market: domain.MarketTX}
	fx := newFixture(t, domain.MarketTX, adapter)

	err := fx.pipe.Process(context.Background(), txSignal("t1", domain.OpenLong, 1))
	require.NoError(t, err)

	placed := adapter.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, "TXFG5", placed[0].Contract.Code)
	assert.Equal(t, domain.Buy, placed[0].Side)
	assert.Equal(t, domain.OCNew, placed[0].OC)
	assert.Equal(t, domain.PriceMarket, placed[0].PriceType)
	assert.Equal(t, domain.OrderIOC, placed[0].OrderType)
	assert.True(t, placed[0].Quantity.Equal(decimal.NewFromInt(1)))

	// Registry holds the live order until a terminal event clears it.
	assert.Equal(t, 1, fx.reg.Len())

	entries, err := fx.jrnl.ReadDate(time.Now())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.KindSubmitted, entries[0].Kind)
	assert.Equal(t, journal.CategoryAuto, entries[0].Category)

	msgs := fx.notif.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "委託成功")
	assert.Contains(t, msgs[0], "大台 (TXFG5)")
}

func TestProcessDuplicateSignal(t *testing.T) {
	adapter := &fakeAdapter{market: domain.MarketTX}
	fx := newFixture(t, domain.MarketTX, adapter)

	sig := txSignal("t1", domain.OpenLong, 1)
	require.NoError(t, fx.pipe.Process(context.Background(), sig))

	err := fx.pipe.Process(context.Background(), sig)
	assert.ErrorIs(t, err, domain.ErrDuplicateSignal)
	assert.Len(t, adapter.placedOrders(), 1)
}

func TestProcessCloseWithoutPosition(t *testing.T) {
	adapter := &fakeAdapter{market: domain.MarketTX}
	fx := newFixture(t, domain.MarketTX, adapter)

	err := fx.pipe.Process(context.Background(), txSignal("t2", domain.CloseLong, 1))
	assert.ErrorIs(t, err, domain.ErrNoPosition)
	assert.Empty(t, adapter.placedOrders())

	entries, jerr := fx.jrnl.ReadDate(time.Now())
	require.NoError(t, jerr)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.KindFail, entries[0].Kind)
	assert.Equal(t, "無對應持倉", entries[0].Meta.Reason)

	msgs := fx.notif.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "委託失敗")
	assert.Contains(t, msgs[0], "無對應持倉")
}

func TestProcessOpenBlockedByOppositePosition(t *testing.T) {
	adapter := &fakeAdapter{
		market: domain.MarketTX,
		positions: []domain.Position{{
			Market:    domain.MarketTX,
			Family:    domain.FamilyTXF,
			Direction: domain.Sell,
			Quantity:  decimal.NewFromInt(1),
		}},
	}
	fx := newFixture(t, domain.MarketTX, adapter)

	err := fx.pipe.Process(context.Background(), txSignal("t3", domain.OpenLong, 1))
	assert.ErrorIs(t, err, domain.ErrOppositePosition)
	assert.Empty(t, adapter.placedOrders())
}

func TestProcessCloseUsesInverseOfHeldSide(t *testing.T) {
	adapter := &fakeAdapter{
		market: domain.MarketTX,
		positions: []domain.Position{{
			Market:    domain.MarketTX,
			Family:    domain.FamilyTXF,
			Direction: domain.Buy,
			Quantity:  decimal.NewFromInt(2),
		}},
	}
	fx := newFixture(t, domain.MarketTX, adapter)

	err := fx.pipe.Process(context.Background(), txSignal("t4", domain.CloseLong, 2))
	require.NoError(t, err)

	placed := adapter.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.Sell, placed[0].Side)
	assert.Equal(t, domain.OCCover, placed[0].OC)
}

func TestProcessOutsideTradingHours(t *testing.T) {
	adapter := &fakeAdapter{market: domain.MarketTX}
	fx := newFixture(t, domain.MarketTX, adapter)
	fx.pipe.cal = fakeCalendar{open: false}

	err := fx.pipe.Process(context.Background(), txSignal("t5", domain.OpenLong, 1))
	assert.ErrorIs(t, err, domain.ErrOutsideTradingHours)
	assert.Empty(t, adapter.placedOrders())

	entries, jerr := fx.jrnl.ReadDate(time.Now())
	require.NoError(t, jerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "非交易時間", entries[0].Meta.Reason)
}

func TestProcessMultiLegIndependence(t *testing.T) {
	// A short TXF position blocks the TXF leg but not the MXF leg.
	adapter := &fakeAdapter{
		market: domain.MarketTX,
		positions: []domain.Position{{
			Market:    domain.MarketTX,
			Family:    domain.FamilyTXF,
			Direction: domain.Sell,
			Quantity:  decimal.NewFromInt(1),
		}},
	}
	fx := newFixture(t, domain.MarketTX, adapter)

	sig := txSignal("t6", domain.OpenLong, 1)
	sig.MXF = 2
	require.NoError(t, fx.pipe.Process(context.Background(), sig))

	placed := adapter.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.FamilyMXF, placed[0].Contract.Family)
	assert.True(t, placed[0].Quantity.Equal(decimal.NewFromInt(2)))
}

type fixedMark struct{ price float64 }

func (m fixedMark) MarkPrice() float64                { return m.price }
func (m fixedMark) SubscribeMarkPrice() <-chan float64 { return nil }

func TestProcessBTCSizing(t *testing.T) {
	adapter := &fakeAdapter{
		market:   domain.MarketBTC,
		snapshot: domain.AccountSnapshot{Available: 1000},
	}
	fx := newFixture(t, domain.MarketBTC, adapter)
	fx.pipe.mark = fixedMark{price: 50000}

	err := fx.pipe.Process(context.Background(), domain.Signal{
		TradeID:   "b1",
		Market:    domain.MarketBTC,
		Direction: domain.OpenLong,
		Symbol:    "BTCUSDT",
	})
	require.NoError(t, err)

	placed := adapter.placedOrders()
	require.Len(t, placed, 1)
	// 1000 × 0.8 × 20 / 50000 = 0.32
	assert.Equal(t, "0.32", placed[0].Quantity.String())
	assert.Equal(t, "BTCUSDT", placed[0].Contract.Code)
}

func TestProcessBTCSizingMinimumLot(t *testing.T) {
	adapter := &fakeAdapter{
		market:   domain.MarketBTC,
		snapshot: domain.AccountSnapshot{Available: 1},
	}
	fx := newFixture(t, domain.MarketBTC, adapter)
	fx.pipe.mark = fixedMark{price: 50000}

	err := fx.pipe.Process(context.Background(), domain.Signal{
		TradeID:   "b2",
		Market:    domain.MarketBTC,
		Direction: domain.OpenLong,
		Symbol:    "BTCUSDT",
	})
	require.NoError(t, err)

	placed := adapter.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, "0.001", placed[0].Quantity.String())
}

func TestProcessBTCCloseCoversHeldQuantity(t *testing.T) {
	adapter := &fakeAdapter{
		market: domain.MarketBTC,
		positions: []domain.Position{{
			Market:    domain.MarketBTC,
			Symbol:    "BTCUSDT",
			Direction: domain.Buy,
			Quantity:  decimal.RequireFromString("0.32"),
		}},
	}
	fx := newFixture(t, domain.MarketBTC, adapter)

	err := fx.pipe.Process(context.Background(), domain.Signal{
		TradeID:   "b3",
		Market:    domain.MarketBTC,
		Direction: domain.CloseLong,
		Symbol:    "BTCUSDT",
	})
	require.NoError(t, err)

	placed := adapter.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.Sell, placed[0].Side)
	assert.Equal(t, domain.OCCover, placed[0].OC)
	assert.Equal(t, "0.32", placed[0].Quantity.String())
}

func TestSubmitManualLimitOrder(t *testing.T) {
	adapter := &fakeAdapter{market: domain.MarketTX}
	fx := newFixture(t, domain.MarketTX, adapter)

	err := fx.pipe.SubmitManual(context.Background(), ManualOrder{
		Direction:  domain.OpenLong,
		Family:     domain.FamilyMXF,
		Quantity:   decimal.NewFromInt(1),
		PriceType:  domain.PriceLimit,
		OrderType:  domain.OrderROD,
		LimitPrice: 22000,
	})
	require.NoError(t, err)

	placed := adapter.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.PriceLimit, placed[0].PriceType)
	assert.Equal(t, domain.OrderROD, placed[0].OrderType)
	assert.Equal(t, 22000.0, placed[0].LimitPrice)

	entries, jerr := fx.jrnl.ReadDate(time.Now())
	require.NoError(t, jerr)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.CategoryManual, entries[0].Category)
}

func TestSubmitFailureJournalsAndNotifies(t *testing.T) {
	adapter := &fakeAdapter{
		market: domain.MarketTX,
		fail:   &domain.BusinessError{Code: "OP_31", Message: "margin"},
	}
	fx := newFixture(t, domain.MarketTX, adapter)

	err := fx.pipe.Process(context.Background(), txSignal("t7", domain.OpenLong, 1))
	require.Error(t, err)

	entries, jerr := fx.jrnl.ReadDate(time.Now())
	require.NoError(t, jerr)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.KindFail, entries[0].Kind)
	assert.Equal(t, "保證金不足", entries[0].Meta.Reason)

	msgs := fx.notif.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "保證金不足")
}
