package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/twquant/tvgateway/internal/pipeline"
	"github.com/twquant/tvgateway/internal/registry"
	"github.com/twquant/tvgateway/pkg/logger"
)

type fakeAdapter struct {
	market    domain.Market
	positions []domain.Position

	mu     sync.Mutex
	placed []broker.OrderRequest
}

func (f *fakeAdapter) Market() domain.Market        { return f.market }
func (f *fakeAdapter) Login(context.Context) error  { return nil }
func (f *fakeAdapter) Logout(context.Context) error { return nil }
func (f *fakeAdapter) Probe(context.Context) bool   { return true }
func (f *fakeAdapter) SessionStartedAt() time.Time  { return time.Now() }

func (f *fakeAdapter) ListContracts(context.Context, domain.Family) ([]domain.Contract, error) {
	return nil, nil
}

func (f *fakeAdapter) ListPositions(context.Context) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeAdapter) AccountSnapshot(context.Context) (domain.AccountSnapshot, error) {
	return domain.AccountSnapshot{Available: 1000}, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return "O1", nil
}

func (f *fakeAdapter) CancelOrder(context.Context, string) error { return nil }
func (f *fakeAdapter) QueryOrder(context.Context, string) (broker.OrderEvent, error) {
	return broker.OrderEvent{}, nil
}
func (f *fakeAdapter) SubscribeOrderEvents(broker.OrderEventHandler)  {}
func (f *fakeAdapter) ServerTime(context.Context) (time.Time, error) { return time.Now(), nil }

func (f *fakeAdapter) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type silentNotifier struct{}

func (silentNotifier) SendText(string, string)                     {}
func (silentNotifier) SendTextAfter(time.Duration, string, string) {}

type openSelector struct{}

func (openSelector) ActiveContract(_ context.Context, family domain.Family) (domain.Contract, error) {
	return domain.Contract{Market: domain.MarketTX, Code: string(family) + "G5", Family: family, IsR1: true}, nil
}

type alwaysOpen struct{}

func (alwaysOpen) IsTradingDay(time.Time) (bool, error) { return true, nil }
func (alwaysOpen) IsMarketOpen(time.Time) bool          { return true }

type fakeMark struct{}

func (fakeMark) MarkPrice() float64                 { return 50000 }
func (fakeMark) SubscribeMarkPrice() <-chan float64 { return nil }

func newTestServer(t *testing.T) (*Server, *fakeAdapter, *fakeAdapter) {
	t.Helper()
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})

	txAdapter := &fakeAdapter{market: domain.MarketTX}
	btcAdapter := &fakeAdapter{market: domain.MarketBTC}

	reg, err := registry.Load(filepath.Join(dir, "order_mapping.json"), log)
	require.NoError(t, err)
	txJrnl, err := journal.New(dir, domain.MarketTX, log)
	require.NoError(t, err)
	btcJrnl, err := journal.New(dir, domain.MarketBTC, log)
	require.NoError(t, err)

	ev := events.NewManager(log)
	txPipe := pipeline.New(pipeline.Deps{
		Market:   domain.MarketTX,
		Adapter:  txAdapter,
		Selector: openSelector{},
		Calendar: alwaysOpen{},
		Journal:  txJrnl,
		Registry: reg,
		Notifier: silentNotifier{},
		Events:   ev,
		Log:      log,
	})
	btcPipe := pipeline.New(pipeline.Deps{
		Market:   domain.MarketBTC,
		Adapter:  btcAdapter,
		Journal:  btcJrnl,
		Registry: reg,
		Notifier: silentNotifier{},
		Events:   ev,
		BTCCfg:   config.BTCConfig{Symbol: "BTCUSDT", Leverage: 20, RiskPercent: 0.8},
		Mark:     fakeMark{},
		Log:      log,
	})

	srv := New(Deps{
		Port:        5000,
		Log:         log,
		TXPipeline:  txPipe,
		BTCPipeline: btcPipe,
		TXAdapter:   txAdapter,
		BTCAdapter:  btcAdapter,
		Registry:    reg,
	})
	return srv, txAdapter, btcAdapter
}

func postJSON(t *testing.T, srv *Server, path string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookTXOpenLong(t *testing.T) {
	srv, txAdapter, _ := newTestServer(t)

	rec := postJSON(t, srv, "/webhook", map[string]interface{}{
		"tradeId": "t1", "type": "entry", "direction": "開多",
		"txf": 1, "mxf": 0, "tmf": 0, "price": 0,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 1, txAdapter.placedCount())
}

func TestWebhookDuplicateIgnored(t *testing.T) {
	srv, txAdapter, _ := newTestServer(t)
	body := map[string]interface{}{"tradeId": "t1", "type": "entry", "direction": "開多", "txf": 1}

	postJSON(t, srv, "/webhook", body)
	rec := postJSON(t, srv, "/webhook", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "duplicate signal ignored", resp["message"])
	assert.Equal(t, 1, txAdapter.placedCount())
}

func TestWebhookUnknownAction(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := postJSON(t, srv, "/webhook", map[string]interface{}{
		"tradeId": "t2", "direction": "hodl", "txf": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookCloseWithoutPosition(t *testing.T) {
	srv, txAdapter, _ := newTestServer(t)

	rec := postJSON(t, srv, "/webhook", map[string]interface{}{
		"tradeId": "t3", "type": "exit", "direction": "平多", "txf": 1,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "無對應持倉", resp["message"])
	assert.Zero(t, txAdapter.placedCount())
}

func TestWebhookAutoDetectsBTC(t *testing.T) {
	srv, txAdapter, btcAdapter := newTestServer(t)

	rec := postJSON(t, srv, "/webhook", map[string]interface{}{
		"action": "LONG", "symbol": "BTCUSDT",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, txAdapter.placedCount())
	assert.Equal(t, 1, btcAdapter.placedCount())
}

func TestWebhookBTCEndpointSizing(t *testing.T) {
	srv, _, btcAdapter := newTestServer(t)

	rec := postJSON(t, srv, "/webhook/btc", map[string]interface{}{
		"action": "LONG", "symbol": "BTCUSDT",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, btcAdapter.placedCount())
	// 1000 × 0.8 × 20 / 50000
	assert.Equal(t, "0.32", btcAdapter.placed[0].Quantity.String())
}

func TestWebhookBTCBareCloseResolvedFromPosition(t *testing.T) {
	srv, _, btcAdapter := newTestServer(t)
	btcAdapter.positions = []domain.Position{{
		Market:    domain.MarketBTC,
		Symbol:    "BTCUSDT",
		Direction: domain.Buy,
		Quantity:  decimal.RequireFromString("0.32"),
	}}

	rec := postJSON(t, srv, "/webhook/btc", map[string]interface{}{
		"action": "CLOSE", "symbol": "BTCUSDT",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, btcAdapter.placedCount())
	assert.Equal(t, domain.Sell, btcAdapter.placed[0].Side)
	assert.Equal(t, domain.OCCover, btcAdapter.placed[0].OC)
}

func TestManualOrderEndpoint(t *testing.T) {
	srv, txAdapter, _ := newTestServer(t)

	rec := postJSON(t, srv, "/api/order", map[string]interface{}{
		"market": "TX", "direction": "開多", "family": "MXF",
		"quantity": "1", "price_type": "limit", "order_type": "rod", "limit_price": 21000,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, true, resp["success"])
	require.Equal(t, 1, txAdapter.placedCount())
	assert.Equal(t, domain.PriceLimit, txAdapter.placed[0].PriceType)
}

func TestManualOrderRejectsBadQuantity(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := postJSON(t, srv, "/api/order", map[string]interface{}{
		"market": "TX", "direction": "開多", "family": "TXF", "quantity": "0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "running", resp["status"])
}
