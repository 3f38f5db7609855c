package report

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/internal/journal"
	"github.com/twquant/tvgateway/pkg/logger"
)

type reportAdapter struct {
	snapshot  domain.AccountSnapshot
	positions []domain.Position
}

func (r *reportAdapter) Market() domain.Market        { return domain.MarketTX }
func (r *reportAdapter) Login(context.Context) error  { return nil }
func (r *reportAdapter) Logout(context.Context) error { return nil }
func (r *reportAdapter) Probe(context.Context) bool   { return true }
func (r *reportAdapter) SessionStartedAt() time.Time  { return time.Time{} }

func (r *reportAdapter) ListContracts(context.Context, domain.Family) ([]domain.Contract, error) {
	return nil, nil
}

func (r *reportAdapter) ListPositions(context.Context) ([]domain.Position, error) {
	return r.positions, nil
}

func (r *reportAdapter) AccountSnapshot(context.Context) (domain.AccountSnapshot, error) {
	return r.snapshot, nil
}

func (r *reportAdapter) PlaceOrder(context.Context, broker.OrderRequest) (string, error) {
	return "", nil
}
func (r *reportAdapter) CancelOrder(context.Context, string) error { return nil }
func (r *reportAdapter) QueryOrder(context.Context, string) (broker.OrderEvent, error) {
	return broker.OrderEvent{}, nil
}
func (r *reportAdapter) SubscribeOrderEvents(broker.OrderEventHandler)  {}
func (r *reportAdapter) ServerTime(context.Context) (time.Time, error) { return time.Now(), nil }

type docNotifier struct {
	mu    sync.Mutex
	docs  []string
	texts []string
}

func (n *docNotifier) SendText(category, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *docNotifier) SendDocument(category, path, caption string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.docs = append(n.docs, path)
}

func TestDailyReportWritesWorkbookAndDispatches(t *testing.T) {
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)

	jrnl, err := journal.New(dir, domain.MarketTX, log)
	require.NoError(t, err)
	require.NoError(t, jrnl.Append(journal.Entry{
		Kind: journal.KindDeal, OrderID: "O1", Timestamp: day.Add(9 * time.Hour),
		Meta: journal.Metadata{
			Market: domain.MarketTX, Family: domain.FamilyTXF, Symbol: "TXFG5",
			Side: domain.Buy, OC: domain.OCNew,
			Quantity: decimal.NewFromInt(1), Price: 22000,
		},
	}))
	require.NoError(t, jrnl.Append(journal.Entry{
		Kind: journal.KindDeal, OrderID: "O2", Timestamp: day.Add(11 * time.Hour),
		Meta: journal.Metadata{
			Market: domain.MarketTX, Family: domain.FamilyTXF, Symbol: "TXFG5",
			Side: domain.Sell, OC: domain.OCCover,
			Quantity: decimal.NewFromInt(1), Price: 22100,
		},
	}))

	adapter := &reportAdapter{
		snapshot: domain.AccountSnapshot{WalletBalance: 500000, Available: 400000},
		positions: []domain.Position{{
			Market: domain.MarketTX, Family: domain.FamilyMXF,
			Direction: domain.Buy, Quantity: decimal.NewFromInt(2),
			EntryPrice: 21900, MarkPrice: 21950, UnrealizedPnL: 5000,
		}},
	}
	notif := &docNotifier{}

	b := NewBuilder(domain.MarketTX, jrnl, adapter, notif, events.NewManager(log), dir, log, nil)
	require.NoError(t, b.Daily(context.Background(), day))

	path := filepath.Join(dir, "TX交易日報", "TX_2025-08-25.xlsx")
	_, err = os.Stat(path)
	require.NoError(t, err)
	require.Len(t, notif.docs, 1)
	assert.Equal(t, path, notif.docs[0])

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Report")
	require.NoError(t, err)

	var flat []string
	for _, r := range rows {
		flat = append(flat, r...)
	}
	assert.Contains(t, flat, "交易總覽")
	assert.Contains(t, flat, "帳戶狀態")
	assert.Contains(t, flat, "平倉明細")
	assert.Contains(t, flat, "持倉明細")
	// (22100−22000)×1×200 from the single matched close.
	assert.Contains(t, flat, "大台已實現損益")
}

func TestMonthlyReportFileName(t *testing.T) {
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})
	day := time.Date(2025, 8, 29, 0, 0, 0, 0, time.Local)

	jrnl, err := journal.New(dir, domain.MarketBTC, log)
	require.NoError(t, err)

	notif := &docNotifier{}
	b := NewBuilder(domain.MarketBTC, jrnl, &reportAdapter{}, notif, events.NewManager(log), dir, log, nil)
	require.NoError(t, b.Monthly(context.Background(), day))

	path := filepath.Join(dir, "BTC交易月報", "BTC_2025-08.xlsx")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestSendStatistics(t *testing.T) {
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: "error"})
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)

	jrnl, err := journal.New(dir, domain.MarketTX, log)
	require.NoError(t, err)
	require.NoError(t, jrnl.Append(journal.Entry{
		Kind: journal.KindSubmitted, OrderID: "O1", Timestamp: day.Add(9 * time.Hour),
		Meta: journal.Metadata{Market: domain.MarketTX, Side: domain.Buy, OC: domain.OCNew,
			Quantity: decimal.NewFromInt(1)},
	}))

	notif := &docNotifier{}
	b := NewBuilder(domain.MarketTX, jrnl, &reportAdapter{}, notif, events.NewManager(log), dir, log, nil)
	b.SendStatistics(context.Background(), day)

	require.Len(t, notif.texts, 1)
	assert.Contains(t, notif.texts[0], "每日統計")
	assert.Contains(t, notif.texts[0], "委託: 1")
}
