// Package report builds the daily and monthly XLSX trade reports and the
// end-of-day statistics messages, all fed from the journal and a live broker
// snapshot.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/internal/journal"
	"github.com/twquant/tvgateway/pkg/timeutil"
)

const sheetName = "Report"

// Notifier is the dispatch surface the builder needs.
type Notifier interface {
	SendText(category, text string)
	SendDocument(category, path, caption string)
}

// Builder produces one market's reports.
type Builder struct {
	market   domain.Market
	jrnl     *journal.Journal
	adapter  broker.Adapter
	notifier Notifier
	events   *events.Manager
	baseDir  string
	log      zerolog.Logger
	now      func() time.Time
}

// NewBuilder creates a report builder writing under baseDir.
func NewBuilder(market domain.Market, jrnl *journal.Journal, adapter broker.Adapter,
	notifier Notifier, ev *events.Manager, baseDir string, log zerolog.Logger, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		market:   market,
		jrnl:     jrnl,
		adapter:  adapter,
		notifier: notifier,
		events:   ev,
		baseDir:  baseDir,
		log:      log.With().Str("component", "report").Str("market", string(market)).Logger(),
		now:      now,
	}
}

// Daily builds the daily report for date and dispatches it.
func (b *Builder) Daily(ctx context.Context, date time.Time) error {
	from := timeutil.Midnight(date)
	to := from.AddDate(0, 0, 1)

	entries, err := b.jrnl.ReadRecent(date, BackScanDays+1)
	if err != nil {
		return fmt.Errorf("failed to read journals for daily report: %w", err)
	}

	dir := filepath.Join(b.baseDir, fmt.Sprintf("%s交易日報", b.market))
	name := fmt.Sprintf("%s_%s.xlsx", b.market, date.Format("2006-01-02"))
	title := fmt.Sprintf("%s 交易日報 %s", b.market, date.Format("2006-01-02"))

	return b.build(ctx, entries, from, to, dir, name, title)
}

// Monthly builds the report covering date's whole month. Account state and
// open positions reflect the moment of generation.
func (b *Builder) Monthly(ctx context.Context, date time.Time) error {
	first, last := timeutil.MonthBounds(date)
	from := first
	to := last.AddDate(0, 0, 1)

	days := last.Day() + BackScanDays
	entries, err := b.jrnl.ReadRecent(last, days)
	if err != nil {
		return fmt.Errorf("failed to read journals for monthly report: %w", err)
	}

	dir := filepath.Join(b.baseDir, fmt.Sprintf("%s交易月報", b.market))
	name := fmt.Sprintf("%s_%s.xlsx", b.market, date.Format("2006-01"))
	title := fmt.Sprintf("%s 交易月報 %s", b.market, date.Format("2006-01"))

	return b.build(ctx, entries, from, to, dir, name, title)
}

func (b *Builder) build(ctx context.Context, entries []journal.Entry, from, to time.Time,
	dir, name, title string) error {

	closes := MatchCloses(entries, from, to)
	overview := BuildOverview(entries, closes, from, to)

	snapshot, err := b.adapter.AccountSnapshot(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("Account snapshot unavailable, report carries blanks")
		snapshot = domain.AccountSnapshot{}
	}
	positions, err := b.adapter.ListPositions(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("Positions unavailable, report carries blanks")
		positions = nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := b.writeWorkbook(path, title, overview, snapshot, closes, positions); err != nil {
		return err
	}

	b.events.Emit(events.ReportGenerated, "report", map[string]interface{}{"file": name})
	b.notifier.SendDocument("report", path, title)
	b.log.Info().Str("file", name).Int("closes", len(closes)).Msg("Report generated")
	return nil
}

// writeWorkbook lays out the fixed four-block sheet.
func (b *Builder) writeWorkbook(path, title string, ov Overview, snap domain.AccountSnapshot,
	closes []CloseDetail, positions []domain.Position) error {

	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetName("Sheet1", sheetName)
	_ = f.SetColWidth(sheetName, "A", "H", 16)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"4472C4"}},
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
	})
	subStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"D9D9D9"}},
		Font: &excelize.Font{Bold: true},
	})

	row := 1
	setHeader := func(text string) {
		cell := fmt.Sprintf("A%d", row)
		_ = f.SetCellValue(sheetName, cell, text)
		_ = f.SetCellStyle(sheetName, cell, fmt.Sprintf("H%d", row), headerStyle)
		row++
	}
	setSubHeader := func(cols ...string) {
		for i, c := range cols {
			_ = f.SetCellValue(sheetName, cellAt(i, row), c)
		}
		_ = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", row), fmt.Sprintf("H%d", row), subStyle)
		row++
	}
	setRow := func(values ...interface{}) {
		for i, v := range values {
			_ = f.SetCellValue(sheetName, cellAt(i, row), v)
		}
		row++
	}

	setHeader(title)
	row++

	// Block 1: overview.
	setHeader("交易總覽")
	setRow("委託筆數", ov.Submissions)
	setRow("取消筆數", ov.Cancels)
	setRow("成交筆數", ov.Fills)
	if b.market == domain.MarketTX {
		for _, family := range domain.Families {
			if pnl, ok := ov.PnLByFamily[family]; ok {
				setRow(family.DisplayName()+"已實現損益", pnl.InexactFloat64())
			}
		}
	} else {
		for symbol, volume := range ov.VolumeBySymbol {
			setRow(symbol+" 成交量", volume.InexactFloat64())
			setRow(symbol+" 成交均價", ov.AvgPriceBySymbol[symbol])
		}
	}
	row++

	// Block 2: account state.
	setHeader("帳戶狀態")
	setRow("錢包餘額", snap.WalletBalance)
	setRow("可用餘額", snap.Available)
	setRow("保證金餘額", snap.MarginBalance)
	setRow("未實現損益", snap.UnrealizedPnL)
	setRow("起始保證金", snap.InitialMargin)
	setRow("維持保證金", snap.MaintenanceMargin)
	setRow("今日手續費", snap.FeesToday)
	setRow("已實現損益 (今日)", snap.RealizedPnLToday)
	setRow("已實現損益 (7日)", snap.RealizedPnL7D)
	setRow("已實現損益 (30日)", snap.RealizedPnL30D)
	row++

	// Block 3: FIFO-matched close details.
	setHeader("平倉明細")
	setSubHeader("時間", "商品", "方向", "數量", "開倉價", "平倉價", "損益")
	for _, c := range closes {
		setRow(
			c.Time.Format("2006-01-02 15:04:05"),
			instrumentLabel(c.Market, c.Family, c.Symbol),
			sideLabel(c.Side),
			c.Quantity.InexactFloat64(),
			c.OpenPrice,
			c.ClosePrice,
			c.PnL.InexactFloat64(),
		)
	}
	row++

	// Block 4: open positions with live unrealized PnL.
	setHeader("持倉明細")
	setSubHeader("商品", "方向", "數量", "開倉均價", "標記價格", "未實現損益")
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		setRow(
			instrumentLabel(p.Market, p.Family, p.Symbol),
			sideLabel(p.Direction),
			p.Quantity.InexactFloat64(),
			p.EntryPrice,
			p.MarkPrice,
			p.UnrealizedPnL,
		)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save report workbook: %w", err)
	}
	return nil
}

// SendStatistics emits the end-of-day statistics text message.
func (b *Builder) SendStatistics(ctx context.Context, date time.Time) {
	from := timeutil.Midnight(date)
	to := from.AddDate(0, 0, 1)

	entries, err := b.jrnl.ReadRecent(date, BackScanDays+1)
	if err != nil {
		b.log.Warn().Err(err).Msg("Statistics skipped, journals unreadable")
		return
	}
	closes := MatchCloses(entries, from, to)
	ov := BuildOverview(entries, closes, from, to)

	realized := decimal.Zero
	for _, c := range closes {
		realized = realized.Add(c.PnL)
	}

	text := fmt.Sprintf(
		"📊 <b>%s 每日統計</b> %s\n委託: %d\n成交: %d\n取消: %d\n已實現損益: %s",
		b.market, date.Format("2006-01-02"),
		ov.Submissions, ov.Fills, ov.Cancels, realized.StringFixed(2),
	)
	if snap, err := b.adapter.AccountSnapshot(ctx); err == nil {
		text += fmt.Sprintf("\n錢包餘額: %.2f\n未實現損益: %.2f", snap.WalletBalance, snap.UnrealizedPnL)
	}
	b.notifier.SendText("stats", text)
}

func cellAt(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col+1, row)
	return name
}

func instrumentLabel(market domain.Market, family domain.Family, symbol string) string {
	if market == domain.MarketTX && family != "" {
		return family.DisplayName()
	}
	return symbol
}

func sideLabel(s domain.Side) string {
	if s == domain.Buy {
		return "買進"
	}
	return "賣出"
}
