package report

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/journal"
)

func deal(at time.Time, oc domain.OCType, side domain.Side, family domain.Family, price float64, qty int64) journal.Entry {
	return journal.Entry{
		Kind:      journal.KindDeal,
		Timestamp: at,
		Meta: journal.Metadata{
			Market:   domain.MarketTX,
			Family:   family,
			Symbol:   string(family) + "G5",
			Side:     side,
			OC:       oc,
			Quantity: decimal.NewFromInt(qty),
			Price:    price,
		},
	}
}

func TestFIFOMatchingLongCloses(t *testing.T) {
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)
	at := func(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

	entries := []journal.Entry{
		deal(at(9), domain.OCNew, domain.Buy, domain.FamilyTXF, 100, 2),
		deal(at(10), domain.OCNew, domain.Buy, domain.FamilyTXF, 110, 1),
		deal(at(11), domain.OCCover, domain.Sell, domain.FamilyTXF, 120, 2),
		deal(at(12), domain.OCCover, domain.Sell, domain.FamilyTXF, 130, 1),
	}

	closes := MatchCloses(entries, day, day.AddDate(0, 0, 1))
	require.Len(t, closes, 2)

	// First close consumes the q=2 lot opened at 100: (120-100)×2×200.
	assert.Equal(t, 100.0, closes[0].OpenPrice)
	assert.Equal(t, 120.0, closes[0].ClosePrice)
	assert.Equal(t, "8000", closes[0].PnL.String())

	// Second close consumes the q=1 lot opened at 110: (130-110)×1×200.
	assert.Equal(t, 110.0, closes[1].OpenPrice)
	assert.Equal(t, "4000", closes[1].PnL.String())
}

func TestFIFOClosedShortNegatesPnL(t *testing.T) {
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)

	entries := []journal.Entry{
		deal(day.Add(9*time.Hour), domain.OCNew, domain.Sell, domain.FamilyMXF, 120, 1),
		deal(day.Add(10*time.Hour), domain.OCCover, domain.Buy, domain.FamilyMXF, 110, 1),
	}

	closes := MatchCloses(entries, day, day.AddDate(0, 0, 1))
	require.Len(t, closes, 1)
	// Short from 120 covered at 110: (120-110)×1×50.
	assert.Equal(t, "500", closes[0].PnL.String())
}

func TestFIFOCloseSpanningLotsYieldsRowPerLot(t *testing.T) {
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)

	entries := []journal.Entry{
		deal(day.Add(9*time.Hour), domain.OCNew, domain.Buy, domain.FamilyTXF, 100, 1),
		deal(day.Add(10*time.Hour), domain.OCNew, domain.Buy, domain.FamilyTXF, 105, 1),
		deal(day.Add(11*time.Hour), domain.OCCover, domain.Sell, domain.FamilyTXF, 110, 2),
	}

	closes := MatchCloses(entries, day, day.AddDate(0, 0, 1))
	require.Len(t, closes, 2)
	assert.Equal(t, "2000", closes[0].PnL.String()) // (110-100)×1×200
	assert.Equal(t, "1000", closes[1].PnL.String()) // (110-105)×1×200
}

func TestFIFOCrossDayOpenResolved(t *testing.T) {
	// Open journaled three days before the close; the back-scan supplies it.
	openDay := time.Date(2025, 8, 22, 9, 0, 0, 0, time.Local)
	closeDay := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)

	entries := []journal.Entry{
		deal(openDay, domain.OCNew, domain.Buy, domain.FamilyTMF, 100, 1),
		deal(closeDay.Add(9*time.Hour), domain.OCCover, domain.Sell, domain.FamilyTMF, 150, 1),
	}

	closes := MatchCloses(entries, closeDay, closeDay.AddDate(0, 0, 1))
	require.Len(t, closes, 1)
	assert.Equal(t, 100.0, closes[0].OpenPrice)
	assert.Equal(t, "500", closes[0].PnL.String()) // (150-100)×1×10

	// The open itself is outside the window: no row for it.
	outside := MatchCloses(entries, closeDay.AddDate(0, 0, 1), closeDay.AddDate(0, 0, 2))
	assert.Empty(t, outside)
}

func TestFIFOFamiliesKeepSeparateBooks(t *testing.T) {
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)

	entries := []journal.Entry{
		deal(day.Add(9*time.Hour), domain.OCNew, domain.Buy, domain.FamilyTXF, 100, 1),
		deal(day.Add(10*time.Hour), domain.OCNew, domain.Buy, domain.FamilyMXF, 200, 1),
		deal(day.Add(11*time.Hour), domain.OCCover, domain.Sell, domain.FamilyMXF, 210, 1),
	}

	closes := MatchCloses(entries, day, day.AddDate(0, 0, 1))
	require.Len(t, closes, 1)
	assert.Equal(t, domain.FamilyMXF, closes[0].Family)
	assert.Equal(t, 200.0, closes[0].OpenPrice)
}

func TestBuildOverviewCounts(t *testing.T) {
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)

	entries := []journal.Entry{
		{Kind: journal.KindSubmitted, Timestamp: day.Add(9 * time.Hour)},
		{Kind: journal.KindSubmitted, Timestamp: day.Add(10 * time.Hour)},
		{Kind: journal.KindCancel, Timestamp: day.Add(10*time.Hour + time.Minute)},
		deal(day.Add(11*time.Hour), domain.OCNew, domain.Buy, domain.FamilyTXF, 100, 1),
		// Previous day, outside the window.
		{Kind: journal.KindSubmitted, Timestamp: day.Add(-2 * time.Hour)},
	}

	ov := BuildOverview(entries, nil, day, day.AddDate(0, 0, 1))
	assert.Equal(t, 2, ov.Submissions)
	assert.Equal(t, 1, ov.Cancels)
	assert.Equal(t, 1, ov.Fills)
}

func TestBuildOverviewBTCVolumeWeightedPrice(t *testing.T) {
	day := time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local)
	btcDeal := func(h int, price float64, qty string) journal.Entry {
		return journal.Entry{
			Kind:      journal.KindDeal,
			Timestamp: day.Add(time.Duration(h) * time.Hour),
			Meta: journal.Metadata{
				Market:   domain.MarketBTC,
				Symbol:   "BTCUSDT",
				OC:       domain.OCNew,
				Quantity: decimal.RequireFromString(qty),
				Price:    price,
			},
		}
	}

	entries := []journal.Entry{
		btcDeal(1, 50000, "0.1"),
		btcDeal(2, 60000, "0.3"),
	}

	ov := BuildOverview(entries, nil, day, day.AddDate(0, 0, 1))
	assert.Equal(t, "0.4", ov.VolumeBySymbol["BTCUSDT"].String())
	assert.InDelta(t, 57500, ov.AvgPriceBySymbol["BTCUSDT"], 0.01)
}
