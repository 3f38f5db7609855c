package report

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/journal"
)

// BackScanDays is how far the matcher reaches into earlier journals for the
// opens paired with this period's closes.
const BackScanDays = 7

// CloseDetail is one FIFO-matched close row: a close fill paired with the
// open lot it consumed.
type CloseDetail struct {
	Time       time.Time
	Market     domain.Market
	Family     domain.Family
	Symbol     string
	Side       domain.Side // side of the closing order
	Quantity   decimal.Decimal
	OpenPrice  float64
	ClosePrice float64
	PnL        decimal.Decimal
}

// openLot is an unconsumed open fill.
type openLot struct {
	side  domain.Side
	price float64
	qty   decimal.Decimal
}

// MatchCloses walks deal entries in order and pairs every close fill with
// open lots first-in-first-out. A close spanning several lots yields one row
// per lot. Only rows whose close time falls in [from, to) are returned; the
// caller feeds in enough journal history for the opens to be present.
func MatchCloses(entries []journal.Entry, from, to time.Time) []CloseDetail {
	books := make(map[string][]openLot)
	var out []CloseDetail

	for _, e := range entries {
		if e.Kind != journal.KindDeal || e.Meta.Quantity.IsZero() {
			continue
		}
		key := lotKey(e.Meta)

		if e.Meta.OC == domain.OCNew {
			books[key] = append(books[key], openLot{
				side:  e.Meta.Side,
				price: e.Meta.Price,
				qty:   e.Meta.Quantity,
			})
			continue
		}

		remaining := e.Meta.Quantity
		for !remaining.IsZero() && len(books[key]) > 0 {
			lot := &books[key][0]
			take := decimal.Min(remaining, lot.qty)

			if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
				out = append(out, CloseDetail{
					Time:       e.Timestamp,
					Market:     e.Meta.Market,
					Family:     e.Meta.Family,
					Symbol:     e.Meta.Symbol,
					Side:       e.Meta.Side,
					Quantity:   take,
					OpenPrice:  lot.price,
					ClosePrice: e.Meta.Price,
					PnL:        realizedPnL(e.Meta, lot.side, lot.price, take),
				})
			}

			remaining = remaining.Sub(take)
			lot.qty = lot.qty.Sub(take)
			if lot.qty.IsZero() {
				books[key] = books[key][1:]
			}
		}
	}
	return out
}

// realizedPnL is (close − open) × qty × point_value for a closed long and the
// negation for a closed short. BTC has no point multiplier.
func realizedPnL(meta journal.Metadata, openSide domain.Side, openPrice float64, qty decimal.Decimal) decimal.Decimal {
	diff := decimal.NewFromFloat(meta.Price).Sub(decimal.NewFromFloat(openPrice))
	if openSide == domain.Sell {
		diff = diff.Neg()
	}
	pnl := diff.Mul(qty)
	if meta.Market == domain.MarketTX {
		pnl = pnl.Mul(decimal.NewFromInt(int64(meta.Family.PointValue())))
	}
	return pnl
}

// lotKey separates FIFO books per family (TX) or symbol (BTC).
func lotKey(meta journal.Metadata) string {
	if meta.Market == domain.MarketTX {
		return string(meta.Family)
	}
	return meta.Symbol
}

// Overview is the report's first block.
type Overview struct {
	Submissions int
	Cancels     int
	Fills       int

	PnLByFamily map[domain.Family]decimal.Decimal // TX

	VolumeBySymbol   map[string]decimal.Decimal // BTC
	AvgPriceBySymbol map[string]float64         // BTC, volume-weighted fill price
}

// BuildOverview aggregates counts across the period and folds the matched
// closes into per-family PnL.
func BuildOverview(entries []journal.Entry, closes []CloseDetail, from, to time.Time) Overview {
	ov := Overview{
		PnLByFamily:      make(map[domain.Family]decimal.Decimal),
		VolumeBySymbol:   make(map[string]decimal.Decimal),
		AvgPriceBySymbol: make(map[string]float64),
	}

	notional := make(map[string]decimal.Decimal)
	for _, e := range entries {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		switch e.Kind {
		case journal.KindSubmitted:
			ov.Submissions++
		case journal.KindCancel:
			ov.Cancels++
		case journal.KindDeal:
			ov.Fills++
			if e.Meta.Market == domain.MarketBTC && e.Meta.Symbol != "" {
				ov.VolumeBySymbol[e.Meta.Symbol] = ov.VolumeBySymbol[e.Meta.Symbol].Add(e.Meta.Quantity)
				notional[e.Meta.Symbol] = notional[e.Meta.Symbol].
					Add(e.Meta.Quantity.Mul(decimal.NewFromFloat(e.Meta.Price)))
			}
		}
	}

	for _, c := range closes {
		if c.Market == domain.MarketTX {
			ov.PnLByFamily[c.Family] = ov.PnLByFamily[c.Family].Add(c.PnL)
		}
	}
	for symbol, volume := range ov.VolumeBySymbol {
		if !volume.IsZero() {
			ov.AvgPriceBySymbol[symbol], _ = notional[symbol].Div(volume).Float64()
		}
	}
	return ov
}
