// Package pipeline turns parsed TradingView signals into broker orders:
// dedupe, calendar gate, contract selection, position preconditions, sizing,
// submission and the paper trail that goes with it.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/config"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/internal/journal"
	"github.com/twquant/tvgateway/internal/lifecycle"
	"github.com/twquant/tvgateway/internal/metrics"
	"github.com/twquant/tvgateway/internal/registry"
)

// submitNoticeDelay keeps the submit notification behind any fill
// notification of a preceding order.
const submitNoticeDelay = 2 * time.Second

// minBTCLot is the smallest tradable quantity.
var minBTCLot = decimal.NewFromFloat(0.001)

// Notifier is the notification sink the pipeline needs.
type Notifier interface {
	SendText(category, text string)
	SendTextAfter(delay time.Duration, category, text string)
}

// ContractSelector yields the rollover-aware active contract per family.
type ContractSelector interface {
	ActiveContract(ctx context.Context, family domain.Family) (domain.Contract, error)
}

// CalendarGate is the trading-calendar predicate surface.
type CalendarGate interface {
	IsTradingDay(d time.Time) (bool, error)
	IsMarketOpen(now time.Time) bool
}

// Pipeline processes one market's signals.
type Pipeline struct {
	market   domain.Market
	adapter  broker.Adapter
	selector ContractSelector // TX only
	cal      CalendarGate     // TX only; crypto trades around the clock
	jrnl     *journal.Journal
	reg      *registry.Registry
	notifier Notifier
	events   *events.Manager
	deduper  *Deduper
	btcCfg   config.BTCConfig
	mark     broker.MarkPriceSource // BTC only
	log      zerolog.Logger
	now      func() time.Time
}

// Deps wires a pipeline.
type Deps struct {
	Market   domain.Market
	Adapter  broker.Adapter
	Selector ContractSelector
	Calendar CalendarGate
	Journal  *journal.Journal
	Registry *registry.Registry
	Notifier Notifier
	Events   *events.Manager
	BTCCfg   config.BTCConfig
	Mark     broker.MarkPriceSource
	Log      zerolog.Logger
	Now      func() time.Time
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{
		market:   d.Market,
		adapter:  d.Adapter,
		selector: d.Selector,
		cal:      d.Calendar,
		jrnl:     d.Journal,
		reg:      d.Registry,
		notifier: d.Notifier,
		events:   d.Events,
		deduper:  NewDeduper(d.Now),
		btcCfg:   d.BTCCfg,
		mark:     d.Mark,
		log:      d.Log.With().Str("component", "pipeline").Str("market", string(d.Market)).Logger(),
		now:      d.Now,
	}
}

// Process runs the full signal pipeline. The returned error wraps the
// sentinel kinds the webhook handler maps onto HTTP responses.
func (p *Pipeline) Process(ctx context.Context, sig domain.Signal) error {
	if p.deduper.Check(sig) {
		metrics.SignalsTotal.WithLabelValues(string(p.market), "duplicate").Inc()
		p.log.Info().Str("trade_id", sig.TradeID).Msg("Duplicate signal ignored")
		p.events.Emit(events.SignalDuplicate, "pipeline", map[string]interface{}{"trade_id": sig.TradeID})
		return domain.ErrDuplicateSignal
	}
	metrics.SignalsTotal.WithLabelValues(string(p.market), "received").Inc()

	if err := p.calendarGate(sig); err != nil {
		p.rejectSignal(sig, err)
		return err
	}

	if p.market == domain.MarketBTC {
		return p.processBTC(ctx, sig)
	}
	return p.processTX(ctx, sig)
}

// calendarGate rejects TX signals outside trading hours. BTC is 24/7.
func (p *Pipeline) calendarGate(sig domain.Signal) error {
	if p.market != domain.MarketTX || p.cal == nil {
		return nil
	}
	now := p.now()
	trading, err := p.cal.IsTradingDay(now)
	if err != nil || !trading || !p.cal.IsMarketOpen(now) {
		return fmt.Errorf("signal %s: %w", sig.TradeID, domain.ErrOutsideTradingHours)
	}
	return nil
}

// processTX handles each non-zero family quantity as an independent leg.
func (p *Pipeline) processTX(ctx context.Context, sig domain.Signal) error {
	quantities := sig.Quantities()
	if len(quantities) == 0 {
		return fmt.Errorf("signal %s has no quantity: %w", sig.TradeID, domain.ErrUnknownAction)
	}

	positions, err := p.adapter.ListPositions(ctx)
	if err != nil {
		p.rejectSignal(sig, err)
		return err
	}

	var firstErr error
	placed := 0
	for _, family := range domain.Families {
		qty, ok := quantities[family]
		if !ok {
			continue
		}

		contract, err := p.selector.ActiveContract(ctx, family)
		if err != nil {
			p.failLeg(sig, domain.Contract{Family: family}, decimal.NewFromInt(int64(qty)), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := p.checkPreconditions(sig.Direction, family, positions); err != nil {
			p.failLeg(sig, contract, decimal.NewFromInt(int64(qty)), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := p.submit(ctx, sig, contract, decimal.NewFromInt(int64(qty)), false, domain.PriceMarket, domain.OrderIOC, 0); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		placed++
	}

	if placed == 0 && firstErr != nil {
		metrics.SignalsTotal.WithLabelValues(string(p.market), "rejected").Inc()
		return firstErr
	}
	return nil
}

// processBTC handles the single-symbol leg with risk-based sizing.
func (p *Pipeline) processBTC(ctx context.Context, sig domain.Signal) error {
	positions, err := p.adapter.ListPositions(ctx)
	if err != nil {
		p.rejectSignal(sig, err)
		return err
	}

	contract := domain.Contract{Market: domain.MarketBTC, Code: p.btcCfg.Symbol}

	if err := p.checkPreconditions(sig.Direction, "", positions); err != nil {
		p.failLeg(sig, contract, sig.Quantity, err)
		metrics.SignalsTotal.WithLabelValues(string(p.market), "rejected").Inc()
		return err
	}

	qty := sig.Quantity
	if sig.Direction.IsOpen() {
		if qty.IsZero() {
			qty, err = p.sizeBTC(ctx)
			if err != nil {
				p.failLeg(sig, contract, decimal.Zero, err)
				return err
			}
		}
	} else {
		// Cover the whole held position.
		qty = heldQuantity(positions, sig.Direction)
	}

	if err := p.submit(ctx, sig, contract, qty, false, domain.PriceMarket, domain.OrderIOC, 0); err != nil {
		metrics.SignalsTotal.WithLabelValues(string(p.market), "rejected").Inc()
		return err
	}
	return nil
}

// sizeBTC computes available × risk% × leverage / mark, floored to the 0.001
// lot with a 0.001 minimum.
func (p *Pipeline) sizeBTC(ctx context.Context) (decimal.Decimal, error) {
	markPrice := 0.0
	if p.mark != nil {
		markPrice = p.mark.MarkPrice()
	}
	if markPrice <= 0 {
		return decimal.Zero, fmt.Errorf("mark price unavailable: %w", domain.ErrNetwork)
	}

	snap, err := p.adapter.AccountSnapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	qty := decimal.NewFromFloat(snap.Available).
		Mul(decimal.NewFromFloat(p.btcCfg.RiskPercent)).
		Mul(decimal.NewFromInt(int64(p.btcCfg.Leverage))).
		Div(decimal.NewFromFloat(markPrice)).
		RoundDown(3)
	if qty.LessThan(minBTCLot) {
		qty = minBTCLot
	}
	return qty, nil
}

// heldQuantity returns the held quantity matching a close direction.
func heldQuantity(positions []domain.Position, dir domain.Direction) decimal.Decimal {
	want := domain.Buy // close_long covers a long
	if dir == domain.CloseShort {
		want = domain.Sell
	}
	for _, pos := range positions {
		if pos.Direction == want && !pos.Quantity.IsZero() {
			return pos.Quantity
		}
	}
	return decimal.Zero
}

// checkPreconditions enforces the open/close exclusion rules. family is empty
// for BTC.
func (p *Pipeline) checkPreconditions(dir domain.Direction, family domain.Family, positions []domain.Position) error {
	var held *domain.Position
	for i := range positions {
		if positions[i].Quantity.IsZero() {
			continue
		}
		if family != "" && positions[i].Family != family {
			continue
		}
		held = &positions[i]
		break
	}

	if dir.IsOpen() {
		// No auto-close: an opposite-side position blocks the open outright.
		if held != nil && held.Direction == dir.Side().Opposite() {
			return fmt.Errorf("%s %s: %w", family, dir, domain.ErrOppositePosition)
		}
		return nil
	}

	want := domain.Buy
	if dir == domain.CloseShort {
		want = domain.Sell
	}
	if held == nil || held.Direction != want {
		return fmt.Errorf("%s %s: %w", family, dir, domain.ErrNoPosition)
	}
	return nil
}

// submit places the order and records it. Webhook orders are always
// market/IOC; the manual path passes caller-specified types.
func (p *Pipeline) submit(ctx context.Context, sig domain.Signal, contract domain.Contract, qty decimal.Decimal,
	manual bool, priceType domain.PriceType, orderType domain.OrderType, limitPrice float64) error {

	oc := domain.OCNew
	if !sig.Direction.IsOpen() {
		oc = domain.OCCover
	}

	req := broker.OrderRequest{
		Contract:   contract,
		Side:       sig.Direction.Side(),
		Quantity:   qty,
		OC:         oc,
		PriceType:  priceType,
		OrderType:  orderType,
		LimitPrice: limitPrice,
		ClientID:   "tvg-" + uuid.NewString()[:18],
	}

	orderID, err := p.adapter.PlaceOrder(ctx, req)
	if err != nil {
		p.failLeg(sig, contract, qty, err)
		return err
	}

	now := p.now()
	rec := registry.Record{
		Market:      p.market,
		OC:          oc,
		Direction:   sig.Direction,
		Family:      contract.Family,
		Symbol:      contract.Code,
		Side:        req.Side,
		Quantity:    qty,
		OrderType:   orderType,
		PriceType:   priceType,
		IsManual:    manual,
		SubmittedAt: now,
	}
	if err := p.reg.Put(orderID, rec); err != nil {
		p.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to persist order registry")
	}

	category := journal.CategoryAuto
	if manual {
		category = journal.CategoryManual
	}
	if err := p.jrnl.Append(journal.Entry{
		Kind:      journal.KindSubmitted,
		OrderID:   orderID,
		Timestamp: now,
		Category:  category,
		Meta:      metaFor(rec, limitPrice),
	}); err != nil {
		p.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to journal submission")
	}

	metrics.OrdersTotal.WithLabelValues(string(p.market), string(req.Side)).Inc()
	p.events.Emit(events.OrderSubmitted, "pipeline", map[string]interface{}{
		"order_id": orderID,
		"contract": contract.Code,
	})

	// Delayed so it never precedes a prior order's fill notification.
	p.notifier.SendTextAfter(submitNoticeDelay, "submit-success",
		submitMessage(p.market, contract, sig.Direction, qty, priceType, limitPrice, manual))

	p.log.Info().
		Str("order_id", orderID).
		Str("contract", contract.Code).
		Str("direction", string(sig.Direction)).
		Str("quantity", qty.String()).
		Msg("Order submitted")
	return nil
}

// ManualOrder is the operator-entered order form.
type ManualOrder struct {
	Direction  domain.Direction
	Family     domain.Family // TX
	Quantity   decimal.Decimal
	PriceType  domain.PriceType
	OrderType  domain.OrderType
	LimitPrice float64
}

// SubmitManual runs contract selection, preconditions and submission for a
// manual order, honoring the caller's price and order types.
func (p *Pipeline) SubmitManual(ctx context.Context, m ManualOrder) error {
	positions, err := p.adapter.ListPositions(ctx)
	if err != nil {
		return err
	}

	var contract domain.Contract
	if p.market == domain.MarketTX {
		contract, err = p.selector.ActiveContract(ctx, m.Family)
		if err != nil {
			return err
		}
	} else {
		contract = domain.Contract{Market: domain.MarketBTC, Code: p.btcCfg.Symbol}
	}

	family := m.Family
	if p.market == domain.MarketBTC {
		family = ""
	}
	if err := p.checkPreconditions(m.Direction, family, positions); err != nil {
		return err
	}

	sig := domain.Signal{
		TradeID:   "manual-" + uuid.NewString()[:8],
		Market:    p.market,
		Direction: m.Direction,
	}
	return p.submit(ctx, sig, contract, m.Quantity, true, m.PriceType, m.OrderType, m.LimitPrice)
}

// rejectSignal journals and notifies a whole-signal failure.
func (p *Pipeline) rejectSignal(sig domain.Signal, cause error) {
	metrics.SignalsTotal.WithLabelValues(string(p.market), "rejected").Inc()
	p.events.Emit(events.SignalRejected, "pipeline", map[string]interface{}{
		"trade_id": sig.TradeID,
		"reason":   cause.Error(),
	})
	p.failLeg(sig, domain.Contract{}, sig.Quantity, cause)
}

// failLeg journals a fail entry and emits the failure notification for one
// leg.
func (p *Pipeline) failLeg(sig domain.Signal, contract domain.Contract, qty decimal.Decimal, cause error) {
	reason := lifecycle.FailureText(cause)

	if err := p.jrnl.Append(journal.Entry{
		Kind:      journal.KindFail,
		Timestamp: p.now(),
		Category:  journal.CategoryAuto,
		Meta: journal.Metadata{
			Market:   p.market,
			Family:   contract.Family,
			Symbol:   contract.Code,
			Side:     sig.Direction.Side(),
			OC:       ocFor(sig.Direction),
			Quantity: qty,
			Reason:   reason,
		},
	}); err != nil {
		p.log.Error().Err(err).Msg("Failed to journal signal failure")
	}

	p.notifier.SendText("submit-fail",
		failMessage(p.market, contract, sig.Direction, qty, reason))
	p.log.Warn().Err(cause).Str("trade_id", sig.TradeID).Str("reason", reason).Msg("Signal leg rejected")
}

func ocFor(dir domain.Direction) domain.OCType {
	if dir.IsOpen() {
		return domain.OCNew
	}
	return domain.OCCover
}

func metaFor(rec registry.Record, limitPrice float64) journal.Metadata {
	return journal.Metadata{
		Market:    rec.Market,
		Family:    rec.Family,
		Symbol:    rec.Symbol,
		Side:      rec.Side,
		OC:        rec.OC,
		Quantity:  rec.Quantity,
		Price:     limitPrice,
		PriceType: rec.PriceType,
		OrderType: rec.OrderType,
	}
}
