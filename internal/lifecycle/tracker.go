// Package lifecycle consumes broker order events, drives each order through
// its terminal state exactly once, and produces the journal entries and fill
// notifications that follow.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/internal/journal"
	"github.com/twquant/tvgateway/internal/metrics"
	"github.com/twquant/tvgateway/internal/registry"
)

const (
	// fillNoticeDelay orders the fill notification after the 2 s submit
	// notification of the same order.
	fillNoticeDelay = 5 * time.Second

	// entryPriceTimeout bounds the post-fill position query.
	entryPriceTimeout = 2 * time.Second

	// eventBuffer is the bounded queue between broker callbacks and the
	// consumer goroutine.
	eventBuffer = 256

	// terminalMemory is how long processed terminal ids are remembered for
	// duplicate suppression.
	terminalMemory = time.Hour
)

// Notifier is the notification surface the tracker needs.
type Notifier interface {
	SendText(category, text string)
	SendTextAfter(delay time.Duration, category, text string)
}

// Tracker owns one market's order lifecycle.
type Tracker struct {
	market   domain.Market
	adapter  broker.Adapter
	jrnl     *journal.Journal
	reg      *registry.Registry
	notifier Notifier
	events   *events.Manager
	log      zerolog.Logger
	now      func() time.Time

	pollInterval time.Duration // 0 disables the polling fallback

	ch   chan broker.OrderEvent
	done map[string]time.Time // terminal ids already processed
}

// TrackerDeps wires a tracker.
type TrackerDeps struct {
	Market       domain.Market
	Adapter      broker.Adapter
	Journal      *journal.Journal
	Registry     *registry.Registry
	Notifier     Notifier
	Events       *events.Manager
	Log          zerolog.Logger
	PollInterval time.Duration
	Now          func() time.Time
}

// NewTracker creates a tracker and registers it as the adapter's order-event
// handler.
func NewTracker(d TrackerDeps) *Tracker {
	if d.Now == nil {
		d.Now = time.Now
	}
	t := &Tracker{
		market:       d.Market,
		adapter:      d.Adapter,
		jrnl:         d.Journal,
		reg:          d.Registry,
		notifier:     d.Notifier,
		events:       d.Events,
		log:          d.Log.With().Str("component", "lifecycle").Str("market", string(d.Market)).Logger(),
		now:          d.Now,
		pollInterval: d.PollInterval,
		ch:           make(chan broker.OrderEvent, eventBuffer),
		done:         make(map[string]time.Time),
	}
	d.Adapter.SubscribeOrderEvents(t.Handle)
	return t
}

// Handle enqueues a broker event. Never blocks: when the queue is full the
// oldest event is dropped and counted, because a stalled consumer must not
// stall the broker's websocket read loop.
func (t *Tracker) Handle(ev broker.OrderEvent) {
	for {
		select {
		case t.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-t.ch:
			metrics.LifecycleDropped.Inc()
			t.log.Warn().Str("order_id", dropped.OrderID).Msg("Lifecycle queue full, oldest event dropped")
		default:
		}
	}
}

// Start runs the consumer and, when configured, the polling fallback. Blocks
// until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	if t.pollInterval > 0 {
		go t.pollLoop(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.ch:
			t.process(ctx, ev)
		}
	}
}

// process applies one event. Terminal transitions are monotonic: a second
// terminal event for the same id is a no-op.
func (t *Tracker) process(ctx context.Context, ev broker.OrderEvent) {
	if !ev.State.Terminal() {
		return
	}
	if t.alreadyDone(ev.OrderID) {
		t.log.Debug().Str("order_id", ev.OrderID).Msg("Duplicate terminal event ignored")
		return
	}

	rec := t.resolve(ctx, ev.OrderID)
	metrics.OrderTerminalTotal.WithLabelValues(string(t.market), string(ev.State)).Inc()

	switch ev.State {
	case domain.StateFilled:
		t.onFilled(ctx, ev, rec)
	case domain.StateCancelled:
		t.onCancelled(ev, rec)
	default: // rejected, expired
		t.onFailed(ev, rec)
	}

	// Registry cleanup only after the journal write, so a crash in between
	// re-processes rather than forgets.
	if err := t.reg.Delete(ev.OrderID); err != nil {
		t.log.Error().Err(err).Str("order_id", ev.OrderID).Msg("Failed to remove terminal order from registry")
	}
	t.markDone(ev.OrderID)
}

// resolve recovers submission metadata, falling back through the journal and
// live positions for ids the registry has never seen.
func (t *Tracker) resolve(ctx context.Context, orderID string) registry.Record {
	if rec, ok := t.reg.Get(orderID); ok {
		return rec
	}

	todays, err := t.jrnl.ReadDate(t.now())
	if err != nil {
		todays = nil
	}
	callCtx, cancel := context.WithTimeout(ctx, entryPriceTimeout)
	positions, err := t.adapter.ListPositions(callCtx)
	cancel()
	if err != nil {
		positions = nil
	}
	rec := t.reg.Resolve(orderID, todays, positions)
	rec.Market = t.market
	return rec
}

func (t *Tracker) onFilled(ctx context.Context, ev broker.OrderEvent, rec registry.Record) {
	fillPrice := ev.FillPrice
	entryPrice := 0.0
	if t.market == domain.MarketTX && rec.OC == domain.OCNew {
		entryPrice = t.fetchEntryPrice(ctx, rec.Family)
	}

	// The broker's average entry price is authoritative for open fills; the
	// journaled price is what FIFO matching pairs closes against later.
	dealPrice := fillPrice
	if entryPrice > 0 {
		dealPrice = entryPrice
	}

	category := journal.CategoryAuto
	if rec.IsManual {
		category = journal.CategoryManual
	}
	if err := t.jrnl.Append(journal.Entry{
		Kind:      journal.KindDeal,
		OrderID:   ev.OrderID,
		Timestamp: eventTime(ev, t.now),
		Category:  category,
		Raw:       ev.Raw,
		Meta: journal.Metadata{
			Market:    rec.Market,
			Family:    rec.Family,
			Symbol:    rec.Symbol,
			Side:      rec.Side,
			OC:        rec.OC,
			Quantity:  ev.FillQty,
			Price:     dealPrice,
			PriceType: rec.PriceType,
			OrderType: rec.OrderType,
		},
	}); err != nil {
		t.log.Error().Err(err).Str("order_id", ev.OrderID).Msg("Failed to journal fill")
	}

	t.events.Emit(events.OrderFilled, "lifecycle", map[string]interface{}{
		"order_id": ev.OrderID,
		"price":    dealPrice,
	})
	t.notifier.SendTextAfter(fillNoticeDelay, "fill",
		fillMessage(rec, ev.FillQty, fillPrice, entryPrice))

	t.log.Info().
		Str("order_id", ev.OrderID).
		Float64("price", fillPrice).
		Str("quantity", ev.FillQty.String()).
		Msg("Order filled")
}

func (t *Tracker) onCancelled(ev broker.OrderEvent, rec registry.Record) {
	reason := ReasonText(ev.ReasonCode)
	t.journalTerminal(journal.KindCancel, ev, rec, reason)
	t.events.Emit(events.OrderCancelled, "lifecycle", map[string]interface{}{"order_id": ev.OrderID})
	t.notifier.SendText("cancel", terminalMessage("❎ 委託取消", rec, reason))
	t.log.Info().Str("order_id", ev.OrderID).Str("reason", reason).Msg("Order cancelled")
}

func (t *Tracker) onFailed(ev broker.OrderEvent, rec registry.Record) {
	reason := ReasonText(ev.ReasonCode)
	t.journalTerminal(journal.KindFail, ev, rec, reason)
	t.events.Emit(events.OrderFailed, "lifecycle", map[string]interface{}{
		"order_id": ev.OrderID,
		"reason":   reason,
	})
	t.notifier.SendText("order-fail", terminalMessage("⚠️ 委託失敗", rec, reason))
	t.log.Warn().Str("order_id", ev.OrderID).Str("reason", reason).Msg("Order failed")
}

func (t *Tracker) journalTerminal(kind journal.Kind, ev broker.OrderEvent, rec registry.Record, reason string) {
	category := journal.CategoryAuto
	if rec.IsManual {
		category = journal.CategoryManual
	}
	if err := t.jrnl.Append(journal.Entry{
		Kind:      kind,
		OrderID:   ev.OrderID,
		Timestamp: eventTime(ev, t.now),
		Category:  category,
		Raw:       ev.Raw,
		Meta: journal.Metadata{
			Market:   rec.Market,
			Family:   rec.Family,
			Symbol:   rec.Symbol,
			Side:     rec.Side,
			OC:       rec.OC,
			Quantity: rec.Quantity,
			Reason:   reason,
		},
	}); err != nil {
		t.log.Error().Err(err).Str("order_id", ev.OrderID).Msg("Failed to journal terminal state")
	}
}

// fetchEntryPrice asks the broker for the position's average entry price,
// which is authoritative over the callback's fill price for open fills.
func (t *Tracker) fetchEntryPrice(ctx context.Context, family domain.Family) float64 {
	callCtx, cancel := context.WithTimeout(ctx, entryPriceTimeout)
	defer cancel()
	positions, err := t.adapter.ListPositions(callCtx)
	if err != nil {
		t.log.Warn().Err(err).Msg("Entry-price lookup failed, using fill price")
		return 0
	}
	for _, pos := range positions {
		if pos.Family == family && !pos.Quantity.IsZero() {
			return pos.EntryPrice
		}
	}
	return 0
}

// pollLoop is the fallback for streams that silently die: every interval each
// live registry order is queried and terminal answers are fed through the
// normal path.
func (t *Tracker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

func (t *Tracker) pollOnce(ctx context.Context) {
	for orderID := range t.reg.Live(t.market) {
		ev, err := t.adapter.QueryOrder(ctx, orderID)
		if err != nil {
			t.log.Debug().Err(err).Str("order_id", orderID).Msg("Order poll failed")
			continue
		}
		if ev.State.Terminal() {
			t.log.Info().Str("order_id", orderID).Str("state", string(ev.State)).
				Msg("Terminal state recovered by polling")
			t.Handle(ev)
		}
	}
}

func (t *Tracker) alreadyDone(orderID string) bool {
	_, ok := t.done[orderID]
	return ok
}

func (t *Tracker) markDone(orderID string) {
	now := t.now()
	for id, at := range t.done {
		if now.Sub(at) > terminalMemory {
			delete(t.done, id)
		}
	}
	t.done[orderID] = now
}

func eventTime(ev broker.OrderEvent, now func() time.Time) time.Time {
	if !ev.Time.IsZero() {
		return ev.Time
	}
	return now()
}

func fillMessage(rec registry.Record, qty decimal.Decimal, fillPrice, entryPrice float64) string {
	var b strings.Builder
	b.WriteString("✅ <b>成交回報</b>\n")
	writeIdentifier(&b, rec)
	fmt.Fprintf(&b, "數量: %s\n", qty.String())
	fmt.Fprintf(&b, "成交價: %g\n", fillPrice)
	if entryPrice > 0 {
		fmt.Fprintf(&b, "持倉均價: %g\n", entryPrice)
	}
	return b.String()
}

func terminalMessage(title string, rec registry.Record, reason string) string {
	var b strings.Builder
	b.WriteString(title + "\n")
	writeIdentifier(&b, rec)
	fmt.Fprintf(&b, "數量: %s\n", rec.Quantity.String())
	if reason != "" {
		fmt.Fprintf(&b, "原因: %s\n", reason)
	}
	return b.String()
}

func writeIdentifier(b *strings.Builder, rec registry.Record) {
	name := rec.Symbol
	if rec.Market == domain.MarketTX && rec.Family != "" {
		name = fmt.Sprintf("%s (%s)", rec.Family.DisplayName(), rec.Symbol)
	}
	fmt.Fprintf(b, "市場: %s\n", name)

	kind := "自動"
	if rec.IsManual {
		kind = "手動"
	}
	fmt.Fprintf(b, "類別: %s\n", kind)

	if rec.Direction != "" {
		fmt.Fprintf(b, "方向: %s\n", directionLabel(rec.Direction))
	}
}

func directionLabel(dir domain.Direction) string {
	switch dir {
	case domain.OpenLong:
		return "開多"
	case domain.OpenShort:
		return "開空"
	case domain.CloseLong:
		return "平多"
	case domain.CloseShort:
		return "平空"
	}
	return string(dir)
}
