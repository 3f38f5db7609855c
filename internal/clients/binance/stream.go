package binance

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/broker"
)

// streamSet owns the user-data stream, the mark-price stream and the
// listen-key keepalive loop for one session.
type streamSet struct {
	c *Client

	mu         sync.Mutex
	userStopC  chan struct{}
	markStopC  chan struct{}
	cancelKeep context.CancelFunc

	markBits atomic.Uint64 // float64 bits of the latest mark price

	subMu sync.Mutex
	subs  []chan float64
}

func newStreamSet(c *Client) *streamSet {
	return &streamSet{c: c}
}

// start opens both streams and the keepalive loop, replacing any previous
// session's streams.
func (s *streamSet) start(listenKey string, handler broker.OrderEventHandler) {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if handler != nil && listenKey != "" {
		s.startUserStream(listenKey, handler)
	}
	s.startMarkStream()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelKeep = cancel
	go s.keepaliveLoop(ctx, listenKey)
}

// stop closes everything. Safe to call repeatedly.
func (s *streamSet) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userStopC != nil {
		close(s.userStopC)
		s.userStopC = nil
	}
	if s.markStopC != nil {
		close(s.markStopC)
		s.markStopC = nil
	}
	if s.cancelKeep != nil {
		s.cancelKeep()
		s.cancelKeep = nil
	}
}

// startUserStream serves ORDER_TRADE_UPDATE frames to the handler. Caller
// holds s.mu.
func (s *streamSet) startUserStream(listenKey string, handler broker.OrderEventHandler) {
	wsHandler := func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		u := event.OrderTradeUpdate
		qty, _ := decimal.NewFromString(u.AccumulatedFilledQty)
		handler(broker.OrderEvent{
			OrderID:   strconv.FormatInt(u.ID, 10),
			State:     mapOrderStatus(u.Status),
			FillPrice: parseFloat(u.AveragePrice),
			FillQty:   qty,
			Time:      time.UnixMilli(u.TradeTime),
		})
	}
	errHandler := func(err error) {
		s.c.log.Warn().Err(err).Msg("User-data stream error")
	}

	_, stopC, err := futures.WsUserDataServe(listenKey, wsHandler, errHandler)
	if err != nil {
		s.c.log.Error().Err(err).Msg("Failed to open user-data stream")
		return
	}
	s.userStopC = stopC
	s.c.log.Info().Msg("User-data stream connected")
}

// startMarkStream publishes mark-price ticks to subscribers. Caller holds
// s.mu.
func (s *streamSet) startMarkStream() {
	wsHandler := func(event *futures.WsMarkPriceEvent) {
		price := parseFloat(event.MarkPrice)
		if price <= 0 {
			return
		}
		s.markBits.Store(math.Float64bits(price))
		s.publish(price)
	}
	errHandler := func(err error) {
		s.c.log.Warn().Err(err).Msg("Mark-price stream error")
	}

	_, stopC, err := futures.WsMarkPriceServe(s.c.cfg.Symbol, wsHandler, errHandler)
	if err != nil {
		s.c.log.Error().Err(err).Msg("Failed to open mark-price stream")
		return
	}
	s.markStopC = stopC
}

// keepaliveLoop refreshes the listen key every 30 minutes; an expired key
// silently kills the user-data stream otherwise.
func (s *streamSet) keepaliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.c.fc.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(callCtx)
			cancel()
			if err != nil {
				s.c.log.Warn().Err(err).Msg("Listen-key keepalive failed")
			}
		}
	}
}

// markPrice returns the latest observed mark price, zero before first tick.
func (s *streamSet) markPrice() float64 {
	return math.Float64frombits(s.markBits.Load())
}

// seedMark primes the cache before the first websocket tick. A concurrent
// stream update wins.
func (s *streamSet) seedMark(price float64) {
	s.markBits.CompareAndSwap(0, math.Float64bits(price))
}

// subscribeMark registers a subscriber. Sends never block; slow consumers
// miss ticks.
func (s *streamSet) subscribeMark() <-chan float64 {
	ch := make(chan float64, 1)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *streamSet) publish(price float64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- price:
		default:
		}
	}
}
