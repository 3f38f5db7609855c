package txbridge

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/domain"
)

// wsReadTimeout is the keepalive deadline on the event socket.
const wsReadTimeout = 60 * time.Second

// orderFrame is one push from the bridge's /ws/orders stream. The bridge
// relays the vendor callback states (OrderSubmitted, FuturesOrder,
// FuturesDeal) together with the deal payload.
type orderFrame struct {
	State      string          `json:"state"`
	OrderID    string          `json:"order_id"`
	Status     string          `json:"status"` // submitted/filled/cancelled/rejected/expired
	Price      float64         `json:"price"`
	Quantity   int64           `json:"quantity"`
	ReasonCode string          `json:"reason_code"`
	Raw        json.RawMessage `json:"raw"`
}

// eventStream reads the bridge order websocket and forwards mapped events.
type eventStream struct {
	url     string
	handler broker.OrderEventHandler
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// startStream opens (or replaces) the event stream. Caller holds loginMu.
func (c *Client) startStream(handler broker.OrderEventHandler) {
	c.stopStream()

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws/orders"
	s := &eventStream{
		url:     wsURL,
		handler: handler,
		log:     c.log.With().Str("stream", "orders").Logger(),
	}
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()

	go s.run()
}

// stopStream closes the stream if one is running.
func (c *Client) stopStream() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// run dials and reads until closed, redialing with a linear backoff on error.
func (s *eventStream) run() {
	attempt := 0
	for {
		if s.isClosed() {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			attempt++
			wait := time.Duration(min(attempt, 5)) * 2 * time.Second
			s.log.Warn().Err(err).Dur("wait", wait).Msg("Order stream dial failed")
			time.Sleep(wait)
			continue
		}
		attempt = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.log.Info().Msg("Order stream connected")
		s.readLoop(conn)

		if s.isClosed() {
			return
		}
		s.log.Warn().Msg("Order stream dropped, reconnecting")
	}
}

func (s *eventStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame orderFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn().Err(err).Msg("Unparseable order frame dropped")
			continue
		}
		if frame.OrderID == "" {
			continue
		}

		raw := frame.Raw
		if len(raw) == 0 {
			raw = data
		}
		s.handler(broker.OrderEvent{
			OrderID:    frame.OrderID,
			State:      frameState(frame),
			FillPrice:  frame.Price,
			FillQty:    decimal.NewFromInt(frame.Quantity),
			ReasonCode: frame.ReasonCode,
			Raw:        raw,
			Time:       time.Now(),
		})
	}
}

// frameState maps a bridge frame to the lifecycle state. A FuturesDeal frame
// with non-zero quantity is a fill.
func frameState(f orderFrame) domain.OrderState {
	if f.State == "FuturesDeal" && f.Quantity > 0 {
		return domain.StateFilled
	}
	return mapOrderState(f.Status)
}

func mapOrderState(status string) domain.OrderState {
	switch strings.ToLower(status) {
	case "filled":
		return domain.StateFilled
	case "cancelled", "canceled":
		return domain.StateCancelled
	case "rejected", "failed":
		return domain.StateRejected
	case "expired":
		return domain.StateExpired
	default:
		return domain.StateSubmitted
	}
}

func (s *eventStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *eventStream) close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
