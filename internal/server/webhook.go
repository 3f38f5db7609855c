package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/broker"
	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/lifecycle"
	"github.com/twquant/tvgateway/internal/pipeline"
)

// maxWebhookBody caps the accepted alert payload.
const maxWebhookBody = 64 << 10

// txWebhook is the TradingView alert body for TX.
type txWebhook struct {
	TradeID   string  `json:"tradeId"`
	Type      string  `json:"type"` // entry | exit
	Direction string  `json:"direction"`
	TXF       int     `json:"txf"`
	MXF       int     `json:"mxf"`
	TMF       int     `json:"tmf"`
	Price     float64 `json:"price"`
	Time      string  `json:"time"`
}

// btcWebhook is the TradingView alert body for BTC.
type btcWebhook struct {
	Action   string          `json:"action"`
	Symbol   string          `json:"symbol"`
	Price    float64         `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Message  string          `json:"message"`
}

// handleWebhook receives TX alerts and auto-detects BTC-shaped bodies.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var probe struct {
		Symbol string `json:"symbol"`
		Action string `json:"action"`
	}
	_ = json.Unmarshal(body, &probe)
	if probe.Symbol != "" || probe.Action != "" {
		s.processBTC(r.Context(), w, body)
		return
	}
	s.processTX(r.Context(), w, body)
}

func (s *Server) handleWebhookBTC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	s.processBTC(r.Context(), w, body)
}

func (s *Server) processTX(ctx context.Context, w http.ResponseWriter, body []byte) {
	if s.txPipe == nil {
		s.writeError(w, http.StatusServiceUnavailable, "TX trading disabled")
		return
	}

	var payload txWebhook
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	dir, err := pipeline.ParseDirection(payload.Direction, s.heldSide(ctx, s.txAdpt))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unrecognized action")
		return
	}

	sig := domain.Signal{
		TradeID:   orFallbackID(payload.TradeID),
		Market:    domain.MarketTX,
		Direction: dir,
		TXF:       payload.TXF,
		MXF:       payload.MXF,
		TMF:       payload.TMF,
		Price:     payload.Price,
		Time:      parseSignalTime(payload.Time),
	}
	s.respondProcessed(w, s.txPipe.Process(ctx, sig))
}

func (s *Server) processBTC(ctx context.Context, w http.ResponseWriter, body []byte) {
	if s.btcPipe == nil {
		s.writeError(w, http.StatusServiceUnavailable, "BTC trading disabled")
		return
	}

	var payload btcWebhook
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	action := payload.Action
	if action == "" {
		action = payload.Message
	}
	dir, err := pipeline.ParseDirection(action, s.heldSide(ctx, s.btcAdpt))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unrecognized action")
		return
	}

	sig := domain.Signal{
		TradeID:   orFallbackID(payload.Symbol + "-" + action),
		Market:    domain.MarketBTC,
		Direction: dir,
		Symbol:    payload.Symbol,
		Quantity:  payload.Quantity,
		Price:     payload.Price,
		Time:      time.Now(),
	}
	s.respondProcessed(w, s.btcPipe.Process(ctx, sig))
}

// respondProcessed maps pipeline outcomes onto the webhook contract:
// duplicates and business rejections answer 200 so TradingView does not
// retry, transport trouble answers 500.
func (s *Server) respondProcessed(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "order submitted",
		})
	case errors.Is(err, domain.ErrDuplicateSignal):
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "duplicate signal ignored",
		})
	case errors.Is(err, domain.ErrNetwork), errors.Is(err, domain.ErrAuthFailed):
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": lifecycle.FailureText(err),
		})
	default:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": lifecycle.FailureText(err),
		})
	}
}

// heldSide resolves bare close actions against the broker's current position.
func (s *Server) heldSide(ctx context.Context, adapter broker.Adapter) func() (domain.Side, bool) {
	return func() (domain.Side, bool) {
		if adapter == nil {
			return "", false
		}
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		positions, err := adapter.ListPositions(callCtx)
		if err != nil {
			return "", false
		}
		for _, p := range positions {
			if !p.Quantity.IsZero() {
				return p.Direction, true
			}
		}
		return "", false
	}
}

func orFallbackID(id string) string {
	if id != "" {
		return id
	}
	return "tv-" + uuid.NewString()[:8]
}

// parseSignalTime accepts the alert formats TradingView emits; anything else
// falls back to receipt time.
func parseSignalTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t
		}
	}
	return time.Now()
}
