package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/lifecycle"
	"github.com/twquant/tvgateway/internal/pipeline"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "tvgateway",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := map[string]interface{}{
		"status":      "running",
		"uptime_s":    int(time.Since(s.startedAt).Seconds()),
		"goroutines":  runtime.NumGoroutine(),
		"alloc_mb":    m.Alloc / 1024 / 1024,
		"live_orders": s.reg.Len(),
		"markets": map[string]interface{}{
			"TX":  s.marketStatus(s.txAdpt, s.txPipe != nil),
			"BTC": s.marketStatus(s.btcAdpt, s.btcPipe != nil),
		},
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) marketStatus(adapter interface{ SessionStartedAt() time.Time }, enabled bool) map[string]interface{} {
	out := map[string]interface{}{"enabled": enabled}
	if enabled && adapter != nil {
		if at := adapter.SessionStartedAt(); !at.IsZero() {
			out["session_started_at"] = at.Format(time.RFC3339)
		}
	}
	return out
}

// manualOrderRequest is the operator order form.
type manualOrderRequest struct {
	Market     string          `json:"market"` // TX | BTC
	Direction  string          `json:"direction"`
	Family     string          `json:"family"` // TXF | MXF | TMF
	Quantity   decimal.Decimal `json:"quantity"`
	PriceType  string          `json:"price_type"` // market | limit
	OrderType  string          `json:"order_type"` // ioc | rod
	LimitPrice float64         `json:"limit_price"`
}

func (s *Server) handleManualOrder(w http.ResponseWriter, r *http.Request) {
	var req manualOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	var pipe *pipeline.Pipeline
	switch domain.Market(req.Market) {
	case domain.MarketTX:
		pipe = s.txPipe
	case domain.MarketBTC:
		pipe = s.btcPipe
	default:
		s.writeError(w, http.StatusBadRequest, "unknown market")
		return
	}
	if pipe == nil {
		s.writeError(w, http.StatusServiceUnavailable, "market disabled")
		return
	}

	dir, err := pipeline.ParseDirection(req.Direction, nil)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unrecognized action")
		return
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		s.writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	order := pipeline.ManualOrder{
		Direction:  dir,
		Family:     domain.Family(req.Family),
		Quantity:   req.Quantity,
		PriceType:  domain.PriceMarket,
		OrderType:  domain.OrderIOC,
		LimitPrice: req.LimitPrice,
	}
	if req.PriceType == string(domain.PriceLimit) {
		order.PriceType = domain.PriceLimit
	}
	if req.OrderType == string(domain.OrderROD) {
		order.OrderType = domain.OrderROD
	}

	if err := pipe.SubmitManual(r.Context(), order); err != nil {
		status := http.StatusOK
		if errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrAuthFailed) {
			status = http.StatusInternalServerError
		}
		s.writeJSON(w, status, map[string]interface{}{
			"success": false,
			"message": lifecycle.FailureText(err),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "order submitted",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
