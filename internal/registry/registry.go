// Package registry is the in-memory order-id -> submission metadata map,
// mirrored to disk on every mutation so broker callbacks arriving after a
// restart can still be interpreted.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/journal"
)

// Record is the metadata stored per live order.
type Record struct {
	Market      domain.Market    `json:"market"`
	OC          domain.OCType    `json:"oc"`
	Direction   domain.Direction `json:"direction"`
	Family      domain.Family    `json:"family,omitempty"`
	Symbol      string           `json:"symbol,omitempty"`
	Side        domain.Side      `json:"side"`
	Quantity    decimal.Decimal  `json:"quantity"`
	OrderType   domain.OrderType `json:"order_type"`
	PriceType   domain.PriceType `json:"price_type"`
	IsManual    bool             `json:"is_manual"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// Registry maps broker order ids to Records. All mutations persist.
type Registry struct {
	path string
	log  zerolog.Logger

	mu     sync.Mutex
	orders map[string]Record
}

// Load reads the persisted registry from path, creating an empty one when the
// file does not exist.
func Load(path string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		log:    log.With().Str("component", "registry").Logger(),
		orders: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.orders); err != nil {
		// A broken mapping file loses the live-order memory but must not
		// prevent startup.
		r.log.Error().Err(err).Msg("Order registry unreadable, starting empty")
		r.orders = make(map[string]Record)
	}
	r.log.Info().Int("orders", len(r.orders)).Msg("Order registry loaded")
	return r, nil
}

// Put records a new live order.
func (r *Registry) Put(orderID string, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[orderID] = rec
	return r.persist()
}

// Get returns the stored metadata for orderID.
func (r *Registry) Get(orderID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orders[orderID]
	return rec, ok
}

// Delete removes a terminal order. Missing ids are a no-op, which makes late
// duplicate callbacks idempotent.
func (r *Registry) Delete(orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[orderID]; !ok {
		return nil
	}
	delete(r.orders, orderID)
	return r.persist()
}

// Live returns a snapshot of all live orders, optionally filtered by market.
func (r *Registry) Live(market domain.Market) map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Record, len(r.orders))
	for id, rec := range r.orders {
		if market == "" || rec.Market == market {
			out[id] = rec
		}
	}
	return out
}

// Len returns the number of live orders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

// PruneAgainstJournal drops entries whose terminal state is already journaled
// (deal, cancel or fail for the same order id). Called once at startup.
func (r *Registry) PruneAgainstJournal(entries []journal.Entry) error {
	terminal := make(map[string]bool)
	for _, e := range entries {
		if e.Kind == journal.KindDeal || e.Kind == journal.KindCancel || e.Kind == journal.KindFail {
			terminal[e.OrderID] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id := range r.orders {
		if terminal[id] {
			delete(r.orders, id)
			pruned++
		}
	}
	if pruned > 0 {
		r.log.Info().Int("pruned", pruned).Msg("Dropped registry entries already terminal in journal")
	}
	return r.persist()
}

// Resolve returns metadata for orderID, reconstructing it when the registry
// has no record: first from the day's journaled submissions, then by inferring
// the oc type from live positions (an opposite-side position means the order
// covers). The final default is a manual open.
func (r *Registry) Resolve(orderID string, todays []journal.Entry, positions []domain.Position) Record {
	if rec, ok := r.Get(orderID); ok {
		return rec
	}

	for _, e := range todays {
		if e.Kind == journal.KindSubmitted && e.OrderID == orderID {
			r.log.Info().Str("order_id", orderID).Msg("Rebuilt order metadata from journal")
			return Record{
				Market:      e.Meta.Market,
				OC:          e.Meta.OC,
				Family:      e.Meta.Family,
				Symbol:      e.Meta.Symbol,
				Side:        e.Meta.Side,
				Quantity:    e.Meta.Quantity,
				OrderType:   e.Meta.OrderType,
				PriceType:   e.Meta.PriceType,
				IsManual:    e.Category == journal.CategoryManual,
				SubmittedAt: e.Timestamp,
			}
		}
	}

	rec := Record{OC: domain.OCNew, IsManual: true, SubmittedAt: time.Now()}
	for _, p := range positions {
		if !p.Quantity.IsZero() {
			// An existing position on either side makes a same-side order an
			// add and an opposite-side order a cover; without the original
			// side we assume the common case: the unknown order closes it.
			rec.OC = domain.OCCover
			rec.Side = p.Direction.Opposite()
			rec.Family = p.Family
			rec.Symbol = p.Symbol
			break
		}
	}
	r.log.Warn().Str("order_id", orderID).Str("oc", string(rec.OC)).
		Msg("Unknown order id, metadata inferred")
	return rec
}

// Persist forces a write of the current state. Used during shutdown.
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persist()
}

// persist writes the whole map. Caller holds the lock.
func (r *Registry) persist() error {
	data, err := json.MarshalIndent(r.orders, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal order registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write order registry: %w", err)
	}
	return nil
}
