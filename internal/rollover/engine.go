// Package rollover decides whether orders target the current-month (R1) or
// next-month (R2) contract. The window opens one day before the nearest
// delivery and closes at the delivery day's 15:00 session boundary, when the
// night session opens with the new month as "current".
package rollover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/internal/events"
	"github.com/twquant/tvgateway/pkg/timeutil"
)

// sessionBoundaryHour is when the delivery day's night session opens and the
// rollover window closes.
const sessionBoundaryHour = 15

// ContractSource lists the tradable contracts of a family, sorted by delivery
// date. Implemented by the TX adapter.
type ContractSource interface {
	ListContracts(ctx context.Context, family domain.Family) ([]domain.Contract, error)
}

// Notifier is the one-time transition notification sink.
type Notifier interface {
	SendText(category, text string)
}

// State is a lock-free snapshot for readers.
type State struct {
	Active             bool
	StartedOn          time.Time
	NearestDelivery    time.Time
	NextMonthContracts map[domain.Family]domain.Contract
}

// Engine owns the rollover state. Only the engine mutates it.
type Engine struct {
	src      ContractSource
	notifier Notifier
	events   *events.Manager
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	active    bool
	startedOn time.Time
	current   map[domain.Family]domain.Contract // R1 per family
	next      map[domain.Family]domain.Contract // R2 snapshot while active
	stale     bool                              // set when the window closes past delivery
}

// NewEngine creates the rollover engine. now is injectable for tests.
func NewEngine(src ContractSource, notifier Notifier, ev *events.Manager, log zerolog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		src:      src,
		notifier: notifier,
		events:   ev,
		log:      log.With().Str("component", "rollover").Logger(),
		now:      now,
		current:  make(map[domain.Family]domain.Contract),
		next:     make(map[domain.Family]domain.Contract),
	}
}

// Refresh reloads the contract references from the broker. Called on session
// start and after the window closes past delivery.
func (e *Engine) Refresh(ctx context.Context) error {
	current := make(map[domain.Family]domain.Contract, len(domain.Families))
	next := make(map[domain.Family]domain.Contract, len(domain.Families))

	for _, family := range domain.Families {
		contracts, err := e.src.ListContracts(ctx, family)
		if err != nil {
			return fmt.Errorf("failed to list %s contracts: %w", family, err)
		}
		if len(contracts) == 0 {
			return fmt.Errorf("no contracts returned for %s", family)
		}

		current[family] = pickCurrent(contracts)
		if n, ok := pickNext(contracts); ok {
			next[family] = n
		}
	}

	e.mu.Lock()
	e.current = current
	e.next = next
	e.stale = false
	e.mu.Unlock()

	e.log.Info().Int("families", len(current)).Msg("Contract references refreshed")
	return nil
}

// pickCurrent prefers the broker's R1 mark, falling back to the earliest
// delivery.
func pickCurrent(contracts []domain.Contract) domain.Contract {
	for _, c := range contracts {
		if c.IsR1 {
			return c
		}
	}
	return contracts[0]
}

// pickNext prefers R2, falling back to the second-earliest delivery.
func pickNext(contracts []domain.Contract) (domain.Contract, bool) {
	for _, c := range contracts {
		if c.IsR2 {
			return c, true
		}
	}
	if len(contracts) > 1 {
		return contracts[1], true
	}
	return domain.Contract{}, false
}

// Evaluate recomputes the window and transitions state. Runs on every active
// contract query and on the daily 00:05 tick.
func (e *Engine) Evaluate(ctx context.Context) {
	e.mu.Lock()
	nearest := e.nearestDeliveryLocked()
	e.mu.Unlock()
	if nearest.IsZero() {
		return
	}

	now := e.now()
	inWindow := inRolloverWindow(now, nearest)

	e.mu.Lock()
	switch {
	case inWindow && !e.active:
		e.active = true
		e.startedOn = timeutil.Midnight(now)
		e.mu.Unlock()
		e.log.Info().Time("delivery", nearest).Msg("Rollover window opened")
		e.events.Emit(events.RolloverStarted, "rollover", map[string]interface{}{
			"delivery": nearest.Format("2006-01-02"),
		})
		if e.notifier != nil {
			e.notifier.SendText("rollover", fmt.Sprintf(
				"🔄 換月模式啟動\n交割日: %s\n新倉將使用次月合約", nearest.Format("2006-01-02")))
		}
		return

	case !inWindow && e.active:
		e.active = false
		e.startedOn = time.Time{}
		pastDelivery := !timeutil.Midnight(now).Before(timeutil.Midnight(nearest))
		if pastDelivery {
			// The night session now trades the new month; current references
			// must be rebuilt before the next order.
			e.stale = true
		}
		e.mu.Unlock()
		e.log.Info().Bool("past_delivery", pastDelivery).Msg("Rollover window closed")
		e.events.Emit(events.RolloverEnded, "rollover", nil)
		return
	}
	e.mu.Unlock()
}

// inRolloverWindow reports whether now falls inside the pre-delivery window.
func inRolloverWindow(now, nearest time.Time) bool {
	today := timeutil.Midnight(now)
	delivery := timeutil.Midnight(nearest)
	windowStart := delivery.AddDate(0, 0, -1)

	if today.Before(windowStart) {
		return false
	}
	if today.Before(delivery) {
		return true
	}
	return today.Equal(delivery) && now.Hour() < sessionBoundaryHour
}

// ActiveContract returns the contract new orders should target for family:
// the next-month contract while the window is open, otherwise the current
// month. Refreshes stale references first.
func (e *Engine) ActiveContract(ctx context.Context, family domain.Family) (domain.Contract, error) {
	e.Evaluate(ctx)

	e.mu.Lock()
	stale := e.stale
	e.mu.Unlock()
	if stale {
		if err := e.Refresh(ctx); err != nil {
			return domain.Contract{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		if c, ok := e.next[family]; ok {
			return c, nil
		}
		// No next-month snapshot; fall through to current.
		e.log.Warn().Str("family", string(family)).Msg("Rollover active but no next-month contract")
	}
	c, ok := e.current[family]
	if !ok {
		return domain.Contract{}, fmt.Errorf("no contract reference for %s", family)
	}
	return c, nil
}

// Snapshot returns the current rollover state for status endpoints.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[domain.Family]domain.Contract, len(e.next))
	for f, c := range e.next {
		next[f] = c
	}
	return State{
		Active:             e.active,
		StartedOn:          e.startedOn,
		NearestDelivery:    e.nearestDeliveryLocked(),
		NextMonthContracts: next,
	}
}

// nearestDeliveryLocked returns the minimum delivery date across current
// contracts. Caller holds the lock.
func (e *Engine) nearestDeliveryLocked() time.Time {
	var nearest time.Time
	for _, c := range e.current {
		if nearest.IsZero() || c.DeliveryDate.Before(nearest) {
			nearest = c.DeliveryDate
		}
	}
	return nearest
}
