package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/twquant/tvgateway/internal/domain"
)

// DedupeWindow is the sliding window within which a trade id is unique.
const DedupeWindow = 30 * time.Second

// Deduper drops repeated signals. The key combines the trade id, direction
// and contract-family hint, so the same id on different legs still passes.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewDeduper creates a deduper. now is injectable for tests.
func NewDeduper(now func() time.Time) *Deduper {
	if now == nil {
		now = time.Now
	}
	return &Deduper{
		seen: make(map[string]time.Time),
		now:  now,
	}
}

func dedupeKey(sig domain.Signal) string {
	hint := sig.Symbol
	if sig.Market == domain.MarketTX {
		hint = fmt.Sprintf("%d-%d-%d", sig.TXF, sig.MXF, sig.TMF)
	}
	return fmt.Sprintf("%s|%s|%s", sig.TradeID, sig.Direction, hint)
}

// Check records the signal and reports whether it is a duplicate inside the
// window. Expired keys are evicted on the way through.
func (d *Deduper) Check(sig domain.Signal) bool {
	key := dedupeKey(sig)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) > DedupeWindow {
			delete(d.seen, k)
		}
	}

	if at, ok := d.seen[key]; ok && now.Sub(at) <= DedupeWindow {
		return true
	}
	d.seen[key] = now
	return false
}
