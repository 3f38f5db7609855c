// Package journal is the append-only per-day trade log. One JSON file per
// calendar date per market; every write loads, appends and rewrites the array.
// Corrupt files are quarantined, never fatal. Retention keeps the 30 most
// recent files.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/domain"
)

// RetentionFiles is how many daily files survive pruning.
const RetentionFiles = 30

// Kind classifies a journal entry.
type Kind string

const (
	KindSubmitted Kind = "order_submitted"
	KindDeal      Kind = "deal"
	KindCancel    Kind = "cancel"
	KindFail      Kind = "fail"
)

// Category separates webhook-driven activity from manual orders.
type Category string

const (
	CategoryAuto   Category = "auto"
	CategoryManual Category = "manual"
)

// Metadata is the resolved order context stored alongside the raw payload.
type Metadata struct {
	Market    domain.Market    `json:"market"`
	Family    domain.Family    `json:"family,omitempty"`
	Symbol    string           `json:"symbol,omitempty"`
	Side      domain.Side      `json:"side"`
	OC        domain.OCType    `json:"oc"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     float64          `json:"price,omitempty"`
	PriceType domain.PriceType `json:"price_type,omitempty"`
	OrderType domain.OrderType `json:"order_type,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Entry is one journal record.
type Entry struct {
	Kind      Kind            `json:"kind"`
	OrderID   string          `json:"order_id"`
	Timestamp time.Time       `json:"timestamp"`
	Category  Category        `json:"category"`
	Raw       json.RawMessage `json:"raw_broker_payload,omitempty"`
	Meta      Metadata        `json:"resolved_metadata"`
}

// Journal owns one market's daily files.
type Journal struct {
	dir    string
	market domain.Market
	log    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-file
}

// New creates a journal writing {market}trades_{date}.json files under dir.
func New(dir string, market domain.Market, log zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &Journal{
		dir:    dir,
		market: market,
		log:    log.With().Str("component", "journal").Str("market", string(market)).Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (j *Journal) fileName(d time.Time) string {
	return fmt.Sprintf("%strades_%s.json", j.market, d.Format("20060102"))
}

func (j *Journal) fileLock(name string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.locks[name]
	if !ok {
		l = &sync.Mutex{}
		j.locks[name] = l
	}
	return l
}

// Append writes entry to its date's file and prunes old files.
func (j *Journal) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	name := j.fileName(entry.Timestamp)
	lock := j.fileLock(name)
	lock.Lock()
	defer lock.Unlock()

	entries, err := j.readFile(name)
	if err != nil {
		// Only structural corruption is quarantined. A transient read error
		// must not sideline a healthy day file.
		if !errors.Is(err, domain.ErrJournalCorrupt) {
			return fmt.Errorf("failed to load journal before append: %w", err)
		}
		j.quarantine(name, err)
		entries = nil
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(j.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}

	j.prune()
	return nil
}

// ReadDate returns all entries for the given date. A missing file yields an
// empty slice.
func (j *Journal) ReadDate(d time.Time) ([]Entry, error) {
	name := j.fileName(d)
	lock := j.fileLock(name)
	lock.Lock()
	defer lock.Unlock()
	return j.readFile(name)
}

// ReadMonth returns all entries across d's month, oldest file first.
func (j *Journal) ReadMonth(d time.Time) ([]Entry, error) {
	prefix := fmt.Sprintf("%strades_%s", j.market, d.Format("200601"))
	names, err := j.listFiles()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		entries, err := j.lockedRead(name)
		if err != nil {
			j.log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable journal file")
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// ReadRecent returns entries across the most recent n files ending at date d,
// oldest first. Used to resolve cross-day FIFO pairing.
func (j *Journal) ReadRecent(d time.Time, n int) ([]Entry, error) {
	limit := j.fileName(d)
	names, err := j.listFiles()
	if err != nil {
		return nil, err
	}

	var window []string
	for _, name := range names {
		if name <= limit {
			window = append(window, name)
		}
	}
	if len(window) > n {
		window = window[len(window)-n:]
	}

	var out []Entry
	for _, name := range window {
		entries, err := j.lockedRead(name)
		if err != nil {
			j.log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable journal file")
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (j *Journal) lockedRead(name string) ([]Entry, error) {
	lock := j.fileLock(name)
	lock.Lock()
	defer lock.Unlock()
	return j.readFile(name)
}

// readFile loads one file. Caller holds the file lock.
func (j *Journal) readFile(name string) ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrJournalCorrupt)
	}
	return entries, nil
}

func (j *Journal) quarantine(name string, cause error) {
	src := filepath.Join(j.dir, name)
	dst := src + ".corrupt"
	if err := os.Rename(src, dst); err != nil {
		j.log.Error().Err(err).Str("file", name).Msg("Failed to quarantine corrupt journal")
		return
	}
	j.log.Warn().Err(cause).Str("file", name).Msg("Corrupt journal quarantined, starting fresh")
}

// listFiles returns this market's journal files sorted ascending by name,
// which is also ascending by date.
func (j *Journal) listFiles() ([]string, error) {
	dirents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal dir: %w", err)
	}

	prefix := fmt.Sprintf("%strades_", j.market)
	var names []string
	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// prune removes files beyond the 30 most recent.
func (j *Journal) prune() {
	names, err := j.listFiles()
	if err != nil || len(names) <= RetentionFiles {
		return
	}
	for _, name := range names[:len(names)-RetentionFiles] {
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
			j.log.Warn().Err(err).Str("file", name).Msg("Failed to prune journal file")
			continue
		}
		j.log.Info().Str("file", name).Msg("Pruned journal file beyond retention")
	}
}
