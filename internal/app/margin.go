package app

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/internal/domain"
)

// loadMarginBaseline reads the persisted 14:50 margin snapshot so the first
// check after a restart still has something to compare against. Missing or
// unreadable files start an empty baseline.
func loadMarginBaseline(path string, log zerolog.Logger) map[domain.Market]domain.AccountSnapshot {
	out := make(map[domain.Market]domain.AccountSnapshot)
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Margin baseline unreadable, starting fresh")
		return make(map[domain.Market]domain.AccountSnapshot)
	}
	return out
}

// saveMarginBaseline mirrors the baseline to disk. Caller holds the margin
// lock.
func saveMarginBaseline(path string, baseline map[domain.Market]domain.AccountSnapshot, log zerolog.Logger) {
	data, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to persist margin baseline")
	}
}
