package pricing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrUnknownModel is returned when no pricing entry matches a (provider, model) pair.
var ErrUnknownModel = errors.New("pricing: unknown model")

// Table is a versioned (provider, model) price lookup.
//
// The read path is an immutable in-memory snapshot behind an atomic pointer;
// pricing updates publish a whole new snapshot, so request-time lookups never
// take a lock and never see a partially updated table.
type Table struct {
	db       *gorm.DB
	fallback models.PricingEntry
	snapshot atomic.Value // stores tableSnapshot
}

// tableSnapshot maps "provider/model" to entries sorted by EffectiveFrom descending.
type tableSnapshot struct {
	entries map[string][]models.PricingEntry
	loaded  time.Time
}

// NewTable constructs a pricing table with an explicit fallback rate.
//
// The fallback is what unknown models are priced at; it must carry non-zero
// prices because silently charging zero is a correctness bug, not a default.
func NewTable(db *gorm.DB, fallback models.PricingEntry) *Table {
	t := &Table{db: db, fallback: fallback}
	t.snapshot.Store(tableSnapshot{entries: map[string][]models.PricingEntry{}})
	return t
}

// Refresh reloads all pricing entries from the database and swaps the snapshot.
func (t *Table) Refresh(ctx context.Context) error {
	if t == nil || t.db == nil {
		return errors.New("pricing: nil table")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.PricingEntry
	if errFind := t.db.WithContext(ctx).
		Order("provider ASC, model ASC, effective_from DESC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	entries := make(map[string][]models.PricingEntry, len(rows))
	for _, row := range rows {
		key := entryKey(row.Provider, row.Model)
		entries[key] = append(entries[key], row)
	}
	for key := range entries {
		versions := entries[key]
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].EffectiveFrom.After(versions[j].EffectiveFrom)
		})
		entries[key] = versions
	}

	t.snapshot.Store(tableSnapshot{entries: entries, loaded: time.Now().UTC()})
	return nil
}

// Lookup returns the entry whose EffectiveFrom is the latest one <= at.
func (t *Table) Lookup(provider, model string, at time.Time) (*models.PricingEntry, error) {
	if t == nil {
		return nil, ErrUnknownModel
	}
	snap, ok := t.snapshot.Load().(tableSnapshot)
	if !ok {
		return nil, ErrUnknownModel
	}
	versions := snap.entries[entryKey(provider, model)]
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for i := range versions {
		if !versions[i].EffectiveFrom.After(at) {
			entry := versions[i]
			return &entry, nil
		}
	}
	return nil, ErrUnknownModel
}

// Fallback returns the configured default rate for unknown models.
func (t *Table) Fallback() models.PricingEntry {
	if t == nil {
		return models.PricingEntry{}
	}
	return t.fallback
}

// StartRefreshLoop launches a background loop that periodically reloads the snapshot.
func (t *Table) StartRefreshLoop(ctx context.Context) {
	if t == nil || t.db == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go t.run(ctx)
	log.Info("pricing refresh loop started")
}

func (t *Table) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if errRefresh := t.Refresh(ctx); errRefresh != nil {
			log.WithError(errRefresh).Warn("pricing refresh failed")
		}
		seconds := settings.IntValue(settings.PricingRefreshIntervalSecondsKey, settings.DefaultPricingRefreshIntervalSeconds)
		if seconds <= 0 {
			seconds = settings.DefaultPricingRefreshIntervalSeconds
		}
		timer := time.NewTimer(time.Duration(seconds) * time.Second)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// entryKey normalizes a (provider, model) pair into a snapshot key.
func entryKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.TrimSpace(model)
}
