package pricing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/metergate/metergate/internal/models"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// seedFile is the YAML price book layout.
type seedFile struct {
	Entries []seedEntry `yaml:"entries"`
}

type seedEntry struct {
	Provider          string    `yaml:"provider"`
	Model             string    `yaml:"model"`
	InputPriceMicros  int64     `yaml:"input-price-micros"`
	OutputPriceMicros int64     `yaml:"output-price-micros"`
	Currency          string    `yaml:"currency"`
	EffectiveFrom     time.Time `yaml:"effective-from"`
}

// SeedFromYAML loads a YAML price book into pricing_entries.
//
// Seeding is idempotent: rows are keyed by (provider, model, effective_from)
// and existing versions are left untouched, preserving immutability.
func SeedFromYAML(ctx context.Context, db *gorm.DB, path string) (int, error) {
	if db == nil {
		return 0, errors.New("pricing: nil db")
	}
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("pricing: empty seed path")
	}

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return 0, fmt.Errorf("pricing: read seed %s: %w", path, errRead)
	}
	var file seedFile
	if errUnmarshal := yaml.Unmarshal(data, &file); errUnmarshal != nil {
		return 0, fmt.Errorf("pricing: parse seed %s: %w", path, errUnmarshal)
	}

	inserted := 0
	for _, entry := range file.Entries {
		provider := strings.ToLower(strings.TrimSpace(entry.Provider))
		model := strings.TrimSpace(entry.Model)
		if provider == "" || model == "" {
			log.Warnf("pricing seed: skipping entry with empty provider/model (provider=%q model=%q)", entry.Provider, entry.Model)
			continue
		}
		if entry.InputPriceMicros < 0 || entry.OutputPriceMicros < 0 {
			log.Warnf("pricing seed: skipping %s/%s with negative price", provider, model)
			continue
		}
		currency := strings.TrimSpace(entry.Currency)
		if currency == "" {
			currency = "USD"
		}
		effectiveFrom := entry.EffectiveFrom.UTC()
		if effectiveFrom.IsZero() {
			effectiveFrom = time.Now().UTC()
		}

		row := models.PricingEntry{
			Provider:          provider,
			Model:             model,
			InputPriceMicros:  entry.InputPriceMicros,
			OutputPriceMicros: entry.OutputPriceMicros,
			Currency:          currency,
			EffectiveFrom:     effectiveFrom,
		}
		res := db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}, {Name: "effective_from"}},
				DoNothing: true,
			}).
			Create(&row)
		if res.Error != nil {
			return inserted, fmt.Errorf("pricing: seed %s/%s: %w", provider, model, res.Error)
		}
		if res.RowsAffected > 0 {
			inserted++
		}
	}

	log.Infof("pricing seed: %d new entries from %s", inserted, path)
	return inserted, nil
}
