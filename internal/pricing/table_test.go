package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metergate/metergate/internal/db"
	"github.com/metergate/metergate/internal/models"
)

func TestLookupPicksLatestEffectiveVersion(t *testing.T) {
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, entry := range []models.PricingEntry{
		{Provider: "openai", Model: "gpt-4o", InputPriceMicros: 2_500_000, OutputPriceMicros: 10_000_000, Currency: "USD", EffectiveFrom: jan},
		{Provider: "openai", Model: "gpt-4o", InputPriceMicros: 2_000_000, OutputPriceMicros: 8_000_000, Currency: "USD", EffectiveFrom: jun},
	} {
		if errCreate := conn.Create(&entry).Error; errCreate != nil {
			t.Fatalf("create entry: %v", errCreate)
		}
	}

	table := NewTable(conn, models.PricingEntry{InputPriceMicros: 1, OutputPriceMicros: 1, Currency: "USD"})
	if errRefresh := table.Refresh(context.Background()); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}

	march := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	entry, errLookup := table.Lookup("openai", "gpt-4o", march)
	if errLookup != nil {
		t.Fatalf("lookup march: %v", errLookup)
	}
	if entry.InputPriceMicros != 2_500_000 {
		t.Fatalf("march lookup: got input price %d, want January version", entry.InputPriceMicros)
	}

	july := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	entry, errLookup = table.Lookup("OpenAI", "gpt-4o", july)
	if errLookup != nil {
		t.Fatalf("lookup july: %v", errLookup)
	}
	if entry.InputPriceMicros != 2_000_000 {
		t.Fatalf("july lookup: got input price %d, want June version", entry.InputPriceMicros)
	}
}

func TestLookupUnknownModel(t *testing.T) {
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	table := NewTable(conn, models.PricingEntry{InputPriceMicros: 1_000_000, OutputPriceMicros: 2_000_000, Currency: "USD"})
	if errRefresh := table.Refresh(context.Background()); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}

	if _, errLookup := table.Lookup("acme", "x1", time.Now().UTC()); !errors.Is(errLookup, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", errLookup)
	}

	fallback := table.Fallback()
	if fallback.InputPriceMicros == 0 || fallback.OutputPriceMicros == 0 {
		t.Fatal("fallback rate must be non-zero")
	}
}

func TestSeedFromYAMLIsIdempotent(t *testing.T) {
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "prices.yaml")
	content := []byte(`entries:
  - provider: openai
    model: gpt-4o
    input-price-micros: 2500000
    output-price-micros: 10000000
    currency: USD
    effective-from: 2026-01-01T00:00:00Z
  - provider: anthropic
    model: claude-sonnet-4-5
    input-price-micros: 3000000
    output-price-micros: 15000000
    currency: USD
    effective-from: 2026-01-01T00:00:00Z
`)
	if errWrite := os.WriteFile(path, content, 0o600); errWrite != nil {
		t.Fatalf("write seed: %v", errWrite)
	}

	inserted, errSeed := SeedFromYAML(context.Background(), conn, path)
	if errSeed != nil {
		t.Fatalf("seed: %v", errSeed)
	}
	if inserted != 2 {
		t.Fatalf("first seed: inserted %d, want 2", inserted)
	}

	inserted, errSeed = SeedFromYAML(context.Background(), conn, path)
	if errSeed != nil {
		t.Fatalf("second seed: %v", errSeed)
	}
	if inserted != 0 {
		t.Fatalf("second seed: inserted %d, want 0", inserted)
	}

	var count int64
	if errCount := conn.Model(&models.PricingEntry{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 2 {
		t.Fatalf("entries: got %d, want 2", count)
	}
}
