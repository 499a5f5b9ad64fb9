package models

import "time"

// PricingEntry stores per-token prices for one (provider, model) version.
//
// Entries are immutable once published: a price change inserts a new row with
// a later EffectiveFrom instead of mutating an old one, so historical cost
// recomputation stays reproducible.
type PricingEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key, doubles as the pricing version.

	Provider string `gorm:"type:varchar(255);not null;uniqueIndex:idx_pricing_version"` // Provider name, lowercased.
	Model    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_pricing_version"` // Model name.

	InputPriceMicros  int64 `gorm:"not null;default:0"` // Price in micros per 1,000,000 input tokens.
	OutputPriceMicros int64 `gorm:"not null;default:0"` // Price in micros per 1,000,000 output tokens.

	Currency string `gorm:"type:varchar(8);not null;default:'USD'"` // ISO currency code.

	EffectiveFrom time.Time `gorm:"not null;index;uniqueIndex:idx_pricing_version"` // Version validity start.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (PricingEntry) TableName() string {
	return "pricing_entries"
}
