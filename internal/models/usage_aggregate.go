package models

import "time"

// Bucket granularities for usage aggregation.
const (
	// BucketDay aggregates usage per UTC calendar day.
	BucketDay = "day"
	// BucketMonth aggregates usage per UTC calendar month.
	BucketMonth = "month"
)

// UsageAggregate accumulates usage per (tenant, provider, model, bucket).
//
// One row exists per pricing version active inside the bucket; readers sum
// rows sharing a bucket key and expose the per-version split as a breakdown.
// Counters are only ever changed through atomic additive updates, so
// concurrent increments commute and readers never observe a torn row.
type UsageAggregate struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TenantID string `gorm:"type:varchar(255);not null;uniqueIndex:idx_aggregate_key"` // Tenant boundary.
	Provider string `gorm:"type:varchar(255);not null;uniqueIndex:idx_aggregate_key"` // Provider name, lowercased.
	Model    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_aggregate_key"` // Model name.

	BucketGranularity string    `gorm:"type:varchar(8);not null;uniqueIndex:idx_aggregate_key"` // BucketDay or BucketMonth.
	BucketStart       time.Time `gorm:"not null;index;uniqueIndex:idx_aggregate_key"`           // Bucket start in UTC.

	PricingEntryID uint64 `gorm:"not null;default:0;uniqueIndex:idx_aggregate_key"` // Pricing version; 0 for unpriced events.

	TotalInputTokens  int64 `gorm:"not null;default:0"` // Summed input tokens.
	TotalOutputTokens int64 `gorm:"not null;default:0"` // Summed output tokens.
	CostMicros        int64 `gorm:"not null;default:0"` // Summed cost in micros.
	EventCount        int64 `gorm:"not null;default:0"` // Number of events folded in.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last increment timestamp.
}

// TableName overrides the default table name.
func (UsageAggregate) TableName() string {
	return "usage_aggregates"
}
