package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsageEvent records metering data for a single upstream request.
//
// Rows are append-only facts and are never updated after creation. RequestID
// carries a unique index and acts as the natural dedup key: replaying the
// same request id must not double-count.
type UsageEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TenantID string `gorm:"type:varchar(255);not null;index:idx_usage_tenant_time"` // Tenant boundary.
	UserID   string `gorm:"type:varchar(255);index"`                                // Acting user within the tenant.

	Provider string `gorm:"type:varchar(255);not null;index"` // Provider name, lowercased.
	Model    string `gorm:"type:varchar(255);not null;index"` // Model name.

	InputTokens  int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Output token count.

	Estimated bool `gorm:"not null;default:false"` // Token counts were inferred, not read from the provider response.

	PricingEntryID *uint64 `gorm:"index"` // Pricing version used; nil when no entry matched.
	CostMicros     *int64  `gorm:"index"` // Cost in micros; nil when pricing was unavailable.

	RequestID       string `gorm:"type:varchar(255);not null;uniqueIndex"` // Idempotency key.
	SourceOperation string `gorm:"type:varchar(255)"`                      // Caller-supplied operation label.

	ErrorDetail datatypes.JSON `gorm:"type:jsonb"` // Structured detail for events that needed operator attention.

	RequestedAt time.Time `gorm:"not null;index:idx_usage_tenant_time"` // Upstream request timestamp.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`              // Creation timestamp.
}

// TableName overrides the default table name.
func (UsageEvent) TableName() string {
	return "usage_events"
}
