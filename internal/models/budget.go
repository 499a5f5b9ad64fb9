package models

import "time"

// Budget periods supported by budget policies.
const (
	// PeriodDaily budgets reset every UTC day.
	PeriodDaily = "daily"
	// PeriodMonthly budgets reset every UTC calendar month.
	PeriodMonthly = "monthly"
)

// BudgetPolicy defines a spend limit for one tenant and period.
//
// At most one enabled policy exists per (tenant, period). Superseding a
// policy does not retroactively change past evaluations.
type BudgetPolicy struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TenantID string `gorm:"type:varchar(255);not null;index:idx_budget_policy_tenant"` // Tenant boundary.
	Period   string `gorm:"type:varchar(8);not null;index:idx_budget_policy_tenant"`   // PeriodDaily or PeriodMonthly.

	LimitMicros int64  `gorm:"not null"`                               // Spend limit in micros.
	Currency    string `gorm:"type:varchar(8);not null;default:'USD'"` // ISO currency code.

	Enforce            bool    `gorm:"not null;default:false"` // Opt-in hard-stop enforcement instead of advisory alerting.
	HardStopMultiplier float64 `gorm:"not null;default:1.0"`   // Consumption above limit*multiplier rejects further calls.

	IsEnabled bool `gorm:"not null;default:true"` // Whether the policy is active.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (BudgetPolicy) TableName() string {
	return "budget_policies"
}

// BudgetState tracks consumption against a policy for one period window.
//
// LastCrossedThreshold is the highest ladder rung already alerted for the
// window; it makes threshold alerts idempotent. Rollover creates a fresh row
// for the new window and keeps the old one for audit.
type BudgetState struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TenantID    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_budget_state_window"` // Tenant boundary.
	Period      string    `gorm:"type:varchar(8);not null;uniqueIndex:idx_budget_state_window"`   // PeriodDaily or PeriodMonthly.
	PeriodStart time.Time `gorm:"not null;uniqueIndex:idx_budget_state_window"`                   // Window start in UTC.

	ConsumedMicros       int64 `gorm:"not null;default:0"` // Spend accumulated inside the window.
	LastCrossedThreshold int   `gorm:"not null;default:0"` // Highest alerted ladder rung (percent), 0 when none.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (BudgetState) TableName() string {
	return "budget_states"
}
