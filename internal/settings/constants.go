package settings

// DB config keys and defaults for runtime settings.
const (
	// UsageRetentionDaysKey controls how long usage events are kept.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"
	// PricingRefreshIntervalSecondsKey controls the pricing snapshot refresh interval.
	PricingRefreshIntervalSecondsKey = "PRICING_REFRESH_INTERVAL_SECONDS"
	// HeartbeatIntervalSecondsKey controls the notification heartbeat interval.
	HeartbeatIntervalSecondsKey = "HEARTBEAT_INTERVAL_SECONDS"
	// ConnectionIdleTimeoutSecondsKey controls live connection eviction.
	ConnectionIdleTimeoutSecondsKey = "CONNECTION_IDLE_TIMEOUT_SECONDS"

	// DefaultUsageRetentionDays is the fallback usage retention window.
	DefaultUsageRetentionDays = 180
	// DefaultPricingRefreshIntervalSeconds is the fallback pricing refresh interval.
	DefaultPricingRefreshIntervalSeconds = 300
	// DefaultHeartbeatIntervalSeconds is the fallback heartbeat interval.
	DefaultHeartbeatIntervalSeconds = 30
	// DefaultConnectionIdleTimeoutSeconds is the fallback idle eviction window.
	DefaultConnectionIdleTimeoutSeconds = 300
)
