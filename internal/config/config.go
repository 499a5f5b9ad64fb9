package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves values unset.
const (
	DefaultListenAddr      = ":8318"
	DefaultUpstreamTimeout = 120 * time.Second
	DefaultEstimateBytes   = 4
	DefaultQueueSize       = 16
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a duration string like "30s" or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if errDecode := value.Decode(&raw); errDecode != nil {
		return fmt.Errorf("config: invalid duration value")
	}
	raw = strings.TrimSpace(raw)
	if seconds, errAtoi := strconv.ParseInt(raw, 10, 64); errAtoi == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, errParse := time.ParseDuration(raw)
	if errParse != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, errParse)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the optional Redis alert-fanout bridge settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// FallbackPricing is the explicit default rate applied when no pricing entry
// matches. Charging zero for unknown models is forbidden, so the fallback is
// always non-zero.
type FallbackPricing struct {
	InputPriceMicros  int64  `yaml:"input-price-micros"`
	OutputPriceMicros int64  `yaml:"output-price-micros"`
	Currency          string `yaml:"currency"`
}

// PricingConfig holds pricing table settings.
type PricingConfig struct {
	SeedFile string          `yaml:"seed-file"`
	Fallback FallbackPricing `yaml:"fallback"`
}

// BudgetConfig holds budget evaluation settings.
type BudgetConfig struct {
	// Thresholds is the percent ladder; the implicit over-limit rung is
	// always appended after 100.
	Thresholds []int `yaml:"thresholds"`
}

// UpstreamConfig describes one upstream AI provider endpoint.
type UpstreamConfig struct {
	BaseURL string `yaml:"base-url"`
	APIKey  string `yaml:"api-key"`
	// Family selects the usage extraction format: openai, anthropic, gemini.
	// Defaults to openai-compatible.
	Family string `yaml:"family"`
	Path   string `yaml:"path"`
}

// ProxyConfig holds metering proxy settings.
type ProxyConfig struct {
	UpstreamTimeout Duration                  `yaml:"upstream-timeout"`
	EstimateBytes   int                       `yaml:"estimate-bytes-per-token"`
	Upstreams       map[string]UpstreamConfig `yaml:"upstreams"`
}

// NotifyConfig holds notification hub settings.
type NotifyConfig struct {
	QueueSize          int `yaml:"queue-size"`
	HeartbeatSeconds   int `yaml:"heartbeat-seconds"`
	IdleTimeoutSeconds int `yaml:"idle-timeout-seconds"`
}

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Budget   BudgetConfig   `yaml:"budget"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// Load reads the YAML config file and applies env overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, errRead)
		}
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database dsn is required")
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables when set.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("METERGATE_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("METERGATE_DB_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("METERGATE_REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("METERGATE_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
}

// applyDefaults fills unset values with package defaults.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if c.Proxy.UpstreamTimeout.Std() <= 0 {
		c.Proxy.UpstreamTimeout = Duration(DefaultUpstreamTimeout)
	}
	if c.Proxy.EstimateBytes <= 0 {
		c.Proxy.EstimateBytes = DefaultEstimateBytes
	}
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = DefaultQueueSize
	}
	if len(c.Budget.Thresholds) == 0 {
		c.Budget.Thresholds = []int{50, 80, 100}
	}
	if strings.TrimSpace(c.Redis.Channel) == "" {
		c.Redis.Channel = "metergate:alerts"
	}
	if strings.TrimSpace(c.Pricing.Fallback.Currency) == "" {
		c.Pricing.Fallback.Currency = "USD"
	}
	if c.Pricing.Fallback.InputPriceMicros <= 0 {
		// $1.00 per million input tokens.
		c.Pricing.Fallback.InputPriceMicros = 1_000_000
	}
	if c.Pricing.Fallback.OutputPriceMicros <= 0 {
		// $2.00 per million output tokens.
		c.Pricing.Fallback.OutputPriceMicros = 2_000_000
	}
}
