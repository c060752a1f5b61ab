// Package config loads the money core daemon's runtime configuration. The
// environment is the source of truth; an optional TOML file supplies the
// slow-moving operational knobs and is overridden field by field by env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the money core daemon.
type Config struct {
	Port        string `toml:"Port"`
	DatabaseURL string `toml:"-"`
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`
	LogLevel    string `toml:"LogLevel"`
	LogFile     string `toml:"LogFile"`

	StripeSecretKey     string `toml:"-"`
	StripeWebhookSecret string `toml:"-"`
	StripeMode          string `toml:"StripeMode"`
	StrictLivemode      bool   `toml:"StrictLivemode"`
	PayoutsEnabled      bool   `toml:"PayoutsEnabled"`

	JWTSecret string `toml:"-"`

	RecoveryStuckTimeout         time.Duration `toml:"-"`
	NegativeOutcomeRateThreshold float64       `toml:"NegativeOutcomeRateThreshold"`

	WebhookRateLimitPerMinute float64 `toml:"WebhookRateLimitPerMinute"`
	AdminRateLimitPerMinute   float64 `toml:"AdminRateLimitPerMinute"`

	TrustPolicyFile string `toml:"TrustPolicyFile"`
	ExportDir       string `toml:"ExportDir"`
	ExportRunHour   int    `toml:"ExportRunHour"`

	OTLPEndpoint  string `toml:"OTLPEndpoint"`
	AlertPagerURL string `toml:"AlertPagerURL"`
	AlertChatURL  string `toml:"AlertChatURL"`
}

func defaults() *Config {
	return &Config{
		Port:                         "8080",
		DataDir:                      "./hustlexp-data",
		Environment:                  "dev",
		LogLevel:                     "info",
		StripeMode:                   "test",
		PayoutsEnabled:               true,
		RecoveryStuckTimeout:         10 * time.Minute,
		NegativeOutcomeRateThreshold: 0.25,
		WebhookRateLimitPerMinute:    600,
		AdminRateLimitPerMinute:      120,
		ExportRunHour:                1,
	}
}

// Load builds the configuration: defaults, then the optional TOML file at
// path, then environment overrides, then validation. An empty path skips the
// file stage entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		for _, undecoded := range meta.Undecoded() {
			return nil, fmt.Errorf("config: unknown field %s in %s", undecoded.String(), path)
		}
	}
	cfg.applyEnv()
	if cfg.ExportDir == "" {
		cfg.ExportDir = filepath.Join(cfg.DataDir, "exports")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads configuration from the environment only, honoring
// HUSTLEXP_CONFIG as the optional TOML file path.
func FromEnv() (*Config, error) {
	return Load(strings.TrimSpace(os.Getenv("HUSTLEXP_CONFIG")))
}

func (c *Config) applyEnv() {
	c.Port = getEnvDefault("PORT", c.Port)
	c.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	c.DataDir = getEnvDefault("DATA_DIR", c.DataDir)
	c.Environment = getEnvDefault("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnvDefault("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnvDefault("LOG_FILE", c.LogFile)

	c.StripeSecretKey = strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY"))
	c.StripeWebhookSecret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	c.StripeMode = getEnvDefault("STRIPE_MODE", c.StripeMode)
	c.StrictLivemode = parseBoolEnv("STRICT_LIVEMODE", c.StrictLivemode)
	c.PayoutsEnabled = parseBoolEnv("PAYOUTS_ENABLED", c.PayoutsEnabled)

	c.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))

	if minutes := parseIntEnv("RECOVERY_STUCK_TIMEOUT_MINUTES", 0); minutes > 0 {
		c.RecoveryStuckTimeout = time.Duration(minutes) * time.Minute
	}
	c.NegativeOutcomeRateThreshold = parseFloatEnv("NEGATIVE_OUTCOME_RATE_THRESHOLD", c.NegativeOutcomeRateThreshold)

	c.WebhookRateLimitPerMinute = parseFloatEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE", c.WebhookRateLimitPerMinute)
	c.AdminRateLimitPerMinute = parseFloatEnv("ADMIN_RATE_LIMIT_PER_MINUTE", c.AdminRateLimitPerMinute)

	c.TrustPolicyFile = getEnvDefault("TRUST_POLICY_FILE", c.TrustPolicyFile)
	c.ExportDir = getEnvDefault("EXPORT_DIR", c.ExportDir)
	c.ExportRunHour = parseIntEnv("EXPORT_RUN_HOUR", c.ExportRunHour)

	c.OTLPEndpoint = getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.AlertPagerURL = getEnvDefault("ALERT_PAGER_URL", c.AlertPagerURL)
	c.AlertChatURL = getEnvDefault("ALERT_CHAT_URL", c.AlertChatURL)
}

// Validate rejects configurations the daemon must not start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.StripeSecretKey == "" {
		return fmt.Errorf("config: STRIPE_SECRET_KEY is required")
	}
	if c.StripeMode != "test" && c.StripeMode != "live" {
		return fmt.Errorf("config: STRIPE_MODE must be test or live, got %q", c.StripeMode)
	}
	if c.StripeMode == "live" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("config: STRIPE_WEBHOOK_SECRET is required in live mode")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("config: invalid PORT %q", c.Port)
	}
	if c.RecoveryStuckTimeout <= 0 {
		return fmt.Errorf("config: recovery stuck timeout must be positive")
	}
	if c.NegativeOutcomeRateThreshold <= 0 || c.NegativeOutcomeRateThreshold > 1 {
		return fmt.Errorf("config: NEGATIVE_OUTCOME_RATE_THRESHOLD must be in (0, 1], got %v",
			c.NegativeOutcomeRateThreshold)
	}
	if c.ExportRunHour < 0 || c.ExportRunHour > 23 {
		return fmt.Errorf("config: ExportRunHour must be an hour of day, got %d", c.ExportRunHour)
	}
	return nil
}

// Livemode reports whether the daemon talks to the live provider environment.
func (c *Config) Livemode() bool { return c.StripeMode == "live" }

func getEnvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseFloatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
