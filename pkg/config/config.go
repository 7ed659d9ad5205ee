// Package config provides configuration structures, loading logic and the
// hot-reloading rule source for the enforcement gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Rules     RulesConfig     `yaml:"rules"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Limits    LimitsConfig    `yaml:"limits"`
	Escalate  EscalateConfig  `yaml:"escalation"`
	Workers   WorkersConfig   `yaml:"workers"`
	Model     ModelConfig     `yaml:"model"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// RedisConfig holds connection settings for the shared store and streams.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RulesConfig points at the guardian rule source file.
type RulesConfig struct {
	File          string        `yaml:"file"`
	CacheCapacity int           `yaml:"cache_capacity"`
	QuickBudget   time.Duration `yaml:"quick_budget"`
}

// PrivacyConfig selects the compliance preset and the ASK handling policy.
type PrivacyConfig struct {
	Preset      string        `yaml:"preset"`
	AskPolicy   string        `yaml:"ask_policy"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	ContextTTL  time.Duration `yaml:"context_ttl"`
	MaskDefault string        `yaml:"mask_default"`
}

// TierLimit declares the token bucket shape for one trust tier.
type TierLimit struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// LimitsConfig holds the per-tier rate limits and risk policy knobs.
type LimitsConfig struct {
	Tiers          map[domain.TrustTier]TierLimit `yaml:"tiers"`
	BucketTTL      time.Duration                  `yaml:"bucket_ttl"`
	RiskHalfLife   time.Duration                  `yaml:"risk_half_life"`
	RiskWeight     float64                        `yaml:"risk_weight"`
	RiskBumpOnFail float64                        `yaml:"risk_bump_on_fail"`
	IPBackoffBase  time.Duration                  `yaml:"ip_backoff_base"`
	IPBackoffMax   time.Duration                  `yaml:"ip_backoff_max"`
}

// EscalateConfig controls the suspension state machine.
type EscalateConfig struct {
	ViolationWindow    time.Duration `yaml:"violation_window"`
	SuspensionDuration time.Duration `yaml:"suspension_duration"`
	DefaultThreshold   int           `yaml:"default_threshold"`
}

// WorkersConfig controls stream consumption and the model call budget.
type WorkersConfig struct {
	Group             string        `yaml:"group"`
	Consumers         int           `yaml:"consumers"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	DeliveryCap       int64         `yaml:"delivery_cap"`
	InvokeTimeout     time.Duration `yaml:"invoke_timeout"`
	PostCheckTimeout  time.Duration `yaml:"post_check_timeout"`
}

// ModelConfig points at the upstream inference endpoint the workers call.
type ModelConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"auth_token"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	SecurityQueue int    `yaml:"security_queue"`
}

// Load reads configuration from a file and applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the baseline configuration used when fields are omitted.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  ":8094",
			MetricsAddress: ":19094",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Rules: RulesConfig{
			File:          "rules.yaml",
			CacheCapacity: 4096,
			QuickBudget:   50 * time.Millisecond,
		},
		Privacy: PrivacyConfig{
			Preset:      "BALANCED",
			AskPolicy:   "block",
			PoolSize:    8,
			CacheTTL:    5 * time.Minute,
			ContextTTL:  30 * time.Minute,
			MaskDefault: "redact",
		},
		Limits: LimitsConfig{
			Tiers: map[domain.TrustTier]TierLimit{
				domain.TierAnon:       {Capacity: 5, RefillPerSec: 0.5},
				domain.TierUser:       {Capacity: 20, RefillPerSec: 2},
				domain.TierVerified:   {Capacity: 60, RefillPerSec: 6},
				domain.TierPrivileged: {Capacity: 240, RefillPerSec: 24},
			},
			BucketTTL:      10 * time.Minute,
			RiskHalfLife:   15 * time.Minute,
			RiskWeight:     0.5,
			RiskBumpOnFail: 1.0,
			IPBackoffBase:  250 * time.Millisecond,
			IPBackoffMax:   30 * time.Second,
		},
		Escalate: EscalateConfig{
			ViolationWindow:    time.Hour,
			SuspensionDuration: 24 * time.Hour,
			DefaultThreshold:   5,
		},
		Workers: WorkersConfig{
			Group:             "aegis-workers",
			Consumers:         4,
			VisibilityTimeout: 30 * time.Second,
			DeliveryCap:       5,
			InvokeTimeout:     60 * time.Second,
			PostCheckTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:         "info",
			SecurityQueue: 1024,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("AEGIS_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("AEGIS_METRICS_ADDR"); val != "" {
		cfg.Server.MetricsAddress = val
	}
	if val := os.Getenv("AEGIS_REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("AEGIS_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("AEGIS_RULES_FILE"); val != "" {
		cfg.Rules.File = val
	}
	if val := os.Getenv("AEGIS_MODEL_ENDPOINT"); val != "" {
		cfg.Model.Endpoint = val
	}
	if val := os.Getenv("AEGIS_MODEL_TOKEN"); val != "" {
		cfg.Model.AuthToken = val
	}
	if val := os.Getenv("AEGIS_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("AEGIS_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("AEGIS_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks configuration invariants that would otherwise surface as
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Rules.CacheCapacity < 0 {
		return fmt.Errorf("rules.cache_capacity must not be negative")
	}
	for tier, limit := range c.Limits.Tiers {
		if limit.Capacity <= 0 {
			return fmt.Errorf("limits.tiers[%s].capacity must be positive", tier)
		}
		if limit.RefillPerSec <= 0 {
			return fmt.Errorf("limits.tiers[%s].refill_per_sec must be positive", tier)
		}
	}
	if c.Workers.DeliveryCap <= 0 {
		return fmt.Errorf("workers.delivery_cap must be positive")
	}
	if c.Workers.Consumers <= 0 {
		return fmt.Errorf("workers.consumers must be positive")
	}
	switch c.Privacy.AskPolicy {
	case "block", "log":
	default:
		return fmt.Errorf("privacy.ask_policy must be %q or %q", "block", "log")
	}
	return nil
}
