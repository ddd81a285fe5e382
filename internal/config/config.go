// Package config loads the engine's single validated configuration object
// from environment variables and an optional YAML file, in that precedence
// order (env > file > default), following the teacher's
// infrastructure/config env-helper style (GetEnv/GetEnvInt/GetEnvBool/
// ParseEnvDuration) generalized from Marble-secret-aware service config to
// a plain env+YAML loader — this module runs as a standalone gateway
// process, not inside a TEE enclave, so the Marble secret store has no
// component to serve here (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes one configured oracle source.
type SourceConfig struct {
	ID                 string  `yaml:"id"`
	URL                string  `yaml:"url"`
	Weight             float64 `yaml:"weight"`
	DeclaredReliability float64 `yaml:"declared_reliability"`
	PerSourceTimeoutMS int     `yaml:"per_source_timeout_ms"`
}

// Config is the single validated configuration object consumed at startup,
// per §6.4.
type Config struct {
	MaxTotalMS           int                `yaml:"max_total_ms"`
	LocalTargetMS        int                `yaml:"local_target_ms"`
	CacheCapacity        int                `yaml:"cache_capacity"`
	ResultTTLMS          int                `yaml:"result_ttl_ms"`
	QuoteTTLMS           int                `yaml:"quote_ttl_ms"`
	MinSources           int                `yaml:"min_sources"`
	StalenessLimitMS     int                `yaml:"staleness_limit_ms"`
	DevNormal            float64            `yaml:"dev_normal"`
	DevWarn              float64            `yaml:"dev_warn"`
	DevManip             float64            `yaml:"dev_manip"`
	PerformanceThreshold float64            `yaml:"performance_threshold"`
	PositionCap          float64            `yaml:"position_cap"`
	ComplianceRequired   []string           `yaml:"compliance_required"`
	Sources              []SourceConfig     `yaml:"sources"`
	MaxInflightRequests  int                `yaml:"max_inflight_requests"`
	LogLevel             string             `yaml:"log_level"`
	LogFormat            string             `yaml:"log_format"`
	AttestationSecret    string             `yaml:"-"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxTotalMS:           50,
		LocalTargetMS:        10,
		CacheCapacity:        10000,
		ResultTTLMS:          300000,
		MinSources:           2,
		StalenessLimitMS:     60000,
		DevNormal:            0.005,
		DevWarn:              0.02,
		DevManip:             0.10,
		PerformanceThreshold: 0.05,
		PositionCap:          10000,
		MaxInflightRequests:  1024,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load builds a Config by starting from Default, overlaying path (when
// non-empty) as YAML, then overlaying environment variables. Environment
// variables win over the file, which wins over the default.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.MaxTotalMS = GetEnvInt("TW_MAX_TOTAL_MS", cfg.MaxTotalMS)
	cfg.LocalTargetMS = GetEnvInt("TW_LOCAL_TARGET_MS", cfg.LocalTargetMS)
	cfg.CacheCapacity = GetEnvInt("TW_CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.ResultTTLMS = GetEnvInt("TW_RESULT_TTL_MS", cfg.ResultTTLMS)
	cfg.QuoteTTLMS = GetEnvInt("TW_QUOTE_TTL_MS", cfg.QuoteTTLMS)
	cfg.MinSources = GetEnvInt("TW_MIN_SOURCES", cfg.MinSources)
	cfg.StalenessLimitMS = GetEnvInt("TW_STALENESS_LIMIT_MS", cfg.StalenessLimitMS)
	cfg.MaxInflightRequests = GetEnvInt("TW_MAX_INFLIGHT_REQUESTS", cfg.MaxInflightRequests)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.AttestationSecret = GetEnv("TW_ATTESTATION_SECRET", cfg.AttestationSecret)

	if v, ok := ParseEnvFloat("TW_DEV_NORMAL"); ok {
		cfg.DevNormal = v
	}
	if v, ok := ParseEnvFloat("TW_DEV_WARN"); ok {
		cfg.DevWarn = v
	}
	if v, ok := ParseEnvFloat("TW_DEV_MANIP"); ok {
		cfg.DevManip = v
	}
	if v, ok := ParseEnvFloat("TW_PERFORMANCE_THRESHOLD"); ok {
		cfg.PerformanceThreshold = v
	}
	if v, ok := ParseEnvFloat("TW_POSITION_CAP"); ok {
		cfg.PositionCap = v
	}
	if raw := GetEnv("TW_COMPLIANCE_REQUIRED", ""); raw != "" {
		cfg.ComplianceRequired = SplitAndTrimCSV(raw)
	}
}

// Validate rejects configurations that would put the engine in an
// inconsistent state. Invalid values abort startup, per §6.4.
func (c Config) Validate() error {
	if c.MaxTotalMS <= 0 {
		return fmt.Errorf("max_total_ms must be positive, got %d", c.MaxTotalMS)
	}
	if c.LocalTargetMS <= 0 || c.LocalTargetMS > c.MaxTotalMS {
		return fmt.Errorf("local_target_ms must be in (0, max_total_ms], got %d", c.LocalTargetMS)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive, got %d", c.CacheCapacity)
	}
	if c.MinSources <= 0 {
		return fmt.Errorf("min_sources must be positive, got %d", c.MinSources)
	}
	if c.StalenessLimitMS <= 0 {
		return fmt.Errorf("staleness_limit_ms must be positive, got %d", c.StalenessLimitMS)
	}
	if !(0 < c.DevNormal && c.DevNormal < c.DevWarn && c.DevWarn < c.DevManip) {
		return fmt.Errorf("deviation thresholds must satisfy 0 < dev_normal < dev_warn < dev_manip, got (%f, %f, %f)", c.DevNormal, c.DevWarn, c.DevManip)
	}
	if c.PerformanceThreshold <= 0 {
		return fmt.Errorf("performance_threshold must be positive, got %f", c.PerformanceThreshold)
	}
	if c.PositionCap <= 0 {
		return fmt.Errorf("position_cap must be positive, got %f", c.PositionCap)
	}
	if c.MaxInflightRequests <= 0 {
		return fmt.Errorf("max_inflight_requests must be positive, got %d", c.MaxInflightRequests)
	}
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source entry missing id")
		}
		if s.Weight <= 0 || s.Weight > 1 {
			return fmt.Errorf("source %s weight must be in (0,1], got %f", s.ID, s.Weight)
		}
	}
	return nil
}

// GetEnv retrieves an environment variable with a default fallback.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable with a default
// fallback.
func GetEnvInt(key string, defaultValue int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetEnvBool retrieves a boolean environment variable. Accepts "true",
// "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return defaultValue
	}
	switch raw {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return defaultValue
	}
}

// ParseEnvFloat parses a float environment variable, reporting whether it
// was set and valid.
func ParseEnvFloat(key string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseEnvDuration parses a duration environment variable, reporting
// whether it was set and valid.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

// SplitAndTrimCSV splits a comma-separated value into trimmed, non-empty
// entries.
func SplitAndTrimCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
