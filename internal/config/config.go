// SPDX-License-Identifier: MIT

// Package config loads daemon configuration: compiled defaults,
// overlaid by an optional YAML file, overlaid by NIGHTWATCH_* variables
// for deployment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nightwatch-systems/nightwatch/internal/log"
)

// Config is the full daemon configuration.
type Config struct {
	RedisURL   string `yaml:"redis_url"`
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	Workers int `yaml:"workers"`
	NumGPUs int `yaml:"num_gpus"`

	// Per-minute deep-session allowances per tier.
	StandardPerMinute   int `yaml:"standard_per_minute"`
	PremiumPerMinute    int `yaml:"premium_per_minute"`
	EnterprisePerMinute int `yaml:"enterprise_per_minute"`

	TopKLimit             int           `yaml:"top_k_limit"`
	MaxBatchSize          int           `yaml:"max_batch_size"`
	ProcessingTimeout     time.Duration `yaml:"processing_timeout"`
	ScheduleInterval      time.Duration `yaml:"schedule_interval"`
	AutothrottleThreshold int           `yaml:"autothrottle_threshold"`
	ThrottleReduction     float64       `yaml:"throttle_reduction"`

	MaxPerHome   int           `yaml:"max_per_home"`
	CandidateTTL time.Duration `yaml:"candidate_ttl"`

	BatchSize int           `yaml:"batch_size"`
	BatchWait time.Duration `yaml:"batch_wait"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		RedisURL:            "redis://localhost:6379/0",
		ListenAddr:          ":8080",
		LogLevel:            "info",
		Workers:             4,
		NumGPUs:             1,
		StandardPerMinute:   2,
		PremiumPerMinute:    7,
		EnterprisePerMinute: 32,
		TopKLimit:           50,
		MaxBatchSize:        10,
		ProcessingTimeout:   5 * time.Minute,
		ScheduleInterval:    30 * time.Second,
		ThrottleReduction:   0.40,
		MaxPerHome:          2000,
		CandidateTTL:        24 * time.Hour,
		BatchSize:           5,
		BatchWait:           10 * time.Second,
	}
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("config: redis_url is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.StandardPerMinute <= 0 || c.PremiumPerMinute <= 0 || c.EnterprisePerMinute <= 0 {
		return fmt.Errorf("config: tier allowances must be positive")
	}
	if c.ThrottleReduction <= 0 || c.ThrottleReduction >= 1 {
		return fmt.Errorf("config: throttle_reduction must be in (0,1), got %g", c.ThrottleReduction)
	}
	if c.ProcessingTimeout <= 0 || c.ScheduleInterval <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr("NIGHTWATCH_REDIS_URL", &c.RedisURL)
	envStr("NIGHTWATCH_LISTEN_ADDR", &c.ListenAddr)
	envStr("NIGHTWATCH_LOG_LEVEL", &c.LogLevel)
	envInt("NIGHTWATCH_WORKERS", &c.Workers)
	envInt("NIGHTWATCH_NUM_GPUS", &c.NumGPUs)
	envInt("NIGHTWATCH_STANDARD_PER_MINUTE", &c.StandardPerMinute)
	envInt("NIGHTWATCH_PREMIUM_PER_MINUTE", &c.PremiumPerMinute)
	envInt("NIGHTWATCH_ENTERPRISE_PER_MINUTE", &c.EnterprisePerMinute)
	envInt("NIGHTWATCH_TOP_K_LIMIT", &c.TopKLimit)
	envInt("NIGHTWATCH_MAX_BATCH_SIZE", &c.MaxBatchSize)
	envDuration("NIGHTWATCH_PROCESSING_TIMEOUT", &c.ProcessingTimeout)
	envDuration("NIGHTWATCH_SCHEDULE_INTERVAL", &c.ScheduleInterval)
	envInt("NIGHTWATCH_AUTOTHROTTLE_THRESHOLD", &c.AutothrottleThreshold)
	envFloat("NIGHTWATCH_THROTTLE_REDUCTION", &c.ThrottleReduction)
	envInt("NIGHTWATCH_MAX_PER_HOME", &c.MaxPerHome)
	envDuration("NIGHTWATCH_CANDIDATE_TTL", &c.CandidateTTL)
	envInt("NIGHTWATCH_BATCH_SIZE", &c.BatchSize)
	envDuration("NIGHTWATCH_BATCH_WAIT", &c.BatchWait)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l := log.Base()
		l.Warn().Str("var", key).Str("value", v).Msg("ignoring non-integer override")
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l := log.Base()
		l.Warn().Str("var", key).Str("value", v).Msg("ignoring non-numeric override")
		return
	}
	*dst = f
}

func envDuration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l := log.Base()
		l.Warn().Str("var", key).Str("value", v).Msg("ignoring unparseable duration override")
		return
	}
	*dst = d
}
