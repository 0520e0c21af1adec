// Package config loads and validates agent config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vincentbai/heroes-agent/internal/backoff"
	"github.com/vincentbai/heroes-agent/internal/batch"
	"github.com/vincentbai/heroes-agent/internal/coordinator"
)

// EnvPrefix is prepended to every environment variable, e.g. HEROES_INGEST_URL.
const EnvPrefix = "HEROES"

// Config holds agent configuration loaded from the environment.
type Config struct {
	// ListenAddr is the local intake API address; loopback by default.
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	// DataDir holds events.db; empty means the per-OS application directory.
	DataDir string `mapstructure:"DATA_DIR"`
	// IngestURL is the HTTPS endpoint batches are posted to.
	IngestURL string `mapstructure:"INGEST_URL"`

	BatchMaxEvents int           `mapstructure:"BATCH_MAX_EVENTS"`
	BatchMinEvents int           `mapstructure:"BATCH_MIN_EVENTS"`
	BatchMaxAge    time.Duration `mapstructure:"BATCH_MAX_AGE"`

	SyncInterval    time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncMaxAttempts int           `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SendTimeout     time.Duration `mapstructure:"SEND_TIMEOUT"`

	BackoffInitial    time.Duration `mapstructure:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `mapstructure:"BACKOFF_MAX"`
	BackoffMultiplier float64       `mapstructure:"BACKOFF_MULTIPLIER"`
	BackoffJitter     float64       `mapstructure:"BACKOFF_JITTER"`

	AllowMetered      bool `mapstructure:"ALLOW_METERED"`
	AllowLowBattery   bool `mapstructure:"ALLOW_LOW_BATTERY"`
	LowBatteryPercent int  `mapstructure:"LOW_BATTERY_PERCENT"`

	// StorageCapacity caps unsent events on disk; 0 disables the cap.
	StorageCapacity int `mapstructure:"STORAGE_CAPACITY"`
	// Retention is how long sent batches are kept before purge.
	Retention time.Duration `mapstructure:"RETENTION"`

	// Comma-separated lists.
	ExtraEventTypes string `mapstructure:"EXTRA_EVENT_TYPES"`
	RedactFields    string `mapstructure:"REDACT_FIELDS"`
	AllowFields     string `mapstructure:"ALLOW_FIELDS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path.
func LoadFile(envFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing file

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", "127.0.0.1:8765")
	v.SetDefault("DATA_DIR", "")
	v.SetDefault("INGEST_URL", "")
	v.SetDefault("BATCH_MAX_EVENTS", 50)
	v.SetDefault("BATCH_MIN_EVENTS", 10)
	v.SetDefault("BATCH_MAX_AGE", "15m")
	v.SetDefault("SYNC_INTERVAL", "5m")
	v.SetDefault("SYNC_MAX_ATTEMPTS", 5)
	v.SetDefault("SEND_TIMEOUT", "30s")
	v.SetDefault("BACKOFF_INITIAL", "30s")
	v.SetDefault("BACKOFF_MAX", "30m")
	v.SetDefault("BACKOFF_MULTIPLIER", 2.0)
	v.SetDefault("BACKOFF_JITTER", 0.2)
	v.SetDefault("ALLOW_METERED", false)
	v.SetDefault("ALLOW_LOW_BATTERY", false)
	v.SetDefault("LOW_BATTERY_PERCENT", 15)
	v.SetDefault("STORAGE_CAPACITY", 100000)
	v.SetDefault("RETENTION", "168h")
	v.SetDefault("EXTRA_EVENT_TYPES", "")
	v.SetDefault("REDACT_FIELDS", "")
	v.SetDefault("ALLOW_FIELDS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: LISTEN_ADDR must be set")
	}
	if c.IngestURL == "" {
		return errors.New("config: INGEST_URL must be set")
	}
	u, err := url.Parse(c.IngestURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("config: INGEST_URL %q is not an http(s) URL", c.IngestURL)
	}
	if c.BatchMaxEvents <= 0 {
		return errors.New("config: BATCH_MAX_EVENTS must be positive")
	}
	if c.BatchMinEvents < 0 || c.BatchMinEvents > c.BatchMaxEvents {
		return errors.New("config: BATCH_MIN_EVENTS must be between 0 and BATCH_MAX_EVENTS")
	}
	if c.BatchMaxAge < 0 {
		return errors.New("config: BATCH_MAX_AGE must not be negative")
	}
	if c.SyncInterval <= 0 {
		return errors.New("config: SYNC_INTERVAL must be positive")
	}
	if c.SyncMaxAttempts <= 0 {
		return errors.New("config: SYNC_MAX_ATTEMPTS must be positive")
	}
	if c.SendTimeout <= 0 {
		return errors.New("config: SEND_TIMEOUT must be positive")
	}
	if err := c.BackoffPolicy().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LowBatteryPercent < 0 || c.LowBatteryPercent > 100 {
		return errors.New("config: LOW_BATTERY_PERCENT must be between 0 and 100")
	}
	if c.StorageCapacity < 0 {
		return errors.New("config: STORAGE_CAPACITY must not be negative")
	}
	if c.Retention <= 0 {
		return errors.New("config: RETENTION must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: LOG_FORMAT %q must be json or text", c.LogFormat)
	}
	return nil
}

func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		InitialDelay: c.BackoffInitial,
		MaxDelay:     c.BackoffMax,
		Multiplier:   c.BackoffMultiplier,
		JitterFactor: c.BackoffJitter,
	}
}

func (c *Config) Thresholds() batch.Thresholds {
	return batch.Thresholds{
		MaxEvents: c.BatchMaxEvents,
		MaxAge:    c.BatchMaxAge,
		MinEvents: c.BatchMinEvents,
	}
}

func (c *Config) SyncPolicy() coordinator.Policy {
	return coordinator.Policy{
		AllowMetered:      c.AllowMetered,
		AllowLowBattery:   c.AllowLowBattery,
		LowBatteryPercent: c.LowBatteryPercent,
		MaxAttempts:       c.SyncMaxAttempts,
		Interval:          c.SyncInterval,
	}
}

func (c *Config) ExtraEventTypesList() []string { return splitList(c.ExtraEventTypes) }
func (c *Config) RedactFieldsList() []string    { return splitList(c.RedactFields) }
func (c *Config) AllowFieldsList() []string     { return splitList(c.AllowFields) }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
