// Package config loads ironsession settings from an optional YAML file and
// IRONSESSION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironsession/offline"
)

// EnvPrefix prefixes every environment override, e.g.
// IRONSESSION_BACKEND_BASE_URL for backend.base_url.
const EnvPrefix = "IRONSESSION"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete client configuration.
type Config struct {
	Backend      BackendConfig      `mapstructure:"backend" yaml:"backend"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Queue        QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

type SessionConfig struct {
	// RefreshSkew is how long before expiry the access token is refreshed.
	// Zero keeps the controller default; a negative value disables proactive
	// refresh.
	RefreshSkew     time.Duration `mapstructure:"refresh_skew" yaml:"refresh_skew"`
	DefaultTokenTTL time.Duration `mapstructure:"default_token_ttl" yaml:"default_token_ttl" validate:"gt=0"`
}

type StorageConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend" validate:"required,oneof=memory bbolt redis"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir" validate:"required_if=Backend bbolt"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url,omitempty" validate:"required_if=Backend redis"`
	// Secret seeds the sealing key. Empty leaves values unsealed.
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`
}

type QueueConfig struct {
	MaxRetries          int               `mapstructure:"max_retries" yaml:"max_retries" validate:"min=1,max=100"`
	BaseDelay           time.Duration     `mapstructure:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxDelay            time.Duration     `mapstructure:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`
	DefaultPolicy       string            `mapstructure:"default_policy" yaml:"default_policy" validate:"oneof=continue halt"`
	FamilyPolicies      map[string]string `mapstructure:"family_policies" yaml:"family_policies,omitempty" validate:"dive,oneof=continue halt"`
	MaintenanceSchedule string            `mapstructure:"maintenance_schedule" yaml:"maintenance_schedule" validate:"required"`
}

type CacheConfig struct {
	Capacity int           `mapstructure:"capacity" yaml:"capacity" validate:"min=1"`
	MaxAge   time.Duration `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
}

type ConnectivityConfig struct {
	// ProbeURL is polled for reachability. Empty means the application sets
	// connectivity itself.
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url,omitempty" validate:"omitempty,url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" validate:"gt=0"`
}

type TelemetryConfig struct {
	LogLevel       string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	SentryDSN      string `mapstructure:"sentry_dsn" yaml:"sentry_dsn,omitempty"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	q := offline.DefaultConfig()
	return Config{
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: 15 * time.Second,
		},
		Session: SessionConfig{
			RefreshSkew:     time.Minute,
			DefaultTokenTTL: 15 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: "bbolt",
			DataDir: defaultDataDir(),
		},
		Queue: QueueConfig{
			MaxRetries:          q.MaxRetries,
			BaseDelay:           q.BaseDelay,
			MaxDelay:            q.MaxDelay,
			DefaultPolicy:       string(q.DefaultPolicy),
			MaintenanceSchedule: offline.DefaultMaintenanceSchedule,
		},
		Cache: CacheConfig{
			Capacity: offline.DefaultCacheCapacity,
			MaxAge:   24 * time.Hour,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ironsession")
	}
	return "./data"
}

// Validate checks c against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// OfflineConfig converts the queue settings.
func (c *Config) OfflineConfig() offline.Config {
	cfg := offline.Config{
		MaxRetries:    c.Queue.MaxRetries,
		BaseDelay:     c.Queue.BaseDelay,
		MaxDelay:      c.Queue.MaxDelay,
		DefaultPolicy: offline.OrderingPolicy(c.Queue.DefaultPolicy),
	}
	if len(c.Queue.FamilyPolicies) > 0 {
		cfg.FamilyPolicies = make(map[string]offline.OrderingPolicy, len(c.Queue.FamilyPolicies))
		for family, p := range c.Queue.FamilyPolicies {
			cfg.FamilyPolicies[family] = offline.OrderingPolicy(p)
		}
	}
	return cfg
}

// LogLevel parses Telemetry.LogLevel, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Telemetry.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// YAML renders c as a config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteFile writes c to path, refusing to overwrite an existing file.
func (c *Config) WriteFile(path string) error {
	data, err := c.YAML()
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}

// LoadDotEnv loads environment variables from the given .env files. Missing
// files are skipped and variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path (optional) plus the environment and validates the result.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return v
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("backend.base_url", d.Backend.BaseURL)
	v.SetDefault("backend.timeout", d.Backend.Timeout)
	v.SetDefault("session.refresh_skew", d.Session.RefreshSkew)
	v.SetDefault("session.default_token_ttl", d.Session.DefaultTokenTTL)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.redis_url", d.Storage.RedisURL)
	v.SetDefault("storage.secret", d.Storage.Secret)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.base_delay", d.Queue.BaseDelay)
	v.SetDefault("queue.max_delay", d.Queue.MaxDelay)
	v.SetDefault("queue.default_policy", d.Queue.DefaultPolicy)
	v.SetDefault("queue.maintenance_schedule", d.Queue.MaintenanceSchedule)
	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.max_age", d.Cache.MaxAge)
	v.SetDefault("connectivity.probe_url", d.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("telemetry.log_level", d.Telemetry.LogLevel)
	v.SetDefault("telemetry.sentry_dsn", d.Telemetry.SentryDSN)
	v.SetDefault("telemetry.metrics_enabled", d.Telemetry.MetricsEnabled)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
