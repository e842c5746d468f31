package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader holds the current configuration and can follow changes to its
// file.
type Loader struct {
	v        *viper.Viper
	path     string
	logger   *slog.Logger
	override func(*Config)

	mu      sync.RWMutex
	current *Config
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

func WithLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// WithOverride applies fn to every loaded configuration before validation,
// including reloads. The CLI uses it for flag values.
func WithOverride(fn func(*Config)) LoaderOption {
	return func(ld *Loader) { ld.override = fn }
}

// NewLoader reads path (optional) and the environment.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	l := &Loader{
		v:      newViper(path),
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "config")

	if path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

func (l *Loader) load() (*Config, error) {
	if l.override == nil {
		return decode(l.v)
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	l.override(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the file whenever it changes and calls fn with the previous
// and new configuration. An invalid edit is logged and ignored. Watch is a
// no-op without a config file.
func (l *Loader) Watch(fn func(prev, next *Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := l.load()
		if err != nil {
			l.logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		l.mu.Lock()
		prev := l.current
		l.current = next
		l.mu.Unlock()
		l.logger.Info("config reloaded", "file", e.Name)
		if fn != nil {
			fn(prev, next)
		}
	})
	l.v.WatchConfig()
}

// Reloadable reports whether prev and next differ only in settings that
// running components pick up live: the log level and the cache max age.
func Reloadable(prev, next *Config) bool {
	a, b := *prev, *next
	a.Telemetry.LogLevel, b.Telemetry.LogLevel = "", ""
	a.Cache.MaxAge, b.Cache.MaxAge = 0, 0
	ya, err := a.YAML()
	if err != nil {
		return false
	}
	yb, err := b.YAML()
	if err != nil {
		return false
	}
	return bytes.Equal(ya, yb)
}
