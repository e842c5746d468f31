package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/ironsession/config"
	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/internal/telemetry"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/storage"
	bboltstore "github.com/jmcleod/ironsession/storage/bbolt"
	"github.com/jmcleod/ironsession/storage/memory"
	redisstore "github.com/jmcleod/ironsession/storage/redis"
	"github.com/jmcleod/ironsession/transport"
	"github.com/jmcleod/ironsession/transport/httptransport"
)

const (
	// DBFileName is the bbolt file created under the data directory.
	DBFileName = "session.db"
	// sealingSaltKey holds the per-store HKDF salt, unsealed, in the inner store.
	sealingSaltKey = "sealing_salt"
	saltBytes      = 16
	redisNamespace = "ironsession"
)

type openOptions struct {
	logger    *slog.Logger
	registry  *prometheus.Registry
	transport transport.Transport
	monitor   connectivity.Monitor
	clock     clockwork.Clock
	release   string
}

// OpenOption adjusts Open.
type OpenOption func(*openOptions)

func WithLogger(l *slog.Logger) OpenOption {
	return func(o *openOptions) { o.logger = l }
}

// WithRegistry registers metrics on r when metrics are enabled.
func WithRegistry(r *prometheus.Registry) OpenOption {
	return func(o *openOptions) { o.registry = r }
}

// WithTransport replaces the HTTP transport built from the config.
func WithTransport(t transport.Transport) OpenOption {
	return func(o *openOptions) { o.transport = t }
}

// WithMonitor replaces the monitor built from the config.
func WithMonitor(m connectivity.Monitor) OpenOption {
	return func(o *openOptions) { o.monitor = m }
}

func WithClock(c clockwork.Clock) OpenOption {
	return func(o *openOptions) { o.clock = c }
}

// WithRelease tags Sentry reports.
func WithRelease(v string) OpenOption {
	return func(o *openOptions) { o.release = v }
}

// Open builds a Client from cfg: the configured store (sealed when a secret
// is set), the HTTP transport, a connectivity prober when a probe URL is
// configured, and the metrics and error reporting it asks for.
func Open(ctx context.Context, cfg *config.Config, opts ...OpenOption) (*Client, error) {
	o := openOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	var closers []func() error
	fail := func(err error) (*Client, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	tr := o.transport
	if tr == nil {
		tr, err = httptransport.New(cfg.Backend.BaseURL,
			httptransport.WithTimeout(cfg.Backend.Timeout),
			httptransport.WithLogger(o.logger),
		)
		if err != nil {
			return fail(err)
		}
	}

	monitor := o.monitor
	if monitor == nil {
		if cfg.Connectivity.ProbeURL != "" {
			popts := []connectivity.ProberOption{
				connectivity.WithInterval(cfg.Connectivity.ProbeInterval),
				connectivity.WithLogger(o.logger),
			}
			if o.clock != nil {
				popts = append(popts, connectivity.WithClock(o.clock))
			}
			p := connectivity.NewProber(cfg.Connectivity.ProbeURL, popts...)
			p.Probe(ctx)
			pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			done := make(chan struct{})
			go func() {
				defer close(done)
				p.Run(pctx)
			}()
			closers = append(closers, func() error {
				cancel()
				<-done
				return nil
			})
			monitor = p
		} else {
			monitor = connectivity.NewManual(connectivity.Online)
		}
	}

	var m *metrics.Metrics
	if cfg.Telemetry.MetricsEnabled {
		reg := o.registry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		m = metrics.New(reg)
	}

	reporter, err := telemetry.InitSentry(cfg.Telemetry.SentryDSN, "client", o.release)
	if err != nil {
		return fail(fmt.Errorf("initializing sentry: %w", err))
	}
	if _, ok := reporter.(telemetry.NopReporter); !ok {
		closers = append(closers, func() error {
			telemetry.FlushSentry()
			return nil
		})
	}

	c, err := New(ctx, Options{
		Store:               store,
		Transport:           tr,
		Monitor:             monitor,
		Queue:               cfg.OfflineConfig(),
		CacheCapacity:       cfg.Cache.Capacity,
		CacheMaxAge:         cfg.Cache.MaxAge,
		MaintenanceSchedule: cfg.Queue.MaintenanceSchedule,
		RefreshSkew:         cfg.Session.RefreshSkew,
		DefaultTokenTTL:     cfg.Session.DefaultTokenTTL,
		Clock:               o.clock,
		Logger:              o.logger,
		Metrics:             m,
		Reporter:            reporter,
	})
	if err != nil {
		return fail(err)
	}
	c.closers = append(closers, c.closers...)
	return c, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, func() error, error) {
	var (
		inner   storage.Store
		closeFn func() error
	)
	switch cfg.Backend {
	case "memory":
		inner = memory.NewStore()
	case "bbolt":
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := bboltstore.NewStoreFromFile(filepath.Join(cfg.DataDir, DBFileName), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening session store: %w", err)
		}
		inner, closeFn = s, s.Close
	case "redis":
		s, err := redisstore.NewStoreFromURL(ctx, cfg.RedisURL, redisstore.WithNamespace(redisNamespace))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		inner, closeFn = s, s.Close
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if cfg.Secret == "" {
		return inner, closeFn, nil
	}

	salt, err := sealingSalt(ctx, inner)
	if err == nil {
		var sealed *storage.SealedStore
		secret := []byte(util.NormalizeSecret(cfg.Secret))
		sealed, err = storage.NewSealedStoreFromSecret(inner, secret, salt)
		util.WipeBytes(secret)
		if err == nil {
			return sealed, closeFn, nil
		}
	}
	if closeFn != nil {
		_ = closeFn()
	}
	return nil, nil, err
}

// sealingSalt returns the store's salt, creating it on first use.
func sealingSalt(ctx context.Context, s storage.Store) ([]byte, error) {
	raw, ok, err := storage.Lookup(ctx, s, sealingSaltKey)
	if err != nil {
		return nil, fmt.Errorf("reading sealing salt: %w", err)
	}
	if ok {
		return base64.StdEncoding.DecodeString(raw)
	}
	salt, err := util.RandomBytes(saltBytes)
	if err != nil {
		return nil, err
	}
	if err := s.Set(ctx, sealingSaltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("writing sealing salt: %w", err)
	}
	return salt, nil
}
