package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultMaintenanceSchedule runs maintenance every five minutes.
const DefaultMaintenanceSchedule = "@every 5m"

// Maintainer periodically prunes stale cache entries and retries the queue.
type Maintainer struct {
	queue  *Queue
	cache  *Cache
	maxAge atomic.Int64
	logger *slog.Logger
	cron   *cron.Cron
}

// NewMaintainer returns a Maintainer. Either queue or cache may be nil.
func NewMaintainer(queue *Queue, cache *Cache, maxAge time.Duration, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")
	cl := cronLogger{logger}
	m := &Maintainer{
		queue:  queue,
		cache:  cache,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	m.maxAge.Store(int64(maxAge))
	return m
}

// SetMaxAge changes the cache age limit used by later runs.
func (m *Maintainer) SetMaxAge(d time.Duration) {
	m.maxAge.Store(int64(d))
}

// Start schedules RunOnce on spec, a cron expression or @every descriptor.
func (m *Maintainer) Start(spec string) error {
	if spec == "" {
		spec = DefaultMaintenanceSchedule
	}
	if _, err := m.cron.AddFunc(spec, func() { m.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling maintenance %q: %w", spec, err)
	}
	m.cron.Start()
	return nil
}

// RunOnce prunes the cache and, when reachable with pending actions, drains.
func (m *Maintainer) RunOnce(ctx context.Context) {
	if m.cache != nil {
		n, err := m.cache.Prune(ctx, time.Duration(m.maxAge.Load()))
		if err != nil {
			m.logger.Warn("pruning cache", "error", err)
		} else if n > 0 {
			m.logger.Info("pruned cache", "removed", n)
		}
	}
	if m.queue == nil {
		return
	}
	if st := m.queue.Status(); st.Online && st.Pending > 0 && !st.Draining {
		if err := m.queue.Drain(ctx); err != nil {
			m.logger.Info("maintenance drain stopped", "error", err)
		}
	}
}

// Stop halts the schedule and waits for a running job.
func (m *Maintainer) Stop() {
	<-m.cron.Stop().Done()
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
