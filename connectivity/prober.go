package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Prober is a Monitor that periodically GETs a health URL. A 2xx answer is
// Online, any other answer is Limited and a transport error is Offline.
type Prober struct {
	*notifier
	url      string
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

var _ Monitor = (*Prober)(nil)

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// WithInterval sets the time between probes.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) { p.interval = d }
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithClock sets the clock driving the probe ticker.
func WithClock(c clockwork.Clock) ProberOption {
	return func(p *Prober) { p.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// NewProber returns a Prober for healthURL. It starts Offline until the first
// probe completes.
func NewProber(healthURL string, opts ...ProberOption) *Prober {
	p := &Prober{
		notifier: newNotifier(Offline),
		url:      healthURL,
		client:   http.DefaultClient,
		interval: defaultProbeInterval,
		timeout:  defaultProbeTimeout,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "connectivity")
	return p
}

// Probe performs one check and records its result.
func (p *Prober) Probe(ctx context.Context) Status {
	s := p.check(ctx)
	if p.set(s) {
		p.logger.Info("connectivity changed", "status", s.String())
	}
	return s
}

func (p *Prober) check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("building probe request", "error", err)
		return Offline
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "error", err)
		return Offline
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Online
	}
	return Limited
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.Probe(ctx)
		}
	}
}
