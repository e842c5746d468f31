package gate_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/gate"
	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/memory"
	"github.com/jmcleod/ironsession/transport"
	"github.com/jmcleod/ironsession/transport/transporttest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type mapCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func (c *mapCache) CacheData(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]json.RawMessage)
	}
	c.entries[key] = data
	return nil
}

func (c *mapCache) GetCachedData(_ context.Context, key string, _ time.Duration) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

// loggedIn returns a controller holding access-1/refresh-1.
func loggedIn(t *testing.T, fake *transporttest.Fake) *session.Controller {
	t.Helper()
	ctrl := session.New(memory.NewStore(), fake,
		session.WithClock(clockwork.NewFakeClock()),
		session.WithLogger(quiet),
	)
	t.Cleanup(ctrl.Close)
	_, err := ctrl.Login(context.Background(), "user@example.com", "pw")
	require.NoError(t, err)
	return ctrl
}

// acceptOnly answers 200 for the given bearer token and 401 otherwise.
func acceptOnly(token string) func(context.Context, *transport.Request) (*transport.Response, error) {
	return func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Header.Get("Authorization") != "Bearer "+token {
			return &transport.Response{StatusCode: http.StatusUnauthorized, ErrorCode: transport.CodeTokenExpired}, nil
		}
		return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
	}
}

func getItems() *transport.Request {
	return &transport.Request{Method: http.MethodGet, Path: "/api/v1/items"}
}

func TestExecuteAttachesBearer(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	fake.DoFn = acceptOnly("access-1")
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	req := getItems()
	resp, err := g.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, req.Header.Get("Authorization"), "the caller's request is not modified")
	assert.Zero(t, fake.Calls(transporttest.CallRefresh))
}

func TestExecuteRefreshesOnceOn401(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	fake.DoFn = acceptOnly("access-2")
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	resp, err := g.Execute(context.Background(), getItems())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, fake.Calls(transporttest.CallRefresh))
	assert.Equal(t, 2, fake.Calls(transporttest.CallDo))
	assert.Equal(t, "access-2", ctrl.Current().AccessToken)
}

func TestParallel401sShareOneRefresh(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	accept := acceptOnly("access-2")
	// Hold the first round until all three requests are out with access-1.
	var arrived sync.WaitGroup
	arrived.Add(3)
	fake.DoFn = func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Header.Get("Authorization") == "Bearer access-1" {
			arrived.Done()
			arrived.Wait()
		}
		return accept(ctx, req)
	}
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	var eg errgroup.Group
	for range 3 {
		eg.Go(func() error {
			resp, err := g.Execute(context.Background(), getItems())
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return errors.New("unexpected status")
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, 1, fake.Calls(transporttest.CallRefresh))
	assert.Equal(t, 6, fake.Calls(transporttest.CallDo), "each request is sent once and retried once")
	for _, req := range fake.Requests()[3:] {
		assert.Equal(t, "Bearer access-2", req.Header.Get("Authorization"))
	}
}

func TestExecuteRetriesAtMostOnce(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	fake.DoFn = transporttest.Status(http.StatusUnauthorized, transport.CodeInvalidToken)
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	resp, err := g.Execute(context.Background(), getItems())
	require.ErrorIs(t, err, gate.ErrUnauthorized)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 2, fake.Calls(transporttest.CallDo))
	assert.Equal(t, 1, fake.Calls(transporttest.CallRefresh))
}

func TestExecuteRefreshRejected(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	fake.DoFn = transporttest.Status(http.StatusUnauthorized, "")
	fake.RefreshFn = func(context.Context, string) (*transport.TokenPair, error) {
		return nil, transporttest.InvalidRefresh()
	}
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	_, err := g.Execute(context.Background(), getItems())
	require.ErrorIs(t, err, gate.ErrUnauthorized)
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)
	assert.Equal(t, 1, fake.Calls(transporttest.CallDo))
	assert.Equal(t, session.StatusUnauthenticated, ctrl.Current().Status)
}

func TestExecutePassesThroughNonAuthFailures(t *testing.T) {
	t.Run("ServerError", func(t *testing.T) {
		fake := &transporttest.Fake{}
		ctrl := loggedIn(t, fake)
		fake.DoFn = transporttest.Status(http.StatusInternalServerError, "")
		g := gate.New(ctrl, fake, gate.WithLogger(quiet))

		resp, err := g.Execute(context.Background(), getItems())
		require.Error(t, err)
		assert.Equal(t, transport.KindServer, transport.KindOf(err))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, 1, fake.Calls(transporttest.CallDo))
		assert.Zero(t, fake.Calls(transporttest.CallRefresh))
	})

	t.Run("Network", func(t *testing.T) {
		fake := &transporttest.Fake{}
		ctrl := loggedIn(t, fake)
		netErr := transporttest.Network()
		fake.DoFn = func(context.Context, *transport.Request) (*transport.Response, error) {
			return nil, netErr
		}
		g := gate.New(ctrl, fake, gate.WithLogger(quiet))

		_, err := g.Execute(context.Background(), getItems())
		assert.Same(t, netErr, err)
		assert.Equal(t, 1, fake.Calls(transporttest.CallDo))
	})
}

func TestExecutePublic(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := session.New(memory.NewStore(), fake, session.WithLogger(quiet))
	t.Cleanup(ctrl.Close)
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	// Not ready and not logged in; public calls go out anyway.
	_, err := g.Execute(context.Background(), &transport.Request{Method: http.MethodGet, Path: "/health", Public: true})
	require.NoError(t, err)
	assert.Empty(t, fake.Requests()[0].Header.Get("Authorization"))
}

func TestExecuteNotAuthenticated(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := session.New(memory.NewStore(), fake, session.WithLogger(quiet))
	t.Cleanup(ctrl.Close)
	_, err := ctrl.RestoreSession(context.Background())
	require.NoError(t, err)
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	_, err = g.Execute(context.Background(), getItems())
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Zero(t, fake.Calls(transporttest.CallDo))
}

func TestExecuteWaitsForRestore(t *testing.T) {
	fake := &transporttest.Fake{DoFn: acceptOnly("access-1")}
	store := memory.NewStore()
	require.NoError(t, store.Set(context.Background(), storage.KeyRefreshToken, "stored-refresh"))
	ctrl := session.New(store, fake, session.WithLogger(quiet))
	t.Cleanup(ctrl.Close)
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))

	done := make(chan error, 1)
	go func() {
		_, err := g.Execute(context.Background(), getItems())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fake.Calls(transporttest.CallDo), "no protected call before restore")

	// The fake's first call is the restore refresh, which issues access-1.
	_, err := ctrl.RestoreSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "Bearer access-1", fake.Requests()[0].Header.Get("Authorization"))
}

func TestExecuteRecoversFromErrorStatus(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	fake.RefreshFn = func(context.Context, string) (*transport.TokenPair, error) {
		return nil, transporttest.Network()
	}
	_, err := ctrl.Refresh(context.Background())
	require.ErrorIs(t, err, session.ErrTransientNetwork)
	require.Equal(t, session.StatusError, ctrl.Current().Status)

	fake.RefreshFn = nil
	fake.DoFn = func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK}, nil
	}
	g := gate.New(ctrl, fake, gate.WithLogger(quiet))
	_, err = g.Execute(context.Background(), getItems())
	require.NoError(t, err)
	assert.Equal(t, session.StatusAuthenticated, ctrl.Current().Status)
}

func TestCacheFallback(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	fake.DoFn = acceptOnly("access-1")
	monitor := connectivity.NewManual(connectivity.Online)
	cache := &mapCache{}
	g := gate.New(ctrl, fake, gate.WithLogger(quiet), gate.WithMonitor(monitor), gate.WithCache(cache, time.Hour))

	resp, err := g.Execute(context.Background(), getItems())
	require.NoError(t, err)
	assert.False(t, resp.FromCache)

	t.Run("Offline", func(t *testing.T) {
		monitor.Set(connectivity.Offline)
		defer monitor.Set(connectivity.Online)
		before := fake.Calls(transporttest.CallDo)

		resp, err := g.Execute(context.Background(), getItems())
		require.NoError(t, err)
		assert.True(t, resp.FromCache)
		assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
		assert.Equal(t, before, fake.Calls(transporttest.CallDo))

		_, err = g.Execute(context.Background(), &transport.Request{Method: http.MethodGet, Path: "/api/v1/other"})
		assert.ErrorIs(t, err, gate.ErrOffline)

		_, err = g.Execute(context.Background(), &transport.Request{Method: http.MethodPost, Path: "/api/v1/items"})
		assert.ErrorIs(t, err, gate.ErrOffline)
		assert.Equal(t, transport.KindNetwork, transport.KindOf(err))
	})

	t.Run("NetworkFailure", func(t *testing.T) {
		fake.DoFn = func(context.Context, *transport.Request) (*transport.Response, error) {
			return nil, transporttest.Network()
		}
		resp, err := g.Execute(context.Background(), getItems())
		require.NoError(t, err)
		assert.True(t, resp.FromCache)
	})

	t.Run("LimitedServerError", func(t *testing.T) {
		monitor.Set(connectivity.Limited)
		defer monitor.Set(connectivity.Online)
		fake.DoFn = transporttest.Status(http.StatusBadGateway, "")
		resp, err := g.Execute(context.Background(), getItems())
		require.NoError(t, err)
		assert.True(t, resp.FromCache)
	})
}

func TestCacheNotServedAfterLogout(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	protected := acceptOnly("access-1")
	fake.DoFn = func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Public {
			return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"up":true}`)}, nil
		}
		return protected(ctx, req)
	}
	monitor := connectivity.NewManual(connectivity.Online)
	cache := &mapCache{}
	g := gate.New(ctrl, fake, gate.WithLogger(quiet), gate.WithMonitor(monitor), gate.WithCache(cache, time.Hour))

	_, err := g.Execute(context.Background(), getItems())
	require.NoError(t, err)
	public := &transport.Request{Method: http.MethodGet, Path: "/api/v1/status", Public: true}
	_, err = g.Execute(context.Background(), public)
	require.NoError(t, err)

	_, err = ctrl.Logout(context.Background())
	require.NoError(t, err)
	monitor.Set(connectivity.Offline)

	resp, err := g.Execute(context.Background(), getItems())
	assert.ErrorIs(t, err, gate.ErrOffline)
	assert.Nil(t, resp)

	resp, err = g.Execute(context.Background(), public)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
}

func TestMetricsAndSpans(t *testing.T) {
	fake := &transporttest.Fake{}
	ctrl := loggedIn(t, fake)
	fake.DoFn = acceptOnly("access-2")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	g := gate.New(ctrl, fake, gate.WithLogger(quiet), gate.WithMetrics(m), gate.WithTracerProvider(tp))

	_, err := g.Execute(context.Background(), getItems())
	require.NoError(t, err)
	_, err = g.Execute(context.Background(), getItems())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateRequestsTotal.WithLabelValues("retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateRequestsTotal.WithLabelValues("ok")))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "gate.execute", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("gate.retried", true))
	assert.Contains(t, spans[1].Attributes(), attribute.String("http.path", "/api/v1/items"))
}
