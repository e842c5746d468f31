package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jmcleod/ironsession/client"
	"github.com/jmcleod/ironsession/config"
	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/gate"
	"github.com/jmcleod/ironsession/internal/backendsim"
	"github.com/jmcleod/ironsession/oauth"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	bboltstore "github.com/jmcleod/ironsession/storage/bbolt"
	"github.com/jmcleod/ironsession/storage/memory"
	"github.com/jmcleod/ironsession/transport"
	"github.com/jmcleod/ironsession/transport/transporttest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newSim(t *testing.T) (*backendsim.Server, string) {
	t.Helper()
	sim := backendsim.New(backendsim.WithLogger(quiet))
	sim.AddUser("user@test.com", "goodpw", transport.User{ID: "u1"})
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)
	return sim, srv.URL
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Backend.BaseURL = baseURL
	cfg.Storage.Backend = "memory"
	cfg.Queue.BaseDelay = 10 * time.Millisecond
	cfg.Queue.MaxDelay = 10 * time.Millisecond
	cfg.Queue.MaintenanceSchedule = client.MaintenanceDisabled
	return &cfg
}

func open(t *testing.T, cfg *config.Config, opts ...client.OpenOption) *client.Client {
	t.Helper()
	opts = append([]client.OpenOption{client.WithLogger(quiet)}, opts...)
	c, err := client.Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOfflineRoundTrip(t *testing.T) {
	ctx := context.Background()
	sim, url := newSim(t)
	mon := connectivity.NewManual(connectivity.Online)
	c := open(t, testConfig(url), client.WithMonitor(mon))

	s, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StatusUnauthenticated, s.Status)

	s, err = c.Login(ctx, "user@test.com", "goodpw")
	require.NoError(t, err)
	require.Equal(t, session.StatusAuthenticated, s.Status)
	assert.Equal(t, s, c.CurrentSession())

	list := &transport.Request{Method: http.MethodGet, Path: "/api/v1/items"}
	resp, err := c.Execute(ctx, list)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)

	mon.Set(connectivity.Offline)
	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		a, err := c.EnqueueAction(ctx, &transport.Request{Method: http.MethodPost, Path: "/api/v1/items", Body: []byte(body)})
		require.NoError(t, err)
		assert.NotEmpty(t, a.ID)
	}
	st := c.OfflineStatus()
	assert.False(t, st.Online)
	assert.Equal(t, 2, st.Pending)

	resp, err = c.Execute(ctx, list)
	require.NoError(t, err)
	assert.True(t, resp.FromCache, "offline reads come from the cache")
	assert.Empty(t, sim.Items())

	mon.Set(connectivity.Online)
	require.Eventually(t, func() bool {
		st := c.OfflineStatus()
		return st.Pending == 0 && !st.Draining
	}, 2*time.Second, 10*time.Millisecond)

	items := sim.Items()
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"n":1}`, string(items[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(items[1].Payload))

	s, err = c.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StatusUnauthenticated, s.Status)
	assert.Empty(t, s.RefreshToken)
}

func TestSealedSessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	sim, url := newSim(t)
	cfg := testConfig(url)
	cfg.Storage.Backend = "bbolt"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Secret = "correct horse battery staple"

	first, err := client.Open(ctx, cfg, client.WithLogger(quiet))
	require.NoError(t, err)
	_, err = first.Start(ctx)
	require.NoError(t, err)
	s, err := first.Login(ctx, "user@test.com", "goodpw")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	raw, err := bboltstore.NewStoreFromFile(filepath.Join(cfg.Storage.DataDir, client.DBFileName), nil)
	require.NoError(t, err)
	stored, err := raw.Get(ctx, storage.KeyRefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, s.RefreshToken, stored, "tokens are sealed at rest")
	require.NoError(t, raw.Close())

	second := open(t, cfg)
	restored, err := second.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAuthenticated, restored.Status)
	assert.Equal(t, "u1", restored.User.ID)
	assert.Equal(t, 1, sim.Calls("/api/v1/auth/refresh"))
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	fake := &transporttest.Fake{}
	c, err := client.New(ctx, client.Options{
		Store:               memory.NewStore(),
		Transport:           fake,
		Logger:              quiet,
		MaintenanceSchedule: client.MaintenanceDisabled,
	})
	require.NoError(t, err)
	defer c.Close()

	var (
		mu       sync.Mutex
		statuses []session.Status
	)
	unsubscribe := c.Observe(func(s session.Session) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err = c.Login(ctx, "user@example.com", "password1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == session.StatusAuthenticated
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, session.StatusUnauthenticated, statuses[0], "the current session is replayed first")
	mu.Unlock()
}

func TestLoginWithOAuthCode(t *testing.T) {
	ctx := context.Background()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "provider-token", "token_type": "Bearer"})
	}))
	defer tokenSrv.Close()

	var gotProvider, gotToken string
	fake := &transporttest.Fake{
		OAuthFn: func(_ context.Context, provider, providerToken string) (*transport.AuthResult, error) {
			gotProvider, gotToken = provider, providerToken
			return &transport.AuthResult{User: transporttest.User(), Tokens: transporttest.Pair(1)}, nil
		},
	}
	c, err := client.New(ctx, client.Options{
		Store:               memory.NewStore(),
		Transport:           fake,
		Logger:              quiet,
		MaintenanceSchedule: client.MaintenanceDisabled,
	})
	require.NoError(t, err)
	defer c.Close()

	flow := oauth.New("github", &oauth2.Config{
		ClientID: "app",
		Endpoint: oauth2.Endpoint{
			AuthURL:   tokenSrv.URL + "/authorize",
			TokenURL:  tokenSrv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, oauth.WithLogger(quiet))
	p, err := flow.Begin()
	require.NoError(t, err)

	_, err = c.LoginWithOAuthCode(ctx, flow, p, "forged", "code")
	require.ErrorIs(t, err, oauth.ErrStateMismatch)
	assert.Zero(t, fake.Calls(transporttest.CallOAuth))

	s, err := c.LoginWithOAuthCode(ctx, flow, p, p.State, "code")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAuthenticated, s.Status)
	assert.Equal(t, "github", gotProvider)
	assert.Equal(t, "provider-token", gotToken)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := client.New(context.Background(), client.Options{Store: memory.NewStore()})
	assert.Error(t, err)
}

func TestSetCacheMaxAge(t *testing.T) {
	ctx := context.Background()
	_, url := newSim(t)
	mon := connectivity.NewManual(connectivity.Online)
	c := open(t, testConfig(url), client.WithMonitor(mon))
	_, err := c.Start(ctx)
	require.NoError(t, err)
	_, err = c.Login(ctx, "user@test.com", "goodpw")
	require.NoError(t, err)

	list := &transport.Request{Method: http.MethodGet, Path: "/api/v1/items"}
	_, err = c.Execute(ctx, list)
	require.NoError(t, err)

	c.SetCacheMaxAge(time.Nanosecond)
	time.Sleep(time.Millisecond)
	mon.Set(connectivity.Offline)
	_, err = c.Execute(ctx, list)
	assert.Error(t, err, "the entry is now too old to serve")
}

func TestLogoutClearsCachedResponses(t *testing.T) {
	ctx := context.Background()
	_, url := newSim(t)
	mon := connectivity.NewManual(connectivity.Online)
	c := open(t, testConfig(url), client.WithMonitor(mon))
	_, err := c.Start(ctx)
	require.NoError(t, err)
	_, err = c.Login(ctx, "user@test.com", "goodpw")
	require.NoError(t, err)

	list := &transport.Request{Method: http.MethodGet, Path: "/api/v1/items"}
	_, err = c.Execute(ctx, list)
	require.NoError(t, err)

	_, err = c.Logout(ctx)
	require.NoError(t, err)
	mon.Set(connectivity.Offline)

	resp, err := c.Execute(ctx, list)
	require.ErrorIs(t, err, gate.ErrOffline)
	assert.Nil(t, resp)
	n, err := c.Cache().ClearCache(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n, "logout already emptied the cache")
}

func TestQueuedActionsStayWithTheirOwner(t *testing.T) {
	ctx := context.Background()
	sim, url := newSim(t)
	sim.AddUser("alice@test.com", "alicepw", transport.User{ID: "alice"})
	sim.AddUser("bob@test.com", "bobpw", transport.User{ID: "bob"})
	mon := connectivity.NewManual(connectivity.Online)
	c := open(t, testConfig(url), client.WithMonitor(mon))
	_, err := c.Start(ctx)
	require.NoError(t, err)

	_, err = c.Login(ctx, "alice@test.com", "alicepw")
	require.NoError(t, err)
	mon.Set(connectivity.Offline)
	a, err := c.EnqueueAction(ctx, &transport.Request{Method: http.MethodPost, Path: "/api/v1/items", Body: []byte(`{"owner":"alice"}`)})
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Owner)
	_, err = c.Logout(ctx)
	require.NoError(t, err)

	mon.Set(connectivity.Online)
	_, err = c.Login(ctx, "bob@test.com", "bobpw")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := c.OfflineStatus()
		return st.Pending == 0 && st.DeadLetters == 1 && !st.Draining
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, sim.Items(), "bob's token never carries alice's write")

	_, err = c.Logout(ctx)
	require.NoError(t, err)
	_, err = c.Login(ctx, "alice@test.com", "alicepw")
	require.NoError(t, err)
	require.NoError(t, c.Queue().RetryDeadLetter(ctx, a.ID))
	require.Eventually(t, func() bool {
		st := c.OfflineStatus()
		return st.Pending == 0 && st.DeadLetters == 0 && !st.Draining
	}, 2*time.Second, 10*time.Millisecond)

	items := sim.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "alice@test.com", items[0].CreatedBy)
	assert.JSONEq(t, `{"owner":"alice"}`, string(items[0].Payload))
}
