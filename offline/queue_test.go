package offline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/memory"
	"github.com/jmcleod/ironsession/transport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder is an Executor that records every request it is handed.
type recorder struct {
	mu   sync.Mutex
	fn   func(req *transport.Request) (*transport.Response, error)
	seen []*transport.Request
}

func (r *recorder) Execute(_ context.Context, req *transport.Request) (*transport.Response, error) {
	r.mu.Lock()
	r.seen = append(r.seen, req.Clone())
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return &transport.Response{StatusCode: http.StatusOK}, nil
	}
	return fn(req)
}

func (r *recorder) setFn(fn func(req *transport.Request) (*transport.Response, error)) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	for i, req := range r.seen {
		out[i] = string(req.Body)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func post(path, body string) *transport.Request {
	return &transport.Request{Method: http.MethodPost, Path: path, Body: []byte(body)}
}

func failing(status int) func(*transport.Request) (*transport.Response, error) {
	return func(*transport.Request) (*transport.Response, error) {
		resp := &transport.Response{StatusCode: status}
		return resp, resp.Err()
	}
}

func newQueue(t *testing.T, store storage.Store, exec Executor, cfg Config, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithLogger(quiet)}, opts...)
	q, err := New(context.Background(), store, exec, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func drainEvents(q *Queue) []EventType {
	var out []EventType
	for {
		select {
		case ev := <-q.Events():
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	q := newQueue(t, store, &recorder{}, Config{})

	req := post("/api/v1/items", `{"name":"a"}`)
	req.SetBearer("access-1")
	req.Header.Set("X-Request-Source", "test")
	a, err := q.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, http.MethodPost, a.Method)
	assert.Equal(t, "/api/v1/items", a.Endpoint)
	assert.Equal(t, 5, a.MaxRetries)
	assert.Equal(t, 0, a.RetryCount)
	assert.Equal(t, map[string]string{"X-Request-Source": "test"}, a.Headers, "credentials are never persisted")

	raw, err := store.Get(ctx, storage.KeyOfflineQueue)
	require.NoError(t, err)
	assert.Contains(t, raw, a.ID)
	assert.NotContains(t, raw, "access-1")

	_, err = q.Enqueue(ctx, &transport.Request{Method: http.MethodGet, Path: "/api/v1/items"})
	assert.ErrorIs(t, err, ErrNotQueueable)
	assert.Len(t, q.Pending(), 1)
	assert.Equal(t, []EventType{EventEnqueued}, drainEvents(q))
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mon := connectivity.NewManual(connectivity.Offline)

	first, err := New(ctx, store, &recorder{}, Config{}, WithMonitor(mon), WithLogger(quiet))
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, post("/api/v1/items", "P1"))
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, post("/api/v1/items", "P2"))
	require.NoError(t, err)
	first.Close()

	second := newQueue(t, store, &recorder{}, Config{}, WithMonitor(mon))
	pending := second.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "P1", string(pending[0].Payload))
	assert.Equal(t, "P2", string(pending[1].Payload))
}

func TestDrainAppliesInOrderWhenBackOnline(t *testing.T) {
	ctx := context.Background()
	mon := connectivity.NewManual(connectivity.Offline)
	rec := &recorder{}
	q := newQueue(t, memory.NewStore(), rec, Config{}, WithMonitor(mon))

	_, err := q.Enqueue(ctx, post("/api/v1/items", "P1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, post("/api/v1/items", "P2"))
	require.NoError(t, err)

	err = q.Drain(ctx)
	require.ErrorIs(t, err, ErrDrainPaused)
	require.ErrorIs(t, err, ErrOffline)
	assert.Zero(t, rec.count())

	mon.Set(connectivity.Online)
	require.Eventually(t, func() bool { return q.Status().Pending == 0 && !q.Status().Draining },
		time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"P1", "P2"}, rec.bodies())
	assert.Empty(t, q.DeadLetters())
	assert.False(t, q.Status().LastDrainAt.IsZero())
}

func TestDrainRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	calls := 0
	rec.setFn(func(*transport.Request) (*transport.Response, error) {
		calls++
		if calls < 3 {
			return nil, transport.NetworkFailure(errors.New("connection reset"))
		}
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})
	q := newQueue(t, memory.NewStore(), rec, Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}, WithClock(clock))

	_, err := q.Enqueue(ctx, post("/api/v1/items", "P1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Drain(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount, "retry count is persisted between attempts")
	assert.Contains(t, pending[0].LastError, "connection reset")
	clock.Advance(time.Second)

	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(2 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Equal(t, 3, rec.count())
	assert.Empty(t, q.Pending())

	events := drainEvents(q)
	assert.Equal(t, []EventType{EventEnqueued, EventRetrying, EventRetrying, EventApplied}, events)
}

func TestDeadLetterContinuePolicy(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	rec.setFn(func(req *transport.Request) (*transport.Response, error) {
		if string(req.Body) == "bad" {
			return failing(http.StatusInternalServerError)(req)
		}
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})
	q := newQueue(t, memory.NewStore(), rec, Config{MaxRetries: 1})

	bad, err := q.Enqueue(ctx, post("/api/v1/items", "bad"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, post("/api/v1/items", "good"))
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, []string{"bad", "good"}, rec.bodies())
	assert.Empty(t, q.Pending())

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, bad.ID, dead[0].ID)
	assert.Equal(t, 1, dead[0].RetryCount)
	assert.False(t, dead[0].FailedAt.IsZero())
	assert.NotEmpty(t, dead[0].LastError)

	var deadEvent *QueueEvent
	for len(q.Events()) > 0 {
		ev := <-q.Events()
		if ev.Type == EventDeadLettered {
			deadEvent = &ev
		}
	}
	require.NotNil(t, deadEvent)
	assert.ErrorIs(t, deadEvent.Err, ErrQueueExhausted)
	var exhausted *ExhaustedError
	require.ErrorAs(t, deadEvent.Err, &exhausted)
	assert.Equal(t, bad.ID, exhausted.ActionID)
	assert.Equal(t, 1, exhausted.Attempts)
}

func TestTerminalFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	rec.setFn(failing(http.StatusUnprocessableEntity))
	q := newQueue(t, memory.NewStore(), rec, Config{MaxRetries: 5})

	_, err := q.Enqueue(ctx, post("/api/v1/items", "invalid"))
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, 1, rec.count())
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "validation")
}

func TestHaltPolicy(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	rec.setFn(func(req *transport.Request) (*transport.Response, error) {
		if string(req.Body) == "A" {
			return failing(http.StatusUnprocessableEntity)(req)
		}
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})
	cfg := Config{FamilyPolicies: map[string]OrderingPolicy{"items": PolicyHalt}}
	q := newQueue(t, memory.NewStore(), rec, cfg)

	a, err := q.Enqueue(ctx, post("/api/v1/items", "A"))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, post("/api/v1/items/7", "B"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, post("/api/v1/notes", "C"))
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, []string{"A", "C"}, rec.bodies())
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID, "the halted family keeps its remaining actions")

	// Once fixed, the dead letter is replayed ahead of its family.
	rec.setFn(nil)
	require.NoError(t, q.RetryDeadLetter(ctx, a.ID))
	require.Eventually(t, func() bool { return q.Status().Pending == 0 && !q.Status().Draining },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "C", "A", "B"}, rec.bodies())
	assert.Empty(t, q.DeadLetters())
}

func TestRetryDeadLetter(t *testing.T) {
	ctx := context.Background()
	mon := connectivity.NewManual(connectivity.Online)
	rec := &recorder{}
	rec.setFn(failing(http.StatusUnprocessableEntity))
	q := newQueue(t, memory.NewStore(), rec, Config{}, WithMonitor(mon))

	a, err := q.Enqueue(ctx, post("/api/v1/items", "A"))
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))
	require.Len(t, q.DeadLetters(), 1)

	assert.ErrorIs(t, q.RetryDeadLetter(ctx, "missing"), ErrDeadLetterNotFound)

	mon.Set(connectivity.Offline)
	require.NoError(t, q.RetryDeadLetter(ctx, a.ID))
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Zero(t, pending[0].RetryCount)
	assert.Empty(t, pending[0].LastError)
	assert.True(t, pending[0].FailedAt.IsZero())
	assert.Empty(t, q.DeadLetters())
}

func TestDiscardAndPurgeDeadLetters(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	rec.setFn(failing(http.StatusUnprocessableEntity))
	q := newQueue(t, memory.NewStore(), rec, Config{})

	a, err := q.Enqueue(ctx, post("/api/v1/items", "A"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, post("/api/v1/items", "B"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, post("/api/v1/items", "C"))
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))
	require.Len(t, q.DeadLetters(), 3)

	require.NoError(t, q.DiscardDeadLetter(ctx, a.ID))
	assert.ErrorIs(t, q.DiscardDeadLetter(ctx, a.ID), ErrDeadLetterNotFound)
	assert.Len(t, q.DeadLetters(), 2)

	n, err := q.PurgeDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, q.DeadLetters())
	assert.Zero(t, q.Status().DeadLetters)
}

func TestDrainPausesWithoutSession(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	rec.setFn(func(*transport.Request) (*transport.Response, error) {
		return nil, session.ErrNotAuthenticated
	})
	q := newQueue(t, memory.NewStore(), rec, Config{MaxRetries: 1})

	_, err := q.Enqueue(ctx, post("/api/v1/items", "P1"))
	require.NoError(t, err)

	err = q.Drain(ctx)
	require.ErrorIs(t, err, ErrDrainPaused)
	require.ErrorIs(t, err, session.ErrNotAuthenticated)

	pending := q.Pending()
	require.Len(t, pending, 1, "a paused action is never dead-lettered")
	assert.Zero(t, pending[0].RetryCount)
	assert.Empty(t, q.DeadLetters())
}

func TestActionsOnlySentForTheirOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := &recorder{}
	owner := "alice"
	q := newQueue(t, store, rec, Config{MaxRetries: 3}, WithOwner(func() string { return owner }))

	a, err := q.Enqueue(ctx, post("/api/v1/items", "A1"))
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Owner)

	owner = ""
	err = q.Drain(ctx)
	require.ErrorIs(t, err, ErrDrainPaused)
	require.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Zero(t, rec.count())
	assert.Len(t, q.Pending(), 1)

	owner = "bob"
	_, err = q.Enqueue(ctx, post("/api/v1/items", "B1"))
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, []string{"B1"}, rec.bodies())
	assert.Empty(t, q.Pending())
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, a.ID, dead[0].ID)
	assert.Equal(t, "alice", dead[0].Owner)
	assert.Zero(t, dead[0].RetryCount)
	assert.Contains(t, dead[0].LastError, "queued by alice")
	assert.Contains(t, drainEvents(q), EventDeadLettered)

	reloaded := newQueue(t, store, rec, Config{})
	require.Len(t, reloaded.DeadLetters(), 1)
	assert.Equal(t, "alice", reloaded.DeadLetters()[0].Owner)
}

func TestDrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newQueue(t, memory.NewStore(), &recorder{}, Config{})
	_, err := q.Enqueue(ctx, post("/api/v1/items", "P1"))
	require.NoError(t, err)

	cancel()
	err = q.Drain(ctx)
	require.ErrorIs(t, err, ErrDrainPaused)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, q.Pending(), 1)
}

func TestDrainIsSerialized(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{}
	rec.setFn(func(*transport.Request) (*transport.Response, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})
	q := newQueue(t, memory.NewStore(), rec, Config{})

	_, err := q.Enqueue(ctx, post("/api/v1/items", "P1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Drain(ctx) }()
	<-entered

	assert.True(t, q.Status().Draining)
	require.NoError(t, q.Drain(ctx), "a concurrent drain returns immediately")
	_, err = q.Enqueue(ctx, post("/api/v1/items", "P2"))
	require.NoError(t, err)

	close(release)
	require.NoError(t, q.WaitIdle(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, []string{"P1", "P2"}, rec.bodies())
	assert.Empty(t, q.Pending())
	assert.False(t, q.Status().Draining)
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("DirectWhenOnline", func(t *testing.T) {
		rec := &recorder{}
		q := newQueue(t, memory.NewStore(), rec, Config{})
		res, err := q.Submit(ctx, post("/api/v1/items", "P1"))
		require.NoError(t, err)
		assert.False(t, res.Queued)
		require.NotNil(t, res.Response)
		assert.Equal(t, http.StatusOK, res.Response.StatusCode)
		assert.Empty(t, q.Pending())
	})

	t.Run("QueuedWhenOffline", func(t *testing.T) {
		rec := &recorder{}
		q := newQueue(t, memory.NewStore(), rec, Config{}, WithMonitor(connectivity.NewManual(connectivity.Offline)))
		res, err := q.Submit(ctx, post("/api/v1/items", "P1"))
		require.NoError(t, err)
		assert.True(t, res.Queued)
		require.NotNil(t, res.Action)
		assert.Zero(t, rec.count())
		assert.Len(t, q.Pending(), 1)
	})

	t.Run("QueuedOnNetworkFailure", func(t *testing.T) {
		rec := &recorder{}
		rec.setFn(func(*transport.Request) (*transport.Response, error) {
			return nil, transport.NetworkFailure(errors.New("no route to host"))
		})
		q := newQueue(t, memory.NewStore(), rec, Config{})
		res, err := q.Submit(ctx, post("/api/v1/items", "P1"))
		require.NoError(t, err)
		assert.True(t, res.Queued)
		assert.Len(t, q.Pending(), 1)
	})

	t.Run("BackendRejectionReturned", func(t *testing.T) {
		rec := &recorder{}
		rec.setFn(failing(http.StatusUnprocessableEntity))
		q := newQueue(t, memory.NewStore(), rec, Config{})
		res, err := q.Submit(ctx, post("/api/v1/items", "P1"))
		require.Error(t, err)
		assert.Equal(t, transport.KindValidation, transport.KindOf(err))
		assert.False(t, res.Queued)
		assert.Empty(t, q.Pending())
	})

	t.Run("QueuedBehindPendingWork", func(t *testing.T) {
		rec := &recorder{}
		q := newQueue(t, memory.NewStore(), rec, Config{}, WithMonitor(connectivity.NewManual(connectivity.Online)))
		_, err := q.Enqueue(ctx, post("/api/v1/items", "P1"))
		require.NoError(t, err)

		res, err := q.Submit(ctx, post("/api/v1/items", "P2"))
		require.NoError(t, err)
		assert.True(t, res.Queued, "a write never overtakes queued ones")

		require.Eventually(t, func() bool { return q.Status().Pending == 0 && !q.Status().Draining },
			time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"P1", "P2"}, rec.bodies())
	})

	t.Run("ReadsAreNeverQueued", func(t *testing.T) {
		rec := &recorder{}
		q := newQueue(t, memory.NewStore(), rec, Config{}, WithMonitor(connectivity.NewManual(connectivity.Offline)))
		res, err := q.Submit(ctx, &transport.Request{Method: http.MethodGet, Path: "/api/v1/items"})
		require.NoError(t, err)
		assert.False(t, res.Queued)
		assert.Equal(t, 1, rec.count())
	})
}

func TestWaitIdleWithoutDrain(t *testing.T) {
	q := newQueue(t, memory.NewStore(), &recorder{}, Config{})
	assert.NoError(t, q.WaitIdle(context.Background()))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	mon := connectivity.NewManual(connectivity.Offline)
	q := newQueue(t, memory.NewStore(), &recorder{}, Config{}, WithMonitor(mon))
	_, err := q.Enqueue(ctx, post("/api/v1/items", "P1"))
	require.NoError(t, err)

	st := q.Status()
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)
	assert.Zero(t, st.DeadLetters)
	assert.False(t, st.Draining)
	assert.True(t, st.LastDrainAt.IsZero())
}

func TestClosedQueue(t *testing.T) {
	ctx := context.Background()
	q, err := New(ctx, memory.NewStore(), &recorder{}, Config{}, WithLogger(quiet))
	require.NoError(t, err)
	q.Close()
	q.Close()

	_, err = q.Enqueue(ctx, post("/api/v1/items", "P1"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Drain(ctx), ErrClosed)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(context.Background(), memory.NewStore(), &recorder{}, Config{Jitter: 1.5})
	assert.Error(t, err)
	_, err = New(context.Background(), memory.NewStore(), &recorder{},
		Config{FamilyPolicies: map[string]OrderingPolicy{"items": "skip"}})
	assert.Error(t, err)
}

func TestFamily(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/items/42", "items"},
		{"/api/v2/items?x=1", "items"},
		{"/items", "items"},
		{"/api/items", "api"},
		{"/", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Family(tt.path), tt.path)
	}
}
