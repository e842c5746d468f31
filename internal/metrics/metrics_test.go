package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Login("password", "success")
	m.Refresh("success", time.Second)
	m.Transition("authenticated")
	m.GateRequest("ok")
	m.QueueSizes(1, 2)
	m.QueueAction("applied")
	m.Drain(time.Second)
	m.Cache(true)
}

func TestMetricsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.Refresh("success", 10*time.Millisecond)
	m.Refresh("success", 10*time.Millisecond)
	m.Refresh("invalid", time.Millisecond)
	m.GateRequest("retried")
	m.QueueSizes(3, 1)
	m.Cache(true)
	m.Cache(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateRequestsTotal.WithLabelValues("retried")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueuePending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDeadLetters))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal))
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.Login("password", "success")

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ironsession_login_total{method="password",outcome="success"} 1`), string(body))
}

func TestAlertsFireAtThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var fired []AlertEvent
	a := NewAlerts(clock, func(e AlertEvent) { fired = append(fired, e) })
	a.SetThreshold(AlertRefreshFailureSpike, time.Minute, 3)

	a.Record(AlertRefreshFailureSpike)
	a.Record(AlertRefreshFailureSpike)
	assert.Empty(t, fired)

	a.Record(AlertRefreshFailureSpike)
	require.Len(t, fired, 1)
	assert.Equal(t, AlertRefreshFailureSpike, fired[0].Type)
	assert.Equal(t, 3, fired[0].Count)

	// The window resets after firing.
	a.Record(AlertRefreshFailureSpike)
	assert.Len(t, fired, 1)
}

func TestAlertsWindowSlides(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var fired int
	a := NewAlerts(clock, func(AlertEvent) { fired++ })
	a.SetThreshold(AlertDeadLetterSpike, time.Minute, 2)

	a.Record(AlertDeadLetterSpike)
	clock.Advance(2 * time.Minute)
	a.Record(AlertDeadLetterSpike)
	assert.Zero(t, fired)

	a.Record(AlertDeadLetterSpike)
	assert.Equal(t, 1, fired)
}

func TestNilAlertsIsSafe(t *testing.T) {
	var a *Alerts
	a.Record(AlertLoginFailureSpike)
}

func TestTrimWindow(t *testing.T) {
	now := time.Now()
	times := []time.Time{now.Add(-3 * time.Minute), now.Add(-2 * time.Minute), now.Add(-30 * time.Second)}
	trimmed := trimWindow(times, now, time.Minute)
	assert.Len(t, trimmed, 1)
}
