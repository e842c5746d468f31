package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEnd(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := Tracer(tp)

	_, span := Start(context.Background(), tracer, "ok", attribute.String("k", "v"))
	End(span, nil)
	_, span = Start(context.Background(), tracer, "failed")
	End(span, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ok", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("k", "v"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestTracerDefaultsToGlobal(t *testing.T) {
	assert.NotNil(t, Tracer(nil))
}

func TestSentryReporter(t *testing.T) {
	var mu sync.Mutex
	var events []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	NewSentryReporter(hub).Report(errors.New("dead letter"), map[string]string{"action_id": "a1"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "a1", events[0].Tags["action_id"])
	require.NotEmpty(t, events[0].Exception)
	assert.Equal(t, "dead letter", events[0].Exception[0].Value)
}

func TestInitSentryDisabled(t *testing.T) {
	r, err := InitSentry("", "test", "v0")
	require.NoError(t, err)
	assert.IsType(t, NopReporter{}, r)
	r.Report(errors.New("ignored"), nil)
}
