package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xmessenger"
)

type ShipOrder struct{ OrderID string }

func newBus(t *testing.T, mw xmessenger.Middleware, h xmessenger.Handler) *xmessenger.Bus {
	t.Helper()
	bus, err := xmessenger.NewBusBuilder("DefaultMessageBus").
		WithHandlers(xmessenger.NewHandlersLocator(map[string][]xmessenger.HandlerDescriptor{
			"ShipOrder": {xmessenger.Describe("shipping", h)},
		})).
		WithMiddleware(mw).
		Build()
	require.NoError(t, err)
	return bus
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestMiddleware_RecordsDispatchSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	bus := newBus(t, Middleware(tp), xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
		return "ok", nil
	}))

	_, err := bus.Dispatch(context.Background(), ShipOrder{OrderID: "o-1"})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "dispatch ShipOrder", s.Name())
	assert.Equal(t, trace.SpanKindProducer, s.SpanKind())
	assert.Equal(t, codes.Ok, s.Status().Code)

	a := attrs(s)
	assert.Equal(t, "ShipOrder", a[AttrMessage].AsString())
	assert.Equal(t, "DefaultMessageBus", a[AttrBus].AsString())
	assert.Equal(t, []string{"shipping"}, a[AttrHandledBy].AsStringSlice())
}

func TestMiddleware_RecordsHandlerFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	bus := newBus(t, Middleware(tp), xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
		return nil, errors.New("carrier unavailable")
	}))

	_, err := bus.Dispatch(context.Background(), ShipOrder{OrderID: "o-2"})
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestMiddleware_ConsumerSpanForReceivedEnvelope(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	bus := newBus(t, Middleware(tp), xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
		return nil, nil
	}))

	env := xmessenger.NewEnvelope(ShipOrder{OrderID: "o-3"},
		xmessenger.ReceivedStamp{TransportName: "async", RedeliveryCount: 0})
	_, err := bus.Dispatch(context.Background(), env)
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "process ShipOrder", spans[0].Name())
	assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())
	assert.Equal(t, "async", attrs(spans[0])[AttrTransport].AsString())
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	bus := newBus(t, Middleware(nil, WithMeterProvider(mp)), xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
		return nil, nil
	}))
	for range 3 {
		_, err := bus.Dispatch(context.Background(), ShipOrder{})
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var count int64
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name != "xmessenger.dispatch.count" {
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		for _, dp := range sum.DataPoints {
			count += dp.Value
		}
	}
	assert.Equal(t, int64(3), count)
}

func TestMiddleware_NilProviderIsNoop(t *testing.T) {
	bus := newBus(t, Middleware(nil), xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
		return nil, nil
	}))
	_, err := bus.Dispatch(context.Background(), ShipOrder{})
	assert.NoError(t, err)
}
