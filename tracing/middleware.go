// Package tracing instruments bus dispatches with OpenTelemetry.
//
// Register Middleware as a custom stage; it runs after the failure stage and
// before send and handle, so each span covers transport sends and handlers.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/trickstertwo/xmessenger"
)

const instrumentationName = "github.com/trickstertwo/xmessenger/tracing"

// Attribute keys set on dispatch spans and measurements.
const (
	AttrBus        = attribute.Key("messaging.bus")
	AttrMessage    = attribute.Key("messaging.message.type")
	AttrTransport  = attribute.Key("messaging.destination.name")
	AttrRedelivery = attribute.Key("messaging.redelivery_count")
	AttrSentTo     = attribute.Key("messaging.sent_to")
	AttrHandledBy  = attribute.Key("messaging.handled_by")
)

type config struct {
	tp trace.TracerProvider
	mp metric.MeterProvider
}

// Option configures Middleware.
type Option func(*config)

// WithMeterProvider records dispatch counts and durations on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) { c.mp = mp }
}

type stage struct {
	tracer   trace.Tracer
	count    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// Middleware returns a stage that opens one span per dispatch.
// A nil tp disables tracing.
func Middleware(tp trace.TracerProvider, opts ...Option) xmessenger.Middleware {
	cfg := config{tp: tp}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.tp == nil {
		cfg.tp = nooptrace.NewTracerProvider()
	}
	if cfg.mp == nil {
		cfg.mp = noopmetric.NewMeterProvider()
	}

	meter := cfg.mp.Meter(instrumentationName)
	s := &stage{tracer: cfg.tp.Tracer(instrumentationName)}
	var err error
	if s.count, err = meter.Int64Counter("xmessenger.dispatch.count",
		metric.WithDescription("Messages dispatched through the bus.")); err != nil {
		s.count, _ = noopmetric.NewMeterProvider().Meter("").Int64Counter("")
	}
	if s.errors, err = meter.Int64Counter("xmessenger.dispatch.errors",
		metric.WithDescription("Dispatches that returned an error.")); err != nil {
		s.errors, _ = noopmetric.NewMeterProvider().Meter("").Int64Counter("")
	}
	if s.duration, err = meter.Float64Histogram("xmessenger.dispatch.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent in send and handle stages.")); err != nil {
		s.duration, _ = noopmetric.NewMeterProvider().Meter("").Float64Histogram("")
	}
	return s
}

func (s *stage) Handle(ctx context.Context, env *xmessenger.Envelope, next xmessenger.Next) (*xmessenger.Envelope, error) {
	name := xmessenger.MessageName(env)
	attrs := []attribute.KeyValue{AttrMessage.String(name)}
	if bn, ok := xmessenger.Last[xmessenger.BusNameStamp](env); ok {
		attrs = append(attrs, AttrBus.String(bn.BusName))
	}

	kind := trace.SpanKindProducer
	spanName := "dispatch " + name
	if rs, ok := xmessenger.Last[xmessenger.ReceivedStamp](env); ok {
		kind = trace.SpanKindConsumer
		spanName = "process " + name
		attrs = append(attrs,
			AttrTransport.String(rs.TransportName),
			AttrRedelivery.Int(rs.RedeliveryCount),
		)
	}

	ctx, span := s.tracer.Start(ctx, spanName, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	out, err := next(ctx, env)
	set := metric.WithAttributes(attrs...)
	s.count.Add(ctx, 1, set)
	s.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, set)

	if err != nil {
		s.errors.Add(ctx, 1, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	if out != nil {
		if sent := transports(out); len(sent) > 0 {
			span.SetAttributes(AttrSentTo.StringSlice(sent))
		}
		if handled := handlers(out); len(handled) > 0 {
			span.SetAttributes(AttrHandledBy.StringSlice(handled))
		}
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func transports(env *xmessenger.Envelope) []string {
	var out []string
	for _, s := range xmessenger.All[xmessenger.SentStamp](env) {
		out = append(out, s.Transport)
	}
	return out
}

func handlers(env *xmessenger.Envelope) []string {
	var out []string
	for _, s := range xmessenger.All[xmessenger.HandledStamp](env) {
		out = append(out, s.Handler)
	}
	return out
}
