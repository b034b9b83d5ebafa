package xmessenger

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus routes messages through its middleware pipeline to transports or handlers.
// A Bus is safe for concurrent use; dispatch runs synchronously on the caller's goroutine.
type Bus struct {
	name          string
	transports    *TransportRegistry
	senders       SendersResolver
	handlers      HandlersResolver
	stages        stack
	failurePolicy FailurePolicy
	clock         xclock.Clock
	logger        *xlog.Logger
	observersMu   sync.RWMutex
	observers     []Observer
	metrics       *busMetrics
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	dispatched   atomic.Uint64
	failed       atomic.Uint64
	sent         atomic.Uint64
	handled      atomic.Uint64
	deferred     atomic.Uint64
	rejected     atomic.Uint64
	processingNs atomic.Int64
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Dispatched        uint64
	Failed            uint64
	Sent              uint64
	Handled           uint64
	Deferred          uint64
	Rejected          uint64
	AvgDispatchTimeMs float64
}

// HealthStatus reports bus health for probes.
type HealthStatus struct {
	Status    string
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// Name returns the logical bus name stamped on dispatched envelopes.
func (b *Bus) Name() string { return b.name }

// Transports returns the registry the bus sends through.
func (b *Bus) Transports() *TransportRegistry { return b.transports }

// Logger returns the bus logger.
func (b *Bus) Logger() *xlog.Logger { return b.logger }

// Dispatch wraps msg in an envelope (or extends it when msg is an *Envelope)
// and runs it through the pipeline. The resulting envelope is returned even
// on failure; it then carries an ErrorDetailsStamp.
func (b *Bus) Dispatch(ctx context.Context, msg any, stamps ...Stamp) (*Envelope, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	env := Wrap(msg, stamps...)
	if env == nil || env.Message() == nil {
		return nil, ErrNilMessage
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return b.dispatch(ctx, env)
}

func (b *Bus) dispatch(ctx context.Context, env *Envelope) (*Envelope, error) {
	ctx = InjectAll(injectBus(ctx, b), b.logger, b.clock)

	name := MessageName(env)
	b.metrics.dispatched.Add(1)
	b.notify(Event{Type: DispatchStart, Bus: b.name, MessageName: name})

	start := b.clock.Now()
	out, err := b.stages.run(ctx, env)
	duration := b.clock.Since(start)
	b.metrics.processingNs.Add(duration.Nanoseconds())

	if err != nil {
		b.metrics.failed.Add(1)
	}
	b.notify(Event{Type: DispatchDone, Bus: b.name, MessageName: name, Duration: duration, Err: err})

	if out == nil {
		out = env
	}
	return out, err
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Dispatched: b.metrics.dispatched.Load(),
		Failed:     b.metrics.failed.Load(),
		Sent:       b.metrics.sent.Load(),
		Handled:    b.metrics.handled.Load(),
		Deferred:   b.metrics.deferred.Load(),
		Rejected:   b.metrics.rejected.Load(),
	}
	if m.Dispatched > 0 {
		m.AvgDispatchTimeMs = float64(b.metrics.processingNs.Load()) / float64(m.Dispatched) / 1e6
	}
	return m
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if failure rate > 5%
	if metrics.Failed > 0 && metrics.Dispatched > 0 {
		failureRate := float64(metrics.Failed) / float64(metrics.Dispatched)
		if failureRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of non-comparable types
// (such as ObserverFunc) cannot be removed.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify delivers e to every observer inline. Observer panics are swallowed.
func (b *Bus) notify(e Event) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	obs := make([]Observer, len(b.observers))
	copy(obs, b.observers)
	b.observersMu.RUnlock()

	for _, o := range obs {
		func() {
			defer func() { _ = recover() }()
			o.OnEvent(e)
		}()
	}
}
