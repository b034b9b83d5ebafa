package xmessenger

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
//
// The pipeline order is fixed: bus name, reject redelivered, dispatch after
// current bus, failure stamping, custom middleware in declared order, send, handle.
type BusBuilder struct {
	name            string
	transports      *TransportRegistry
	senders         SendersResolver
	handlers        HandlersResolver
	middlewares     []Middleware
	observers       []Observer
	logger          *xlog.Logger
	clock           xclock.Clock
	maxRedeliveries int
	failurePolicy   FailurePolicy
}

// NewBusBuilder returns a builder for a bus called name.
func NewBusBuilder(name string) *BusBuilder {
	return &BusBuilder{name: name, failurePolicy: StopOnFirstFailure}
}

func (bb *BusBuilder) WithName(name string) *BusBuilder {
	bb.name = name
	return bb
}

// WithTransports sets the registry senders are resolved against. Buses may share one registry.
func (bb *BusBuilder) WithTransports(r *TransportRegistry) *BusBuilder {
	bb.transports = r
	return bb
}

func (bb *BusBuilder) WithSenders(r SendersResolver) *BusBuilder {
	bb.senders = r
	return bb
}

func (bb *BusBuilder) WithHandlers(r HandlersResolver) *BusBuilder {
	bb.handlers = r
	return bb
}

// WithMiddleware appends custom stages, run after failure stamping and before sending.
func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	for _, m := range mw {
		if m != nil {
			bb.middlewares = append(bb.middlewares, m)
		}
	}
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithMaxRedeliveries sets how many redeliveries are tolerated before
// ErrRedeliveredMessageRejected. The default 0 rejects every redelivery.
func (bb *BusBuilder) WithMaxRedeliveries(n int) *BusBuilder {
	if n >= 0 {
		bb.maxRedeliveries = n
	}
	return bb
}

// WithFailurePolicy selects how handler failures fan out (default StopOnFirstFailure).
func (bb *BusBuilder) WithFailurePolicy(p FailurePolicy) *BusBuilder {
	bb.failurePolicy = p
	return bb
}

// Build validates the configuration and returns the bus. No partial bus is
// returned on error.
func (bb *BusBuilder) Build() (*Bus, error) {
	if bb.name == "" {
		return nil, Configurationf("bus name must not be empty")
	}
	if bb.failurePolicy != StopOnFirstFailure && bb.failurePolicy != CollectAllFailures {
		return nil, Configurationf("bus %q: unknown failure policy %d", bb.name, bb.failurePolicy)
	}

	senders := bb.senders
	if senders == nil {
		senders = NewSendersLocator(nil)
	}
	handlers := bb.handlers
	if handlers == nil {
		handlers = NewHandlersLocator(nil)
	}

	transports := bb.transports
	if lister, ok := senders.(interface{ TransportNames() []string }); ok {
		names := lister.TransportNames()
		if len(names) > 0 && transports == nil {
			return nil, Configurationf("bus %q: senders configured without a transport registry", bb.name)
		}
		for _, n := range names {
			if !transports.Has(n) {
				return nil, &ConfigurationError{
					Reason: fmt.Sprintf("bus %q: sender references transport %q", bb.name, n),
					Err:    ErrUnknownTransport,
				}
			}
		}
	}

	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	if transports == nil {
		transports = NewTransportRegistry(TransportDeps{Logger: lg, Clock: clk})
	}

	b := &Bus{
		name:          bb.name,
		transports:    transports,
		senders:       senders,
		handlers:      handlers,
		failurePolicy: bb.failurePolicy,
		clock:         clk,
		logger:        lg.With(xlog.Str("bus", bb.name)),
		metrics:       &busMetrics{},
	}

	b.stages = make(stack, 0, 6+len(bb.middlewares))
	b.stages = append(b.stages,
		busNameStage{name: b.name},
		rejectRedeliveredStage{bus: b, maxRedeliveries: bb.maxRedeliveries},
		afterCurrentBusStage{bus: b},
		failureStage{bus: b},
	)
	b.stages = append(b.stages, bb.middlewares...)
	b.stages = append(b.stages, sendStage{bus: b}, handleStage{bus: b})

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}
