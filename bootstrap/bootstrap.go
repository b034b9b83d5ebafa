// Package bootstrap wires a configured bus: file logger, transports from
// DSNs, locators from the config maps, the default bus and its worker.
//
//	cfg, _ := config.Load("messagebus.yaml")
//	c, err := bootstrap.New(ctx, cfg,
//		bootstrap.WithHandler("billing", billingHandler),
//		bootstrap.WithMessageTypes(OrderCreated{}),
//	)
//	defer c.Close(ctx)
//	_, err = xmessenger.Dispatch(ctx, OrderCreated{ID: "o-1"})
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/trickstertwo/xmessenger"
	"github.com/trickstertwo/xmessenger/cache"
	"github.com/trickstertwo/xmessenger/config"
	"github.com/trickstertwo/xmessenger/serializer/cloudevents"
	"github.com/trickstertwo/xmessenger/tracing"

	_ "github.com/trickstertwo/xmessenger/adapter/amqp"
	_ "github.com/trickstertwo/xmessenger/adapter/kafka"
	_ "github.com/trickstertwo/xmessenger/adapter/memory"
	_ "github.com/trickstertwo/xmessenger/adapter/nats"
	_ "github.com/trickstertwo/xmessenger/adapter/postgres"
	_ "github.com/trickstertwo/xmessenger/adapter/redisstream"
	_ "github.com/trickstertwo/xmessenger/adapter/sqlite"
	_ "github.com/trickstertwo/xmessenger/codec/cbor"
)

// DefaultBusName names the bus built by New.
const DefaultBusName = "DefaultMessageBus"

// LogFileName is written under the configured log path.
const LogFileName = "mb.log"

type options struct {
	handlers    map[string]xmessenger.Handler
	named       map[string]xmessenger.Middleware
	types       []any
	middleware  []xmessenger.Middleware
	observers   []xmessenger.Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	tp          trace.TracerProvider
	mp          metric.MeterProvider
	source      string
	skipDefault bool
}

// Option configures New.
type Option func(*options)

// WithHandler makes h available to handlersLocatorMap under name.
func WithHandler(name string, h xmessenger.Handler) Option {
	return func(o *options) { o.handlers[name] = h }
}

// WithHandlers registers several named handlers.
func WithHandlers(m map[string]xmessenger.Handler) Option {
	return func(o *options) {
		for n, h := range m {
			o.handlers[n] = h
		}
	}
}

// WithMessageTypes registers the types received envelopes decode into.
func WithMessageTypes(samples ...any) Option {
	return func(o *options) { o.types = append(o.types, samples...) }
}

// WithMiddleware adds custom stages between the failure and send stages,
// after the stages listed in the middlewares configuration.
func WithMiddleware(mw ...xmessenger.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

// WithNamedMiddleware makes mw available to the middlewares configuration
// under name. Unlisted named middleware is not installed.
func WithNamedMiddleware(name string, mw xmessenger.Middleware) Option {
	return func(o *options) { o.named[name] = mw }
}

func WithObserver(obs ...xmessenger.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

// WithLogger replaces the rotating file logger; logPath is then optional.
func WithLogger(l *xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c xclock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTelemetry adds the tracing stage in front of custom middleware.
// mp may be nil.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(o *options) {
		o.tp = tp
		o.mp = mp
	}
}

// WithEventSource sets the CloudEvents source when the serializer is cloudevents.
func WithEventSource(source string) Option {
	return func(o *options) { o.source = source }
}

// WithoutDefault leaves the process-wide default bus untouched.
func WithoutDefault() Option {
	return func(o *options) { o.skipDefault = true }
}

// Container owns everything New built.
type Container struct {
	Config     *config.Config
	Logger     *xlog.Logger
	Clock      xclock.Clock
	Serializer xmessenger.Serializer
	Transports *xmessenger.TransportRegistry
	Buses      *xmessenger.BusRegistry
	Bus        *xmessenger.Bus
	// Cache is nil when no cachePath is configured.
	Cache *cache.Store

	logPath string
	logFile io.Closer
}

// New validates cfg and builds the default bus. Transports connect lazily.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, xmessenger.Configurationf("bootstrap requires a configuration")
	}
	o := options{
		handlers: make(map[string]xmessenger.Handler),
		named:    make(map[string]xmessenger.Middleware),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := cfg.Policy()

	c := &Container{Config: cfg, Clock: o.clock, Logger: o.logger}
	if c.Clock == nil {
		c.Clock = xclock.Default()
	}
	if c.Logger == nil {
		if err := c.openLog(cfg.LogPath); err != nil {
			return nil, err
		}
	}

	if cfg.CachePath != "" {
		store, err := cache.New(cfg.CachePath, cache.WithClock(c.Clock))
		if err != nil {
			return nil, c.fail(ctx, err)
		}
		c.Cache = store
	}

	ser, err := newSerializer(cfg.Serializer, o, c.Clock)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	c.Serializer = ser

	c.Transports = xmessenger.NewTransportRegistry(xmessenger.TransportDeps{
		Serializer: ser,
		Logger:     c.Logger,
		Clock:      c.Clock,
	})
	for _, name := range cfg.TransportNames() {
		if err := c.Transports.Configure(name, cfg.TransportDSNs[name]); err != nil {
			return nil, c.fail(ctx, err)
		}
	}

	handlers, err := resolveHandlers(cfg.Handlers(), o.handlers)
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	stages, err := resolveMiddleware(cfg.Middlewares, o.named)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	stages = append(stages, o.middleware...)
	if o.tp != nil || o.mp != nil {
		stages = append([]xmessenger.Middleware{tracing.Middleware(o.tp, tracing.WithMeterProvider(o.mp))}, stages...)
	}

	bus, err := xmessenger.NewBusBuilder(DefaultBusName).
		WithTransports(c.Transports).
		WithSenders(xmessenger.NewSendersLocator(cfg.Senders())).
		WithHandlers(xmessenger.NewHandlersLocator(handlers)).
		WithMiddleware(stages...).
		WithObserver(o.observers...).
		WithLogger(c.Logger).
		WithClock(c.Clock).
		WithMaxRedeliveries(cfg.MaxRedeliveries).
		WithFailurePolicy(policy).
		Build()
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	c.Bus = bus
	c.Buses = xmessenger.NewBusRegistry()
	if err := c.Buses.Register(bus); err != nil {
		return nil, c.fail(ctx, err)
	}
	if !o.skipDefault {
		xmessenger.SetDefault(bus)
	}

	c.Logger.Info().
		Str("bus", DefaultBusName).
		Str("transports", strings.Join(c.Transports.Names(), ",")).
		Str("failure_transport", cfg.FailureTransport).
		Str("failure_policy", policy.String()).
		Msg("xmessenger: bus ready")
	return c, nil
}

func (c *Container) openLog(logPath string) error {
	if strings.TrimSpace(logPath) == "" {
		return xmessenger.Configurationf(`the "logPath" variable is not defined, please specify where to store the logs`)
	}
	c.logPath = filepath.Join(strings.TrimRight(logPath, "/ "), LogFileName)
	lj := &lumberjack.Logger{
		Filename:   c.logPath,
		MaxSize:    100, // MB
		MaxBackups: 30,
		MaxAge:     30, // days
		Compress:   true,
	}
	c.logFile = lj
	c.Logger = zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelDebug,
		Console:           false,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            true,
		CallerSkip:        5,
		Writer:            lj,
	}).With(xlog.Str("channel", "MessageBus"))
	return nil
}

func newSerializer(name string, o options, clock xclock.Clock) (xmessenger.Serializer, error) {
	types := xmessenger.NewTypeRegistry()
	for _, s := range o.types {
		if err := types.Register(s); err != nil {
			return nil, xmessenger.Configurationf("message type: %v", err)
		}
	}
	if name == "cloudevents" {
		return cloudevents.New(o.source, types, cloudevents.WithClock(clock)), nil
	}
	if name == "" {
		name = "json"
	}
	codec, err := xmessenger.NewCodec(name)
	if err != nil {
		return nil, err
	}
	return xmessenger.NewSerializer(codec, types), nil
}

// resolveHandlers maps handler names from the config onto registered handlers.
func resolveHandlers(byMessage map[string][]string, named map[string]xmessenger.Handler) (map[string][]xmessenger.HandlerDescriptor, error) {
	out := make(map[string][]xmessenger.HandlerDescriptor, len(byMessage))
	for msg, names := range byMessage {
		for _, n := range names {
			h, ok := named[n]
			if !ok {
				return nil, xmessenger.Configurationf("handler %q for message %q is not registered", n, msg)
			}
			out[msg] = append(out[msg], xmessenger.Describe(n, h))
		}
	}
	return out, nil
}

// resolveMiddleware maps the configured middleware names, in order, onto
// registered middleware.
func resolveMiddleware(names []string, named map[string]xmessenger.Middleware) ([]xmessenger.Middleware, error) {
	out := make([]xmessenger.Middleware, 0, len(names))
	for _, n := range names {
		mw, ok := named[n]
		if !ok || mw == nil {
			return nil, xmessenger.Configurationf("middleware %q is not registered", n)
		}
		out = append(out, mw)
	}
	return out, nil
}

// LogFile returns the log file path, or "" when a custom logger is used.
func (c *Container) LogFile() string { return c.logPath }

// Worker returns a worker consuming the named transports. With no names it
// consumes every configured receiver except the failure transport.
// Failed messages are forwarded to the failure transport when one is configured.
func (c *Container) Worker(ctx context.Context, receivers ...string) (*xmessenger.Worker, error) {
	failure := xmessenger.NormalizeTransportName(c.Config.FailureTransport)
	if len(receivers) == 0 {
		for _, n := range c.Transports.Names() {
			if n != failure {
				receivers = append(receivers, n)
			}
		}
	}

	named := make([]xmessenger.NamedReceiver, 0, len(receivers))
	for _, n := range receivers {
		r, err := c.Transports.Receiver(ctx, n)
		if err != nil {
			return nil, err
		}
		named = append(named, xmessenger.NamedReceiver{Name: xmessenger.NormalizeTransportName(n), Receiver: r})
	}

	opts := []xmessenger.WorkerOption{
		xmessenger.WithBusRegistry(c.Buses),
		xmessenger.WithWorkerLogger(c.Logger),
		xmessenger.WithWorkerClock(c.Clock),
	}
	if failure != "" {
		ft, err := c.Transports.Resolve(ctx, failure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, xmessenger.WithFailureTransport(failure, ft))
	}
	if c.Cache != nil {
		opts = append(opts, xmessenger.WithRestartSignal(c.Cache))
	}
	return xmessenger.NewWorker(c.Bus, named, opts...)
}

// RequestWorkerRestart signals running workers to stop; a supervisor restarts them.
func (c *Container) RequestWorkerRestart(ctx context.Context) error {
	if c.Cache == nil {
		return xmessenger.Configurationf(`the "cachePath" variable is not defined, please specify where to store the cache`)
	}
	if err := c.Cache.RequestWorkerRestart(ctx); err != nil {
		return err
	}
	c.Logger.Info().Msg("xmessenger: worker restart requested")
	return nil
}

// Close closes the transports and the log file.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Transports != nil {
		errs = append(errs, c.Transports.Close(ctx))
	}
	if c.logFile != nil {
		errs = append(errs, c.logFile.Close())
	}
	return errors.Join(errs...)
}

func (c *Container) fail(ctx context.Context, err error) error {
	if cerr := c.Close(ctx); cerr != nil {
		return fmt.Errorf("%w (cleanup: %v)", err, cerr)
	}
	return err
}
