package xmessenger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// NamedReceiver pairs a receiver with the transport name it is registered under.
type NamedReceiver struct {
	Name     string
	Receiver Receiver
}

// RestartSignal reports when workers were last asked to restart.
// The zero time means never.
type RestartSignal interface {
	RestartRequestedAt(ctx context.Context) (time.Time, error)
}

// Worker consumes envelopes from receivers and dispatches them on a bus.
// Successful dispatches are acked; failed ones are rejected and, when a
// failure transport is configured, forwarded to it first.
type Worker struct {
	bus         *Bus
	buses       *BusRegistry
	receivers   []NamedReceiver
	failureName string
	failure     Sender
	restart     RestartSignal
	sleep       time.Duration
	logger      *xlog.Logger
	clock       xclock.Clock
	stopped     atomic.Bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithFailureTransport forwards failed envelopes to s, registered as name.
func WithFailureTransport(name string, s Sender) WorkerOption {
	return func(w *Worker) {
		w.failureName = NormalizeTransportName(name)
		w.failure = s
	}
}

// WithBusRegistry routes received envelopes to the bus named by their BusNameStamp.
func WithBusRegistry(r *BusRegistry) WorkerOption {
	return func(w *Worker) { w.buses = r }
}

// WithRestartSignal stops Run once a restart is requested after the worker started.
func WithRestartSignal(s RestartSignal) WorkerOption {
	return func(w *Worker) { w.restart = s }
}

// WithSleep caps the pause between empty polls (default 1s). Pauses start
// short and grow exponentially while receivers stay empty.
func WithSleep(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.sleep = d
		}
	}
}

func WithWorkerLogger(l *xlog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithWorkerClock(c xclock.Clock) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWorker returns a worker polling receivers in the given order.
func NewWorker(bus *Bus, receivers []NamedReceiver, opts ...WorkerOption) (*Worker, error) {
	if bus == nil {
		return nil, Configurationf("worker requires a bus")
	}
	if len(receivers) == 0 {
		return nil, Configurationf("worker requires at least one receiver")
	}
	w := &Worker{
		bus:       bus,
		receivers: receivers,
		sleep:     time.Second,
		logger:    bus.logger,
		clock:     bus.clock,
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	return w, nil
}

// Stop makes Run return after the current iteration.
func (w *Worker) Stop() { w.stopped.Store(true) }

// Run polls until ctx is cancelled, Stop is called or a restart is requested.
func (w *Worker) Run(ctx context.Context) error {
	startedAt := w.clock.Now()
	idle := w.idleBackOff()
	w.logger.Info().Str("receivers", w.receiverNames()).Msg("xmessenger: worker started")
	defer w.logger.Info().Msg("xmessenger: worker stopped")

	for {
		if w.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		if w.restartRequested(ctx, startedAt) {
			w.logger.Info().Msg("xmessenger: worker restart requested")
			return nil
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("xmessenger: receive failed")
		}
		if n > 0 {
			idle.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idle.NextBackOff()):
		}
	}
}

func (w *Worker) idleBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(50*time.Millisecond, w.sleep)
	b.MaxInterval = w.sleep
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RunOnce fetches one batch from every receiver and processes it.
// Envelopes returned alongside a receive error are still processed; a
// receiver may decode part of a batch. It returns the number of envelopes
// processed and the joined receive errors.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, r := range w.receivers {
		envs, err := r.Receiver.Get(ctx)
		for _, env := range envs {
			if env == nil {
				continue
			}
			w.process(ctx, r, env)
			n++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("receiver %q: %w", r.Name, err))
		}
	}
	return n, errors.Join(errs...)
}

func (w *Worker) process(ctx context.Context, r NamedReceiver, env *Envelope) {
	// Receivers know the redelivery count, the worker knows the transport name.
	if rs, _ := Last[ReceivedStamp](env); rs.TransportName == "" {
		rs.TransportName = r.Name
		env = WithoutAll[ReceivedStamp](env).With(rs)
	}
	bus := w.bus
	if w.buses != nil {
		bus = w.buses.ForEnvelope(env, w.bus)
	}

	_, err := bus.Dispatch(ctx, env)
	var delayed *DelayedDispatchError
	if errors.As(err, &delayed) {
		// The received message itself was handled.
		w.logger.Warn().Err(err).Str("receiver", r.Name).Msg("xmessenger: deferred dispatch failed")
		err = nil
	}
	if err == nil {
		if aerr := r.Receiver.Ack(ctx, env); aerr != nil {
			w.logger.Warn().Err(aerr).Str("receiver", r.Name).Msg("xmessenger: ack failed")
		}
		return
	}

	w.logger.Warn().Err(err).
		Str("receiver", r.Name).
		Str("message", MessageName(env)).
		Msg("xmessenger: message handling failed")

	if w.shouldForward(r.Name, err) {
		w.forward(ctx, r.Name, env, err)
	}
	if rerr := r.Receiver.Reject(ctx, env); rerr != nil {
		w.logger.Warn().Err(rerr).Str("receiver", r.Name).Msg("xmessenger: reject failed")
	}
}

func (w *Worker) shouldForward(receiver string, err error) bool {
	if w.failure == nil {
		return false
	}
	if NormalizeTransportName(receiver) == w.failureName {
		return false
	}
	// A redelivery may already have been handled; forwarding could handle it twice.
	return !errors.Is(err, ErrRedeliveredMessageRejected)
}

func (w *Worker) forward(ctx context.Context, receiver string, env *Envelope, err error) {
	failed, ok := FailedEnvelope(err)
	if !ok {
		failed = env
	}
	failed = WithoutAll[ReceivedStamp](failed)
	failed = WithoutAll[TransportMessageIDStamp](failed)
	failed = WithoutAll[SentStamp](failed)
	failed = failed.With(SentToFailureTransportStamp{OriginalReceiver: receiver})

	if _, serr := w.failure.Send(ctx, failed); serr != nil {
		w.logger.Error().Err(serr).
			Str("receiver", receiver).
			Str("failure_transport", w.failureName).
			Msg("xmessenger: forward to failure transport failed")
		return
	}
	w.logger.Info().
		Str("receiver", receiver).
		Str("failure_transport", w.failureName).
		Str("message", MessageName(env)).
		Msg("xmessenger: message sent to failure transport")
}

func (w *Worker) restartRequested(ctx context.Context, startedAt time.Time) bool {
	if w.restart == nil {
		return false
	}
	at, err := w.restart.RestartRequestedAt(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("xmessenger: restart signal unavailable")
		return false
	}
	return !at.IsZero() && at.After(startedAt)
}

func (w *Worker) receiverNames() string {
	names := make([]string, 0, len(w.receivers))
	for _, r := range w.receivers {
		names = append(names, r.Name)
	}
	return strings.Join(names, ",")
}
