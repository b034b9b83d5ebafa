package xmessenger

import (
	"context"
	"fmt"
)

// FailurePolicy decides what the handle stage does after a handler fails.
type FailurePolicy int

const (
	// StopOnFirstFailure skips the remaining handlers and propagates the failure.
	StopOnFirstFailure FailurePolicy = iota
	// CollectAllFailures invokes every handler and reports all failures together.
	CollectAllFailures
)

func (p FailurePolicy) String() string {
	switch p {
	case CollectAllFailures:
		return "collect_all_failures"
	default:
		return "stop_on_first_failure"
	}
}

// handleStage invokes the resolved handlers in order. Handlers that already
// left a HandledStamp on the envelope are skipped.
type handleStage struct {
	bus *Bus
}

func (s handleStage) Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
	b := s.bus
	name := MessageName(env)
	handlers := b.handlers.Handlers(env)
	if len(handlers) == 0 {
		if Has[SentStamp](env) {
			return next(ctx, env)
		}
		return env, fmt.Errorf("%w: %q", ErrNoHandlerForMessage, name)
	}

	done := make(map[string]struct{})
	for _, hs := range All[HandledStamp](env) {
		done[hs.Handler] = struct{}{}
	}

	clock := clockOr(ctx, b.clock)
	var failures []HandlerFailure
	for _, h := range handlers {
		if _, ok := done[h.Name]; ok {
			continue
		}

		start := clock.Now()
		res, err := recoverHandler(ctx, h.Handler, env.Message())
		duration := clock.Since(start)
		if err != nil {
			b.notify(Event{Type: HandlerFailed, Bus: b.name, MessageName: name, Handler: h.Name, Duration: duration, Err: err})
			failures = append(failures, HandlerFailure{Handler: h.Name, Err: err})
			if b.failurePolicy == StopOnFirstFailure {
				break
			}
			continue
		}

		env = env.With(HandledStamp{Handler: h.Name, Result: res})
		b.metrics.handled.Add(1)
		b.notify(Event{Type: Handled, Bus: b.name, MessageName: name, Handler: h.Name, Duration: duration})
	}

	if len(failures) > 0 {
		return env, &HandlerFailedError{Envelope: env, Failures: failures}
	}
	return next(ctx, env)
}
