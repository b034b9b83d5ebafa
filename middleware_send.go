package xmessenger

import (
	"context"
)

// sendStage sends the envelope to every transport the senders resolver names,
// in order, and ends the pipeline unless SendAndHandleStamp asks for local
// handling too. Received envelopes are never sent again.
type sendStage struct {
	bus *Bus
}

func (s sendStage) Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
	if Has[ReceivedStamp](env) {
		return next(ctx, env)
	}

	b := s.bus
	name := MessageName(env)
	targets := b.senders.Senders(env)
	if len(targets) == 0 {
		loggerOr(ctx, b.logger).Warn().
			Str("bus", b.name).
			Str("message", name).
			Msg("xmessenger: no sender for message")
		b.notify(Event{Type: NoSender, Bus: b.name, MessageName: name})
		return next(ctx, env)
	}

	clock := clockOr(ctx, b.clock)
	for _, target := range targets {
		t, err := b.transports.Resolve(ctx, target)
		if err != nil {
			b.notify(Event{Type: Sent, Bus: b.name, MessageName: name, Transport: target, Err: err})
			return env, &TransportSendFailedError{Transport: target, Err: err}
		}

		start := clock.Now()
		out, err := t.Send(ctx, env)
		duration := clock.Since(start)
		b.notify(Event{Type: Sent, Bus: b.name, MessageName: name, Transport: target, Duration: duration, Err: err})
		if err != nil {
			return env, &TransportSendFailedError{Transport: target, Err: err}
		}
		if out == nil {
			out = env
		}
		env = out.With(SentStamp{Transport: target})
		b.metrics.sent.Add(1)
	}

	if !Has[SendAndHandleStamp](env) {
		return env, nil
	}
	return next(ctx, env)
}
