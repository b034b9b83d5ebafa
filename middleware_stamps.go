package xmessenger

import (
	"context"
	"errors"
	"fmt"
)

// busNameStage stamps the dispatching bus name unless a bus name is already present,
// so envelopes received from a transport keep the bus they were first dispatched on.
type busNameStage struct {
	name string
}

func (s busNameStage) Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
	if !Has[BusNameStamp](env) {
		env = env.With(BusNameStamp{BusName: s.name})
	}
	return next(ctx, env)
}

// rejectRedeliveredStage refuses envelopes a transport delivered more than
// maxRedeliveries times before. Redelivery policy belongs to the transport.
type rejectRedeliveredStage struct {
	bus             *Bus
	maxRedeliveries int
}

func (s rejectRedeliveredStage) Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
	rs, ok := Last[ReceivedStamp](env)
	if !ok || rs.RedeliveryCount <= s.maxRedeliveries {
		return next(ctx, env)
	}
	err := fmt.Errorf("%w: %q from transport %q (redelivery %d)",
		ErrRedeliveredMessageRejected, MessageName(env), rs.TransportName, rs.RedeliveryCount)
	s.bus.metrics.rejected.Add(1)
	s.bus.notify(Event{Type: Rejected, Bus: s.bus.name, MessageName: MessageName(env), Transport: rs.TransportName, Err: err})
	return env, err
}

// failureStage stamps ErrorDetailsStamp on the envelope of a failed dispatch
// and hands it back through MessageFailedError. The error is never swallowed.
type failureStage struct {
	bus *Bus
}

func (s failureStage) Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
	out, err := next(ctx, env)
	if err == nil {
		return out, nil
	}
	failed := env
	var hf *HandlerFailedError
	if errors.As(err, &hf) && hf.Envelope != nil {
		failed = hf.Envelope
	}
	failed = failed.With(ErrorDetailsStamp{
		ErrorType: errorType(err),
		Message:   err.Error(),
		FailedAt:  clockOr(ctx, s.bus.clock).Now(),
	})
	return failed, &MessageFailedError{Envelope: failed, Err: err}
}

// errorType names the Go type of the root cause of err.
func errorType(err error) string {
	var hf *HandlerFailedError
	if errors.As(err, &hf) && len(hf.Failures) > 0 {
		err = hf.Failures[0].Err
	}
	var sf *TransportSendFailedError
	if errors.As(err, &sf) {
		err = sf.Err
	}
	return fmt.Sprintf("%T", err)
}
