package xmessenger

import (
	"context"
	"sync"
)

// dispatchScope is the per call chain state of the after-current-bus stage.
// It lives in the context of the outermost dispatch and is shared by every
// nested dispatch made with a derived context, whatever bus they run on.
type dispatchScope struct {
	mu       sync.Mutex
	depth    int
	queue    []deferredDispatch
	flushing bool
}

type deferredDispatch struct {
	bus *Bus
	env *Envelope
}

func scopeFrom(ctx context.Context) (*dispatchScope, context.Context) {
	if s, ok := ctx.Value(scopeCtxKey).(*dispatchScope); ok {
		return s, ctx
	}
	s := &dispatchScope{}
	return s, context.WithValue(ctx, scopeCtxKey, s)
}

// afterCurrentBusStage queues envelopes stamped with DispatchAfterCurrentBusStamp
// while a dispatch is running on the same context, and re-dispatches them in
// FIFO order through their full pipeline once the outermost dispatch succeeded.
type afterCurrentBusStage struct {
	bus *Bus
}

func (s afterCurrentBusStage) Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
	scope, ctx := scopeFrom(ctx)

	scope.mu.Lock()
	if scope.depth > 0 && Has[DispatchAfterCurrentBusStamp](env) {
		scope.queue = append(scope.queue, deferredDispatch{bus: s.bus, env: env})
		scope.mu.Unlock()
		s.bus.metrics.deferred.Add(1)
		s.bus.notify(Event{Type: Deferred, Bus: s.bus.name, MessageName: MessageName(env)})
		return env, nil
	}
	mark := len(scope.queue)
	scope.depth++
	scope.mu.Unlock()

	out, err := next(ctx, env)

	scope.mu.Lock()
	scope.depth--
	if err != nil {
		// Only a failed outermost (or flushed) dispatch drops what it deferred.
		// A nested failure may be recovered by its caller.
		if scope.depth == 0 {
			scope.queue = scope.queue[:mark]
		}
		scope.mu.Unlock()
		return out, err
	}
	if scope.depth > 0 || scope.flushing {
		scope.mu.Unlock()
		return out, nil
	}
	scope.flushing = true
	scope.mu.Unlock()

	if errs := scope.flush(ctx); len(errs) > 0 {
		return out, &DelayedDispatchError{Errs: errs}
	}
	return out, nil
}

// flush drains the queue, including messages deferred by flushed dispatches.
func (s *dispatchScope) flush(ctx context.Context) []error {
	var errs []error
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.flushing = false
			s.mu.Unlock()
			return errs
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if _, err := d.bus.dispatch(ctx, d.env); err != nil {
			errs = append(errs, err)
		}
	}
}
