package xmessenger

import (
	"context"
	"fmt"
)

// MiddlewareFunc is an Adapter that lets a plain function satisfy Middleware.
type MiddlewareFunc func(ctx context.Context, env *Envelope, next Next) (*Envelope, error)

func (f MiddlewareFunc) Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
	return f(ctx, env, next)
}

// stack runs an ordered list of stages. Each stage receives a continuation
// bound to the following index; the end of the stack returns the envelope as is.
type stack []Middleware

func (s stack) run(ctx context.Context, env *Envelope) (*Envelope, error) {
	return s.next(0)(ctx, env)
}

func (s stack) next(i int) Next {
	return func(ctx context.Context, env *Envelope) (*Envelope, error) {
		if i >= len(s) {
			return env, nil
		}
		return s[i].Handle(ctx, env, s.next(i+1))
	}
}

// Chain composes middlewares into a single stage running them in order.
// Nil entries are skipped.
func Chain(mws ...Middleware) Middleware {
	var s stack
	for _, m := range mws {
		if m != nil {
			s = append(s, m)
		}
	}
	return MiddlewareFunc(func(ctx context.Context, env *Envelope, next Next) (*Envelope, error) {
		if len(s) == 0 {
			return next(ctx, env)
		}
		inner := append(stack(nil), s...)
		inner = append(inner, MiddlewareFunc(func(ctx context.Context, env *Envelope, _ Next) (*Envelope, error) {
			return next(ctx, env)
		}))
		return inner.run(ctx, env)
	})
}

// recoverHandler invokes h and converts a panic into an error.
func recoverHandler(ctx context.Context, h Handler, msg any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}
