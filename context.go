package xmessenger

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xmessenger (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "xmessenger:logger"
	clockCtxKey  ctxKey = "xmessenger:clock"
	busCtxKey    ctxKey = "xmessenger:bus"
	scopeCtxKey  ctxKey = "xmessenger:dispatch-scope"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the logger of the bus currently dispatching on ctx.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext returns the clock of the bus currently dispatching on ctx.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectBus(ctx context.Context, b *Bus) context.Context {
	return context.WithValue(ctx, busCtxKey, b)
}

// BusFromContext returns the bus currently dispatching on ctx.
func BusFromContext(ctx context.Context) (*Bus, bool) {
	b, ok := ctx.Value(busCtxKey).(*Bus)
	return b, ok && b != nil
}

// InjectAll attaches logger and clock the way a dispatching bus does, so a
// handler can also be called directly. Nil values are skipped.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}

func loggerOr(ctx context.Context, fallback *xlog.Logger) *xlog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return fallback
}

func clockOr(ctx context.Context, fallback xclock.Clock) xclock.Clock {
	if c, ok := ClockFromContext(ctx); ok {
		return c
	}
	if fallback != nil {
		return fallback
	}
	return xclock.Default()
}
