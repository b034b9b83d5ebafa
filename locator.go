package xmessenger

import (
	"context"
	"fmt"
)

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc func(ctx context.Context, msg any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg any) (any, error) { return f(ctx, msg) }

// TypedHandlerFunc adapts a function taking a concrete message type.
// Both T and *T messages are accepted.
type TypedHandlerFunc[T any] func(ctx context.Context, msg T) (any, error)

func (f TypedHandlerFunc[T]) Handle(ctx context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case T:
		return f(ctx, m)
	case *T:
		if m != nil {
			return f(ctx, *m)
		}
	}
	var zero T
	return nil, fmt.Errorf("xmessenger: handler expects %T, got %T", zero, msg)
}

// HandlerDescriptor names a handler; the name identifies it in stamps and errors.
type HandlerDescriptor struct {
	Name    string
	Handler Handler
}

// Describe pairs a handler with its name.
func Describe(name string, h Handler) HandlerDescriptor {
	return HandlerDescriptor{Name: name, Handler: h}
}

// HandlersResolver maps a message to its ordered in-process handlers.
type HandlersResolver interface {
	Handlers(env *Envelope) []HandlerDescriptor
}

// SendersResolver maps a message to the ordered names of the transports it is sent to.
type SendersResolver interface {
	Senders(env *Envelope) []string
}

// HandlersLocator is a HandlersResolver backed by a flat map keyed by MessageName.
// It is immutable once built.
type HandlersLocator struct {
	handlers map[string][]HandlerDescriptor
}

// NewHandlersLocator copies m into a new locator.
func NewHandlersLocator(m map[string][]HandlerDescriptor) *HandlersLocator {
	cp := make(map[string][]HandlerDescriptor, len(m))
	for name, hs := range m {
		list := make([]HandlerDescriptor, 0, len(hs))
		for _, h := range hs {
			if h.Handler != nil {
				list = append(list, h)
			}
		}
		cp[name] = list
	}
	return &HandlersLocator{handlers: cp}
}

func (l *HandlersLocator) Handlers(env *Envelope) []HandlerDescriptor {
	if l == nil {
		return nil
	}
	return l.handlers[MessageName(env)]
}

// SendersLocator is a SendersResolver backed by a flat map keyed by MessageName.
// It is immutable once built.
type SendersLocator struct {
	senders map[string][]string
}

// NewSendersLocator copies m into a new locator.
func NewSendersLocator(m map[string][]string) *SendersLocator {
	cp := make(map[string][]string, len(m))
	for name, ts := range m {
		list := make([]string, len(ts))
		copy(list, ts)
		cp[name] = list
	}
	return &SendersLocator{senders: cp}
}

func (l *SendersLocator) Senders(env *Envelope) []string {
	if l == nil {
		return nil
	}
	return l.senders[MessageName(env)]
}

// TransportNames returns every transport name referenced by the locator.
func (l *SendersLocator) TransportNames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ts := range l.senders {
		for _, t := range ts {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
