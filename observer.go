package xmessenger

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	DispatchStart EventType = "dispatch_start"
	DispatchDone  EventType = "dispatch_done"
	Sent          EventType = "sent"
	NoSender      EventType = "no_sender"
	Handled       EventType = "handled"
	HandlerFailed EventType = "handler_failed"
	Deferred      EventType = "deferred"
	Rejected      EventType = "rejected"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Bus         string
	MessageName string
	Transport   string
	Handler     string
	Duration    time.Duration
	Err         error
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("bus", e.Bus),
		xlog.Str("message", e.MessageName),
	)
	if e.Transport != "" {
		ev = ev.With(xlog.Str("transport", e.Transport))
	}
	if e.Handler != "" {
		ev = ev.With(xlog.Str("handler", e.Handler))
	}
	if e.Duration > 0 {
		ev = ev.With(xlog.Dur("duration", e.Duration))
	}
	if e.Err != nil {
		ev.Warn().Err(e.Err).Msg("xmessenger event")
		return
	}
	ev.Debug().Msg("xmessenger event")
}
