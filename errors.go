package xmessenger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateTransport         = errors.New("xmessenger: transport already registered")
	ErrUnknownTransport           = errors.New("xmessenger: unknown transport")
	ErrUnknownTransportScheme     = errors.New("xmessenger: unknown transport DSN scheme")
	ErrUnknownMessageType         = errors.New("xmessenger: unknown message type")
	ErrUnknownBus                 = errors.New("xmessenger: unknown bus")
	ErrDuplicateBus               = errors.New("xmessenger: bus already registered")
	ErrNoHandlerForMessage        = errors.New("xmessenger: no handler for message")
	ErrRedeliveredMessageRejected = errors.New("xmessenger: redelivered message rejected")
	ErrNilMessage                 = errors.New("xmessenger: message must not be nil")
	ErrConfiguration              = errors.New("xmessenger: invalid configuration")
	ErrDefaultBusNotInitialized   = errors.New("xmessenger: default bus not initialized")
)

// ConfigurationError reports missing or inconsistent configuration.
// It matches ErrConfiguration with errors.Is.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xmessenger: configuration: %s: %v", e.Reason, e.Err)
	}
	return "xmessenger: configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configurationf builds a ConfigurationError with a formatted reason.
func Configurationf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// HandlerFailure is one handler error collected during the handle stage.
type HandlerFailure struct {
	Handler string
	Err     error
}

// HandlerFailedError wraps the errors returned by message handlers.
// Envelope holds the stamps accumulated up to the failure, including
// HandledStamps of the handlers that did succeed.
type HandlerFailedError struct {
	Envelope *Envelope
	Failures []HandlerFailure
}

func (e *HandlerFailedError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("xmessenger: handler %q failed: %v", f.Handler, f.Err)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%q: %v", f.Handler, f.Err))
	}
	return fmt.Sprintf("xmessenger: %d handlers failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every handler error to errors.Is / errors.As.
func (e *HandlerFailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Handlers returns the names of the failed handlers in invocation order.
func (e *HandlerFailedError) Handlers() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Handler)
	}
	return out
}

// TransportSendFailedError wraps a transport error raised while sending.
type TransportSendFailedError struct {
	Transport string
	Err       error
}

func (e *TransportSendFailedError) Error() string {
	return fmt.Sprintf("xmessenger: send to transport %q failed: %v", e.Transport, e.Err)
}

func (e *TransportSendFailedError) Unwrap() error { return e.Err }

// DelayedDispatchError collects failures of messages deferred with
// DispatchAfterCurrentBusStamp. The outer dispatch had already succeeded.
type DelayedDispatchError struct {
	Errs []error
}

func (e *DelayedDispatchError) Error() string {
	if len(e.Errs) == 1 {
		return "xmessenger: deferred dispatch failed: " + e.Errs[0].Error()
	}
	return fmt.Sprintf("xmessenger: %d deferred dispatches failed: %v", len(e.Errs), errors.Join(e.Errs...))
}

func (e *DelayedDispatchError) Unwrap() []error { return e.Errs }

// MessageFailedError carries the envelope of a failed dispatch, stamped with
// ErrorDetailsStamp. It is transparent: Error and Unwrap expose the cause.
type MessageFailedError struct {
	Envelope *Envelope
	Err      error
}

func (e *MessageFailedError) Error() string { return e.Err.Error() }

func (e *MessageFailedError) Unwrap() error { return e.Err }

// FailedEnvelope returns the stamped envelope carried by err, if any.
func FailedEnvelope(err error) (*Envelope, bool) {
	var mf *MessageFailedError
	if errors.As(err, &mf) && mf.Envelope != nil {
		return mf.Envelope, true
	}
	return nil, false
}
