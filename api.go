package xmessenger

import (
	"context"
)

// Next invokes the remainder of the pipeline.
type Next func(ctx context.Context, env *Envelope) (*Envelope, error)

// Middleware is one stage of the dispatch pipeline. A stage may act before
// and after calling next, or return without calling it to stop the chain.
type Middleware interface {
	Handle(ctx context.Context, env *Envelope, next Next) (*Envelope, error)
}

// Handler processes a message synchronously and may return a result,
// recorded on the envelope as a HandledStamp.
type Handler interface {
	Handle(ctx context.Context, msg any) (any, error)
}

// Sender is the send capability of a transport.
// Implementations return the envelope they sent, optionally with transport stamps added.
type Sender interface {
	Send(ctx context.Context, env *Envelope) (*Envelope, error)
}

// Receiver pulls envelopes from a transport. Envelopes returned by Get must
// carry a ReceivedStamp and whatever stamps the receiver needs to Ack/Reject them.
type Receiver interface {
	Get(ctx context.Context) ([]*Envelope, error)
	Ack(ctx context.Context, env *Envelope) error
	Reject(ctx context.Context, env *Envelope) error
}

// Transport is the Strategy interface for message brokers/backends.
// Receiving is optional: drivers that can consume also implement Receiver.
type Transport interface {
	Sender
	Close(ctx context.Context) error
}

// SetupableTransport is implemented by transports able to create their
// broker-side resources (queues, streams, tables).
type SetupableTransport interface {
	Setup(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Serializer turns envelopes into transport packets and back.
type Serializer interface {
	Encode(env *Envelope) (Packet, error)
	Decode(p Packet) (*Envelope, error)
}

// Observer receives bus lifecycle events. Implementations must be fast; they run inline.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Dispatcher is the dispatch surface of a bus.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg any, stamps ...Stamp) (*Envelope, error)
}

var (
	_ Dispatcher    = (*Bus)(nil)
	_ HealthChecker = (*Bus)(nil)
)
