package xmessenger

import (
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Header keys written by EnvelopeSerializer.
const (
	HeaderType             = "type"
	HeaderCodec            = "x-codec"
	HeaderBusName          = "x-bus-name"
	HeaderErrorType        = "x-error-type"
	HeaderErrorMessage     = "x-error-message"
	HeaderFailedAt         = "x-failed-at"
	HeaderOriginalReceiver = "x-original-receiver"
)

// Packet is the transport representation of an envelope.
type Packet struct {
	Body    []byte
	Headers map[string]string
}

// TypeRegistry maps message names back to Go types for decoding.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]registeredType
}

type registeredType struct {
	elem    reflect.Type
	pointer bool
}

// NewTypeRegistry returns a registry holding the types of samples.
// Pass a pointer sample (&OrderCreated{}) to decode into pointers.
func NewTypeRegistry(samples ...any) *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]registeredType)}
	for _, s := range samples {
		// Panic mirrors RegisterTransportFactory misuse in init().
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds the type of sample under MessageName(sample).
// Registering another type under an existing name is an error.
func (r *TypeRegistry) Register(sample any) error {
	if sample == nil {
		return ErrNilMessage
	}
	t := reflect.TypeOf(sample)
	rt := registeredType{elem: t}
	if t.Kind() == reflect.Pointer {
		rt = registeredType{elem: t.Elem(), pointer: true}
	}
	name := MessageName(sample)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.types[name]; ok && prev != rt {
		return fmt.Errorf("xmessenger: message name %q already registered for %s", name, prev.elem)
	}
	r.types[name] = rt
	return nil
}

// Decode unmarshals data into a new value of the type registered under name.
func (r *TypeRegistry) Decode(c Codec, name string, data []byte) (any, error) {
	r.mu.RLock()
	rt, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
	}
	ptr := reflect.New(rt.elem)
	if err := c.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("xmessenger: decode %q: %w", name, err)
	}
	if rt.pointer {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}

// EnvelopeSerializer encodes the message with a Codec and carries the
// persistent stamps as headers. Transient stamps (dispatch markers,
// handled/sent records) are not serialized.
type EnvelopeSerializer struct {
	codec Codec
	types *TypeRegistry
}

var _ Serializer = (*EnvelopeSerializer)(nil)

// NewSerializer returns a serializer; a nil codec selects JSONCodec.
func NewSerializer(c Codec, types *TypeRegistry) *EnvelopeSerializer {
	if c == nil {
		c = JSONCodec{}
	}
	if types == nil {
		types = NewTypeRegistry()
	}
	return &EnvelopeSerializer{codec: c, types: types}
}

// Types exposes the registry used for decoding.
func (s *EnvelopeSerializer) Types() *TypeRegistry { return s.types }

func (s *EnvelopeSerializer) Encode(env *Envelope) (Packet, error) {
	if env == nil || env.Message() == nil {
		return Packet{}, ErrNilMessage
	}
	body, err := s.codec.Marshal(env.Message())
	if err != nil {
		return Packet{}, fmt.Errorf("xmessenger: encode %q: %w", MessageName(env), err)
	}
	headers := StampHeaders(env)
	headers[HeaderType] = MessageName(env)
	headers[HeaderCodec] = s.codec.Name()
	return Packet{Body: body, Headers: headers}, nil
}

func (s *EnvelopeSerializer) Decode(p Packet) (*Envelope, error) {
	name := p.Headers[HeaderType]
	if name == "" {
		return nil, fmt.Errorf("%w: missing %q header", ErrUnknownMessageType, HeaderType)
	}
	// Packets written by a peer with another codec are still readable.
	c := s.codec
	if cn := p.Headers[HeaderCodec]; cn != "" && cn != c.Name() {
		alt, err := NewCodec(cn)
		if err != nil {
			return nil, fmt.Errorf("xmessenger: decode %q: %w", name, err)
		}
		c = alt
	}
	msg, err := s.types.Decode(c, name, p.Body)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(msg, StampsFromHeaders(p.Headers)...), nil
}

// StampHeaders renders the persistent stamps of env as headers.
func StampHeaders(env *Envelope) map[string]string {
	h := make(map[string]string, 8)
	if s, ok := Last[BusNameStamp](env); ok {
		h[HeaderBusName] = s.BusName
	}
	if s, ok := Last[ErrorDetailsStamp](env); ok {
		h[HeaderErrorType] = s.ErrorType
		h[HeaderErrorMessage] = s.Message
		h[HeaderFailedAt] = s.FailedAt.UTC().Format(time.RFC3339Nano)
	}
	if s, ok := Last[SentToFailureTransportStamp](env); ok {
		h[HeaderOriginalReceiver] = s.OriginalReceiver
	}
	return h
}

// StampsFromHeaders is the inverse of StampHeaders.
func StampsFromHeaders(h map[string]string) []Stamp {
	var out []Stamp
	if v := h[HeaderBusName]; v != "" {
		out = append(out, BusNameStamp{BusName: v})
	}
	if v := h[HeaderErrorType]; v != "" {
		s := ErrorDetailsStamp{ErrorType: v, Message: h[HeaderErrorMessage]}
		if at, err := time.Parse(time.RFC3339Nano, h[HeaderFailedAt]); err == nil {
			s.FailedAt = at
		}
		out = append(out, s)
	}
	if v := h[HeaderOriginalReceiver]; v != "" {
		out = append(out, SentToFailureTransportStamp{OriginalReceiver: v})
	}
	return out
}
