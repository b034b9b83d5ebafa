// Package cloudevents serializes envelopes as structured-mode CloudEvents.
//
// The message becomes the event data (application/json) and its name the
// event type. Persistent stamps travel as extensions, so any CloudEvents
// consumer can read the bus name and failure details.
package cloudevents

import (
	"encoding/json"
	"fmt"
	"strings"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xmessenger"
)

// ContentType of encoded packets.
const ContentType = "application/cloudevents+json"

// CodecName is written to the x-codec header.
const CodecName = "cloudevents"

// Serializer implements xmessenger.Serializer.
type Serializer struct {
	source string
	types  *xmessenger.TypeRegistry
	clock  xclock.Clock
	codec  xmessenger.JSONCodec
}

var _ xmessenger.Serializer = (*Serializer)(nil)

// Option configures a Serializer.
type Option func(*Serializer)

// WithClock sets the clock used for the event time.
func WithClock(c xclock.Clock) Option {
	return func(s *Serializer) {
		if c != nil {
			s.clock = c
		}
	}
}

// New returns a serializer emitting events with the given source.
func New(source string, reg *xmessenger.TypeRegistry, opts ...Option) *Serializer {
	if source == "" {
		source = "xmessenger"
	}
	if reg == nil {
		reg = xmessenger.NewTypeRegistry()
	}
	s := &Serializer{source: source, types: reg, clock: xclock.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Serializer) Encode(env *xmessenger.Envelope) (xmessenger.Packet, error) {
	if env == nil || env.Message() == nil {
		return xmessenger.Packet{}, xmessenger.ErrNilMessage
	}
	name := xmessenger.MessageName(env)

	e := ce.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(s.source)
	e.SetType(name)
	e.SetTime(s.clock.Now())
	if err := e.SetData(ce.ApplicationJSON, env.Message()); err != nil {
		return xmessenger.Packet{}, fmt.Errorf("cloudevents: encode %q: %w", name, err)
	}
	for k, v := range xmessenger.StampHeaders(env) {
		e.SetExtension(extensionName(k), v)
	}
	if err := e.Validate(); err != nil {
		return xmessenger.Packet{}, fmt.Errorf("cloudevents: invalid event %q: %w", name, err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return xmessenger.Packet{}, fmt.Errorf("cloudevents: marshal %q: %w", name, err)
	}
	return xmessenger.Packet{
		Body: body,
		Headers: map[string]string{
			xmessenger.HeaderType:  name,
			xmessenger.HeaderCodec: CodecName,
			"content-type":         ContentType,
		},
	}, nil
}

func (s *Serializer) Decode(p xmessenger.Packet) (*xmessenger.Envelope, error) {
	var e ce.Event
	if err := json.Unmarshal(p.Body, &e); err != nil {
		return nil, fmt.Errorf("cloudevents: unmarshal: %w", err)
	}
	msg, err := s.types.Decode(s.codec, e.Type(), e.Data())
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(e.Extensions()))
	for _, h := range stampHeaders {
		v, ok := e.Extensions()[extensionName(h)]
		if !ok {
			continue
		}
		str, err := types.ToString(v)
		if err != nil {
			return nil, fmt.Errorf("cloudevents: extension %s: %w", extensionName(h), err)
		}
		headers[h] = str
	}
	return xmessenger.NewEnvelope(msg, xmessenger.StampsFromHeaders(headers)...), nil
}

var stampHeaders = []string{
	xmessenger.HeaderBusName,
	xmessenger.HeaderErrorType,
	xmessenger.HeaderErrorMessage,
	xmessenger.HeaderFailedAt,
	xmessenger.HeaderOriginalReceiver,
}

// extensionName maps "x-bus-name" to "busname"; CloudEvents extension names are [a-z0-9].
func extensionName(header string) string {
	return strings.ReplaceAll(strings.TrimPrefix(header, "x-"), "-", "")
}
