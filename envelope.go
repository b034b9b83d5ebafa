package xmessenger

// Envelope pairs a message with an ordered list of stamps.
// Envelopes are immutable: With and WithoutAll return new envelopes and never
// touch the receiver, so one envelope can be shared freely across goroutines.
type Envelope struct {
	message any
	stamps  []Stamp
}

// NewEnvelope wraps msg with the given stamps.
func NewEnvelope(msg any, stamps ...Stamp) *Envelope {
	e := &Envelope{message: msg}
	return e.With(stamps...)
}

// Wrap returns msg as an envelope. An existing *Envelope is reused with the
// extra stamps appended; anything else becomes the message of a new envelope.
func Wrap(msg any, stamps ...Stamp) *Envelope {
	if e, ok := msg.(*Envelope); ok && e != nil {
		return e.With(stamps...)
	}
	return NewEnvelope(msg, stamps...)
}

// Message returns the wrapped message.
func (e *Envelope) Message() any { return e.message }

// Stamps returns a copy of all stamps in insertion order.
func (e *Envelope) Stamps() []Stamp {
	out := make([]Stamp, len(e.stamps))
	copy(out, e.stamps)
	return out
}

// With returns a new envelope carrying the receiver's stamps followed by stamps.
// Nil stamps are skipped.
func (e *Envelope) With(stamps ...Stamp) *Envelope {
	n := 0
	for _, s := range stamps {
		if s != nil {
			n++
		}
	}
	if n == 0 {
		return e
	}
	// CRITICAL: always copy, appending to e.stamps could alias a sibling envelope.
	next := make([]Stamp, len(e.stamps), len(e.stamps)+n)
	copy(next, e.stamps)
	for _, s := range stamps {
		if s != nil {
			next = append(next, s)
		}
	}
	return &Envelope{message: e.message, stamps: next}
}

// Last returns the most recently added stamp of type T.
func Last[T Stamp](e *Envelope) (T, bool) {
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if s, ok := e.stamps[i].(T); ok {
			return s, true
		}
	}
	var zero T
	return zero, false
}

// All returns every stamp of type T in insertion order.
func All[T Stamp](e *Envelope) []T {
	var out []T
	for _, s := range e.stamps {
		if v, ok := s.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether e carries at least one stamp of type T.
func Has[T Stamp](e *Envelope) bool {
	_, ok := Last[T](e)
	return ok
}

// WithoutAll returns a copy of e with every stamp of type T removed.
func WithoutAll[T Stamp](e *Envelope) *Envelope {
	next := make([]Stamp, 0, len(e.stamps))
	for _, s := range e.stamps {
		if _, ok := s.(T); ok {
			continue
		}
		next = append(next, s)
	}
	return &Envelope{message: e.message, stamps: next}
}
