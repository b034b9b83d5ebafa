package xmessenger

import (
	"reflect"
)

// Named lets a message choose its routing name instead of its Go type name.
type Named interface {
	MessageName() string
}

// MessageName returns the routing key of msg: MessageName() when implemented,
// otherwise the name of its dynamic type with pointers dereferenced.
// An *Envelope is unwrapped first.
//
// Matching is exact: embedding or implementing a routed type does not route
// a message to that type's senders or handlers.
func MessageName(msg any) string {
	if e, ok := msg.(*Envelope); ok && e != nil {
		msg = e.Message()
	}
	if msg == nil {
		return ""
	}
	if n, ok := msg.(Named); ok {
		return n.MessageName()
	}
	return typeName(reflect.TypeOf(msg))
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
