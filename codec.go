package xmessenger

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// JSONCodec is the default codec and the fallback for packets without an
// x-codec header.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory builds a codec for the name it was registered under.
type CodecFactory func() Codec

var codecs = struct {
	sync.RWMutex
	byName map[string]CodecFactory
}{byName: map[string]CodecFactory{
	"json": func() Codec { return JSONCodec{} },
}}

// RegisterCodec makes a codec available to NewCodec and to the serializer's
// x-codec lookup. Names are case-insensitive; re-registering a name replaces it.
func RegisterCodec(name string, factory CodecFactory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Configurationf("codec name must not be empty")
	}
	if factory == nil {
		return Configurationf("codec %q: nil factory", name)
	}
	codecs.Lock()
	codecs.byName[key] = factory
	codecs.Unlock()
	return nil
}

// NewCodec builds the codec registered under name.
func NewCodec(name string) (Codec, error) {
	codecs.RLock()
	f, ok := codecs.byName[strings.ToLower(strings.TrimSpace(name))]
	codecs.RUnlock()
	if !ok {
		return nil, Configurationf("codec %q is not registered (known: %s)", name, strings.Join(CodecNames(), ", "))
	}
	return f(), nil
}

// CodecNames lists registered codec names in sorted order.
func CodecNames() []string {
	codecs.RLock()
	defer codecs.RUnlock()
	out := make([]string, 0, len(codecs.byName))
	for n := range codecs.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
