package xmessenger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TransportRegistry resolves logical transport names to transport handles.
// Transports configured from a DSN are constructed on first Resolve and cached
// for the lifetime of the registry; concurrent first resolutions share one construction.
type TransportRegistry struct {
	deps TransportDeps

	mu      sync.RWMutex
	entries map[string]*transportEntry
	order   []string

	group singleflight.Group
}

type transportEntry struct {
	name     string
	dsn      DSN
	factory  TransportFactory
	instance Transport
}

// NewTransportRegistry returns an empty registry. deps are handed to every factory.
func NewTransportRegistry(deps TransportDeps) *TransportRegistry {
	return &TransportRegistry{
		deps:    deps.withDefaults(),
		entries: make(map[string]*transportEntry),
	}
}

// NormalizeTransportName folds a logical transport name to its registry key.
// Names are case-insensitive.
func NormalizeTransportName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register binds name to an already constructed transport.
func (r *TransportRegistry) Register(name string, t Transport) error {
	if t == nil {
		return Configurationf("transport %q is nil", name)
	}
	return r.add(&transportEntry{name: name, instance: t})
}

// Configure binds name to a DSN. The transport is built lazily by the
// factory registered for the DSN scheme.
func (r *TransportRegistry) Configure(name, dsn string) error {
	d, err := ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("transport %q: %w", name, err)
	}
	f, ok := lookupTransportFactory(d.Scheme)
	if !ok {
		return fmt.Errorf("transport %q: %w: %q", name, ErrUnknownTransportScheme, d.Scheme)
	}
	return r.add(&transportEntry{name: name, dsn: d, factory: f})
}

func (r *TransportRegistry) add(e *transportEntry) error {
	key := NormalizeTransportName(e.name)
	if key == "" {
		return Configurationf("transport name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTransport, e.name)
	}
	r.entries[key] = e
	r.order = append(r.order, key)
	return nil
}

// Has reports whether name is registered.
func (r *TransportRegistry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.entries[NormalizeTransportName(name)]
	r.mu.RUnlock()
	return ok
}

// Names returns the registered names in registration order.
func (r *TransportRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve returns the transport bound to name, constructing it on first use.
// A failed construction is not cached; the next Resolve tries again.
func (r *TransportRegistry) Resolve(ctx context.Context, name string) (Transport, error) {
	key := NormalizeTransportName(name)

	r.mu.RLock()
	e, ok := r.entries[key]
	var inst Transport
	if ok {
		inst = e.instance
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
	if inst != nil {
		return inst, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		cached := e.instance
		r.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		t, err := e.factory(ctx, e.dsn, r.deps)
		if err != nil {
			return nil, fmt.Errorf("xmessenger: construct transport %q (%s): %w", e.name, e.dsn, err)
		}

		r.mu.Lock()
		e.instance = t
		r.mu.Unlock()

		r.deps.Logger.Debug().Str("transport", e.name).Str("scheme", e.dsn.Scheme).Msg("xmessenger: transport constructed")
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Transport), nil
}

// Receiver resolves name and returns it as a Receiver when the driver can consume.
func (r *TransportRegistry) Receiver(ctx context.Context, name string) (Receiver, error) {
	t, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	rc, ok := t.(Receiver)
	if !ok {
		return nil, Configurationf("transport %q cannot receive messages", name)
	}
	return rc, nil
}

// Setup resolves every transport and creates broker-side resources where supported.
func (r *TransportRegistry) Setup(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		t, err := r.Resolve(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if s, ok := t.(SetupableTransport); ok {
			if err := s.Setup(ctx); err != nil {
				errs = append(errs, fmt.Errorf("setup transport %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every constructed transport. Lazily configured entries
// are reset and would be rebuilt by a later Resolve.
func (r *TransportRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	var open []*transportEntry
	for _, key := range r.order {
		e := r.entries[key]
		if e.instance == nil {
			continue
		}
		open = append(open, &transportEntry{name: e.name, instance: e.instance})
		if e.factory != nil {
			e.instance = nil
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range open {
		if err := e.instance.Close(ctx); err != nil {
			r.deps.Logger.Error().Err(err).Str("transport", e.name).Msg("xmessenger: transport close failed")
			errs = append(errs, fmt.Errorf("close transport %q: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}
