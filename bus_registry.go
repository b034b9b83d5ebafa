package xmessenger

import (
	"context"
	"fmt"
	"sync"
)

// BusRegistry holds named buses. Buses may share transports and resolvers
// but each owns its pipeline.
type BusRegistry struct {
	mu    sync.RWMutex
	buses map[string]*Bus
	order []string
}

func NewBusRegistry() *BusRegistry {
	return &BusRegistry{buses: make(map[string]*Bus)}
}

// Register adds b under b.Name(). A second bus with the same name is rejected
// and the first stays registered.
func (r *BusRegistry) Register(b *Bus) error {
	if b == nil {
		return Configurationf("bus must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buses[b.name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateBus, b.name)
	}
	r.buses[b.name] = b
	r.order = append(r.order, b.name)
	return nil
}

// Get returns the bus registered under name.
func (r *BusRegistry) Get(name string) (*Bus, error) {
	r.mu.RLock()
	b, ok := r.buses[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBus, name)
	}
	return b, nil
}

// Names returns bus names in registration order.
func (r *BusRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Dispatch dispatches msg on the bus registered under busName.
func (r *BusRegistry) Dispatch(ctx context.Context, busName string, msg any, stamps ...Stamp) (*Envelope, error) {
	b, err := r.Get(busName)
	if err != nil {
		return nil, err
	}
	return b.Dispatch(ctx, msg, stamps...)
}

// ForEnvelope returns the bus named by the envelope's BusNameStamp, or
// fallback when the stamp is absent or names an unknown bus.
func (r *BusRegistry) ForEnvelope(env *Envelope, fallback *Bus) *Bus {
	if s, ok := Last[BusNameStamp](env); ok {
		if b, err := r.Get(s.BusName); err == nil {
			return b
		}
	}
	return fallback
}
