package xmessenger

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.RWMutex
)

// Default returns the process-wide Bus installed with SetDefault.
func Default() (*Bus, error) {
	defaultBusMu.RLock()
	defer defaultBusMu.RUnlock()
	if defaultBus == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xmessenger: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Dispatch is the Facade using the default bus.
func Dispatch(ctx context.Context, msg any, stamps ...Stamp) (*Envelope, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.Dispatch(ctx, msg, stamps...)
}
