package xmessenger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmessenger"
	"github.com/trickstertwo/xmessenger/adapter/memory"
)

type OrderCreated struct {
	OrderID string `json:"order_id"`
}

type OrderShipped struct {
	OrderID string `json:"order_id"`
}

type Ping struct {
	Seq int `json:"seq"`
}

// renamed routes under a name of its own choosing.
type renamed struct{}

func (renamed) MessageName() string { return "billing.invoice_issued" }

// fakeTransport records sends in a log shared by every fake in a test.
type fakeTransport struct {
	name    string
	log     *sendLog
	sendErr error
}

type sendLog struct {
	mu    sync.Mutex
	sends []string
}

func (l *sendLog) add(s string) {
	l.mu.Lock()
	l.sends = append(l.sends, s)
	l.mu.Unlock()
}

func (l *sendLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sends...)
}

func (f *fakeTransport) Send(_ context.Context, env *xmessenger.Envelope) (*xmessenger.Envelope, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.log.add(f.name + ":" + xmessenger.MessageName(env))
	return env, nil
}

func (f *fakeTransport) Close(context.Context) error { return nil }

var errBrokerDown = errors.New("broker down")

// newFakeRegistry registers one fake transport per name, sharing log.
func newFakeRegistry(t *testing.T, log *sendLog, names ...string) *xmessenger.TransportRegistry {
	t.Helper()
	r := xmessenger.NewTransportRegistry(xmessenger.TransportDeps{Logger: quietLogger()})
	for _, n := range names {
		require.NoError(t, r.Register(n, &fakeTransport{name: n, log: log}))
	}
	return r
}

func quietLogger() *xlog.Logger { return xlog.Default() }

func handlerNamed(calls *[]string, mu *sync.Mutex, name string) xmessenger.HandlerDescriptor {
	return xmessenger.Describe(name, xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
		mu.Lock()
		*calls = append(*calls, name)
		mu.Unlock()
		return name + "-done", nil
	}))
}

func failing(name string, err error) xmessenger.HandlerDescriptor {
	return xmessenger.Describe(name, xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
		return nil, err
	}))
}

func newMemory(t *testing.T, r *xmessenger.TransportRegistry, name string) *memory.Transport {
	t.Helper()
	mt := memory.NewTransport(memory.Config{BatchSize: 10}, nil)
	require.NoError(t, r.Register(name, mt))
	return mt
}
