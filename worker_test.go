package xmessenger_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmessenger"
)

type workerFixture struct {
	bus     *xmessenger.Bus
	async   *memoryHandle
	failed  *memoryHandle
	handled atomic.Int32
	fail    atomic.Bool
}

type memoryHandle struct {
	name string
	tr   interface {
		xmessenger.Transport
		xmessenger.Receiver
		Len() int
		Sent() []*xmessenger.Envelope
		Acknowledged() []*xmessenger.Envelope
		Rejected() []*xmessenger.Envelope
		Requeue(context.Context, *xmessenger.Envelope) error
	}
}

func (h *memoryHandle) receiver() xmessenger.NamedReceiver {
	return xmessenger.NamedReceiver{Name: h.name, Receiver: h.tr}
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{}
	r := xmessenger.NewTransportRegistry(xmessenger.TransportDeps{})
	f.async = &memoryHandle{name: "async", tr: newMemory(t, r, "async")}
	f.failed = &memoryHandle{name: "failed", tr: newMemory(t, r, "failed")}

	bus, err := xmessenger.NewBusBuilder("main-bus").
		WithTransports(r).
		WithSenders(xmessenger.NewSendersLocator(map[string][]string{"OrderCreated": {"async"}})).
		WithHandlers(xmessenger.NewHandlersLocator(map[string][]xmessenger.HandlerDescriptor{
			"OrderCreated": {xmessenger.Describe("billing", xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
				if f.fail.Load() {
					return nil, errors.New("ledger offline")
				}
				f.handled.Add(1)
				return nil, nil
			}))},
		})).
		WithLogger(quietLogger()).
		Build()
	require.NoError(t, err)
	f.bus = bus
	return f
}

func (f *workerFixture) worker(t *testing.T, opts ...xmessenger.WorkerOption) *xmessenger.Worker {
	t.Helper()
	opts = append([]xmessenger.WorkerOption{
		xmessenger.WithFailureTransport("failed", f.failed.tr),
		xmessenger.WithWorkerLogger(quietLogger()),
	}, opts...)
	w, err := xmessenger.NewWorker(f.bus, []xmessenger.NamedReceiver{f.async.receiver()}, opts...)
	require.NoError(t, err)
	return w
}

func TestWorker_HandlesAndAcks(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.bus.Dispatch(ctx, OrderCreated{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.async.tr.Len())

	n, err := f.worker(t).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(3), f.handled.Load())
	assert.Len(t, f.async.tr.Acknowledged(), 3)
	assert.Empty(t, f.failed.tr.Sent())

	// Received envelopes are handled, never sent again.
	assert.Equal(t, 0, f.async.tr.Len())
	assert.Len(t, f.async.tr.Sent(), 3)
}

// partialReceiver returns what the wrapped receiver decoded together with a
// decode error, the way the SQL drivers report a batch with a corrupt row.
type partialReceiver struct {
	xmessenger.Receiver
	err error
}

func (p partialReceiver) Get(ctx context.Context) ([]*xmessenger.Envelope, error) {
	envs, err := p.Receiver.Get(ctx)
	if err != nil {
		return nil, err
	}
	return envs, p.err
}

func TestWorker_ProcessesEnvelopesReturnedWithReceiveError(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	_, err := f.bus.Dispatch(ctx, OrderCreated{OrderID: "good"})
	require.NoError(t, err)

	errCorrupt := errors.New("row 2: corrupt body")
	w, err := xmessenger.NewWorker(f.bus,
		[]xmessenger.NamedReceiver{{Name: "async", Receiver: partialReceiver{Receiver: f.async.tr, err: errCorrupt}}},
		xmessenger.WithWorkerLogger(quietLogger()))
	require.NoError(t, err)

	n, err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, errCorrupt)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), f.handled.Load())
	assert.Len(t, f.async.tr.Acknowledged(), 1)
	assert.Empty(t, f.async.tr.Rejected())
}

func TestWorker_ForwardsFailures(t *testing.T) {
	f := newWorkerFixture(t)
	f.fail.Store(true)
	ctx := context.Background()

	_, err := f.bus.Dispatch(ctx, OrderCreated{OrderID: "o-9"})
	require.NoError(t, err)

	_, err = f.worker(t).RunOnce(ctx)
	require.NoError(t, err)

	assert.Len(t, f.async.tr.Rejected(), 1)
	forwarded := f.failed.tr.Sent()
	require.Len(t, forwarded, 1)
	env := forwarded[0]

	assert.Equal(t, OrderCreated{OrderID: "o-9"}, env.Message())
	sf, ok := xmessenger.Last[xmessenger.SentToFailureTransportStamp](env)
	require.True(t, ok)
	assert.Equal(t, "async", sf.OriginalReceiver)
	assert.True(t, xmessenger.Has[xmessenger.ErrorDetailsStamp](env))
	assert.False(t, xmessenger.Has[xmessenger.ReceivedStamp](env))
	assert.False(t, xmessenger.Has[xmessenger.SentStamp](env))

	// Consuming the failure transport after a fix handles the message.
	f.fail.Store(false)
	w, err := xmessenger.NewWorker(f.bus, []xmessenger.NamedReceiver{f.failed.receiver()},
		xmessenger.WithFailureTransport("failed", f.failed.tr))
	require.NoError(t, err)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), f.handled.Load())
	assert.Len(t, f.failed.tr.Sent(), 1, "no forwarding loop")
}

func TestWorker_RedeliveryIsRejectedNotForwarded(t *testing.T) {
	f := newWorkerFixture(t)
	f.fail.Store(true)
	ctx := context.Background()

	_, err := f.bus.Dispatch(ctx, OrderCreated{})
	require.NoError(t, err)

	envs, err := f.async.tr.Get(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.NoError(t, f.async.tr.Requeue(ctx, envs[0]))

	_, err = f.worker(t).RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, f.async.tr.Rejected(), 1)
	assert.Empty(t, f.failed.tr.Sent())
	assert.Equal(t, uint64(1), f.bus.GetMetrics().Rejected)
}

func TestWorker_RoutesByBusNameStamp(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	var other atomic.Int32
	audit, err := xmessenger.NewBusBuilder("audit.bus").
		WithHandlers(xmessenger.NewHandlersLocator(map[string][]xmessenger.HandlerDescriptor{
			"OrderCreated": {xmessenger.Describe("audit", xmessenger.HandlerFunc(func(context.Context, any) (any, error) {
				other.Add(1)
				return nil, nil
			}))},
		})).
		WithLogger(quietLogger()).
		Build()
	require.NoError(t, err)

	buses := xmessenger.NewBusRegistry()
	require.NoError(t, buses.Register(f.bus))
	require.NoError(t, buses.Register(audit))

	_, err = f.async.tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{}, xmessenger.BusNameStamp{BusName: "audit.bus"}))
	require.NoError(t, err)
	_, err = f.async.tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{}, xmessenger.BusNameStamp{BusName: "gone.bus"}))
	require.NoError(t, err)

	n, err := f.worker(t, xmessenger.WithBusRegistry(buses)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(1), other.Load())
	assert.Equal(t, int32(1), f.handled.Load(), "unknown bus falls back to the worker bus")
}

func TestWorker_ReceivedStampNamesTransport(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	_, err := f.bus.Dispatch(ctx, OrderCreated{})
	require.NoError(t, err)

	var rs xmessenger.ReceivedStamp
	inspect := xmessenger.MiddlewareFunc(func(ctx context.Context, env *xmessenger.Envelope, next xmessenger.Next) (*xmessenger.Envelope, error) {
		rs, _ = xmessenger.Last[xmessenger.ReceivedStamp](env)
		return next(ctx, env)
	})
	bus, err := xmessenger.NewBusBuilder("inspect.bus").
		WithHandlers(xmessenger.NewHandlersLocator(map[string][]xmessenger.HandlerDescriptor{
			"OrderCreated": {xmessenger.Describe("noop", xmessenger.HandlerFunc(func(context.Context, any) (any, error) { return nil, nil }))},
		})).
		WithMiddleware(inspect).
		WithLogger(quietLogger()).
		Build()
	require.NoError(t, err)

	w, err := xmessenger.NewWorker(bus, []xmessenger.NamedReceiver{f.async.receiver()})
	require.NoError(t, err)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "async", rs.TransportName)
	assert.Equal(t, 0, rs.RedeliveryCount)
}

type restartAt struct{ at atomic.Int64 }

func (r *restartAt) RestartRequestedAt(context.Context) (time.Time, error) {
	n := r.at.Load()
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}

func TestWorker_RunStopsOnRestartSignal(t *testing.T) {
	f := newWorkerFixture(t)
	sig := &restartAt{}
	// A request older than the worker's start is ignored.
	sig.at.Store(time.Now().Add(-time.Hour).UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := f.worker(t, xmessenger.WithRestartSignal(sig), xmessenger.WithSleep(20*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, err := f.bus.Dispatch(ctx, OrderCreated{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	sig.at.Store(time.Now().UnixNano())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("worker ignored restart request")
	}
}

func TestWorker_RunStopsOnStopAndCancel(t *testing.T) {
	f := newWorkerFixture(t)

	w := f.worker(t, xmessenger.WithSleep(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	w.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker ignored Stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w = f.worker(t)
	go func() { done <- w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker ignored cancellation")
	}
}

func TestNewWorker_Validation(t *testing.T) {
	f := newWorkerFixture(t)
	_, err := xmessenger.NewWorker(nil, []xmessenger.NamedReceiver{f.async.receiver()})
	assert.ErrorIs(t, err, xmessenger.ErrConfiguration)
	_, err = xmessenger.NewWorker(f.bus, nil)
	assert.ErrorIs(t, err, xmessenger.ErrConfiguration)
}
