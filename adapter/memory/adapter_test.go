package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmessenger"
)

type OrderCreated struct {
	OrderID string `json:"order_id"`
}

func TestConfigFromDSN(t *testing.T) {
	dsn, err := xmessenger.ParseDSN("memory://queue?batch_size=20&serialize=true")
	require.NoError(t, err)
	assert.Equal(t, Config{BatchSize: 20, Serialize: true}, ConfigFromDSN(dsn))

	dsn, err = xmessenger.ParseDSN("in-memory://?batch_size=-3")
	require.NoError(t, err)
	assert.Equal(t, Config{BatchSize: 1}, ConfigFromDSN(dsn))
}

func TestSendGetAck(t *testing.T) {
	tr := NewTransport(Config{BatchSize: 2}, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		out, err := tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{OrderID: id}))
		require.NoError(t, err)
		assert.True(t, xmessenger.Has[xmessenger.TransportMessageIDStamp](out))
	}
	assert.Equal(t, 3, tr.Len())

	batch, err := tr.Get(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, OrderCreated{OrderID: "a"}, batch[0].Message())
	assert.Equal(t, OrderCreated{OrderID: "b"}, batch[1].Message())
	assert.True(t, xmessenger.Has[xmessenger.ReceivedStamp](batch[0]))

	require.NoError(t, tr.Ack(ctx, batch[0]))
	require.NoError(t, tr.Reject(ctx, batch[1]))
	assert.Error(t, tr.Ack(ctx, batch[0]), "already settled")
	assert.Error(t, tr.Ack(ctx, xmessenger.NewEnvelope(OrderCreated{})), "no id")

	assert.Len(t, tr.Acknowledged(), 1)
	assert.Len(t, tr.Rejected(), 1)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, Stats{Sent: 3, Received: 2, Acked: 1, Rejected: 1}, tr.Stats())
}

func TestRequeueIncrementsRedeliveryCount(t *testing.T) {
	tr := NewTransport(Config{}, nil)
	ctx := context.Background()

	_, err := tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{OrderID: "a"}))
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		envs, err := tr.Get(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		rs, _ := xmessenger.Last[xmessenger.ReceivedStamp](envs[0])
		assert.Equal(t, want, rs.RedeliveryCount)
		require.NoError(t, tr.Requeue(ctx, envs[0]))
	}
	assert.Equal(t, uint64(3), tr.Stats().Redelivered)
}

func TestSerializeRoundTrip(t *testing.T) {
	s := xmessenger.NewSerializer(nil, xmessenger.NewTypeRegistry(OrderCreated{}))
	tr := NewTransport(Config{Serialize: true}, s)
	ctx := context.Background()

	_, err := tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{OrderID: "a"},
		xmessenger.BusNameStamp{BusName: "event.bus"},
		xmessenger.HandledStamp{Handler: "billing"},
	))
	require.NoError(t, err)

	envs, err := tr.Get(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, OrderCreated{OrderID: "a"}, envs[0].Message())
	assert.True(t, xmessenger.Has[xmessenger.BusNameStamp](envs[0]))
	assert.False(t, xmessenger.Has[xmessenger.HandledStamp](envs[0]))
}

func TestSerializeRejectsUnregisteredType(t *testing.T) {
	tr := NewTransport(Config{Serialize: true}, nil)
	ctx := context.Background()

	_, err := tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{OrderID: "a"}))
	require.NoError(t, err)

	_, err = tr.Get(ctx)
	assert.ErrorIs(t, err, xmessenger.ErrUnknownMessageType)
}

type Unregistered struct {
	Note string `json:"note"`
}

func TestUndecodableEntryIsDiscardedRestOfBatchDelivered(t *testing.T) {
	s := xmessenger.NewSerializer(nil, xmessenger.NewTypeRegistry(OrderCreated{}))
	tr := NewTransport(Config{BatchSize: 3, Serialize: true}, s)
	ctx := context.Background()

	for _, msg := range []any{OrderCreated{OrderID: "a"}, Unregistered{Note: "x"}, OrderCreated{OrderID: "c"}} {
		_, err := tr.Send(ctx, xmessenger.NewEnvelope(msg))
		require.NoError(t, err)
	}

	envs, err := tr.Get(ctx)
	assert.ErrorIs(t, err, xmessenger.ErrUnknownMessageType)
	require.Len(t, envs, 2)
	assert.Equal(t, OrderCreated{OrderID: "a"}, envs[0].Message())
	assert.Equal(t, OrderCreated{OrderID: "c"}, envs[1].Message())
	assert.Equal(t, 2, tr.InFlight())

	for _, env := range envs {
		require.NoError(t, tr.Ack(ctx, env))
	}
	assert.Equal(t, 0, tr.InFlight())
	assert.Equal(t, 0, tr.Len())
	st := tr.Stats()
	assert.Equal(t, uint64(2), st.Acked)
	assert.Equal(t, uint64(1), st.Discarded)
}

func TestClosed(t *testing.T) {
	tr := NewTransport(Config{}, nil)
	ctx := context.Background()
	_, err := tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{}))
	require.NoError(t, err)

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))
	assert.Equal(t, 0, tr.Len())

	_, err = tr.Send(ctx, xmessenger.NewEnvelope(OrderCreated{}))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Get(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSchemesRegistered(t *testing.T) {
	schemes := xmessenger.TransportSchemes()
	assert.Contains(t, schemes, "memory")
	assert.Contains(t, schemes, "in-memory")
}
