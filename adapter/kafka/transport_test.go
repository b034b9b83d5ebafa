package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmessenger"
)

func TestConfigFromDSN(t *testing.T) {
	dsn, err := xmessenger.ParseDSN("kafka://b1:9092/orders?brokers=b2:9092,%20b3:9092&group=billing&batch_size=50&async=true&poll_timeout=250ms")
	require.NoError(t, err)

	cfg := ConfigFromDSN(dsn)
	assert.Equal(t, []string{"b1:9092", "b2:9092", "b3:9092"}, cfg.Brokers)
	assert.Equal(t, "orders", cfg.Topic)
	assert.Equal(t, "billing", cfg.Group)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.True(t, cfg.Async)
	assert.Equal(t, 250*time.Millisecond, cfg.PollTimeout)
}

func TestConfigFromDSN_Defaults(t *testing.T) {
	dsn, err := xmessenger.ParseDSN("kafka://localhost:9092")
	require.NoError(t, err)

	cfg := ConfigFromDSN(dsn)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "messages", cfg.Topic)
	assert.Empty(t, cfg.Group)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.False(t, cfg.Async)
}

func TestOffsetID(t *testing.T) {
	p, o, err := parseOffsetID(offsetID(3, 1042))
	require.NoError(t, err)
	assert.Equal(t, 3, p)
	assert.Equal(t, int64(1042), o)

	for _, bad := range []string{"", "3", "x:1", "1:y"} {
		_, _, err := parseOffsetID(bad)
		assert.Error(t, err, bad)
	}
}

func TestGet_RequiresGroup(t *testing.T) {
	tr, err := NewTransport(Config{Brokers: []string{"localhost:9092"}, Topic: "orders"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	_, err = tr.Get(context.Background())
	assert.ErrorContains(t, err, "consumer group")
}

func TestNewTransport_Validates(t *testing.T) {
	_, err := NewTransport(Config{Topic: "orders"}, nil)
	assert.Error(t, err)

	_, err = NewTransport(Config{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
}

func TestSchemeRegistered(t *testing.T) {
	assert.Contains(t, xmessenger.TransportSchemes(), "kafka")
}
