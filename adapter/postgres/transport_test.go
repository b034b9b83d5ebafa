package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmessenger"
)

func TestConfigFromDSN(t *testing.T) {
	dsn, err := xmessenger.ParseDSN("postgres://app:secret@db:5432/app?sslmode=disable&table=jobs&queue_name=billing&auto_setup=false&redeliver_timeout=30m&batch_size=10")
	require.NoError(t, err)

	cfg := ConfigFromDSN(dsn)
	assert.Equal(t, "postgres://app:secret@db:5432/app?sslmode=disable", cfg.ConnString)
	assert.Equal(t, "jobs", cfg.Table)
	assert.Equal(t, "billing", cfg.QueueName)
	assert.False(t, cfg.AutoSetup)
	assert.Equal(t, 30*time.Minute, cfg.RedeliverTimeout)
	assert.Equal(t, 10, cfg.BatchSize)
}

func TestConfigFromDSN_Defaults(t *testing.T) {
	dsn, err := xmessenger.ParseDSN("postgresql://localhost/app")
	require.NoError(t, err)

	cfg := ConfigFromDSN(dsn)
	assert.Equal(t, "postgresql://localhost/app", cfg.ConnString)
	assert.Equal(t, "messenger_messages", cfg.Table)
	assert.Equal(t, "default", cfg.QueueName)
	assert.True(t, cfg.AutoSetup)
	assert.Equal(t, time.Hour, cfg.RedeliverTimeout)
	assert.Equal(t, 1, cfg.BatchSize)
}

func TestCreateTableSQL_QuotesIdentifiers(t *testing.T) {
	sql := createTableSQL(`"odd""name"`, `odd"name`)
	assert.Contains(t, sql, `CREATE TABLE IF NOT EXISTS "odd""name"`)
	assert.Contains(t, sql, `"odd""name_queue_idx"`)
	assert.Contains(t, sql, "delivery_count")
}

func TestRowID(t *testing.T) {
	id, err := rowID(xmessenger.NewEnvelope(struct{}{}, xmessenger.TransportMessageIDStamp{ID: "17"}))
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)

	_, err = rowID(xmessenger.NewEnvelope(struct{}{}))
	assert.Error(t, err)
}

func TestNewTransportWithPool_Validates(t *testing.T) {
	_, err := NewTransportWithPool(nil, Config{Table: "t", QueueName: "q"}, nil)
	assert.Error(t, err)
}

func TestSchemesRegistered(t *testing.T) {
	assert.Contains(t, xmessenger.TransportSchemes(), "postgres")
	assert.Contains(t, xmessenger.TransportSchemes(), "postgresql")
}
