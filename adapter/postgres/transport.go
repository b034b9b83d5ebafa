// Package postgres provides a PostgreSQL queue transport for xmessenger on pgx.
//
// Importing the package registers the "postgres" and "postgresql" DSN schemes:
//
//	postgres://app:secret@db:5432/app?table=messenger_messages&queue_name=default
//
// Messages live in one table shared by all queues. Get claims rows with
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same row; a
// claimed row that is neither acked nor rejected becomes available again after
// redeliver_timeout.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trickstertwo/xmessenger"
)

func init() {
	for _, scheme := range []string{"postgres", "postgresql"} {
		if err := xmessenger.RegisterTransportFactory(scheme, func(ctx context.Context, dsn xmessenger.DSN, deps xmessenger.TransportDeps) (xmessenger.Transport, error) {
			return NewTransport(ctx, ConfigFromDSN(dsn), deps.Serializer)
		}); err != nil {
			panic(fmt.Errorf("xmessenger: failed to register transport %q: %w", scheme, err))
		}
	}
}

// transportKeys are consumed by the transport and never reach pgx.
var transportKeys = []string{"table", "queue_name", "auto_setup", "redeliver_timeout", "batch_size"}

// Config for the PostgreSQL transport.
type Config struct {
	// ConnString is handed to pgxpool unchanged.
	ConnString       string
	Table            string
	QueueName        string
	AutoSetup        bool
	RedeliverTimeout time.Duration
	BatchSize        int
}

// ConfigFromDSN splits transport options off the connection string.
func ConfigFromDSN(dsn xmessenger.DSN) Config {
	conn := *dsn.URL
	q := conn.Query()
	for _, k := range transportKeys {
		q.Del(k)
	}
	conn.RawQuery = q.Encode()

	return Config{
		ConnString:       conn.String(),
		Table:            dsn.Query("table", "messenger_messages"),
		QueueName:        dsn.Query("queue_name", "default"),
		AutoSetup:        dsn.Bool("auto_setup", true),
		RedeliverTimeout: dsn.Duration("redeliver_timeout", time.Hour),
		BatchSize:        dsn.Int("batch_size", 1),
	}
}

// Transport stores envelopes as rows.
type Transport struct {
	cfg        Config
	serializer xmessenger.Serializer
	pool       *pgxpool.Pool
	table      string
	ownsPool   bool

	setupOnce sync.Once
	setupErr  error
	closed    atomic.Bool
}

var (
	_ xmessenger.Transport          = (*Transport)(nil)
	_ xmessenger.Receiver           = (*Transport)(nil)
	_ xmessenger.SetupableTransport = (*Transport)(nil)
)

// NewTransport opens a pool for cfg.ConnString.
func NewTransport(ctx context.Context, cfg Config, s xmessenger.Serializer) (*Transport, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	t, err := NewTransportWithPool(pool, cfg, s)
	if err != nil {
		pool.Close()
		return nil, err
	}
	t.ownsPool = true
	return t, nil
}

// NewTransportWithPool uses an existing pool; Close leaves it open.
func NewTransportWithPool(pool *pgxpool.Pool, cfg Config, s xmessenger.Serializer) (*Transport, error) {
	if pool == nil {
		return nil, errors.New("postgres: nil pool")
	}
	if cfg.Table == "" || cfg.QueueName == "" {
		return nil, errors.New("postgres: table and queue name required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if s == nil {
		s = xmessenger.NewSerializer(nil, nil)
	}
	return &Transport{
		cfg:        cfg,
		serializer: s,
		pool:       pool,
		table:      pgx.Identifier{cfg.Table}.Sanitize(),
	}, nil
}

// Setup creates the table and its polling index.
func (t *Transport) Setup(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, createTableSQL(t.table, t.cfg.Table))
	if err != nil {
		return fmt.Errorf("postgres: create table %s: %w", t.cfg.Table, err)
	}
	return nil
}

func createTableSQL(table, raw string) string {
	index := pgx.Identifier{raw + "_queue_idx"}.Sanitize()
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id             BIGSERIAL PRIMARY KEY,
	body           BYTEA NOT NULL,
	headers        JSONB NOT NULL,
	queue_name     VARCHAR(190) NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	available_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at   TIMESTAMPTZ NULL,
	delivery_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + table + ` (queue_name, available_at, delivered_at);`
}

func (t *Transport) autoSetup(ctx context.Context) error {
	if !t.cfg.AutoSetup {
		return nil
	}
	t.setupOnce.Do(func() { t.setupErr = t.Setup(ctx) })
	return t.setupErr
}

// Send inserts env and stamps the row id.
func (t *Transport) Send(ctx context.Context, env *xmessenger.Envelope) (*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("postgres transport is closed")
	}
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}
	p, err := t.serializer.Encode(env)
	if err != nil {
		return nil, err
	}

	var id int64
	err = t.pool.QueryRow(ctx,
		`INSERT INTO `+t.table+` (body, headers, queue_name) VALUES ($1, $2, $3) RETURNING id`,
		p.Body, p.Headers, t.cfg.QueueName,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert into %s: %w", t.cfg.Table, err)
	}
	return env.With(xmessenger.TransportMessageIDStamp{ID: strconv.FormatInt(id, 10)}), nil
}

// Get claims up to BatchSize available rows. Rows that cannot be decoded are
// deleted and reported next to the decoded rest of the batch.
func (t *Transport) Get(ctx context.Context) ([]*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("postgres transport is closed")
	}
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}

	rows, err := t.pool.Query(ctx, `
WITH next AS (
	SELECT id FROM `+t.table+`
	WHERE queue_name = $1
	  AND available_at <= now()
	  AND (delivered_at IS NULL OR delivered_at < now() - make_interval(secs => $2))
	ORDER BY available_at, id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE `+t.table+` AS m
SET delivered_at = now(), delivery_count = m.delivery_count + 1
FROM next
WHERE m.id = next.id
RETURNING m.id, m.body, m.headers, m.delivery_count`,
		t.cfg.QueueName, t.cfg.RedeliverTimeout.Seconds(), t.cfg.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim from %s: %w", t.cfg.Table, err)
	}
	defer rows.Close()

	var out []*xmessenger.Envelope
	var decodeErrs []error
	var undecodable []int64
	for rows.Next() {
		var (
			id       int64
			body     []byte
			headers  map[string]string
			attempts int
		)
		if err := rows.Scan(&id, &body, &headers, &attempts); err != nil {
			return out, fmt.Errorf("postgres: scan: %w", err)
		}
		env, err := t.serializer.Decode(xmessenger.Packet{Body: body, Headers: headers})
		if err != nil {
			decodeErrs = append(decodeErrs, fmt.Errorf("postgres: decode row %d: %w", id, err))
			undecodable = append(undecodable, id)
			continue
		}
		out = append(out, env.With(
			xmessenger.ReceivedStamp{RedeliveryCount: max(attempts-1, 0)},
			xmessenger.TransportMessageIDStamp{ID: strconv.FormatInt(id, 10)},
		))
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("postgres: claim from %s: %w", t.cfg.Table, err)
	}
	rows.Close()
	for _, id := range undecodable {
		if err := t.deleteRow(ctx, id); err != nil {
			decodeErrs = append(decodeErrs, err)
		}
	}
	return out, errors.Join(decodeErrs...)
}

// Ack deletes the row.
func (t *Transport) Ack(ctx context.Context, env *xmessenger.Envelope) error {
	return t.delete(ctx, env)
}

// Reject deletes the row.
func (t *Transport) Reject(ctx context.Context, env *xmessenger.Envelope) error {
	return t.delete(ctx, env)
}

func (t *Transport) delete(ctx context.Context, env *xmessenger.Envelope) error {
	id, err := rowID(env)
	if err != nil {
		return err
	}
	return t.deleteRow(ctx, id)
}

func (t *Transport) deleteRow(ctx context.Context, id int64) error {
	if _, err := t.pool.Exec(ctx, `DELETE FROM `+t.table+` WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete row %d: %w", id, err)
	}
	return nil
}

func rowID(env *xmessenger.Envelope) (int64, error) {
	s, ok := xmessenger.Last[xmessenger.TransportMessageIDStamp](env)
	if !ok {
		return 0, errors.New("postgres: envelope has no row id")
	}
	id, err := strconv.ParseInt(s.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: invalid row id %q: %w", s.ID, err)
	}
	return id, nil
}

// Close closes the pool if the transport opened it.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.ownsPool {
		t.pool.Close()
	}
	return nil
}

