// Package sqlite provides a single-host queue transport stored in an SQLite
// file, on database/sql and mattn/go-sqlite3.
//
// Importing the package registers the "sqlite" DSN scheme:
//
//	sqlite:///var/lib/app/queue.db?table=messenger_messages&queue_name=default
//
// Claiming runs UPDATE ... RETURNING inside a BEGIN IMMEDIATE transaction, so
// concurrent workers never claim the same row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xmessenger"
)

func init() {
	if err := xmessenger.RegisterTransportFactory("sqlite", func(ctx context.Context, dsn xmessenger.DSN, deps xmessenger.TransportDeps) (xmessenger.Transport, error) {
		return NewTransport(ctx, ConfigFromDSN(dsn), deps.Serializer, deps.Clock)
	}); err != nil {
		panic(fmt.Errorf("xmessenger: failed to register transport sqlite: %w", err))
	}
}

// Config for the SQLite transport.
type Config struct {
	Path             string
	Table            string
	QueueName        string
	AutoSetup        bool
	RedeliverTimeout time.Duration
	BatchSize        int
	BusyTimeout      time.Duration
}

// ConfigFromDSN reads sqlite://[host]/path?table=&queue_name=&auto_setup=&redeliver_timeout=&batch_size=&busy_timeout=.
// sqlite://queue.db is relative, sqlite:///var/queue.db absolute.
func ConfigFromDSN(dsn xmessenger.DSN) Config {
	return Config{
		Path:             dsn.URL.Host + dsn.URL.Path,
		Table:            dsn.Query("table", "messenger_messages"),
		QueueName:        dsn.Query("queue_name", "default"),
		AutoSetup:        dsn.Bool("auto_setup", true),
		RedeliverTimeout: dsn.Duration("redeliver_timeout", time.Hour),
		BatchSize:        dsn.Int("batch_size", 1),
		BusyTimeout:      dsn.Duration("busy_timeout", 5*time.Second),
	}
}

// connString enables WAL and takes the write lock at BEGIN.
func (c Config) connString() string {
	return "file:" + c.Path +
		"?_journal_mode=WAL&_txlock=immediate&_busy_timeout=" +
		strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10)
}

// Transport stores envelopes as rows in one table.
type Transport struct {
	cfg        Config
	serializer xmessenger.Serializer
	clock      xclock.Clock
	db         *sql.DB
	table      string

	setupOnce sync.Once
	setupErr  error
	closed    atomic.Bool
}

var (
	_ xmessenger.Transport          = (*Transport)(nil)
	_ xmessenger.Receiver           = (*Transport)(nil)
	_ xmessenger.SetupableTransport = (*Transport)(nil)
)

// NewTransport opens the database file, creating it if needed.
func NewTransport(ctx context.Context, cfg Config, s xmessenger.Serializer, clock xclock.Clock) (*Transport, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: database path required")
	}
	if cfg.Table == "" || cfg.QueueName == "" {
		return nil, errors.New("sqlite: table and queue name required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if s == nil {
		s = xmessenger.NewSerializer(nil, nil)
	}
	if clock == nil {
		clock = xclock.Default()
	}

	db, err := sql.Open("sqlite3", cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	// One connection per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	return &Transport{
		cfg:        cfg,
		serializer: s,
		clock:      clock,
		db:         db,
		table:      quoteIdent(cfg.Table),
	}, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Setup creates the table and its polling index.
func (t *Transport) Setup(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t.table + ` (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	body           BLOB NOT NULL,
	headers        TEXT NOT NULL,
	queue_name     TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	available_at   INTEGER NOT NULL,
	delivered_at   INTEGER NULL,
	delivery_count INTEGER NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdent(t.cfg.Table+"_queue_idx") + ` ON ` + t.table + ` (queue_name, available_at, delivered_at)`,
	}
	for _, s := range stmts {
		if _, err := t.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("sqlite: setup %s: %w", t.cfg.Table, err)
		}
	}
	return nil
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
		return nil, errors.New("sqlite transport is closed")
	}
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}
	p, err := t.serializer.Encode(env)
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(p.Headers)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode headers: %w", err)
	}

	now := t.clock.Now().UnixNano()
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO `+t.table+` (body, headers, queue_name, created_at, available_at) VALUES (?, ?, ?, ?, ?)`,
		p.Body, string(headers), t.cfg.QueueName, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert into %s: %w", t.cfg.Table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert into %s: %w", t.cfg.Table, err)
	}
	return env.With(xmessenger.TransportMessageIDStamp{ID: strconv.FormatInt(id, 10)}), nil
}

// Get claims up to BatchSize available rows.
func (t *Transport) Get(ctx context.Context) ([]*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("sqlite transport is closed")
	}
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}

	// _txlock=immediate takes the write lock here, before the claim reads.
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := t.clock.Now()
	rows, err := tx.QueryContext(ctx, `
UPDATE `+t.table+`
SET delivered_at = ?, delivery_count = delivery_count + 1
WHERE id IN (
	SELECT id FROM `+t.table+`
	WHERE queue_name = ?
	  AND available_at <= ?
	  AND (delivered_at IS NULL OR delivered_at < ?)
	ORDER BY available_at, id
	LIMIT ?
)
RETURNING id, body, headers, delivery_count`,
		now.UnixNano(), t.cfg.QueueName, now.UnixNano(),
		now.Add(-t.cfg.RedeliverTimeout).UnixNano(), t.cfg.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim from %s: %w", t.cfg.Table, err)
	}

	type claimed struct {
		id       int64
		body     []byte
		headers  string
		attempts int
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.body, &c.headers, &c.attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		batch = append(batch, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: claim from %s: %w", t.cfg.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}

	var out []*xmessenger.Envelope
	var decodeErrs []error
	var undecodable []int64
	for _, c := range batch {
		var headers map[string]string
		if err := json.Unmarshal([]byte(c.headers), &headers); err != nil {
			decodeErrs = append(decodeErrs, fmt.Errorf("sqlite: decode headers of row %d: %w", c.id, err))
			undecodable = append(undecodable, c.id)
			continue
		}
		env, err := t.serializer.Decode(xmessenger.Packet{Body: c.body, Headers: headers})
		if err != nil {
			decodeErrs = append(decodeErrs, fmt.Errorf("sqlite: decode row %d: %w", c.id, err))
			undecodable = append(undecodable, c.id)
			continue
		}
		out = append(out, env.With(
			xmessenger.ReceivedStamp{RedeliveryCount: max(c.attempts-1, 0)},
			xmessenger.TransportMessageIDStamp{ID: strconv.FormatInt(c.id, 10)},
		))
	}
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
	s, ok := xmessenger.Last[xmessenger.TransportMessageIDStamp](env)
	if !ok {
		return errors.New("sqlite: envelope has no row id")
	}
	id, err := strconv.ParseInt(s.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("sqlite: invalid row id %q: %w", s.ID, err)
	}
	return t.deleteRow(ctx, id)
}

func (t *Transport) deleteRow(ctx context.Context, id int64) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete row %d: %w", id, err)
	}
	return nil
}

// Len counts the rows of this queue, claimed or not.
func (t *Transport) Len(ctx context.Context) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.table+` WHERE queue_name = ?`, t.cfg.QueueName).Scan(&n)
	return n, err
}

// Close closes the database.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.db.Close()
}
