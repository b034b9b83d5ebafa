// Package nats provides a send-only NATS transport for xmessenger.
//
// Importing the package registers the "nats" DSN scheme:
//
//	nats://localhost:4222/orders.created?timeout=5s&flush=true
//
// The path is the subject, dots and all. Core NATS has no acknowledgements,
// so this transport does not implement Receiver.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/trickstertwo/xmessenger"
)

func init() {
	if err := xmessenger.RegisterTransportFactory("nats", func(_ context.Context, dsn xmessenger.DSN, deps xmessenger.TransportDeps) (xmessenger.Transport, error) {
		return NewTransport(ConfigFromDSN(dsn), deps.Serializer)
	}); err != nil {
		panic(fmt.Errorf("xmessenger: failed to register transport nats: %w", err))
	}
}

// Config for the NATS transport.
type Config struct {
	URL     string
	Subject string
	// Timeout bounds the initial connect and each flush.
	Timeout time.Duration
	// Flush waits for the server to process each publish.
	Flush bool
}

// ConfigFromDSN reads nats://[user:pass@]host:port/subject?timeout=&flush=.
func ConfigFromDSN(dsn xmessenger.DSN) Config {
	server := *dsn.URL
	server.Path, server.RawPath, server.RawQuery = "", "", ""

	return Config{
		URL:     server.String(),
		Subject: strings.Join(dsn.PathSegments(), "."),
		Timeout: dsn.Duration("timeout", 5*time.Second),
		Flush:   dsn.Bool("flush", false),
	}
}

// Transport publishes encoded envelopes to a subject.
type Transport struct {
	cfg        Config
	serializer xmessenger.Serializer
	conn       *nats.Conn
	closed     atomic.Bool
}

var _ xmessenger.Transport = (*Transport)(nil)

// NewTransport connects to the server.
func NewTransport(cfg Config, s xmessenger.Serializer) (*Transport, error) {
	if cfg.Subject == "" {
		return nil, errors.New("nats: subject required")
	}
	if s == nil {
		s = xmessenger.NewSerializer(nil, nil)
	}
	conn, err := nats.Connect(cfg.URL, nats.Timeout(cfg.Timeout), nats.Name("xmessenger"))
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return &Transport{cfg: cfg, serializer: s, conn: conn}, nil
}

// Send publishes env with its stamps carried as NATS headers.
func (t *Transport) Send(_ context.Context, env *xmessenger.Envelope) (*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("nats transport is closed")
	}
	p, err := t.serializer.Encode(env)
	if err != nil {
		return nil, err
	}

	msg := &nats.Msg{Subject: t.cfg.Subject, Data: p.Body, Header: nats.Header{}}
	for k, v := range p.Headers {
		msg.Header.Set(k, v)
	}
	if err := t.conn.PublishMsg(msg); err != nil {
		return nil, fmt.Errorf("nats: publish %s: %w", t.cfg.Subject, err)
	}
	if t.cfg.Flush {
		if err := t.conn.FlushTimeout(t.cfg.Timeout); err != nil {
			return nil, fmt.Errorf("nats: flush: %w", err)
		}
	}
	return env, nil
}

// Close closes the connection.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.conn.Close()
	return nil
}
