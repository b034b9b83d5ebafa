package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmessenger"
)

func init() {
	for _, scheme := range []string{"redis", "rediss"} {
		if err := xmessenger.RegisterTransportFactory(scheme, func(ctx context.Context, dsn xmessenger.DSN, deps xmessenger.TransportDeps) (xmessenger.Transport, error) {
			return NewTransport(ctx, ConfigFromDSN(dsn), deps.Serializer)
		}); err != nil {
			panic(fmt.Errorf("xmessenger: failed to register transport %q: %w", scheme, err))
		}
	}
}

// Transport sends to and receives from one Redis stream through a consumer group.
type Transport struct {
	cfg        Config
	client     *redis.Client
	serializer xmessenger.Serializer

	setupOnce sync.Once
	setupErr  error

	closed atomic.Bool

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	sent          atomic.Uint64
	received      atomic.Uint64
	redelivered   atomic.Uint64
	acked         atomic.Uint64
	rejected      atomic.Uint64
	sendErrors    atomic.Uint64
	receiveErrors atomic.Uint64
	discarded     atomic.Uint64
}

var (
	_ xmessenger.Transport          = (*Transport)(nil)
	_ xmessenger.Receiver           = (*Transport)(nil)
	_ xmessenger.SetupableTransport = (*Transport)(nil)
)

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(ctx context.Context, cfg Config, s xmessenger.Serializer) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 1,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newTransport(cfg, client, s), nil
}

// NewTransportWithClient wraps an existing client (shared pools, tests).
func NewTransportWithClient(cfg Config, client *redis.Client, s xmessenger.Serializer) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(cfg, client, s), nil
}

func newTransport(cfg Config, client *redis.Client, s xmessenger.Serializer) *Transport {
	if s == nil {
		s = xmessenger.NewSerializer(nil, nil)
	}
	return &Transport{
		cfg:        cfg,
		client:     client,
		serializer: s,
		metrics:    &transportMetrics{},
	}
}

// Setup creates the stream and consumer group (idempotent).
func (t *Transport) Setup(ctx context.Context) error {
	err := t.client.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %q on %q: %w", t.cfg.Group, t.cfg.Stream, err)
	}
	return nil
}

func (t *Transport) autoSetup(ctx context.Context) error {
	if !t.cfg.AutoCreate {
		return nil
	}
	t.setupOnce.Do(func() { t.setupErr = t.Setup(ctx) })
	return t.setupErr
}

// Send appends the encoded envelope to the stream with XADD.
func (t *Transport) Send(ctx context.Context, env *xmessenger.Envelope) (*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("redis transport is closed")
	}
	p, err := t.serializer.Encode(env)
	if err != nil {
		return nil, err
	}

	// Pre-size map to reduce rehashing: payload, sentAt + headers
	vals := make(map[string]any, 2+len(p.Headers))
	vals[fieldPayload] = p.Body
	vals[fieldSentAt] = time.Now().UnixNano()
	// Flatten headers to avoid nested map allocations
	for k, v := range p.Headers {
		vals[fieldMetaPrefix+k] = v
	}

	args := &redis.XAddArgs{
		Stream: t.cfg.Stream,
		ID:     "*", // Let Redis generate ID
		Values: vals,
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}

	id, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		t.metrics.sendErrors.Add(1)
		return nil, err
	}
	t.metrics.sent.Add(1)
	return env.With(xmessenger.TransportMessageIDStamp{ID: id}), nil
}

// Get returns up to BatchSize envelopes: claimed stale entries and this
// consumer's own pending entries first (as redeliveries), then new entries.
func (t *Transport) Get(ctx context.Context) ([]*xmessenger.Envelope, error) {
	if t.closed.Load() {
		return nil, errors.New("redis transport is closed")
	}
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}

	if t.cfg.ClaimMinIdle > 0 {
		envs, err := t.claim(ctx)
		if err != nil || len(envs) > 0 {
			return envs, err
		}
	}

	envs, err := t.read(ctx, "0", 1, -1)
	if err != nil || len(envs) > 0 {
		return envs, err
	}

	block := t.cfg.Block
	if block <= 0 {
		block = -1 // go-redis omits BLOCK for negative durations
	}
	return t.read(ctx, ">", 0, block)
}

func (t *Transport) read(ctx context.Context, from string, redelivery int, block time.Duration) ([]*xmessenger.Envelope, error) {
	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, from},
		Count:    int64(t.cfg.BatchSize),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block timeout (expected)
			return nil, nil
		}
		t.metrics.receiveErrors.Add(1)
		return nil, err
	}

	var msgs []redis.XMessage
	for _, stream := range res {
		msgs = append(msgs, stream.Messages...)
	}
	return t.decodeAll(ctx, msgs, func(string) int { return redelivery })
}

// claim takes over entries idle on any consumer for longer than ClaimMinIdle.
func (t *Transport) claim(ctx context.Context) ([]*xmessenger.Envelope, error) {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: t.cfg.Stream,
		Group:  t.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(t.cfg.BatchSize),
		Idle:   t.cfg.ClaimMinIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = int(p.RetryCount)
	}

	msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   t.cfg.Stream,
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	return t.decodeAll(ctx, msgs, func(id string) int { return max(1, deliveries[id]) })
}

// decodeAll decodes every entry. An entry that cannot be decoded would come
// back from the pending list on every Get, so it is acked and deleted, and
// its error is returned next to the decoded rest of the batch.
func (t *Transport) decodeAll(ctx context.Context, msgs []redis.XMessage, redelivery func(id string) int) ([]*xmessenger.Envelope, error) {
	var errs []error
	out := make([]*xmessenger.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, err := t.decode(msg, redelivery(msg.ID))
		if err != nil {
			errs = append(errs, err)
			if derr := t.discard(ctx, msg.ID); derr != nil {
				errs = append(errs, fmt.Errorf("redis: discard entry %s: %w", msg.ID, derr))
			}
			continue
		}
		out = append(out, env)
	}
	return out, errors.Join(errs...)
}

func (t *Transport) discard(ctx context.Context, id string) error {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, t.cfg.Stream, t.cfg.Group, id)
		pipe.XDel(ctx, t.cfg.Stream, id)
		return nil
	})
	if err != nil {
		return err
	}
	t.metrics.discarded.Add(1)
	return nil
}

func (t *Transport) decode(msg redis.XMessage, redelivery int) (*xmessenger.Envelope, error) {
	p := decodePacket(msg.Values)
	env, err := t.serializer.Decode(p)
	if err != nil {
		t.metrics.receiveErrors.Add(1)
		return nil, fmt.Errorf("redis: decode entry %s: %w", msg.ID, err)
	}
	t.metrics.received.Add(1)
	if redelivery > 0 {
		t.metrics.redelivered.Add(1)
	}
	return env.With(
		xmessenger.ReceivedStamp{RedeliveryCount: redelivery},
		xmessenger.TransportMessageIDStamp{ID: msg.ID},
	), nil
}

// decodePacket reconstructs a packet from Redis stream entry values.
func decodePacket(values map[string]any) xmessenger.Packet {
	p := xmessenger.Packet{Headers: make(map[string]string, len(values))}
	for k, v := range values {
		switch {
		case k == fieldPayload:
			switch b := v.(type) {
			case string:
				p.Body = []byte(b)
			case []byte:
				p.Body = b
			}
		case strings.HasPrefix(k, fieldMetaPrefix):
			if s, ok := v.(string); ok {
				p.Headers[strings.TrimPrefix(k, fieldMetaPrefix)] = s
			}
		}
	}
	return p
}

// Ack acknowledges the entry, deleting it when AutoDeleteOnAck is set.
func (t *Transport) Ack(ctx context.Context, env *xmessenger.Envelope) error {
	id, err := entryID(env)
	if err != nil {
		return err
	}
	if err := t.client.XAck(ctx, t.cfg.Stream, t.cfg.Group, id).Err(); err != nil {
		return err
	}
	t.metrics.acked.Add(1)
	// Optionally delete from stream after ack (saves memory)
	if t.cfg.AutoDeleteOnAck {
		return t.client.XDel(ctx, t.cfg.Stream, id).Err()
	}
	return nil
}

// Reject acknowledges and deletes the entry so it is never redelivered.
func (t *Transport) Reject(ctx context.Context, env *xmessenger.Envelope) error {
	id, err := entryID(env)
	if err != nil {
		return err
	}
	pipe := t.client.TxPipeline()
	pipe.XAck(ctx, t.cfg.Stream, t.cfg.Group, id)
	pipe.XDel(ctx, t.cfg.Stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	t.metrics.rejected.Add(1)
	return nil
}

func entryID(env *xmessenger.Envelope) (string, error) {
	s, ok := xmessenger.Last[xmessenger.TransportMessageIDStamp](env)
	if !ok || s.ID == "" {
		return "", errors.New("redis: envelope has no stream entry id")
	}
	return s.ID, nil
}

// Stats returns transport telemetry.
type Stats struct {
	Sent          uint64
	Received      uint64
	Redelivered   uint64
	Acked         uint64
	Rejected      uint64
	SendErrors    uint64
	ReceiveErrors uint64
	Discarded     uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Received:      t.metrics.received.Load(),
		Redelivered:   t.metrics.redelivered.Load(),
		Acked:         t.metrics.acked.Load(),
		Rejected:      t.metrics.rejected.Load(),
		SendErrors:    t.metrics.sendErrors.Load(),
		ReceiveErrors: t.metrics.receiveErrors.Load(),
		Discarded:     t.metrics.discarded.Load(),
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	return t.client.Close()
}

// Helper functions

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
